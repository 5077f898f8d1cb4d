package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_FiltersByChannel(t *testing.T) {
	b := NewBroker(4)
	jobs, err := b.Subscribe(ChannelJobs)
	require.NoError(t, err)
	all, err := b.Subscribe()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Broadcast(ctx, Message{Channel: ChannelCompanies, Event: "updated"}))
	require.NoError(t, b.Broadcast(ctx, Message{Channel: ChannelJobs, Event: "created", Payload: json.RawMessage(`{"uuid":"j1"}`)}))

	msg := <-jobs.C
	assert.Equal(t, "created", msg.Event)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Len(t, jobs.C, 0)

	assert.Len(t, all.C, 2)
	assert.Equal(t, int64(2), b.Published())
}

func TestBroker_SlowSubscriberDropsMessages(t *testing.T) {
	b := NewBroker(1)
	sub, err := b.Subscribe(ChannelJobs)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Broadcast(context.Background(), Message{Channel: ChannelJobs}))
	}
	assert.Equal(t, int64(2), sub.Dropped())
}

func TestBroker_Stop(t *testing.T) {
	b := NewBroker(1)
	sub, err := b.Subscribe()
	require.NoError(t, err)

	b.Stop()
	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())

	assert.ErrorIs(t, b.Broadcast(context.Background(), Message{Channel: ChannelJobs}), ErrBrokerStopped)
	_, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrBrokerStopped)

	b.Unsubscribe(sub)
}
