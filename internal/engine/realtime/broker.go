package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Channels that carry entity change notifications.
const (
	ChannelJobs        = "jobs"
	ChannelCompanies   = "companies"
	ChannelActivities  = "job_activities"
	ChannelAttachments = "attachments"
	ChannelStaff       = "staff"
)

var ErrBrokerStopped = errors.New("realtime: broker stopped")

// Message is one broadcast: {channel, event, payload}.
type Message struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscription receives messages for the channels it was created with.
type Subscription struct {
	C        <-chan Message
	ch       chan Message
	channels map[string]struct{}
	dropped  atomic.Int64
}

func (s *Subscription) wants(channel string) bool {
	if len(s.channels) == 0 {
		return true
	}
	_, ok := s.channels[channel]
	return ok
}

// Dropped counts messages discarded because the subscriber fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Broker fans messages out to subscribers without blocking the publisher. A
// subscriber with a full buffer misses the message.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	bufferSize  int
	stopped     bool
	published   atomic.Int64
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broker{
		subscribers: make(map[*Subscription]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber. With no channels it receives everything.
func (b *Broker) Subscribe(channels ...string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil, ErrBrokerStopped
	}

	ch := make(chan Message, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch, channels: make(map[string]struct{}, len(channels))}
	for _, c := range channels {
		if c != "" {
			sub.channels[c] = struct{}{}
		}
	}
	b.subscribers[sub] = struct{}{}
	return sub, nil
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Broadcast delivers msg to every interested subscriber.
func (b *Broker) Broadcast(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return ErrBrokerStopped
	}

	b.published.Add(1)
	for sub := range b.subscribers {
		if !sub.wants(msg.Channel) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Stop closes every subscription. Later broadcasts fail with ErrBrokerStopped.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true
	for sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = map[*Subscription]struct{}{}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) Published() int64 {
	return b.published.Load()
}
