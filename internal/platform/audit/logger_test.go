package audit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"fieldsync/internal/platform/database/dbtest"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_LogAndList(t *testing.T) {
	db := dbtest.New(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLogger(db, clock)
	ctx := context.Background()

	r := httptest.NewRequest("POST", "/api/v1/webhooks/retry", nil)
	r.Header.Set("User-Agent", "ops-cli/1.0")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	l.Log(ctx, r, "ops@example.test", "webhooks.retry", "webhook_event", "", map[string]any{"retried": 3})
	clock.Advance(time.Second)
	l.Log(ctx, nil, "scheduler", "reconcile.run", "reconciliation", "rec_1", nil)
	l.Close()

	logs, err := l.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	assert.Equal(t, "reconcile.run", logs[0].Action)
	assert.Equal(t, "unknown", logs[0].IPAddress)

	assert.Equal(t, "ops@example.test", logs[1].Actor)
	assert.Equal(t, "203.0.113.7", logs[1].IPAddress)
	assert.Equal(t, "ops-cli/1.0", logs[1].UserAgent)
	assert.EqualValues(t, 3, logs[1].Metadata["retried"])
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "192.0.2.10", ClientIP(r))
}
