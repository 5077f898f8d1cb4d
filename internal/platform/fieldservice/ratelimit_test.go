package fieldservice

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitState_LocalBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewRateLimitState(2, clock)

	require.NoError(t, s.Acquire("a"))
	require.NoError(t, s.Acquire("b"))

	err := s.Acquire("c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	reset, ok := ResetTime(err)
	assert.True(t, ok)
	assert.True(t, reset.After(clock.Now()))

	clock.Advance(31 * time.Second)
	assert.NoError(t, s.Acquire("d"))
	assert.Equal(t, int64(1), s.Snapshot().Rejected)
}

func TestRateLimitState_ServerQuota(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewRateLimitState(0, clock)

	h := http.Header{}
	h.Set("X-RateLimit-Limit", "100")
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "30")
	s.Observe(http.StatusOK, h)

	err := s.Acquire("list")
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))

	clock.Advance(31 * time.Second)
	assert.NoError(t, s.Acquire("list"))

	snap := s.Snapshot()
	assert.Equal(t, 100, snap.Limit)
	assert.Equal(t, -1, snap.Remaining)
	assert.Equal(t, -1.0, snap.LocalTokens)
}

func TestRateLimitState_TooManyRequests(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewRateLimitState(0, clock)

	h := http.Header{}
	h.Set("Retry-After", "5")
	reset := s.Observe(http.StatusTooManyRequests, h)
	assert.Equal(t, clock.Now().Add(5*time.Second), reset)

	assert.Error(t, s.Acquire("x"))
	clock.Advance(6 * time.Second)
	assert.NoError(t, s.Acquire("x"))
}

func TestParseReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	assert.Equal(t, now.Add(10*time.Second), parseReset(now, 10))
	assert.Equal(t, time.Unix(1_700_000_100, 0), parseReset(now, 1_700_000_100))
}
