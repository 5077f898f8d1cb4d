package fieldservice

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimitState combines the quota the external API reports in response
// headers with a local per-minute budget. Acquire never blocks.
type RateLimitState struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	local     *rate.Limiter
	perMinute int

	// -1 until the server reports a value.
	remaining int
	limit     int
	resetAt   time.Time

	rejected int64
}

type RateLimitSnapshot struct {
	Remaining   int       `json:"remaining"`
	Limit       int       `json:"limit"`
	ResetAt     time.Time `json:"reset_at,omitempty"`
	LocalTokens float64   `json:"local_tokens"`
	PerMinute   int       `json:"per_minute"`
	Rejected    int64     `json:"rejected"`
}

func NewRateLimitState(perMinute int, clock clockwork.Clock) *RateLimitState {
	limit := rate.Inf
	burst := 0
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60.0)
		burst = perMinute
	}
	return &RateLimitState{
		clock:     clock,
		local:     rate.NewLimiter(limit, burst),
		perMinute: perMinute,
		remaining: -1,
		limit:     -1,
	}
}

// Acquire takes one request from the budget or returns a RateLimited error
// carrying the time the budget is expected to recover.
func (s *RateLimitState) Acquire(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	if s.remaining == 0 {
		if now.Before(s.resetAt) {
			s.rejected++
			return &Error{Kind: KindRateLimited, Op: op, ResetAt: s.resetAt}
		}
		s.remaining = -1
	}

	if !s.local.AllowN(now, 1) {
		s.rejected++
		wait := time.Second
		if lim := float64(s.local.Limit()); lim > 0 && !math.IsInf(lim, 1) {
			deficit := 1 - s.local.TokensAt(now)
			wait = time.Duration(deficit / lim * float64(time.Second))
		}
		return &Error{Kind: KindRateLimited, Op: op, ResetAt: now.Add(wait)}
	}

	if s.remaining > 0 {
		s.remaining--
	}
	return nil
}

// Observe records the quota headers of a response. A 429 without usable
// headers exhausts the quota for Retry-After seconds, or a minute.
func (s *RateLimitState) Observe(status int, h http.Header) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	if v, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil {
		s.limit = v
	}
	if v, err := strconv.Atoi(h.Get("X-RateLimit-Remaining")); err == nil {
		s.remaining = v
	}
	if v, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		s.resetAt = parseReset(now, v)
	}

	if status == http.StatusTooManyRequests {
		s.remaining = 0
		if v, err := strconv.Atoi(h.Get("Retry-After")); err == nil {
			s.resetAt = now.Add(time.Duration(v) * time.Second)
		} else if !s.resetAt.After(now) {
			s.resetAt = now.Add(time.Minute)
		}
	}
	return s.resetAt
}

// parseReset accepts either a unix timestamp or a delta in seconds.
func parseReset(now time.Time, v int64) time.Time {
	if v > 1_000_000_000 {
		return time.Unix(v, 0)
	}
	return now.Add(time.Duration(v) * time.Second)
}

func (s *RateLimitState) Snapshot() RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := -1.0
	if s.perMinute > 0 {
		tokens = s.local.TokensAt(s.clock.Now())
	}
	return RateLimitSnapshot{
		Remaining:   s.remaining,
		Limit:       s.limit,
		ResetAt:     s.resetAt,
		LocalTokens: tokens,
		PerMinute:   s.perMinute,
		Rejected:    s.rejected,
	}
}
