package middleware

import (
	"net/http"
	"sync"
	"time"

	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/platform/audit"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per client and limit class.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limits  map[string]int
	clock   clockwork.Clock
}

// NewRateLimiter takes per-minute limits keyed by class name.
func NewRateLimiter(limits map[string]int, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{buckets: map[string]*bucket{}, limits: limits, clock: clock}
}

func (rl *RateLimiter) Allow(key string, perMinute int) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)}
		rl.buckets[key] = b
	}
	b.lastAccess = now
	rl.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Cleanup drops buckets idle for longer than idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastAccess) > idle {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// RunCleanup prunes idle buckets every interval until stop closes.
func (rl *RateLimiter) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := rl.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			rl.Cleanup(interval)
		case <-stop:
			return
		}
	}
}

func (rl *RateLimiter) Limit(class string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			limit, ok := rl.limits[class]
			if !ok || limit <= 0 {
				next(w, r)
				return
			}

			if !rl.Allow(audit.ClientIP(r)+":"+class, limit) {
				errors.WriteRateLimited(w, time.Minute/time.Duration(limit), "Rate limit exceeded", nil)
				return
			}

			next(w, r)
		}
	}
}
