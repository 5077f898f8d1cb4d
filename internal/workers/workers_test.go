package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/engine/reconcile"
	"fieldsync/internal/platform/config"
	"fieldsync/internal/platform/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (r *recorder) RetryFailedEvents(context.Context) (int, error) {
	r.record("retry")
	return 0, nil
}

func (r *recorder) SweepQueued(context.Context, time.Duration) (int, error) {
	r.record("sweep")
	return 0, nil
}

func (r *recorder) FailAbandoned(context.Context, time.Duration) (int, error) {
	r.record("abandoned")
	return 0, nil
}

func (r *recorder) Prune(context.Context, time.Duration) (int64, error) {
	r.record("prune")
	return 0, nil
}

func (r *recorder) Run(_ context.Context, runType string) (*models.ReconciliationLog, error) {
	r.record(runType)
	r.mu.Lock()
	defer r.mu.Unlock()
	return &models.ReconciliationLog{Type: runType}, r.err
}

func (r *recorder) FailStaleRuns(context.Context) (int, error) {
	r.record("stale")
	return 0, nil
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestNextDaily(t *testing.T) {
	tests := []struct {
		now  time.Time
		hour int
		want time.Time
	}{
		{time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC), 2, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), 2, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC), 0, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 9*3600)), 2, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextDaily(tt.now, tt.hour), tt.now.String())
	}
}

func TestWebhookTasks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	s := NewScheduler(clock)
	RegisterWebhookTasks(s, rec, config.WebhooksConfig{
		RetryInterval: 5 * time.Minute,
		SweepInterval: time.Minute,
		StuckAfter:    10 * time.Minute,
		RetentionDays: 30,
	})
	s.Start()
	defer s.Stop()

	clock.BlockUntil(3)
	clock.Advance(time.Minute)
	eventually(t, func() bool { return rec.count("sweep") == 1 })
	assert.Equal(t, 1, rec.count("abandoned"))
	assert.Zero(t, rec.count("retry"))

	for i := 0; i < 4; i++ {
		clock.BlockUntil(3)
		clock.Advance(time.Minute)
	}
	eventually(t, func() bool { return rec.count("retry") == 1 })
	eventually(t, func() bool { return rec.count("sweep") == 5 })
	assert.Zero(t, rec.count("prune"))
}

func TestWebhookTasks_DisabledIntervals(t *testing.T) {
	s := NewScheduler(clockwork.NewFakeClock())
	RegisterWebhookTasks(s, &recorder{}, config.WebhooksConfig{})
	assert.Empty(t, s.tasks)
}

func TestReconcileTasks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 1, 50, 0, 0, time.UTC))
	rec := &recorder{}
	s := NewScheduler(clock)
	RegisterReconcileTasks(s, rec, config.ReconcileConfig{IncrementalInterval: 15 * time.Minute, FullHour: 2})
	s.Start()
	defer s.Stop()

	clock.BlockUntil(2)
	clock.Advance(10 * time.Minute)
	eventually(t, func() bool { return rec.count(models.RunTypeFull) == 1 })
	assert.Zero(t, rec.count(models.RunTypeIncremental))

	clock.BlockUntil(2)
	clock.Advance(5 * time.Minute)
	eventually(t, func() bool { return rec.count(models.RunTypeIncremental) == 1 })
	assert.Equal(t, 1, rec.count("stale"))
	assert.Equal(t, 1, rec.count(models.RunTypeFull))
}

func TestScheduler_BusyRunIsNotFatal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recorder{err: reconcile.ErrRunInProgress}
	s := NewScheduler(clock)
	RegisterReconcileTasks(s, rec, config.ReconcileConfig{IncrementalInterval: time.Minute, FullHour: -1})
	s.Start()
	defer s.Stop()

	for i := 1; i <= 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Minute)
		eventually(t, func() bool { return rec.count(models.RunTypeIncremental) == i })
	}
}

func TestScheduler_PanicKeepsLoopAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)
	var mu sync.Mutex
	runs := 0
	s.Every("flaky", time.Second, func(context.Context) error {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
		return nil
	})
	s.Start()
	defer s.Stop()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2
	})
}
