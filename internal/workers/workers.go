package workers

import (
	"context"
	"errors"
	"time"

	"fieldsync/internal/engine/reconcile"
	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/platform/config"
	"fieldsync/internal/platform/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// WebhookMaintainer is the part of the webhook processor the scheduler drives.
type WebhookMaintainer interface {
	RetryFailedEvents(ctx context.Context) (int, error)
	SweepQueued(ctx context.Context, olderThan time.Duration) (int, error)
	FailAbandoned(ctx context.Context, stuckAfter time.Duration) (int, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Reconciler is the part of the reconcile engine the scheduler drives.
type Reconciler interface {
	Run(ctx context.Context, runType string) (*models.ReconciliationLog, error)
	FailStaleRuns(ctx context.Context) (int, error)
}

type task struct {
	name     string
	interval time.Duration
	hour     int // UTC hour for daily tasks, -1 otherwise
	run      func(ctx context.Context) error
}

// Scheduler runs periodic background jobs. Each task has its own goroutine and
// never overlaps with itself.
type Scheduler struct {
	clock  clockwork.Clock
	tasks  []task
	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	logger zerolog.Logger
}

func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		logger: logger.WithComponent("scheduler"),
	}
}

// Every registers fn to run once per interval. Non-positive intervals disable it.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		s.logger.Info().Str("task", name).Msg("task disabled")
		return
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, hour: -1, run: fn})
}

// Daily registers fn to run once a day at the given UTC hour.
func (s *Scheduler) Daily(name string, hour int, fn func(ctx context.Context) error) {
	if hour < 0 || hour > 23 {
		s.logger.Info().Str("task", name).Int("hour", hour).Msg("task disabled")
		return
	}
	s.tasks = append(s.tasks, task{name: name, hour: hour, run: fn})
}

func (s *Scheduler) Start() {
	for _, t := range s.tasks {
		s.wg.Go(func() { s.loop(t) })
	}
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("scheduler started")
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(t task) {
	for {
		wait := t.interval
		if t.hour >= 0 {
			now := s.clock.Now()
			wait = NextDaily(now, t.hour).Sub(now)
		}
		select {
		case <-s.clock.After(wait):
			s.runOnce(t)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runOnce(t task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("task", t.name).Interface("panic", r).Msg("task panicked")
		}
	}()

	start := s.clock.Now()
	err := t.run(s.ctx)
	switch {
	case err == nil:
		s.logger.Debug().Str("task", t.name).Dur("took", s.clock.Since(start)).Msg("task finished")
	case errors.Is(err, reconcile.ErrRunInProgress):
		s.logger.Info().Str("task", t.name).Msg("skipped, run in progress")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error().Err(err).Str("task", t.name).Msg("task failed")
	}
}

// NextDaily returns the next instant strictly after now at hour:00 UTC.
func NextDaily(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RegisterWebhookTasks schedules retries, queue sweeps and retention pruning.
func RegisterWebhookTasks(s *Scheduler, w WebhookMaintainer, cfg config.WebhooksConfig) {
	s.Every("webhook-retry", cfg.RetryInterval, func(ctx context.Context) error {
		_, err := w.RetryFailedEvents(ctx)
		return err
	})
	s.Every("webhook-sweep", cfg.SweepInterval, func(ctx context.Context) error {
		if _, err := w.FailAbandoned(ctx, cfg.StuckAfter); err != nil {
			return err
		}
		_, err := w.SweepQueued(ctx, cfg.SweepInterval)
		return err
	})
	if cfg.RetentionDays > 0 {
		retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
		s.Every("webhook-prune", time.Hour, func(ctx context.Context) error {
			_, err := w.Prune(ctx, retention)
			return err
		})
	}
}

// RegisterReconcileTasks schedules incremental runs, the nightly full run and
// the stale-run watchdog.
func RegisterReconcileTasks(s *Scheduler, r Reconciler, cfg config.ReconcileConfig) {
	s.Every("reconcile-incremental", cfg.IncrementalInterval, func(ctx context.Context) error {
		if _, err := r.FailStaleRuns(ctx); err != nil {
			return err
		}
		_, err := r.Run(ctx, models.RunTypeIncremental)
		return err
	})
	s.Daily("reconcile-full", cfg.FullHour, func(ctx context.Context) error {
		_, err := r.Run(ctx, models.RunTypeFull)
		return err
	})
}
