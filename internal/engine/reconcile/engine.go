package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fieldsync/internal/engine/syncer"
	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/pkg/metrics"
	"fieldsync/internal/platform/config"
	"fieldsync/internal/platform/fieldservice"
	"fieldsync/internal/platform/models"
	"fieldsync/internal/platform/repositories"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrRunInProgress = errors.New("reconcile: a run is already in progress")
	ErrRunTimeout    = errors.New("reconcile: run exceeded its time budget")
	ErrInvalidType   = errors.New("reconcile: unknown run type")
)

const (
	defaultIncrementalTimeout = 10 * time.Minute
	defaultFullTimeout        = 2 * time.Hour
	defaultLookback           = 24 * time.Hour
	defaultStatsWindowDays    = 30
	maxIssuesInDetails        = 200
)

type Option func(*Engine)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// Engine runs reconciliation. At most one run executes per process; emergency
// runs queue for the slot and hold off scheduled runs while waiting.
type Engine struct {
	svc      *syncer.Service
	source   syncer.Source
	repos    syncer.Repositories
	runs     *repositories.ReconciliationRepository
	cfg      config.ReconcileConfig
	clock    clockwork.Clock
	pageSize int
	logger   zerolog.Logger

	slot             chan struct{}
	emergencyPending atomic.Int32
}

func New(svc *syncer.Service, source syncer.Source, repos syncer.Repositories, runs *repositories.ReconciliationRepository, cfg config.ReconcileConfig, opts ...Option) *Engine {
	if cfg.IncrementalTimeout <= 0 {
		cfg.IncrementalTimeout = defaultIncrementalTimeout
	}
	if cfg.FullTimeout <= 0 {
		cfg.FullTimeout = defaultFullTimeout
	}
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = defaultLookback
	}
	if cfg.StatsWindowDays <= 0 {
		cfg.StatsWindowDays = defaultStatsWindowDays
	}
	e := &Engine{
		svc:      svc,
		source:   source,
		repos:    repos,
		runs:     runs,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		pageSize: 100,
		logger:   logger.WithComponent("reconcile"),
		slot:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidRunType reports whether t names a run type.
func ValidRunType(t string) bool {
	switch t {
	case models.RunTypeFull, models.RunTypeIncremental, models.RunTypeEmergency:
		return true
	}
	return false
}

func (e *Engine) budget(runType string) time.Duration {
	if runType == models.RunTypeIncremental {
		return e.cfg.IncrementalTimeout
	}
	return e.cfg.FullTimeout
}

// acquire takes the run slot. Emergency runs wait for it; scheduled runs give
// up immediately when it is busy or an emergency run is waiting.
func (e *Engine) acquire(ctx context.Context, runType string) error {
	if runType == models.RunTypeEmergency {
		e.emergencyPending.Add(1)
		defer e.emergencyPending.Add(-1)
		select {
		case e.slot <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if e.emergencyPending.Load() > 0 {
		return ErrRunInProgress
	}
	select {
	case e.slot <- struct{}{}:
	default:
		return ErrRunInProgress
	}

	// another process may hold a run inside its budget
	since := e.clock.Now().Add(-e.budget(runType)).Unix()
	running, err := e.runs.HasRunning(ctx, since)
	if err != nil {
		e.release()
		return fmt.Errorf("check running reconciliations: %w", err)
	}
	if running {
		e.release()
		return ErrRunInProgress
	}
	return nil
}

func (e *Engine) release() {
	<-e.slot
}

type outcome struct {
	records int
	errors  int
	issues  int
	details map[string]any
	err     error
}

// Run executes one reconciliation and returns its finished log. The log is
// always moved out of running: on completion, on error, and when the watchdog
// budget expires before the work returns.
func (e *Engine) Run(ctx context.Context, runType string) (*models.ReconciliationLog, error) {
	if !ValidRunType(runType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, runType)
	}
	if err := e.acquire(ctx, runType); err != nil {
		return nil, err
	}

	start := e.clock.Now()
	run, err := e.runs.Create(ctx, runType, start.Unix())
	if err != nil {
		e.release()
		return nil, fmt.Errorf("create reconciliation log: %w", err)
	}

	log := e.logger.With().Str("run_id", run.ID).Str("type", runType).Logger()
	log.Info().Msg("reconciliation started")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan outcome, 1)
	go func() {
		defer e.release()
		done <- e.execute(runCtx, run)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-e.clock.After(e.budget(runType)):
		out = outcome{err: fmt.Errorf("%w (%s)", ErrRunTimeout, e.budget(runType))}
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}
	cancel()

	e.finish(run, start, out, log)
	if out.err != nil {
		return run, out.err
	}
	return run, nil
}

func (e *Engine) execute(ctx context.Context, run *models.ReconciliationLog) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("reconcile panic: %v", r)}
		}
	}()

	out.details = map[string]any{}

	if run.Type == models.RunTypeIncremental {
		since, err := e.incrementalSince(ctx)
		if err != nil {
			out.err = err
			return out
		}
		out.details["since"] = since.UTC().Format(time.RFC3339)

		// A window that was not fully fetched must fail the run so the next
		// incremental starts from the same watermark.
		result, err := e.svc.SyncChangedSince(ctx, since)
		e.recordSync(&out, result)
		if err != nil {
			out.errors++
			out.err = fmt.Errorf("incremental sync: %w", err)
		}
		return out
	}

	result, err := e.svc.PerformFullSync(ctx)
	e.recordSync(&out, result)
	if err != nil {
		out.errors++
		out.err = fmt.Errorf("full sync: %w", err)
		return out
	}
	if result.RateLimited {
		out.details["checks"] = "skipped: rate limited"
		return out
	}

	report, err := e.PerformConsistencyChecks(ctx)
	if err != nil {
		if fieldservice.KindOf(err) == fieldservice.KindRateLimited {
			out.details["checks"] = "aborted: rate limited"
			return out
		}
		out.err = fmt.Errorf("consistency checks: %w", err)
		return out
	}
	out.issues = len(report.Issues)
	out.details["checks"] = report.Details
	if len(report.Issues) > maxIssuesInDetails {
		out.details["issues"] = report.Issues[:maxIssuesInDetails]
	} else {
		out.details["issues"] = report.Issues
	}

	repair := e.Repair(ctx, report.Issues)
	out.details["repair"] = repair
	out.records += repair.Repaired + repair.Deactivated + repair.Failed
	out.errors += repair.Failed
	return out
}

func (e *Engine) recordSync(out *outcome, result *syncer.FullSyncResult) {
	if result == nil {
		return
	}
	out.details["sync"] = result
	out.records += result.Records()
	out.errors += result.Failures()
}

func (e *Engine) incrementalSince(ctx context.Context) (time.Time, error) {
	last, err := e.runs.LastSuccessful(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("last successful run: %w", err)
	}
	if last == nil {
		return e.clock.Now().Add(-e.cfg.DefaultLookback), nil
	}
	return time.Unix(last.StartedAt, 0), nil
}

func (e *Engine) finish(run *models.ReconciliationLog, start time.Time, out outcome, log zerolog.Logger) {
	now := e.clock.Now()
	completed := now.Unix()
	run.CompletedAt = &completed
	run.DurationMS = now.Sub(start).Milliseconds()
	run.RecordsProcessed = out.records
	run.Errors = out.errors
	run.IssuesFound = out.issues
	run.Status = models.RunStatusCompleted
	if out.err != nil {
		run.Status = models.RunStatusFailed
		run.ErrorMessage = out.err.Error()
	}
	if len(out.details) > 0 {
		if b, err := json.Marshal(out.details); err == nil {
			run.Details = b
		}
	}

	ok, err := e.runs.Finish(context.Background(), run)
	if err != nil {
		log.Error().Err(err).Msg("failed to record reconciliation result")
	} else if !ok {
		log.Warn().Msg("reconciliation log already finished elsewhere")
	}

	metrics.ReconcileRuns.WithLabelValues(run.Type, run.Status).Inc()
	metrics.ReconcileDuration.WithLabelValues(run.Type).Observe(now.Sub(start).Seconds())

	ev := log.Info()
	if out.err != nil {
		ev = log.Error().Err(out.err)
	}
	ev.Int("records", run.RecordsProcessed).
		Int("errors", run.Errors).
		Int("issues", run.IssuesFound).
		Int64("duration_ms", run.DurationMS).
		Msg("reconciliation finished")
}

// FailStaleRuns marks running logs older than their type's budget as failed.
// It recovers runs orphaned by a crashed process.
func (e *Engine) FailStaleRuns(ctx context.Context) (int, error) {
	now := e.clock.Now()
	failed := 0
	for _, runType := range []string{models.RunTypeIncremental, models.RunTypeFull, models.RunTypeEmergency} {
		budget := e.budget(runType)
		stale, err := e.runs.ListRunningStartedBefore(ctx, runType, now.Add(-budget).Unix())
		if err != nil {
			return failed, fmt.Errorf("list stale %s runs: %w", runType, err)
		}
		for _, run := range stale {
			completed := now.Unix()
			run.Status = models.RunStatusFailed
			run.CompletedAt = &completed
			run.DurationMS = now.Sub(time.Unix(run.StartedAt, 0)).Milliseconds()
			run.ErrorMessage = fmt.Sprintf("%v (%s): abandoned by watchdog", ErrRunTimeout, budget)
			ok, err := e.runs.Finish(ctx, run)
			if err != nil {
				return failed, fmt.Errorf("fail stale run %s: %w", run.ID, err)
			}
			if ok {
				failed++
				metrics.ReconcileRuns.WithLabelValues(run.Type, run.Status).Inc()
				e.logger.Warn().Str("run_id", run.ID).Str("type", run.Type).Msg("stale reconciliation marked failed")
			}
		}
	}
	return failed, nil
}

// Stats aggregates runs over the trailing window of days.
func (e *Engine) Stats(ctx context.Context, days int) (*models.ReconciliationStats, error) {
	if days <= 0 {
		days = e.cfg.StatsWindowDays
	}
	since := e.clock.Now().AddDate(0, 0, -days).Unix()
	stats, err := e.runs.Stats(ctx, since)
	if err != nil {
		return nil, err
	}
	stats.WindowDays = days

	last, err := e.runs.LastSuccessful(ctx)
	if err != nil {
		return nil, err
	}
	stats.LastSuccessfulRun = last
	return stats, nil
}

func (e *Engine) ListRuns(ctx context.Context, limit int) ([]*models.ReconciliationLog, error) {
	return e.runs.List(ctx, limit)
}

func (e *Engine) GetRun(ctx context.Context, id string) (*models.ReconciliationLog, error) {
	return e.runs.GetByID(ctx, id)
}
