package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"fieldsync/internal/engine/realtime"
	"fieldsync/internal/engine/syncer"
	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/pkg/metrics"
	"fieldsync/internal/platform/fieldservice"
	"fieldsync/internal/platform/models"
	"fieldsync/internal/platform/repositories"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

var (
	ErrEventNotFound     = errors.New("webhook event not found")
	ErrNotClaimable      = errors.New("webhook event is not queued or retryable")
	errUnknownObjectType = errors.New("unknown object type")
)

// Fetcher reads the authoritative state of an entity referenced by a webhook.
type Fetcher interface {
	GetCompany(ctx context.Context, uuid string) (*fieldservice.Company, error)
	GetJob(ctx context.Context, uuid string) (*fieldservice.Job, error)
	GetQuotes(ctx context.Context, f fieldservice.Filter) (*fieldservice.Page[fieldservice.Quote], error)
	GetJobActivity(ctx context.Context, uuid string) (*fieldservice.JobActivity, error)
	GetAttachment(ctx context.Context, uuid string) (*fieldservice.Attachment, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, msg realtime.Message) error
}

type ProcessorConfig struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	EventTimeout time.Duration
}

// Processor drains recorded events on a worker pool. Each event is claimed
// optimistically, so duplicate queue entries and concurrent retries are safe.
type Processor struct {
	repo        *repositories.WebhookEventRepository
	fetcher     Fetcher
	svc         *syncer.Service
	broadcaster Broadcaster
	clock       clockwork.Clock
	cfg         ProcessorConfig

	queue  chan string
	stop   chan struct{}
	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool

	logger zerolog.Logger
}

type ProcessorOption func(*Processor)

func WithProcessorClock(clock clockwork.Clock) ProcessorOption {
	return func(p *Processor) { p.clock = clock }
}

func NewProcessor(repo *repositories.WebhookEventRepository, fetcher Fetcher, svc *syncer.Service, broadcaster Broadcaster, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		repo:        repo,
		fetcher:     fetcher,
		svc:         svc,
		broadcaster: broadcaster,
		clock:       clockwork.NewRealClock(),
		cfg:         cfg,
		queue:       make(chan string, cfg.QueueSize),
		stop:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.WithComponent("webhook-processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker pool.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Go(p.work)
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("webhook processor started")
}

// Stop lets in-flight events finish until ctx expires, then cancels them.
// Events still in the queue stay queued in the store for the next sweep.
func (p *Processor) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("shutdown deadline reached, cancelling in-flight webhook events")
		p.cancel()
		<-done
	}
	p.cancel()
	p.logger.Info().Msg("webhook processor stopped")
}

// Enqueue hands an event to the workers without blocking.
func (p *Processor) Enqueue(id string) bool {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return false
	}

	select {
	case p.queue <- id:
		metrics.WebhookQueueDepth.Inc()
		return true
	default:
		metrics.WebhookQueueOverflow.Inc()
		return false
	}
}

func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

func (p *Processor) work() {
	for {
		select {
		case <-p.stop:
			return
		case id := <-p.queue:
			metrics.WebhookQueueDepth.Dec()
			ctx, cancel := context.WithTimeout(p.ctx, p.cfg.EventTimeout)
			err := p.ProcessEvent(ctx, id)
			cancel()
			if err != nil && !errors.Is(err, ErrNotClaimable) {
				p.logger.Warn().Err(err).Str("event_id", id).Msg("webhook event failed")
			}
		}
	}
}

// ProcessEvent claims the event, applies the referenced entity and records the
// outcome. A processing failure is stored on the event and also returned.
func (p *Processor) ProcessEvent(ctx context.Context, id string) error {
	claimed, err := p.repo.Claim(ctx, id, p.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("claim event %s: %w", id, err)
	}

	// The attempt history is read only while holding the claim.
	event, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load event %s: %w", id, err)
	}
	if event == nil {
		return ErrEventNotFound
	}
	if !claimed {
		return ErrNotClaimable
	}

	objectType, _ := ParseObjectType(event.ObjectType)
	timer := metrics.NewTimer()
	result, procErr := p.apply(ctx, objectType, event)
	timer.ObserveDuration(metrics.WebhookProcessingDuration.WithLabelValues(objectType.String()))

	// Terminal writes survive cancellation of the processing context.
	store := context.WithoutCancel(ctx)
	now := p.clock.Now().Unix()

	if procErr != nil {
		details := append(event.ErrorDetails, models.AttemptError{
			Attempt: event.Attempts() + 1,
			At:      now,
			Kind:    errorKind(procErr),
			Error:   procErr.Error(),
		})
		if err := p.repo.MarkFailed(store, id, details, now); err != nil {
			p.logger.Error().Err(err).Str("event_id", id).Msg("failed to mark event failed")
		}
		metrics.WebhooksProcessed.WithLabelValues(objectType.String(), models.EventStatusFailed).Inc()
		return procErr
	}

	if err := p.repo.MarkSuccess(store, id, now); err != nil {
		p.logger.Error().Err(err).Str("event_id", id).Msg("failed to mark event succeeded")
		return err
	}
	metrics.WebhooksProcessed.WithLabelValues(objectType.String(), models.EventStatusSuccess).Inc()

	p.broadcast(store, objectType, event, result)
	return nil
}

// apply dispatches on the entity type and returns the upsert outcome.
func (p *Processor) apply(ctx context.Context, t ObjectType, e *models.WebhookEvent) (string, error) {
	// Webhooks announce a change, so reads bypass the client cache.
	ctx = fieldservice.NoCache(ctx)

	switch t {
	case ObjectJob:
		return p.applyJob(ctx, e)
	case ObjectCompany:
		return p.applyCompany(ctx, e)
	case ObjectJobActivity:
		return p.applyActivity(ctx, e)
	case ObjectAttachment:
		return p.applyAttachment(ctx, e)
	case ObjectStaff:
		// Staff changes reach the store through job activities.
		return "acknowledged", nil
	default:
		return "", fmt.Errorf("%w %q", errUnknownObjectType, e.ObjectType)
	}
}

// missing handles an upstream NotFound: deletion events deactivate the local
// row, anything else fails the event.
func (p *Processor) missing(ctx context.Context, entity syncer.Entity, e *models.WebhookEvent, err error) (string, error) {
	if !errors.Is(err, fieldservice.ErrNotFound) || !isDeletion(e.EventType) {
		return "", err
	}
	if _, derr := p.svc.Deactivate(ctx, entity, e.ObjectUUID); derr != nil {
		return "", derr
	}
	return "deactivated", nil
}

func (p *Processor) applyJob(ctx context.Context, e *models.WebhookEvent) (string, error) {
	job, err := p.fetcher.GetJob(ctx, e.ObjectUUID)
	if err != nil {
		return p.missing(ctx, syncer.EntityJob, e, err)
	}
	res, err := p.svc.UpsertJob(ctx, job)
	if err != nil {
		return "", err
	}

	// Quote approval state travels with job changes.
	page, err := p.fetcher.GetQuotes(ctx, fieldservice.Filter{JobUUID: job.UUID})
	if err != nil {
		return "", fmt.Errorf("fetch quotes for job %s: %w", job.UUID, err)
	}
	for i := range page.Data {
		qres, err := p.svc.UpsertQuote(ctx, &page.Data[i])
		if err != nil {
			return "", fmt.Errorf("quote %s: %w", page.Data[i].UUID, err)
		}
		if res == repositories.Unchanged && qres.Changed() {
			res = repositories.Updated
		}
	}
	return res.String(), nil
}

func (p *Processor) applyCompany(ctx context.Context, e *models.WebhookEvent) (string, error) {
	company, err := p.fetcher.GetCompany(ctx, e.ObjectUUID)
	if err != nil {
		return p.missing(ctx, syncer.EntityCompany, e, err)
	}
	res, err := p.svc.UpsertCompany(ctx, company)
	return res.String(), err
}

func (p *Processor) applyActivity(ctx context.Context, e *models.WebhookEvent) (string, error) {
	activity, err := p.fetcher.GetJobActivity(ctx, e.ObjectUUID)
	if err != nil {
		return p.missing(ctx, syncer.EntityActivity, e, err)
	}
	res, err := p.svc.UpsertActivity(ctx, relatedJob(e), activity)
	return res.String(), err
}

func (p *Processor) applyAttachment(ctx context.Context, e *models.WebhookEvent) (string, error) {
	attachment, err := p.fetcher.GetAttachment(ctx, e.ObjectUUID)
	if err != nil {
		return p.missing(ctx, syncer.EntityAttachment, e, err)
	}
	res, err := p.svc.UpsertAttachment(ctx, relatedJob(e), attachment)
	return res.String(), err
}

// relatedJob reads the parent job from related_objects, if the sender included it.
func relatedJob(e *models.WebhookEvent) string {
	var payload models.WebhookPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"job_uuid", "job", "related_object_uuid"} {
		if v, ok := payload.RelatedObjects[key].(string); ok {
			return v
		}
	}
	return ""
}

func (p *Processor) broadcast(ctx context.Context, t ObjectType, e *models.WebhookEvent, result string) {
	if p.broadcaster == nil {
		return
	}

	var payload models.WebhookPayload
	json.Unmarshal(e.Payload, &payload)

	body, err := json.Marshal(map[string]any{
		"entity_type": t.String(),
		"uuid":        e.ObjectUUID,
		"event_type":  e.EventType,
		"changes":     payload.Changes,
		"result":      result,
	})
	if err != nil {
		return
	}

	msg := realtime.Message{Channel: t.Channel(), Event: e.EventType, Payload: body}
	if err := p.broadcaster.Broadcast(ctx, msg); err != nil {
		metrics.BroadcastFailures.Inc()
		p.logger.Warn().Err(err).Str("event_id", e.ID).Str("channel", msg.Channel).Msg("realtime broadcast failed")
	}
}

func errorKind(err error) string {
	if errors.Is(err, errUnknownObjectType) || syncer.IsRecordError(err) {
		return fieldservice.KindValidation.String()
	}
	var apiErr *fieldservice.Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind.String()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	return "internal"
}

// RetryFailedEvents re-processes failed events that have attempts left and
// returns how many succeeded.
func (p *Processor) RetryFailedEvents(ctx context.Context) (int, error) {
	events, err := p.repo.ListRetryable(ctx, p.cfg.MaxAttempts, 500)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return succeeded, err
		}
		if err := p.ProcessEvent(ctx, e.ID); err == nil {
			succeeded++
		}
	}

	if len(events) > 0 {
		p.logger.Info().
			Int("candidates", len(events)).
			Int("succeeded", succeeded).
			Msg("retried failed webhook events")
	}
	return succeeded, nil
}

// RetryEvents re-processes the given events regardless of their attempt count.
func (p *Processor) RetryEvents(ctx context.Context, ids []string) (int, error) {
	succeeded := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return succeeded, err
		}
		if err := p.ProcessEvent(ctx, id); err == nil {
			succeeded++
		}
	}
	return succeeded, nil
}

// RetryEvent re-processes one event and returns its new state. A processing
// failure is reported through the event, not the error.
func (p *Processor) RetryEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	err := p.ProcessEvent(ctx, id)
	if errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrNotClaimable) {
		return nil, err
	}
	event, gerr := p.repo.GetByID(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if event == nil {
		return nil, ErrEventNotFound
	}
	return event, nil
}

// SweepQueued re-enqueues events that have waited longer than olderThan, such as
// events dropped by a full queue or left by a restart.
func (p *Processor) SweepQueued(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := p.clock.Now().Add(-olderThan).Unix()
	events, err := p.repo.ListQueuedBefore(ctx, cutoff, p.cfg.QueueSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range events {
		if !p.Enqueue(e.ID) {
			break
		}
		n++
	}
	return n, nil
}

// FailAbandoned fails events stuck in processing longer than stuckAfter, which
// happens when a worker dies mid-event.
func (p *Processor) FailAbandoned(ctx context.Context, stuckAfter time.Duration) (int, error) {
	now := p.clock.Now()
	events, err := p.repo.ListProcessingBefore(ctx, now.Add(-stuckAfter).Unix(), 500)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range events {
		details := append(e.ErrorDetails, models.AttemptError{
			Attempt: e.Attempts() + 1,
			At:      now.Unix(),
			Kind:    "abandoned",
			Error:   fmt.Sprintf("processing abandoned after %s", stuckAfter),
		})
		if err := p.repo.MarkFailed(ctx, e.ID, details, now.Unix()); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.logger.Warn().Int("count", n).Msg("failed abandoned webhook events")
	}
	return n, nil
}

// ProcessingStats summarises the event store.
type ProcessingStats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	SuccessRate float64        `json:"success_rate"`
	QueueDepth  int            `json:"queue_depth"`
}

func (p *Processor) Stats(ctx context.Context) (*ProcessingStats, error) {
	counts, err := p.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &ProcessingStats{ByStatus: counts, QueueDepth: p.QueueDepth()}
	for _, n := range counts {
		stats.Total += n
	}
	stats.SuccessRate = successRate(counts[models.EventStatusSuccess], stats.Total)
	return stats, nil
}

// successRate is success/total as a percentage rounded to two decimals.
func successRate(success, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(success)/float64(total)*10000) / 100
}

// Cleanup deletes events older than the given age. With no statuses only
// terminal events are removed.
func (p *Processor) Cleanup(ctx context.Context, olderThan time.Duration, statuses []string) (int64, error) {
	cutoff := p.clock.Now().Add(-olderThan).Unix()
	return p.repo.DeleteOlderThan(ctx, cutoff, statuses)
}

// Prune applies the retention policy: successful events and rejected
// deliveries older than retention are deleted.
func (p *Processor) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := p.clock.Now().Add(-retention).Unix()
	n, err := p.repo.DeleteSettledBefore(ctx, cutoff)
	if err == nil && n > 0 {
		p.logger.Info().Int64("deleted", n).Msg("pruned webhook events")
	}
	return n, err
}
