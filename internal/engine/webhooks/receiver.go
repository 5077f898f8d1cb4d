package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/pkg/metrics"
	"fieldsync/internal/pkg/validator"
	"fieldsync/internal/platform/models"
	"fieldsync/internal/platform/repositories"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrUnauthorized = errors.New("webhook: unauthorized delivery")
	ErrMalformed    = errors.New("webhook: malformed payload")
	ErrInvalid      = errors.New("webhook: invalid payload")
	ErrTooLarge     = errors.New("webhook: payload too large")
)

// IngressError is returned for a rejected delivery. The rejected delivery is
// still recorded; EventID identifies that audit row.
type IngressError struct {
	Kind    error
	EventID string
	Reason  string
}

func (e *IngressError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *IngressError) Unwrap() error {
	return e.Kind
}

// Enqueuer accepts event IDs for asynchronous processing. Enqueue must not block.
type Enqueuer interface {
	Enqueue(id string) bool
}

type ReceiverConfig struct {
	Secret             string
	AllowUnsigned      bool
	TimestampTolerance time.Duration
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Provider   string
	Body       []byte
	Signature  string
	Timestamp  string
	DeliveryID string
	// TooLarge marks a body cut off at the ingress size limit. Body is not
	// trusted and is not stored.
	TooLarge bool
}

// Receiver authenticates deliveries and records them before any processing.
type Receiver struct {
	repo   *repositories.WebhookEventRepository
	queue  Enqueuer
	cfg    ReceiverConfig
	clock  clockwork.Clock
	logger zerolog.Logger
}

func NewReceiver(repo *repositories.WebhookEventRepository, queue Enqueuer, cfg ReceiverConfig, clock clockwork.Clock) *Receiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Receiver{
		repo:   repo,
		queue:  queue,
		cfg:    cfg,
		clock:  clock,
		logger: logger.WithComponent("webhook-receiver"),
	}
}

// Receive records the delivery and hands it to the processor. The returned
// event is queued on success; rejected deliveries yield an *IngressError.
func (r *Receiver) Receive(ctx context.Context, d Delivery) (*models.WebhookEvent, error) {
	if d.TooLarge {
		d.Body = nil
		return nil, r.reject(ctx, d, nil, ErrTooLarge, "validation", "payload exceeds size limit")
	}
	if reason := r.authenticate(d); reason != "" {
		return nil, r.reject(ctx, d, nil, ErrUnauthorized, "auth", reason)
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, r.reject(ctx, d, nil, ErrMalformed, "validation", "invalid json: "+err.Error())
	}
	if err := validator.WebhookPayload(&payload); err != nil {
		return nil, r.reject(ctx, d, &payload, ErrInvalid, "validation", err.Error())
	}

	now := r.clock.Now().Unix()
	event := &models.WebhookEvent{
		Provider:        d.Provider,
		ExternalEventID: externalEventID(d, &payload),
		ObjectType:      payload.ObjectType,
		ObjectUUID:      payload.ObjectUUID,
		EventType:       payload.EventType,
		Payload:         json.RawMessage(d.Body),
		Status:          models.EventStatusQueued,
		Retryable:       true,
		CreatedAt:       now,
	}
	if err := r.repo.Create(ctx, event); err != nil {
		metrics.WebhooksReceived.WithLabelValues(d.Provider, "store_error").Inc()
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	metrics.WebhooksReceived.WithLabelValues(d.Provider, "accepted").Inc()

	if !r.queue.Enqueue(event.ID) {
		r.logger.Warn().Str("event_id", event.ID).Msg("processing queue full, event left for sweep")
	}

	r.logger.Debug().
		Str("event_id", event.ID).
		Str("object_type", event.ObjectType).
		Str("object_uuid", event.ObjectUUID).
		Str("event_type", event.EventType).
		Msg("webhook accepted")

	return event, nil
}

// authenticate returns a rejection reason, or "" when the delivery is trusted.
func (r *Receiver) authenticate(d Delivery) string {
	if r.cfg.Secret == "" {
		if r.cfg.AllowUnsigned {
			return ""
		}
		return "no webhook secret configured"
	}
	if d.Signature == "" {
		return "missing signature"
	}
	if !Verify(r.cfg.Secret, d.Body, d.Signature) {
		return "signature mismatch"
	}

	if r.cfg.TimestampTolerance > 0 && d.Timestamp != "" {
		ts, err := parseTimestamp(d.Timestamp)
		if err != nil {
			return "unparseable timestamp"
		}
		skew := r.clock.Now().Sub(ts)
		if skew < 0 {
			skew = -skew
		}
		if skew > r.cfg.TimestampTolerance {
			return "timestamp outside tolerance"
		}
	}
	return ""
}

func parseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

// reject records the delivery as a non-retryable failed event and returns the
// ingress error. A failure to record is logged; the rejection stands.
func (r *Receiver) reject(ctx context.Context, d Delivery, payload *models.WebhookPayload, kind error, errKind, reason string) error {
	if payload == nil {
		payload = &models.WebhookPayload{}
		json.Unmarshal(d.Body, payload)
	}

	body := json.RawMessage(d.Body)
	if !json.Valid(d.Body) {
		body, _ = json.Marshal(string(d.Body))
	}

	now := r.clock.Now().Unix()
	event := &models.WebhookEvent{
		Provider:        d.Provider,
		ExternalEventID: externalEventID(d, payload),
		ObjectType:      payload.ObjectType,
		ObjectUUID:      payload.ObjectUUID,
		EventType:       payload.EventType,
		Payload:         body,
		Status:          models.EventStatusFailed,
		Retryable:       false,
		ErrorDetails:    []models.AttemptError{{Attempt: 0, At: now, Kind: errKind, Error: reason}},
		CreatedAt:       now,
	}

	ingressErr := &IngressError{Kind: kind, Reason: reason}
	if err := r.repo.Create(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Error().Err(err).Str("reason", reason).Msg("failed to record rejected webhook")
	} else {
		ingressErr.EventID = event.ID
	}

	outcome := "invalid"
	if errors.Is(kind, ErrUnauthorized) {
		outcome = "unauthorized"
	}
	metrics.WebhooksReceived.WithLabelValues(d.Provider, outcome).Inc()

	r.logger.Warn().
		Str("provider", d.Provider).
		Str("event_id", ingressErr.EventID).
		Str("reason", reason).
		Msg("webhook rejected")

	return ingressErr
}

func externalEventID(d Delivery, p *models.WebhookPayload) string {
	if d.DeliveryID != "" {
		return d.DeliveryID
	}
	if p != nil && p.EventID != "" {
		return p.EventID
	}
	sum := sha256.Sum256(d.Body)
	return hex.EncodeToString(sum[:])
}
