package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"fieldsync/internal/platform/database"
	"fieldsync/internal/platform/models"

	"github.com/google/uuid"
)

const webhookEventColumns = `id, provider, external_event_id, object_type, object_uuid, event_type, payload, status, retryable, error_details, attempts, processed_at, created_at, updated_at`

type WebhookEventRepository struct {
	db *database.DB
}

func NewWebhookEventRepository(db *database.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

func scanWebhookEvent(s scanner) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var payload string
	var errorDetails sql.NullString
	var processedAt sql.NullInt64

	err := s.Scan(&e.ID, &e.Provider, &e.ExternalEventID, &e.ObjectType, &e.ObjectUUID, &e.EventType, &payload,
		&e.Status, &e.Retryable, &errorDetails, &e.AttemptCount, &processedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.Payload = json.RawMessage(payload)
	if processedAt.Valid {
		v := processedAt.Int64
		e.ProcessedAt = &v
	}
	if errorDetails.Valid && errorDetails.String != "" {
		if err := json.Unmarshal([]byte(errorDetails.String), &e.ErrorDetails); err != nil {
			// Pre-structured rows carried a bare message.
			e.ErrorDetails = []models.AttemptError{{Attempt: 1, Error: errorDetails.String}}
		}
	}
	return &e, nil
}

func encodeErrorDetails(details []models.AttemptError) sql.NullString {
	if len(details) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// Create stores a new event. ID is assigned when empty; processed_at is set for
// events recorded directly in a terminal state.
func (r *WebhookEventRepository) Create(ctx context.Context, e *models.WebhookEvent) error {
	if e.ID == "" {
		e.ID = "evt_" + uuid.New().String()
	}
	if e.UpdatedAt == 0 {
		e.UpdatedAt = e.CreatedAt
	}
	if e.Status == models.EventStatusSuccess || e.Status == models.EventStatusFailed {
		if e.ProcessedAt == nil {
			at := e.CreatedAt
			e.ProcessedAt = &at
		}
	} else {
		e.ProcessedAt = nil
	}

	var processedAt sql.NullInt64
	if e.ProcessedAt != nil {
		processedAt = sql.NullInt64{Int64: *e.ProcessedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (`+webhookEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Provider, e.ExternalEventID, e.ObjectType, e.ObjectUUID, e.EventType, string(e.Payload),
		e.Status, e.Retryable, encodeErrorDetails(e.ErrorDetails), e.AttemptCount, processedAt, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *WebhookEventRepository) GetByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	return queryOne(ctx, r.db, scanWebhookEvent,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = ?`, id)
}

// Claim moves a queued or failed retryable event to processing. It returns
// false when another worker already owns the event or it is terminal.
func (r *WebhookEventRepository) Claim(ctx context.Context, id string, now int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = ?, processed_at = NULL, updated_at = ?
		WHERE id = ? AND retryable = ? AND status IN (?, ?)
	`, models.EventStatusProcessing, now, id, true, models.EventStatusQueued, models.EventStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *WebhookEventRepository) MarkSuccess(ctx context.Context, id string, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.EventStatusSuccess, now, now, id, models.EventStatusProcessing)
	return err
}

// MarkFailed moves a processing event to failed with its full attempt history
// and counts one more attempt.
func (r *WebhookEventRepository) MarkFailed(ctx context.Context, id string, details []models.AttemptError, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = ?, error_details = ?, attempts = attempts + 1, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.EventStatusFailed, encodeErrorDetails(details), now, now, id, models.EventStatusProcessing)
	return err
}

func (r *WebhookEventRepository) List(ctx context.Context, f models.EventFilter) ([]*models.WebhookEvent, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ObjectType != "" {
		where = append(where, "object_type = ?")
		args = append(args, f.ObjectType)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	events, err := queryList(ctx, r.db, scanWebhookEvent,
		`SELECT `+webhookEventColumns+` FROM webhook_events`+clause+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	return events, total, err
}

// ListRetryable returns failed events with fewer than maxAttempts attempts,
// oldest first.
func (r *WebhookEventRepository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*models.WebhookEvent, error) {
	return queryList(ctx, r.db, scanWebhookEvent, `
		SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE status = ? AND retryable = ? AND attempts < ?
		ORDER BY created_at ASC LIMIT ?
	`, models.EventStatusFailed, true, maxAttempts, limit)
}

func (r *WebhookEventRepository) ListQueuedBefore(ctx context.Context, before int64, limit int) ([]*models.WebhookEvent, error) {
	return queryList(ctx, r.db, scanWebhookEvent, `
		SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC LIMIT ?
	`, models.EventStatusQueued, before, limit)
}

func (r *WebhookEventRepository) ListProcessingBefore(ctx context.Context, before int64, limit int) ([]*models.WebhookEvent, error) {
	return queryList(ctx, r.db, scanWebhookEvent, `
		SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?
	`, models.EventStatusProcessing, before, limit)
}

func (r *WebhookEventRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhook_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{
		models.EventStatusQueued:     0,
		models.EventStatusProcessing: 0,
		models.EventStatusSuccess:    0,
		models.EventStatusFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteOlderThan removes events created before cutoff. With no statuses it
// only removes terminal events (success, failed) so in-flight work survives.
func (r *WebhookEventRepository) DeleteOlderThan(ctx context.Context, cutoff int64, statuses []string) (int64, error) {
	if len(statuses) == 0 {
		statuses = []string{models.EventStatusSuccess, models.EventStatusFailed}
	}
	args := []any{cutoff}
	for _, s := range statuses {
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE created_at < ? AND status IN (`+database.Placeholders(len(statuses))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteSettledBefore removes successful events and rejected (non-retryable)
// deliveries created before cutoff. Retryable failures stay visible to operators.
func (r *WebhookEventRepository) DeleteSettledBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_events
		WHERE created_at < ? AND (status = ? OR (status = ? AND retryable = ?))
	`, cutoff, models.EventStatusSuccess, models.EventStatusFailed, false)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
