package repositories

import (
	"context"
	"database/sql"
	"encoding/json"

	"fieldsync/internal/platform/database"
	"fieldsync/internal/platform/models"

	"github.com/google/uuid"
)

const reconciliationColumns = `id, type, status, started_at, completed_at, records_processed, errors, issues_found, duration_ms, error_message, details`

type ReconciliationRepository struct {
	db *database.DB
}

func NewReconciliationRepository(db *database.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

func scanReconciliationLog(s scanner) (*models.ReconciliationLog, error) {
	var l models.ReconciliationLog
	var completedAt sql.NullInt64
	var errorMessage, details sql.NullString

	err := s.Scan(&l.ID, &l.Type, &l.Status, &l.StartedAt, &completedAt, &l.RecordsProcessed, &l.Errors,
		&l.IssuesFound, &l.DurationMS, &errorMessage, &details)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		v := completedAt.Int64
		l.CompletedAt = &v
	}
	l.ErrorMessage = errorMessage.String
	if details.Valid && details.String != "" {
		l.Details = json.RawMessage(details.String)
	}
	return &l, nil
}

func (r *ReconciliationRepository) Create(ctx context.Context, runType string, startedAt int64) (*models.ReconciliationLog, error) {
	l := &models.ReconciliationLog{
		ID:        "rec_" + uuid.New().String(),
		Type:      runType,
		Status:    models.RunStatusRunning,
		StartedAt: startedAt,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_logs (id, type, status, started_at) VALUES (?, ?, ?, ?)
	`, l.ID, l.Type, l.Status, l.StartedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Finish sets the terminal status of a running log. It returns false when the
// run was already finished, e.g. failed by the watchdog.
func (r *ReconciliationRepository) Finish(ctx context.Context, l *models.ReconciliationLog) (bool, error) {
	var details sql.NullString
	if len(l.Details) > 0 {
		details = sql.NullString{String: string(l.Details), Valid: true}
	}
	var errorMessage sql.NullString
	if l.ErrorMessage != "" {
		errorMessage = sql.NullString{String: l.ErrorMessage, Valid: true}
	}
	var completedAt sql.NullInt64
	if l.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: *l.CompletedAt, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_logs
		SET status = ?, completed_at = ?, records_processed = ?, errors = ?, issues_found = ?,
			duration_ms = ?, error_message = ?, details = ?
		WHERE id = ? AND status = ?
	`, l.Status, completedAt, l.RecordsProcessed, l.Errors, l.IssuesFound, l.DurationMS, errorMessage, details,
		l.ID, models.RunStatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *ReconciliationRepository) GetByID(ctx context.Context, id string) (*models.ReconciliationLog, error) {
	return queryOne(ctx, r.db, scanReconciliationLog,
		`SELECT `+reconciliationColumns+` FROM reconciliation_logs WHERE id = ?`, id)
}

func (r *ReconciliationRepository) List(ctx context.Context, limit int) ([]*models.ReconciliationLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return queryList(ctx, r.db, scanReconciliationLog,
		`SELECT `+reconciliationColumns+` FROM reconciliation_logs ORDER BY started_at DESC, id LIMIT ?`, limit)
}

func (r *ReconciliationRepository) LastSuccessful(ctx context.Context) (*models.ReconciliationLog, error) {
	return queryOne(ctx, r.db, scanReconciliationLog, `
		SELECT `+reconciliationColumns+` FROM reconciliation_logs
		WHERE status = ? ORDER BY started_at DESC LIMIT 1
	`, models.RunStatusCompleted)
}

func (r *ReconciliationRepository) ListRunningStartedBefore(ctx context.Context, runType string, before int64) ([]*models.ReconciliationLog, error) {
	return queryList(ctx, r.db, scanReconciliationLog, `
		SELECT `+reconciliationColumns+` FROM reconciliation_logs
		WHERE status = ? AND type = ? AND started_at < ?
	`, models.RunStatusRunning, runType, before)
}

// Stats aggregates runs started at or after since.
func (r *ReconciliationRepository) Stats(ctx context.Context, since int64) (*models.ReconciliationStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT type, status, COUNT(*),
			COALESCE(CAST(SUM(duration_ms) AS BIGINT), 0),
			COALESCE(CAST(SUM(records_processed) AS BIGINT), 0),
			COALESCE(CAST(SUM(errors) AS BIGINT), 0)
		FROM reconciliation_logs
		WHERE started_at >= ?
		GROUP BY type, status
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.ReconciliationStats{ByType: map[string]models.TypeStats{}}
	var totalDuration int64
	var terminal int
	typeDurations := map[string]int64{}

	for rows.Next() {
		var runType, status string
		var count int
		var duration, records, errs int64
		if err := rows.Scan(&runType, &status, &count, &duration, &records, &errs); err != nil {
			return nil, err
		}

		ts := stats.ByType[runType]
		ts.Runs += count
		stats.TotalRuns += count
		stats.TotalRecords += records
		stats.TotalErrors += errs

		switch status {
		case models.RunStatusCompleted:
			stats.Completed += count
			ts.Completed += count
		case models.RunStatusFailed:
			stats.Failed += count
			ts.Failed += count
		case models.RunStatusRunning:
			stats.Running += count
		}
		if status != models.RunStatusRunning {
			terminal += count
			totalDuration += duration
			typeDurations[runType] += duration
		}
		stats.ByType[runType] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if terminal > 0 {
		stats.AverageDurationMS = float64(totalDuration) / float64(terminal)
	}
	for runType, ts := range stats.ByType {
		if n := ts.Completed + ts.Failed; n > 0 {
			ts.AverageDurationMS = float64(typeDurations[runType]) / float64(n)
			stats.ByType[runType] = ts
		}
	}
	return stats, nil
}

// HasRunning reports whether a run started at or after since is still running.
func (r *ReconciliationRepository) HasRunning(ctx context.Context, since int64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reconciliation_logs WHERE status = ? AND started_at >= ?`,
		models.RunStatusRunning, since).Scan(&n)
	return n > 0, err
}
