package repositories

import (
	"context"
	"encoding/json"

	"fieldsync/internal/platform/database"
	"fieldsync/internal/platform/models"
)

type SyncStateRepository struct {
	db *database.DB
}

func NewSyncStateRepository(db *database.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

func (r *SyncStateRepository) Save(ctx context.Context, s *models.CompanySyncState) error {
	errs := s.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO company_sync_state (company_uuid, last_synced_at, status, total, synced, failed, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (company_uuid) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			status = excluded.status,
			total = excluded.total,
			synced = excluded.synced,
			failed = excluded.failed,
			errors = excluded.errors
	`, s.CompanyUUID, s.LastSyncedAt, s.Status, s.Total, s.Synced, s.Failed, string(errorsJSON))
	return err
}

func (r *SyncStateRepository) Get(ctx context.Context, companyUUID string) (*models.CompanySyncState, error) {
	return queryOne(ctx, r.db, func(s scanner) (*models.CompanySyncState, error) {
		var st models.CompanySyncState
		var errorsJSON string
		if err := s.Scan(&st.CompanyUUID, &st.LastSyncedAt, &st.Status, &st.Total, &st.Synced, &st.Failed, &errorsJSON); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(errorsJSON), &st.Errors)
		return &st, nil
	}, `SELECT company_uuid, last_synced_at, status, total, synced, failed, errors FROM company_sync_state WHERE company_uuid = ?`, companyUUID)
}

// AddBacklog records a company whose sync was skipped. Re-adding keeps the
// original timestamp and refreshes the reason.
func (r *SyncStateRepository) AddBacklog(ctx context.Context, companyUUID, reason string, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_backlog (company_uuid, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT (company_uuid) DO UPDATE SET reason = excluded.reason
	`, companyUUID, reason, now)
	return err
}

func (r *SyncStateRepository) ListBacklog(ctx context.Context) ([]*models.BacklogEntry, error) {
	return queryList(ctx, r.db, func(s scanner) (*models.BacklogEntry, error) {
		var b models.BacklogEntry
		if err := s.Scan(&b.CompanyUUID, &b.Reason, &b.CreatedAt); err != nil {
			return nil, err
		}
		return &b, nil
	}, `SELECT company_uuid, reason, created_at FROM sync_backlog ORDER BY created_at, company_uuid`)
}

func (r *SyncStateRepository) RemoveBacklog(ctx context.Context, companyUUID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_backlog WHERE company_uuid = ?`, companyUUID)
	return err
}
