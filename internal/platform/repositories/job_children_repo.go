package repositories

import (
	"context"

	"fieldsync/internal/platform/database"
	"fieldsync/internal/platform/models"
)

var (
	activitiesTable = entityTable{
		name:    "job_activities",
		prefix:  "act_",
		columns: []string{"job_uuid", "staff_uuid", "start_date", "end_date", "scheduled", "active"},
	}
	attachmentsTable = entityTable{
		name:    "job_attachments",
		prefix:  "att_",
		columns: []string{"job_uuid", "name", "file_type", "url", "active"},
	}
	materialsTable = entityTable{
		name:    "job_materials",
		prefix:  "mat_",
		columns: []string{"job_uuid", "name", "quantity", "price", "active"},
	}
)

type ActivityRepository struct {
	db *database.DB
}

func NewActivityRepository(db *database.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func scanActivity(s scanner) (*models.JobActivity, error) {
	var a models.JobActivity
	err := s.Scan(&a.ID, &a.ExternalUUID, &a.JobUUID, &a.StaffUUID, &a.StartDate, &a.EndDate, &a.Scheduled, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *ActivityRepository) GetByUUID(ctx context.Context, externalUUID string) (*models.JobActivity, error) {
	return queryOne(ctx, r.db, scanActivity,
		`SELECT `+activitiesTable.selectColumns()+` FROM job_activities WHERE external_uuid = ?`, externalUUID)
}

func (r *ActivityRepository) Upsert(ctx context.Context, a *models.JobActivity, now int64) (UpsertResult, error) {
	existing, err := r.GetByUUID(ctx, a.ExternalUUID)
	if err != nil {
		return Unchanged, err
	}
	var current []any
	if existing != nil {
		current = existing.Mapped()
	}
	return activitiesTable.upsert(ctx, r.db, a.ExternalUUID, current, a.Mapped(), now)
}

func (r *ActivityRepository) ListByJob(ctx context.Context, jobUUID string) ([]*models.JobActivity, error) {
	return queryList(ctx, r.db, scanActivity,
		`SELECT `+activitiesTable.selectColumns()+` FROM job_activities WHERE job_uuid = ? ORDER BY start_date`, jobUUID)
}

func (r *ActivityRepository) Deactivate(ctx context.Context, externalUUID string, now int64) (bool, error) {
	return activitiesTable.deactivate(ctx, r.db, externalUUID, now)
}

type AttachmentRepository struct {
	db *database.DB
}

func NewAttachmentRepository(db *database.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

func scanAttachment(s scanner) (*models.Attachment, error) {
	var a models.Attachment
	err := s.Scan(&a.ID, &a.ExternalUUID, &a.JobUUID, &a.Name, &a.FileType, &a.URL, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttachmentRepository) GetByUUID(ctx context.Context, externalUUID string) (*models.Attachment, error) {
	return queryOne(ctx, r.db, scanAttachment,
		`SELECT `+attachmentsTable.selectColumns()+` FROM job_attachments WHERE external_uuid = ?`, externalUUID)
}

func (r *AttachmentRepository) Upsert(ctx context.Context, a *models.Attachment, now int64) (UpsertResult, error) {
	existing, err := r.GetByUUID(ctx, a.ExternalUUID)
	if err != nil {
		return Unchanged, err
	}
	var current []any
	if existing != nil {
		current = existing.Mapped()
	}
	return attachmentsTable.upsert(ctx, r.db, a.ExternalUUID, current, a.Mapped(), now)
}

func (r *AttachmentRepository) ListByJob(ctx context.Context, jobUUID string) ([]*models.Attachment, error) {
	return queryList(ctx, r.db, scanAttachment,
		`SELECT `+attachmentsTable.selectColumns()+` FROM job_attachments WHERE job_uuid = ? ORDER BY name`, jobUUID)
}

func (r *AttachmentRepository) Deactivate(ctx context.Context, externalUUID string, now int64) (bool, error) {
	return attachmentsTable.deactivate(ctx, r.db, externalUUID, now)
}

type MaterialRepository struct {
	db *database.DB
}

func NewMaterialRepository(db *database.DB) *MaterialRepository {
	return &MaterialRepository{db: db}
}

func scanMaterial(s scanner) (*models.Material, error) {
	var m models.Material
	err := s.Scan(&m.ID, &m.ExternalUUID, &m.JobUUID, &m.Name, &m.Quantity, &m.Price, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MaterialRepository) GetByUUID(ctx context.Context, externalUUID string) (*models.Material, error) {
	return queryOne(ctx, r.db, scanMaterial,
		`SELECT `+materialsTable.selectColumns()+` FROM job_materials WHERE external_uuid = ?`, externalUUID)
}

func (r *MaterialRepository) Upsert(ctx context.Context, m *models.Material, now int64) (UpsertResult, error) {
	existing, err := r.GetByUUID(ctx, m.ExternalUUID)
	if err != nil {
		return Unchanged, err
	}
	var current []any
	if existing != nil {
		current = existing.Mapped()
	}
	return materialsTable.upsert(ctx, r.db, m.ExternalUUID, current, m.Mapped(), now)
}

func (r *MaterialRepository) ListByJob(ctx context.Context, jobUUID string) ([]*models.Material, error) {
	return queryList(ctx, r.db, scanMaterial,
		`SELECT `+materialsTable.selectColumns()+` FROM job_materials WHERE job_uuid = ? ORDER BY name`, jobUUID)
}
