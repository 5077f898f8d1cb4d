package repositories

import (
	"context"

	"fieldsync/internal/platform/database"
	"fieldsync/internal/platform/models"
)

var jobsTable = entityTable{
	name:    "jobs",
	prefix:  "job_",
	columns: []string{"company_uuid", "job_number", "status", "description", "address", "total_amount", "scheduled_date", "completion_date", "active"},
}

var quotesTable = entityTable{
	name:    "quotes",
	prefix:  "quo_",
	columns: []string{"job_uuid", "company_uuid", "status", "amount", "approved", "approved_at", "notes", "active"},
}

type JobRepository struct {
	db *database.DB
}

func NewJobRepository(db *database.DB) *JobRepository {
	return &JobRepository{db: db}
}

func scanJob(s scanner) (*models.Job, error) {
	var j models.Job
	err := s.Scan(&j.ID, &j.ExternalUUID, &j.CompanyUUID, &j.JobNumber, &j.Status, &j.Description, &j.Address,
		&j.TotalAmount, &j.ScheduledDate, &j.CompletionDate, &j.Active, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepository) GetByUUID(ctx context.Context, externalUUID string) (*models.Job, error) {
	return queryOne(ctx, r.db, scanJob,
		`SELECT `+jobsTable.selectColumns()+` FROM jobs WHERE external_uuid = ?`, externalUUID)
}

func (r *JobRepository) Upsert(ctx context.Context, j *models.Job, now int64) (UpsertResult, error) {
	existing, err := r.GetByUUID(ctx, j.ExternalUUID)
	if err != nil {
		return Unchanged, err
	}
	var current []any
	if existing != nil {
		current = existing.Mapped()
	}
	return jobsTable.upsert(ctx, r.db, j.ExternalUUID, current, j.Mapped(), now)
}

func (r *JobRepository) ListByCompany(ctx context.Context, companyUUID string) ([]*models.Job, error) {
	return queryList(ctx, r.db, scanJob,
		`SELECT `+jobsTable.selectColumns()+` FROM jobs WHERE company_uuid = ? ORDER BY external_uuid`, companyUUID)
}

func (r *JobRepository) CountByCompany(ctx context.Context, companyUUID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE company_uuid = ? AND active = ?`, companyUUID, true).Scan(&n)
	return n, err
}

func (r *JobRepository) Deactivate(ctx context.Context, externalUUID string, now int64) (bool, error) {
	return jobsTable.deactivate(ctx, r.db, externalUUID, now)
}

type QuoteRepository struct {
	db *database.DB
}

func NewQuoteRepository(db *database.DB) *QuoteRepository {
	return &QuoteRepository{db: db}
}

func scanQuote(s scanner) (*models.Quote, error) {
	var q models.Quote
	err := s.Scan(&q.ID, &q.ExternalUUID, &q.JobUUID, &q.CompanyUUID, &q.Status, &q.Amount, &q.Approved,
		&q.ApprovedAt, &q.Notes, &q.Active, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *QuoteRepository) GetByUUID(ctx context.Context, externalUUID string) (*models.Quote, error) {
	return queryOne(ctx, r.db, scanQuote,
		`SELECT `+quotesTable.selectColumns()+` FROM quotes WHERE external_uuid = ?`, externalUUID)
}

func (r *QuoteRepository) Upsert(ctx context.Context, q *models.Quote, now int64) (UpsertResult, error) {
	existing, err := r.GetByUUID(ctx, q.ExternalUUID)
	if err != nil {
		return Unchanged, err
	}
	var current []any
	if existing != nil {
		current = existing.Mapped()
	}
	return quotesTable.upsert(ctx, r.db, q.ExternalUUID, current, q.Mapped(), now)
}

func (r *QuoteRepository) ListByCompany(ctx context.Context, companyUUID string) ([]*models.Quote, error) {
	return queryList(ctx, r.db, scanQuote,
		`SELECT `+quotesTable.selectColumns()+` FROM quotes WHERE company_uuid = ? ORDER BY external_uuid`, companyUUID)
}

func (r *QuoteRepository) CountByCompany(ctx context.Context, companyUUID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quotes WHERE company_uuid = ? AND active = ?`, companyUUID, true).Scan(&n)
	return n, err
}

func (r *QuoteRepository) Deactivate(ctx context.Context, externalUUID string, now int64) (bool, error) {
	return quotesTable.deactivate(ctx, r.db, externalUUID, now)
}
