package repositories

import (
	"context"

	"fieldsync/internal/platform/database"
	"fieldsync/internal/platform/models"
)

var companiesTable = entityTable{
	name:    "companies",
	prefix:  "cmp_",
	columns: []string{"name", "email", "phone", "address", "active"},
}

type CompanyRepository struct {
	db *database.DB
}

func NewCompanyRepository(db *database.DB) *CompanyRepository {
	return &CompanyRepository{db: db}
}

func scanCompany(s scanner) (*models.Company, error) {
	var c models.Company
	err := s.Scan(&c.ID, &c.ExternalUUID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CompanyRepository) GetByUUID(ctx context.Context, externalUUID string) (*models.Company, error) {
	return queryOne(ctx, r.db, scanCompany,
		`SELECT `+companiesTable.selectColumns()+` FROM companies WHERE external_uuid = ?`, externalUUID)
}

func (r *CompanyRepository) Upsert(ctx context.Context, c *models.Company, now int64) (UpsertResult, error) {
	existing, err := r.GetByUUID(ctx, c.ExternalUUID)
	if err != nil {
		return Unchanged, err
	}
	var current []any
	if existing != nil {
		current = existing.Mapped()
	}
	return companiesTable.upsert(ctx, r.db, c.ExternalUUID, current, c.Mapped(), now)
}

// List returns every local company, active or not.
func (r *CompanyRepository) List(ctx context.Context) ([]*models.Company, error) {
	return queryList(ctx, r.db, scanCompany,
		`SELECT `+companiesTable.selectColumns()+` FROM companies ORDER BY external_uuid`)
}

func (r *CompanyRepository) Deactivate(ctx context.Context, externalUUID string, now int64) (bool, error) {
	return companiesTable.deactivate(ctx, r.db, externalUUID, now)
}

func (r *CompanyRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM companies WHERE active = ?`, true).Scan(&n)
	return n, err
}
