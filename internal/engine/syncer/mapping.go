package syncer

import (
	"errors"
	"fmt"

	"fieldsync/internal/platform/fieldservice"
	"fieldsync/internal/platform/models"

	"github.com/google/uuid"
)

// Entity names a mirrored entity type.
type Entity string

const (
	EntityCompany    Entity = "company"
	EntityJob        Entity = "job"
	EntityQuote      Entity = "quote"
	EntityActivity   Entity = "job_activity"
	EntityAttachment Entity = "attachment"
	EntityMaterial   Entity = "job_material"
)

var (
	errMissingUUID   = errors.New("missing uuid")
	errInvalidUUID   = errors.New("invalid uuid")
	errMissingParent = errors.New("missing parent reference")
)

// RecordError describes one record that could not be applied.
type RecordError struct {
	Entity Entity
	Index  int
	UUID   string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s[%d] %s: %v", e.Entity, e.Index, e.UUID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func checkUUID(s string) error {
	if s == "" {
		return errMissingUUID
	}
	if _, err := uuid.Parse(s); err != nil {
		return errInvalidUUID
	}
	return nil
}

func MapCompany(c *fieldservice.Company) (*models.Company, error) {
	if err := checkUUID(c.UUID); err != nil {
		return nil, err
	}
	return &models.Company{
		ExternalUUID: c.UUID,
		Name:         c.Name,
		Email:        c.Email,
		Phone:        c.Phone,
		Address:      c.Address,
		Active:       c.Active,
	}, nil
}

func MapJob(j *fieldservice.Job) (*models.Job, error) {
	if err := checkUUID(j.UUID); err != nil {
		return nil, err
	}
	if j.CompanyUUID == "" {
		return nil, fmt.Errorf("%w: company_uuid", errMissingParent)
	}
	return &models.Job{
		ExternalUUID:   j.UUID,
		CompanyUUID:    j.CompanyUUID,
		JobNumber:      j.JobNumber,
		Status:         j.Status,
		Description:    j.Description,
		Address:        j.Address,
		TotalAmount:    j.TotalAmount,
		ScheduledDate:  j.ScheduledDate,
		CompletionDate: j.CompletionDate,
		Active:         j.Active,
	}, nil
}

func MapQuote(q *fieldservice.Quote) (*models.Quote, error) {
	if err := checkUUID(q.UUID); err != nil {
		return nil, err
	}
	if q.JobUUID == "" {
		return nil, fmt.Errorf("%w: job_uuid", errMissingParent)
	}
	return &models.Quote{
		ExternalUUID: q.UUID,
		JobUUID:      q.JobUUID,
		CompanyUUID:  q.CompanyUUID,
		Status:       q.Status,
		Amount:       q.Amount,
		Approved:     q.Approved,
		ApprovedAt:   q.ApprovedAt,
		Notes:        q.Notes,
		Active:       q.Active,
	}, nil
}

// Children fetched through a job filter may omit the parent reference; jobUUID fills it.

func mapActivity(jobUUID string, a *fieldservice.JobActivity) (*models.JobActivity, error) {
	if err := checkUUID(a.UUID); err != nil {
		return nil, err
	}
	parent := a.JobUUID
	if parent == "" {
		parent = jobUUID
	}
	if parent == "" {
		return nil, fmt.Errorf("%w: job_uuid", errMissingParent)
	}
	return &models.JobActivity{
		ExternalUUID: a.UUID,
		JobUUID:      parent,
		StaffUUID:    a.StaffUUID,
		StartDate:    a.StartDate,
		EndDate:      a.EndDate,
		Scheduled:    a.Scheduled,
		Active:       a.Active,
	}, nil
}

func mapAttachment(jobUUID string, a *fieldservice.Attachment) (*models.Attachment, error) {
	if err := checkUUID(a.UUID); err != nil {
		return nil, err
	}
	parent := a.JobUUID
	if parent == "" {
		parent = jobUUID
	}
	if parent == "" {
		return nil, fmt.Errorf("%w: related_object_uuid", errMissingParent)
	}
	return &models.Attachment{
		ExternalUUID: a.UUID,
		JobUUID:      parent,
		Name:         a.Name,
		FileType:     a.FileType,
		URL:          a.URL,
		Active:       a.Active,
	}, nil
}

func mapMaterial(jobUUID string, m *fieldservice.JobMaterial) (*models.Material, error) {
	if err := checkUUID(m.UUID); err != nil {
		return nil, err
	}
	parent := m.JobUUID
	if parent == "" {
		parent = jobUUID
	}
	if parent == "" {
		return nil, fmt.Errorf("%w: job_uuid", errMissingParent)
	}
	return &models.Material{
		ExternalUUID: m.UUID,
		JobUUID:      parent,
		Name:         m.Name,
		Quantity:     m.Quantity,
		Price:        m.Price,
		Active:       m.Active,
	}, nil
}

// IsRecordError reports whether err came from a malformed record rather than the store or the API.
func IsRecordError(err error) bool {
	return errors.Is(err, errMissingUUID) || errors.Is(err, errInvalidUUID) || errors.Is(err, errMissingParent)
}
