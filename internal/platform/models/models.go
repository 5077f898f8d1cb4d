package models

// Local mirrors of external entities. ExternalUUID is the join key with the
// external system; ID is a locally assigned surrogate.

type Company struct {
	ID           string `json:"id"`
	ExternalUUID string `json:"external_uuid"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Address      string `json:"address"`
	Active       bool   `json:"active"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Mapped returns the fields mirrored from the external representation, in column order.
func (c *Company) Mapped() []any {
	return []any{c.Name, c.Email, c.Phone, c.Address, c.Active}
}

type Job struct {
	ID             string  `json:"id"`
	ExternalUUID   string  `json:"external_uuid"`
	CompanyUUID    string  `json:"company_uuid"`
	JobNumber      string  `json:"job_number"`
	Status         string  `json:"status"`
	Description    string  `json:"description"`
	Address        string  `json:"address"`
	TotalAmount    float64 `json:"total_amount"`
	ScheduledDate  string  `json:"scheduled_date"`
	CompletionDate string  `json:"completion_date"`
	Active         bool    `json:"active"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

func (j *Job) Mapped() []any {
	return []any{j.CompanyUUID, j.JobNumber, j.Status, j.Description, j.Address, j.TotalAmount, j.ScheduledDate, j.CompletionDate, j.Active}
}

type Quote struct {
	ID           string  `json:"id"`
	ExternalUUID string  `json:"external_uuid"`
	JobUUID      string  `json:"job_uuid"`
	CompanyUUID  string  `json:"company_uuid"`
	Status       string  `json:"status"`
	Amount       float64 `json:"amount"`
	Approved     bool    `json:"approved"`
	ApprovedAt   string  `json:"approved_at"`
	Notes        string  `json:"notes"`
	Active       bool    `json:"active"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

func (q *Quote) Mapped() []any {
	return []any{q.JobUUID, q.CompanyUUID, q.Status, q.Amount, q.Approved, q.ApprovedAt, q.Notes, q.Active}
}

type JobActivity struct {
	ID           string `json:"id"`
	ExternalUUID string `json:"external_uuid"`
	JobUUID      string `json:"job_uuid"`
	StaffUUID    string `json:"staff_uuid"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	Scheduled    bool   `json:"scheduled"`
	Active       bool   `json:"active"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func (a *JobActivity) Mapped() []any {
	return []any{a.JobUUID, a.StaffUUID, a.StartDate, a.EndDate, a.Scheduled, a.Active}
}

type Attachment struct {
	ID           string `json:"id"`
	ExternalUUID string `json:"external_uuid"`
	JobUUID      string `json:"job_uuid"`
	Name         string `json:"name"`
	FileType     string `json:"file_type"`
	URL          string `json:"url"`
	Active       bool   `json:"active"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func (a *Attachment) Mapped() []any {
	return []any{a.JobUUID, a.Name, a.FileType, a.URL, a.Active}
}

type Material struct {
	ID           string  `json:"id"`
	ExternalUUID string  `json:"external_uuid"`
	JobUUID      string  `json:"job_uuid"`
	Name         string  `json:"name"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	Active       bool    `json:"active"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

func (m *Material) Mapped() []any {
	return []any{m.JobUUID, m.Name, m.Quantity, m.Price, m.Active}
}

// CompanySyncState is the last persisted sync outcome for a company.
type CompanySyncState struct {
	CompanyUUID  string   `json:"company_uuid"`
	LastSyncedAt int64    `json:"last_synced_at"`
	Status       string   `json:"status"`
	Total        int      `json:"total"`
	Synced       int      `json:"synced"`
	Failed       int      `json:"failed"`
	Errors       []string `json:"errors"`
}

type BacklogEntry struct {
	CompanyUUID string `json:"company_uuid"`
	Reason      string `json:"reason"`
	CreatedAt   int64  `json:"created_at"`
}

type AuditLog struct {
	ID           string                 `json:"id"`
	Actor        string                 `json:"actor"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	IPAddress    string                 `json:"ip_address"`
	UserAgent    string                 `json:"user_agent"`
	CreatedAt    int64                  `json:"created_at"`
}
