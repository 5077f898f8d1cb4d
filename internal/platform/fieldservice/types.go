package fieldservice

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Resource names as exposed by the external REST API.
const (
	ResourceCompanies   = "companies"
	ResourceJobs        = "jobs"
	ResourceQuotes      = "quotes"
	ResourceStaff       = "staff"
	ResourceActivities  = "job_activities"
	ResourceAttachments = "attachments"
	ResourceMaterials   = "job_materials"
)

type Company struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	Active   bool   `json:"active"`
	EditDate string `json:"edit_date,omitempty"`
}

type Job struct {
	UUID           string  `json:"uuid"`
	CompanyUUID    string  `json:"company_uuid"`
	JobNumber      string  `json:"generated_job_id"`
	Status         string  `json:"status"`
	Description    string  `json:"job_description"`
	Address        string  `json:"job_address"`
	TotalAmount    float64 `json:"total_invoice_amount"`
	ScheduledDate  string  `json:"date"`
	CompletionDate string  `json:"completion_date"`
	Active         bool    `json:"active"`
	EditDate       string  `json:"edit_date,omitempty"`
}

type Quote struct {
	UUID        string  `json:"uuid"`
	JobUUID     string  `json:"job_uuid"`
	CompanyUUID string  `json:"company_uuid"`
	Status      string  `json:"status"`
	Amount      float64 `json:"amount"`
	Approved    bool    `json:"approved"`
	ApprovedAt  string  `json:"approved_at"`
	Notes       string  `json:"notes"`
	Active      bool    `json:"active"`
	EditDate    string  `json:"edit_date,omitempty"`
}

type Staff struct {
	UUID      string `json:"uuid"`
	FirstName string `json:"first"`
	LastName  string `json:"last"`
	Email     string `json:"email"`
	Active    bool   `json:"active"`
}

type JobActivity struct {
	UUID      string `json:"uuid"`
	JobUUID   string `json:"job_uuid"`
	StaffUUID string `json:"staff_uuid"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Scheduled bool   `json:"activity_was_scheduled"`
	Active    bool   `json:"active"`
}

type Attachment struct {
	UUID     string `json:"uuid"`
	JobUUID  string `json:"related_object_uuid"`
	Name     string `json:"attachment_name"`
	FileType string `json:"file_type"`
	URL      string `json:"url"`
	Active   bool   `json:"active"`
}

type JobMaterial struct {
	UUID     string  `json:"uuid"`
	JobUUID  string  `json:"job_uuid"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Active   bool    `json:"active"`
}

type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

type CompanyInput struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type JobInput struct {
	CompanyUUID string `json:"company_uuid"`
	Status      string `json:"status"`
	Description string `json:"job_description,omitempty"`
	Address     string `json:"job_address,omitempty"`
}

type Meta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Page is one list response: {data, meta}.
type Page[T any] struct {
	Data []T `json:"data"`
	Meta Meta `json:"meta"`
}

// Filter is translated into list query parameters. The encoded form is also the
// cache key, so equal filters share cache entries.
type Filter struct {
	CompanyUUID  string
	JobUUID      string
	Status       []string
	UpdatedSince time.Time
	Limit        int
	Offset       int
}

func (f Filter) Values() url.Values {
	v := url.Values{}
	if f.CompanyUUID != "" {
		v.Set("company_uuid", f.CompanyUUID)
	}
	if f.JobUUID != "" {
		v.Set("job_uuid", f.JobUUID)
	}
	if len(f.Status) > 0 {
		statuses := append([]string(nil), f.Status...)
		sort.Strings(statuses)
		v.Set("status", strings.Join(statuses, ","))
	}
	if !f.UpdatedSince.IsZero() {
		v.Set("updated_since", f.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	return v
}

// Signature is the deterministic encoding of the filter.
func (f Filter) Signature() string {
	return f.Values().Encode()
}
