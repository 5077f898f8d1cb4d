package reconcile

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"fieldsync/internal/engine/syncer"
	"fieldsync/internal/pkg/metrics"
	"fieldsync/internal/platform/fieldservice"
	"fieldsync/internal/platform/models"
)

// Category classifies a discrepancy between the local store and upstream.
type Category string

const (
	MissingLocally  Category = "missing_locally"
	StaleLocally    Category = "stale_locally"
	OrphanedLocally Category = "orphaned_locally"
)

// Issue is one detected discrepancy. Stale issues name the first differing
// field; Fields lists all of them.
type Issue struct {
	Category    Category      `json:"category"`
	Entity      syncer.Entity `json:"entity"`
	UUID        string        `json:"uuid"`
	CompanyUUID string        `json:"company_uuid,omitempty"`
	Field       string        `json:"field,omitempty"`
	Fields      []string      `json:"fields,omitempty"`
	Expected    any           `json:"expected,omitempty"`
	Actual      any           `json:"actual,omitempty"`

	// upstream snapshot used for repair
	company *fieldservice.Company
	job     *fieldservice.Job
	quote   *fieldservice.Quote
}

// CompanyCounts compares active record counts for one company.
type CompanyCounts struct {
	LocalJobs      int `json:"local_jobs"`
	ExternalJobs   int `json:"external_jobs"`
	LocalQuotes    int `json:"local_quotes"`
	ExternalQuotes int `json:"external_quotes"`
	Issues         int `json:"issues"`
}

type CheckDetails struct {
	LocalCompanies    int                       `json:"local_companies"`
	ExternalCompanies int                       `json:"external_companies"`
	Companies         map[string]*CompanyCounts `json:"companies"`
	ByCategory        map[Category]int          `json:"by_category"`
	ByEntity          map[syncer.Entity]int     `json:"by_entity"`
	Sampled           int                       `json:"sampled"`
	Errors            []string                  `json:"errors,omitempty"`
}

// CheckReport is the result of one consistency check pass.
type CheckReport struct {
	Issues  []Issue      `json:"issues"`
	Details CheckDetails `json:"details"`
}

func newReport() *CheckReport {
	return &CheckReport{
		Issues: []Issue{},
		Details: CheckDetails{
			Companies:  map[string]*CompanyCounts{},
			ByCategory: map[Category]int{},
			ByEntity:   map[syncer.Entity]int{},
		},
	}
}

func (r *CheckReport) add(is Issue) {
	r.Issues = append(r.Issues, is)
	r.Details.ByCategory[is.Category]++
	r.Details.ByEntity[is.Entity]++
	if cc, ok := r.Details.Companies[is.CompanyUUID]; ok {
		cc.Issues++
	}
	metrics.ReconcileIssues.WithLabelValues(string(is.Category), string(is.Entity)).Inc()
}

var (
	companyFields = []string{"name", "email", "phone", "address", "active"}
	jobFields     = []string{"company_uuid", "job_number", "status", "description", "address", "total_amount", "scheduled_date", "completion_date", "active"}
	quoteFields   = []string{"job_uuid", "company_uuid", "status", "amount", "approved", "approved_at", "notes", "active"}
)

// diff compares two Mapped() value lists and returns the differing field names
// with the first pair of values.
func diff(names []string, expected, actual []any) (fields []string, exp, act any) {
	for i := range names {
		if expected[i] == actual[i] {
			continue
		}
		if fields == nil {
			exp, act = expected[i], actual[i]
		}
		fields = append(fields, names[i])
	}
	return fields, exp, act
}

// PerformConsistencyChecks compares the local store with upstream. Companies are
// compared in full; per company, job and quote sets are diffed and up to
// sample_size shared records are compared field by field.
func (e *Engine) PerformConsistencyChecks(ctx context.Context) (*CheckReport, error) {
	ctx = fieldservice.NoCache(ctx)
	report := newReport()

	upstream, err := fieldservice.All(ctx, e.source.GetCompanies, fieldservice.Filter{}, e.pageSize)
	if err != nil {
		return report, fmt.Errorf("list upstream companies: %w", err)
	}
	local, err := e.repos.Companies.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list local companies: %w", err)
	}

	localByUUID := make(map[string]*models.Company, len(local))
	for _, c := range local {
		if c.Active {
			localByUUID[c.ExternalUUID] = c
		}
	}
	report.Details.LocalCompanies = len(localByUUID)

	seen := make(map[string]bool, len(upstream))
	var companies []string
	for i := range upstream {
		c := &upstream[i]
		expected, err := syncer.MapCompany(c)
		if err != nil {
			report.Details.Errors = append(report.Details.Errors, fmt.Sprintf("company %s: %v", c.UUID, err))
			continue
		}
		seen[c.UUID] = true
		if c.Active {
			report.Details.ExternalCompanies++
			companies = append(companies, c.UUID)
			report.Details.Companies[c.UUID] = &CompanyCounts{}
		}

		actual, ok := localByUUID[c.UUID]
		switch {
		case !ok && c.Active:
			report.add(Issue{Category: MissingLocally, Entity: syncer.EntityCompany, UUID: c.UUID, CompanyUUID: c.UUID, company: c})
		case ok:
			if fields, exp, act := diff(companyFields, expected.Mapped(), actual.Mapped()); len(fields) > 0 {
				report.add(Issue{Category: StaleLocally, Entity: syncer.EntityCompany, UUID: c.UUID, CompanyUUID: c.UUID,
					Field: fields[0], Fields: fields, Expected: exp, Actual: act, company: c})
			}
		}
	}
	for uuid := range localByUUID {
		if !seen[uuid] {
			report.add(Issue{Category: OrphanedLocally, Entity: syncer.EntityCompany, UUID: uuid, CompanyUUID: uuid})
		}
	}

	for _, companyUUID := range companies {
		if err := e.checkCompany(ctx, companyUUID, report); err != nil {
			switch fieldservice.KindOf(err) {
			case fieldservice.KindRateLimited, fieldservice.KindAuth:
				return report, err
			}
			report.Details.Errors = append(report.Details.Errors, fmt.Sprintf("company %s: %v", companyUUID, err))
		}
	}

	sort.SliceStable(report.Issues, func(i, j int) bool {
		if report.Issues[i].Entity != report.Issues[j].Entity {
			return report.Issues[i].Entity < report.Issues[j].Entity
		}
		return report.Issues[i].UUID < report.Issues[j].UUID
	})
	return report, nil
}

func (e *Engine) checkCompany(ctx context.Context, companyUUID string, report *CheckReport) error {
	counts := report.Details.Companies[companyUUID]

	jobs, err := fieldservice.All(ctx, e.source.GetJobs, fieldservice.Filter{CompanyUUID: companyUUID}, e.pageSize)
	if err != nil {
		return fmt.Errorf("list upstream jobs: %w", err)
	}
	localJobs, err := e.repos.Jobs.ListByCompany(ctx, companyUUID)
	if err != nil {
		return fmt.Errorf("list local jobs: %w", err)
	}
	jobIndex := make(map[string]*models.Job, len(localJobs))
	for _, j := range localJobs {
		if j.Active {
			jobIndex[j.ExternalUUID] = j
		}
	}
	counts.LocalJobs = len(jobIndex)

	var shared []func()
	seen := make(map[string]bool, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		expected, err := syncer.MapJob(j)
		if err != nil {
			report.Details.Errors = append(report.Details.Errors, fmt.Sprintf("job %s: %v", j.UUID, err))
			continue
		}
		seen[j.UUID] = true
		if j.Active {
			counts.ExternalJobs++
		}
		actual, ok := jobIndex[j.UUID]
		switch {
		case !ok && j.Active:
			report.add(Issue{Category: MissingLocally, Entity: syncer.EntityJob, UUID: j.UUID, CompanyUUID: companyUUID, job: j})
		case ok:
			shared = append(shared, func() {
				if fields, exp, act := diff(jobFields, expected.Mapped(), actual.Mapped()); len(fields) > 0 {
					report.add(Issue{Category: StaleLocally, Entity: syncer.EntityJob, UUID: j.UUID, CompanyUUID: companyUUID,
						Field: fields[0], Fields: fields, Expected: exp, Actual: act, job: j})
				}
			})
		}
	}
	for uuid := range jobIndex {
		if !seen[uuid] {
			report.add(Issue{Category: OrphanedLocally, Entity: syncer.EntityJob, UUID: uuid, CompanyUUID: companyUUID})
		}
	}

	quotes, err := fieldservice.All(ctx, e.source.GetQuotes, fieldservice.Filter{CompanyUUID: companyUUID}, e.pageSize)
	if err != nil {
		return fmt.Errorf("list upstream quotes: %w", err)
	}
	localQuotes, err := e.repos.Quotes.ListByCompany(ctx, companyUUID)
	if err != nil {
		return fmt.Errorf("list local quotes: %w", err)
	}
	quoteIndex := make(map[string]*models.Quote, len(localQuotes))
	for _, q := range localQuotes {
		if q.Active {
			quoteIndex[q.ExternalUUID] = q
		}
	}
	counts.LocalQuotes = len(quoteIndex)

	seen = make(map[string]bool, len(quotes))
	for i := range quotes {
		q := &quotes[i]
		expected, err := syncer.MapQuote(q)
		if err != nil {
			report.Details.Errors = append(report.Details.Errors, fmt.Sprintf("quote %s: %v", q.UUID, err))
			continue
		}
		seen[q.UUID] = true
		if q.Active {
			counts.ExternalQuotes++
		}
		actual, ok := quoteIndex[q.UUID]
		switch {
		case !ok && q.Active:
			report.add(Issue{Category: MissingLocally, Entity: syncer.EntityQuote, UUID: q.UUID, CompanyUUID: companyUUID, quote: q})
		case ok:
			shared = append(shared, func() {
				if fields, exp, act := diff(quoteFields, expected.Mapped(), actual.Mapped()); len(fields) > 0 {
					report.add(Issue{Category: StaleLocally, Entity: syncer.EntityQuote, UUID: q.UUID, CompanyUUID: companyUUID,
						Field: fields[0], Fields: fields, Expected: exp, Actual: act, quote: q})
				}
			})
		}
	}
	for uuid := range quoteIndex {
		if !seen[uuid] {
			report.add(Issue{Category: OrphanedLocally, Entity: syncer.EntityQuote, UUID: uuid, CompanyUUID: companyUUID})
		}
	}

	if e.cfg.SampleSize > 0 && len(shared) > e.cfg.SampleSize {
		rand.Shuffle(len(shared), func(i, j int) { shared[i], shared[j] = shared[j], shared[i] })
		shared = shared[:e.cfg.SampleSize]
	}
	for _, compare := range shared {
		compare()
	}
	report.Details.Sampled += len(shared)
	return nil
}
