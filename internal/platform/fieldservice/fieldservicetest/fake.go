// Package fieldservicetest provides an in-memory stand-in for the external
// field-service API.
package fieldservicetest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"fieldsync/internal/platform/fieldservice"
)

// Fake serves entities from memory. Errors can be injected per operation, and
// RateLimitAfter makes every call after the first N fail as rate limited.
type Fake struct {
	mu sync.Mutex

	Companies   map[string]fieldservice.Company
	Jobs        map[string]fieldservice.Job
	Quotes      map[string]fieldservice.Quote
	Staff       map[string]fieldservice.Staff
	Activities  map[string]fieldservice.JobActivity
	Attachments map[string]fieldservice.Attachment
	Materials   map[string]fieldservice.JobMaterial

	// Modified records when an entity last changed, for updated_since filters.
	Modified map[string]time.Time

	Errors         map[string]error
	RateLimitAfter int
	ResetAt        time.Time

	calls map[string]int
	total int
}

func New() *Fake {
	return &Fake{
		Companies:   map[string]fieldservice.Company{},
		Jobs:        map[string]fieldservice.Job{},
		Quotes:      map[string]fieldservice.Quote{},
		Staff:       map[string]fieldservice.Staff{},
		Activities:  map[string]fieldservice.JobActivity{},
		Attachments: map[string]fieldservice.Attachment{},
		Materials:   map[string]fieldservice.JobMaterial{},
		Modified:    map[string]time.Time{},
		Errors:      map[string]error{},
		calls:       map[string]int{},
	}
}

func (f *Fake) PutCompany(c fieldservice.Company) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Companies[c.UUID] = c
}

func (f *Fake) PutJob(j fieldservice.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Jobs[j.UUID] = j
}

func (f *Fake) PutQuote(q fieldservice.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Quotes[q.UUID] = q
}

func (f *Fake) PutActivity(a fieldservice.JobActivity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Activities[a.UUID] = a
}

func (f *Fake) PutAttachment(a fieldservice.Attachment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Attachments[a.UUID] = a
}

func (f *Fake) PutMaterial(m fieldservice.JobMaterial) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Materials[m.UUID] = m
}

// Touch marks an entity as modified at t.
func (f *Fake) Touch(uuid string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Modified[uuid] = t
}

// FailWith makes op return err until cleared with a nil err.
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, op)
		return
	}
	f.Errors[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// enter must be called with f.mu held.
func (f *Fake) enter(op string) error {
	f.calls[op]++
	f.total++
	if f.RateLimitAfter > 0 && f.total > f.RateLimitAfter {
		return &fieldservice.Error{Kind: fieldservice.KindRateLimited, Op: op, StatusCode: 429, ResetAt: f.ResetAt}
	}
	if err, ok := f.Errors[op]; ok {
		return err
	}
	return nil
}

func notFound(op, uuid string) error {
	return &fieldservice.Error{Kind: fieldservice.KindNotFound, Op: op, StatusCode: 404, Err: fmt.Errorf("%s not found", uuid)}
}

func listPage[T any](f *Fake, items map[string]T, uuidOf func(T) string, match func(T) bool, filter fieldservice.Filter) *fieldservice.Page[T] {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var matched []T
	for _, k := range keys {
		item := items[k]
		if match != nil && !match(item) {
			continue
		}
		if !filter.UpdatedSince.IsZero() {
			mod, ok := f.Modified[uuidOf(item)]
			if !ok || mod.Before(filter.UpdatedSince) {
				continue
			}
		}
		matched = append(matched, item)
	}

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return &fieldservice.Page[T]{
		Data: matched[start:end],
		Meta: fieldservice.Meta{Total: total, Limit: filter.Limit, Offset: filter.Offset},
	}
}

func statusMatch(filter fieldservice.Filter, status string) bool {
	return len(filter.Status) == 0 || slices.Contains(filter.Status, status)
}

func (f *Fake) GetCompanies(_ context.Context, filter fieldservice.Filter) (*fieldservice.Page[fieldservice.Company], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetCompanies"); err != nil {
		return nil, err
	}
	return listPage(f, f.Companies, func(c fieldservice.Company) string { return c.UUID }, nil, filter), nil
}

func (f *Fake) GetCompany(_ context.Context, uuid string) (*fieldservice.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetCompany"); err != nil {
		return nil, err
	}
	c, ok := f.Companies[uuid]
	if !ok {
		return nil, notFound("GetCompany", uuid)
	}
	return &c, nil
}

func (f *Fake) GetJobs(_ context.Context, filter fieldservice.Filter) (*fieldservice.Page[fieldservice.Job], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetJobs"); err != nil {
		return nil, err
	}
	match := func(j fieldservice.Job) bool {
		return (filter.CompanyUUID == "" || j.CompanyUUID == filter.CompanyUUID) && statusMatch(filter, j.Status)
	}
	return listPage(f, f.Jobs, func(j fieldservice.Job) string { return j.UUID }, match, filter), nil
}

func (f *Fake) GetJob(_ context.Context, uuid string) (*fieldservice.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetJob"); err != nil {
		return nil, err
	}
	j, ok := f.Jobs[uuid]
	if !ok {
		return nil, notFound("GetJob", uuid)
	}
	return &j, nil
}

func (f *Fake) GetQuotes(_ context.Context, filter fieldservice.Filter) (*fieldservice.Page[fieldservice.Quote], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetQuotes"); err != nil {
		return nil, err
	}
	match := func(q fieldservice.Quote) bool {
		return (filter.CompanyUUID == "" || q.CompanyUUID == filter.CompanyUUID) &&
			(filter.JobUUID == "" || q.JobUUID == filter.JobUUID) && statusMatch(filter, q.Status)
	}
	return listPage(f, f.Quotes, func(q fieldservice.Quote) string { return q.UUID }, match, filter), nil
}

func (f *Fake) GetQuote(_ context.Context, uuid string) (*fieldservice.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetQuote"); err != nil {
		return nil, err
	}
	q, ok := f.Quotes[uuid]
	if !ok {
		return nil, notFound("GetQuote", uuid)
	}
	return &q, nil
}

func (f *Fake) GetStaff(_ context.Context, filter fieldservice.Filter) (*fieldservice.Page[fieldservice.Staff], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetStaff"); err != nil {
		return nil, err
	}
	return listPage(f, f.Staff, func(s fieldservice.Staff) string { return s.UUID }, nil, filter), nil
}

func (f *Fake) GetJobActivities(_ context.Context, filter fieldservice.Filter) (*fieldservice.Page[fieldservice.JobActivity], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetJobActivities"); err != nil {
		return nil, err
	}
	match := func(a fieldservice.JobActivity) bool { return filter.JobUUID == "" || a.JobUUID == filter.JobUUID }
	return listPage(f, f.Activities, func(a fieldservice.JobActivity) string { return a.UUID }, match, filter), nil
}

func (f *Fake) GetJobActivity(_ context.Context, uuid string) (*fieldservice.JobActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetJobActivity"); err != nil {
		return nil, err
	}
	a, ok := f.Activities[uuid]
	if !ok {
		return nil, notFound("GetJobActivity", uuid)
	}
	return &a, nil
}

func (f *Fake) GetAttachments(_ context.Context, filter fieldservice.Filter) (*fieldservice.Page[fieldservice.Attachment], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetAttachments"); err != nil {
		return nil, err
	}
	match := func(a fieldservice.Attachment) bool { return filter.JobUUID == "" || a.JobUUID == filter.JobUUID }
	return listPage(f, f.Attachments, func(a fieldservice.Attachment) string { return a.UUID }, match, filter), nil
}

func (f *Fake) GetAttachment(_ context.Context, uuid string) (*fieldservice.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetAttachment"); err != nil {
		return nil, err
	}
	a, ok := f.Attachments[uuid]
	if !ok {
		return nil, notFound("GetAttachment", uuid)
	}
	return &a, nil
}

func (f *Fake) GetJobMaterials(_ context.Context, filter fieldservice.Filter) (*fieldservice.Page[fieldservice.JobMaterial], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetJobMaterials"); err != nil {
		return nil, err
	}
	match := func(m fieldservice.JobMaterial) bool { return filter.JobUUID == "" || m.JobUUID == filter.JobUUID }
	return listPage(f, f.Materials, func(m fieldservice.JobMaterial) string { return m.UUID }, match, filter), nil
}

// ApproveQuote marks every quote of the job approved and moves the job to Work Order.
func (f *Fake) ApproveQuote(_ context.Context, jobUUID string, _ []fieldservice.LineItem, notes string) (*fieldservice.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ApproveQuote"); err != nil {
		return nil, err
	}
	j, ok := f.Jobs[jobUUID]
	if !ok {
		return nil, notFound("ApproveQuote", jobUUID)
	}
	j.Status = "Work Order"
	f.Jobs[jobUUID] = j
	for id, q := range f.Quotes {
		if q.JobUUID == jobUUID {
			q.Approved = true
			q.Status = "approved"
			q.Notes = notes
			f.Quotes[id] = q
		}
	}
	return &j, nil
}

func (f *Fake) RejectQuote(_ context.Context, jobUUID string, reason string) (*fieldservice.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RejectQuote"); err != nil {
		return nil, err
	}
	j, ok := f.Jobs[jobUUID]
	if !ok {
		return nil, notFound("RejectQuote", jobUUID)
	}
	j.Status = "Unsuccessful"
	f.Jobs[jobUUID] = j
	for id, q := range f.Quotes {
		if q.JobUUID == jobUUID {
			q.Approved = false
			q.Status = "rejected"
			q.Notes = reason
			f.Quotes[id] = q
		}
	}
	return &j, nil
}
