package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/pkg/metrics"
	"fieldsync/internal/platform/database"
	"fieldsync/internal/platform/fieldservice"
	"fieldsync/internal/platform/models"
	"fieldsync/internal/platform/repositories"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Source is the subset of the external API the sync service reads from.
type Source interface {
	GetCompanies(ctx context.Context, f fieldservice.Filter) (*fieldservice.Page[fieldservice.Company], error)
	GetCompany(ctx context.Context, uuid string) (*fieldservice.Company, error)
	GetJobs(ctx context.Context, f fieldservice.Filter) (*fieldservice.Page[fieldservice.Job], error)
	GetJob(ctx context.Context, uuid string) (*fieldservice.Job, error)
	GetQuotes(ctx context.Context, f fieldservice.Filter) (*fieldservice.Page[fieldservice.Quote], error)
	GetQuote(ctx context.Context, uuid string) (*fieldservice.Quote, error)
	GetJobActivities(ctx context.Context, f fieldservice.Filter) (*fieldservice.Page[fieldservice.JobActivity], error)
	GetJobActivity(ctx context.Context, uuid string) (*fieldservice.JobActivity, error)
	GetAttachments(ctx context.Context, f fieldservice.Filter) (*fieldservice.Page[fieldservice.Attachment], error)
	GetAttachment(ctx context.Context, uuid string) (*fieldservice.Attachment, error)
	GetJobMaterials(ctx context.Context, f fieldservice.Filter) (*fieldservice.Page[fieldservice.JobMaterial], error)
	ApproveQuote(ctx context.Context, jobUUID string, lineItems []fieldservice.LineItem, notes string) (*fieldservice.Job, error)
	RejectQuote(ctx context.Context, jobUUID string, reason string) (*fieldservice.Job, error)
}

type Repositories struct {
	Companies   *repositories.CompanyRepository
	Jobs        *repositories.JobRepository
	Quotes      *repositories.QuoteRepository
	Activities  *repositories.ActivityRepository
	Attachments *repositories.AttachmentRepository
	Materials   *repositories.MaterialRepository
	SyncState   *repositories.SyncStateRepository
}

func NewRepositories(db *database.DB) Repositories {
	return Repositories{
		Companies:   repositories.NewCompanyRepository(db),
		Jobs:        repositories.NewJobRepository(db),
		Quotes:      repositories.NewQuoteRepository(db),
		Activities:  repositories.NewActivityRepository(db),
		Attachments: repositories.NewAttachmentRepository(db),
		Materials:   repositories.NewMaterialRepository(db),
		SyncState:   repositories.NewSyncStateRepository(db),
	}
}

// SyncStatus reports the outcome of one sync invocation.
type SyncStatus struct {
	Total     int        `json:"total"`
	Synced    int        `json:"synced"`
	Failed    int        `json:"failed"`
	Inserted  int        `json:"inserted"`
	Updated   int        `json:"updated"`
	Errors    []string   `json:"errors"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
}

func newStatus() *SyncStatus {
	return &SyncStatus{Errors: []string{}}
}

func (s *SyncStatus) record(res repositories.UpsertResult) {
	s.Total++
	s.Synced++
	switch res {
	case repositories.Inserted:
		s.Inserted++
	case repositories.Updated:
		s.Updated++
	}
}

func (s *SyncStatus) fail(err error) {
	s.Total++
	s.Failed++
	s.Errors = append(s.Errors, err.Error())
}

// merge folds o into s.
func (s *SyncStatus) merge(o *SyncStatus) {
	if o == nil {
		return
	}
	s.Total += o.Total
	s.Synced += o.Synced
	s.Failed += o.Failed
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Errors = append(s.Errors, o.Errors...)
}

// Changed reports whether any row was inserted or updated.
func (s *SyncStatus) Changed() bool {
	return s.Inserted+s.Updated > 0
}

type Config struct {
	PageSize    int
	Concurrency int
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// Service maps external entities onto local rows. Upserts are value-diffed, so
// concurrent callers for the same entity converge on the last fetched state.
type Service struct {
	source      Source
	repos       Repositories
	clock       clockwork.Clock
	pageSize    int
	concurrency int
	logger      zerolog.Logger
}

func NewService(source Source, repos Repositories, cfg Config, opts ...Option) *Service {
	s := &Service{
		source:      source,
		repos:       repos,
		clock:       clockwork.NewRealClock(),
		pageSize:    cfg.PageSize,
		concurrency: cfg.Concurrency,
		logger:      logger.WithComponent("syncer"),
	}
	if s.pageSize <= 0 {
		s.pageSize = 100
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() int64 {
	return s.clock.Now().Unix()
}

func observe(entity Entity, res repositories.UpsertResult, err error) {
	if err != nil {
		metrics.SyncRecords.WithLabelValues(string(entity), "error").Inc()
		return
	}
	metrics.SyncRecords.WithLabelValues(string(entity), res.String()).Inc()
}

// Single entity upserts.

func (s *Service) UpsertCompany(ctx context.Context, c *fieldservice.Company) (repositories.UpsertResult, error) {
	m, err := MapCompany(c)
	if err != nil {
		return repositories.Unchanged, err
	}
	res, err := s.repos.Companies.Upsert(ctx, m, s.now())
	observe(EntityCompany, res, err)
	return res, err
}

func (s *Service) UpsertJob(ctx context.Context, j *fieldservice.Job) (repositories.UpsertResult, error) {
	m, err := MapJob(j)
	if err != nil {
		return repositories.Unchanged, err
	}
	res, err := s.repos.Jobs.Upsert(ctx, m, s.now())
	observe(EntityJob, res, err)
	return res, err
}

func (s *Service) UpsertQuote(ctx context.Context, q *fieldservice.Quote) (repositories.UpsertResult, error) {
	m, err := MapQuote(q)
	if err != nil {
		return repositories.Unchanged, err
	}
	res, err := s.repos.Quotes.Upsert(ctx, m, s.now())
	observe(EntityQuote, res, err)
	return res, err
}

func (s *Service) UpsertActivity(ctx context.Context, jobUUID string, a *fieldservice.JobActivity) (repositories.UpsertResult, error) {
	m, err := mapActivity(jobUUID, a)
	if err != nil {
		return repositories.Unchanged, err
	}
	res, err := s.repos.Activities.Upsert(ctx, m, s.now())
	observe(EntityActivity, res, err)
	return res, err
}

func (s *Service) UpsertAttachment(ctx context.Context, jobUUID string, a *fieldservice.Attachment) (repositories.UpsertResult, error) {
	m, err := mapAttachment(jobUUID, a)
	if err != nil {
		return repositories.Unchanged, err
	}
	res, err := s.repos.Attachments.Upsert(ctx, m, s.now())
	observe(EntityAttachment, res, err)
	return res, err
}

func (s *Service) UpsertMaterial(ctx context.Context, jobUUID string, mat *fieldservice.JobMaterial) (repositories.UpsertResult, error) {
	m, err := mapMaterial(jobUUID, mat)
	if err != nil {
		return repositories.Unchanged, err
	}
	res, err := s.repos.Materials.Upsert(ctx, m, s.now())
	observe(EntityMaterial, res, err)
	return res, err
}

// Deactivate marks a local row inactive. It reports whether a row changed.
func (s *Service) Deactivate(ctx context.Context, entity Entity, uuid string) (bool, error) {
	now := s.now()
	switch entity {
	case EntityCompany:
		return s.repos.Companies.Deactivate(ctx, uuid, now)
	case EntityJob:
		return s.repos.Jobs.Deactivate(ctx, uuid, now)
	case EntityQuote:
		return s.repos.Quotes.Deactivate(ctx, uuid, now)
	case EntityActivity:
		return s.repos.Activities.Deactivate(ctx, uuid, now)
	case EntityAttachment:
		return s.repos.Attachments.Deactivate(ctx, uuid, now)
	default:
		return false, fmt.Errorf("deactivate: unsupported entity %q", entity)
	}
}

// Batches. Per-record failures are collected into the status and never abort the batch.

func applyBatch[T any](ctx context.Context, entity Entity, items []T, uuidOf func(*T) string, apply func(context.Context, *T) (repositories.UpsertResult, error), st *SyncStatus) {
	for i := range items {
		item := &items[i]
		res, err := apply(ctx, item)
		if err != nil {
			st.fail(&RecordError{Entity: entity, Index: i, UUID: uuidOf(item), Err: err})
			continue
		}
		st.record(res)
	}
}

func (s *Service) stamp(st *SyncStatus) *SyncStatus {
	now := s.clock.Now().UTC()
	st.LastSync = &now
	return st
}

// SyncCompanies fetches every company and upserts it. The returned error is set
// when the listing itself fails; the status then carries the same message.
func (s *Service) SyncCompanies(ctx context.Context) (*SyncStatus, error) {
	st, _, err := s.syncCompanies(ctx, fieldservice.Filter{})
	return st, err
}

func (s *Service) syncCompanies(ctx context.Context, f fieldservice.Filter) (*SyncStatus, []fieldservice.Company, error) {
	st := newStatus()
	companies, err := fieldservice.All(ctx, s.source.GetCompanies, f, s.pageSize)
	if err != nil {
		st.Errors = append(st.Errors, fmt.Sprintf("fetch companies: %v", err))
		return s.stamp(st), nil, err
	}

	applyBatch(ctx, EntityCompany, companies,
		func(c *fieldservice.Company) string { return c.UUID },
		s.UpsertCompany, st)

	s.logger.Info().Int("total", st.Total).Int("synced", st.Synced).Int("failed", st.Failed).Msg("companies synced")
	return s.stamp(st), companies, nil
}

func (s *Service) jobFilter(companyUUID string, opts Options) fieldservice.Filter {
	return fieldservice.Filter{
		CompanyUUID:  companyUUID,
		Status:       opts.Status,
		UpdatedSince: opts.UpdatedSince,
		Limit:        opts.Limit,
		Offset:       opts.Offset,
	}
}

func fetch[T any](ctx context.Context, s *Service, list func(context.Context, fieldservice.Filter) (*fieldservice.Page[T], error), f fieldservice.Filter) ([]T, error) {
	if f.Limit > 0 {
		page, err := list(ctx, f)
		if err != nil {
			return nil, err
		}
		return page.Data, nil
	}
	return fieldservice.All(ctx, list, f, s.pageSize)
}

// SyncJobsForCompany upserts the company's jobs and, when requested, their
// activities, attachments and materials.
func (s *Service) SyncJobsForCompany(ctx context.Context, companyUUID string, opts Options) (*SyncStatus, error) {
	st, err := s.syncJobs(ctx, companyUUID, opts)
	s.saveState(ctx, companyUUID, st, err)
	return st, err
}

func (s *Service) syncJobs(ctx context.Context, companyUUID string, opts Options) (*SyncStatus, error) {
	st := newStatus()
	jobs, err := fetch(ctx, s, s.source.GetJobs, s.jobFilter(companyUUID, opts))
	if err != nil {
		st.Errors = append(st.Errors, fmt.Sprintf("fetch jobs for company %s: %v", companyUUID, err))
		return s.stamp(st), err
	}

	applyBatch(ctx, EntityJob, jobs,
		func(j *fieldservice.Job) string { return j.UUID },
		s.UpsertJob, st)

	if opts.cascades() {
		for i := range jobs {
			if checkUUID(jobs[i].UUID) != nil {
				continue
			}
			if err := s.syncJobChildren(ctx, jobs[i].UUID, opts, st); err != nil {
				return s.stamp(st), err
			}
		}
	}
	return s.stamp(st), nil
}

// syncJobChildren returns an error only when a fetch fails with a rate limit or
// auth failure, which would fail every following fetch too.
func (s *Service) syncJobChildren(ctx context.Context, jobUUID string, opts Options, st *SyncStatus) error {
	f := fieldservice.Filter{JobUUID: jobUUID}

	if opts.IncludeActivities {
		items, err := fetch(ctx, s, s.source.GetJobActivities, f)
		if err := s.childFetchFailed(err, "activities", jobUUID, st); err != nil {
			return err
		}
		st.merge(s.SyncJobActivities(ctx, jobUUID, items))
	}
	if opts.IncludeAttachments {
		items, err := fetch(ctx, s, s.source.GetAttachments, f)
		if err := s.childFetchFailed(err, "attachments", jobUUID, st); err != nil {
			return err
		}
		st.merge(s.SyncJobAttachments(ctx, jobUUID, items))
	}
	if opts.IncludeMaterials {
		items, err := fetch(ctx, s, s.source.GetJobMaterials, f)
		if err := s.childFetchFailed(err, "materials", jobUUID, st); err != nil {
			return err
		}
		st.merge(s.SyncJobMaterials(ctx, jobUUID, items))
	}
	return nil
}

func (s *Service) childFetchFailed(err error, what, jobUUID string, st *SyncStatus) error {
	if err == nil {
		return nil
	}
	st.Errors = append(st.Errors, fmt.Sprintf("fetch %s for job %s: %v", what, jobUUID, err))
	switch fieldservice.KindOf(err) {
	case fieldservice.KindRateLimited, fieldservice.KindAuth:
		return err
	}
	return nil
}

func (s *Service) SyncJobActivities(ctx context.Context, jobUUID string, activities []fieldservice.JobActivity) *SyncStatus {
	st := newStatus()
	applyBatch(ctx, EntityActivity, activities,
		func(a *fieldservice.JobActivity) string { return a.UUID },
		func(ctx context.Context, a *fieldservice.JobActivity) (repositories.UpsertResult, error) {
			return s.UpsertActivity(ctx, jobUUID, a)
		}, st)
	return s.stamp(st)
}

func (s *Service) SyncJobAttachments(ctx context.Context, jobUUID string, attachments []fieldservice.Attachment) *SyncStatus {
	st := newStatus()
	applyBatch(ctx, EntityAttachment, attachments,
		func(a *fieldservice.Attachment) string { return a.UUID },
		func(ctx context.Context, a *fieldservice.Attachment) (repositories.UpsertResult, error) {
			return s.UpsertAttachment(ctx, jobUUID, a)
		}, st)
	return s.stamp(st)
}

func (s *Service) SyncJobMaterials(ctx context.Context, jobUUID string, materials []fieldservice.JobMaterial) *SyncStatus {
	st := newStatus()
	applyBatch(ctx, EntityMaterial, materials,
		func(m *fieldservice.JobMaterial) string { return m.UUID },
		func(ctx context.Context, m *fieldservice.JobMaterial) (repositories.UpsertResult, error) {
			return s.UpsertMaterial(ctx, jobUUID, m)
		}, st)
	return s.stamp(st)
}

// SyncQuotesForCompany upserts the company's quotes.
func (s *Service) SyncQuotesForCompany(ctx context.Context, companyUUID string, opts Options) (*SyncStatus, error) {
	st, err := s.syncQuotes(ctx, companyUUID, opts)
	s.saveState(ctx, companyUUID, st, err)
	return st, err
}

func (s *Service) syncQuotes(ctx context.Context, companyUUID string, opts Options) (*SyncStatus, error) {
	st := newStatus()
	quotes, err := fetch(ctx, s, s.source.GetQuotes, s.jobFilter(companyUUID, opts))
	if err != nil {
		st.Errors = append(st.Errors, fmt.Sprintf("fetch quotes for company %s: %v", companyUUID, err))
		return s.stamp(st), err
	}

	applyBatch(ctx, EntityQuote, quotes,
		func(q *fieldservice.Quote) string { return q.UUID },
		s.UpsertQuote, st)
	return s.stamp(st), nil
}

func (s *Service) saveState(ctx context.Context, companyUUID string, st *SyncStatus, syncErr error) {
	status := "completed"
	switch {
	case syncErr != nil:
		status = "failed"
	case st.Failed > 0:
		status = "partial"
	}

	state := &models.CompanySyncState{
		CompanyUUID:  companyUUID,
		LastSyncedAt: s.now(),
		Status:       status,
		Total:        st.Total,
		Synced:       st.Synced,
		Failed:       st.Failed,
		Errors:       st.Errors,
	}
	if err := s.repos.SyncState.Save(ctx, state); err != nil {
		s.logger.Error().Err(err).Str("company_uuid", companyUUID).Msg("failed to persist sync state")
	}
}

// GetSyncStatus returns the last persisted sync outcome for a company. A company
// that was never synced reports its local row counts and no LastSync.
func (s *Service) GetSyncStatus(ctx context.Context, companyUUID string) (*SyncStatus, error) {
	state, err := s.repos.SyncState.Get(ctx, companyUUID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		last := time.Unix(state.LastSyncedAt, 0).UTC()
		errs := state.Errors
		if errs == nil {
			errs = []string{}
		}
		return &SyncStatus{
			Total:    state.Total,
			Synced:   state.Synced,
			Failed:   state.Failed,
			Errors:   errs,
			LastSync: &last,
		}, nil
	}

	jobs, err := s.repos.Jobs.CountByCompany(ctx, companyUUID)
	if err != nil {
		return nil, err
	}
	quotes, err := s.repos.Quotes.CountByCompany(ctx, companyUUID)
	if err != nil {
		return nil, err
	}
	st := newStatus()
	st.Total = jobs + quotes
	st.Synced = st.Total
	return st, nil
}

// Quote actions go upstream first; the local mirror is refreshed from the response.

func (s *Service) ApproveQuote(ctx context.Context, jobUUID string, lineItems []fieldservice.LineItem, notes string) (*fieldservice.Job, error) {
	job, err := s.source.ApproveQuote(ctx, jobUUID, lineItems, notes)
	if err != nil {
		return nil, err
	}
	return job, s.refreshQuoteJob(ctx, job)
}

func (s *Service) RejectQuote(ctx context.Context, jobUUID string, reason string) (*fieldservice.Job, error) {
	job, err := s.source.RejectQuote(ctx, jobUUID, reason)
	if err != nil {
		return nil, err
	}
	return job, s.refreshQuoteJob(ctx, job)
}

func (s *Service) refreshQuoteJob(ctx context.Context, job *fieldservice.Job) error {
	if _, err := s.UpsertJob(ctx, job); err != nil {
		return fmt.Errorf("upsert job %s: %w", job.UUID, err)
	}
	quotes, err := fetch(ctx, s, s.source.GetQuotes, fieldservice.Filter{JobUUID: job.UUID})
	if err != nil {
		return fmt.Errorf("refresh quotes for job %s: %w", job.UUID, err)
	}
	var errs []error
	for i := range quotes {
		if _, err := s.UpsertQuote(ctx, &quotes[i]); err != nil {
			errs = append(errs, &RecordError{Entity: EntityQuote, Index: i, UUID: quotes[i].UUID, Err: err})
		}
	}
	return errors.Join(errs...)
}
