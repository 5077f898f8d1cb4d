package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/platform/fieldservice"

	"github.com/sourcegraph/conc/pool"
)

// FullSyncResult aggregates a full or incremental sync.
type FullSyncResult struct {
	Companies *SyncStatus `json:"companies"`
	Jobs      *SyncStatus `json:"jobs"`
	Quotes    *SyncStatus `json:"quotes"`
	// Skipped lists companies not synced because the API quota ran out.
	Skipped     []string `json:"skipped,omitempty"`
	RateLimited bool     `json:"rate_limited"`
}

func newFullSyncResult() *FullSyncResult {
	return &FullSyncResult{Companies: newStatus(), Jobs: newStatus(), Quotes: newStatus()}
}

// Records is the number of records attempted across all entity types.
func (r *FullSyncResult) Records() int {
	return r.Companies.Total + r.Jobs.Total + r.Quotes.Total
}

// Failures counts failed records plus skipped companies.
func (r *FullSyncResult) Failures() int {
	return r.Companies.Failed + r.Jobs.Failed + r.Quotes.Failed + len(r.Skipped)
}

func (r *FullSyncResult) Changed() bool {
	return r.Companies.Changed() || r.Jobs.Changed() || r.Quotes.Changed()
}

const backlogReason = "rate limited during full sync"

// PerformFullSync syncs every company, then jobs and quotes per company with
// bounded concurrency. Once the API reports a rate limit the remaining companies
// are skipped, reported as errors and queued in the backlog for the next
// incremental run.
func (s *Service) PerformFullSync(ctx context.Context) (*FullSyncResult, error) {
	result := newFullSyncResult()

	companies, list, err := s.syncCompanies(ctx, fieldservice.Filter{})
	result.Companies = companies
	if err != nil {
		result.RateLimited = fieldservice.KindOf(err) == fieldservice.KindRateLimited
		return result, err
	}

	uuids := make([]string, 0, len(list))
	for _, c := range list {
		if checkUUID(c.UUID) == nil {
			uuids = append(uuids, c.UUID)
		}
	}

	s.syncCompanySet(ctx, uuids, Options{}, result, nil)

	s.logger.Info().
		Int("companies", len(uuids)).
		Int("records", result.Records()).
		Int("failures", result.Failures()).
		Int("skipped", len(result.Skipped)).
		Msg("full sync finished")

	return result, ctx.Err()
}

// syncCompanySet syncs jobs and quotes for each company. onSuccess runs for every
// company whose fetches all succeeded.
func (s *Service) syncCompanySet(ctx context.Context, uuids []string, opts Options, result *FullSyncResult, onSuccess func(string)) {
	var (
		mu      sync.Mutex
		limited atomic.Bool
	)

	skip := func(companyUUID string, reason error) {
		mu.Lock()
		result.Skipped = append(result.Skipped, companyUUID)
		result.Jobs.Errors = append(result.Jobs.Errors, fmt.Sprintf("company %s skipped: %v", companyUUID, reason))
		mu.Unlock()

		if err := s.repos.SyncState.AddBacklog(context.WithoutCancel(ctx), companyUUID, backlogReason, s.now()); err != nil {
			s.logger.Error().Err(err).Str("company_uuid", companyUUID).Msg("failed to record sync backlog")
		}
	}

	p := pool.New().WithMaxGoroutines(s.concurrency)
	for _, companyUUID := range uuids {
		p.Go(func() {
			if limited.Load() {
				skip(companyUUID, fieldservice.ErrRateLimited)
				return
			}
			if err := ctx.Err(); err != nil {
				skip(companyUUID, err)
				return
			}

			jobs, jobsErr := s.SyncJobsForCompany(ctx, companyUUID, opts)
			var quotes *SyncStatus
			quotesErr := jobsErr
			if jobsErr == nil {
				quotes, quotesErr = s.SyncQuotesForCompany(ctx, companyUUID, opts)
			}

			mu.Lock()
			result.Jobs.merge(jobs)
			result.Quotes.merge(quotes)
			mu.Unlock()

			err := errors.Join(jobsErr, quotesErr)
			if err == nil {
				if onSuccess != nil {
					onSuccess(companyUUID)
				}
				return
			}
			if errors.Is(err, fieldservice.ErrRateLimited) {
				if !limited.Swap(true) {
					reset, _ := fieldservice.ResetTime(err)
					s.logger.Warn().Time("reset_at", reset).Str("company_uuid", companyUUID).Msg("rate limited, skipping remaining companies")
				}
				skip(companyUUID, err)
			}
		})
	}
	p.Wait()

	mu.Lock()
	result.RateLimited = limited.Load()
	mu.Unlock()
}

// SyncChangedSince applies upstream changes made after since, then drains the
// backlog of companies skipped by earlier rate-limited runs.
func (s *Service) SyncChangedSince(ctx context.Context, since time.Time) (*FullSyncResult, error) {
	result := newFullSyncResult()
	changed := Options{UpdatedSince: since}

	companies, _, err := s.syncCompanies(ctx, fieldservice.Filter{UpdatedSince: since})
	result.Companies = companies
	if err != nil {
		result.RateLimited = fieldservice.KindOf(err) == fieldservice.KindRateLimited
		return result, err
	}

	jobs, err := s.syncJobs(ctx, "", changed)
	result.Jobs.merge(jobs)
	if err != nil {
		result.RateLimited = fieldservice.KindOf(err) == fieldservice.KindRateLimited
		return result, err
	}

	quotes, err := s.syncQuotes(ctx, "", changed)
	result.Quotes.merge(quotes)
	if err != nil {
		result.RateLimited = fieldservice.KindOf(err) == fieldservice.KindRateLimited
		return result, err
	}

	backlog, err := s.repos.SyncState.ListBacklog(ctx)
	if err != nil {
		return result, fmt.Errorf("list sync backlog: %w", err)
	}
	if len(backlog) == 0 {
		return result, nil
	}

	uuids := make([]string, 0, len(backlog))
	for _, b := range backlog {
		uuids = append(uuids, b.CompanyUUID)
	}

	var drained atomic.Int32
	s.syncCompanySet(ctx, uuids, Options{}, result, func(companyUUID string) {
		if err := s.repos.SyncState.RemoveBacklog(ctx, companyUUID); err != nil {
			s.logger.Error().Err(err).Str("company_uuid", companyUUID).Msg("failed to remove backlog entry")
			return
		}
		drained.Add(1)
	})

	s.logger.Info().
		Int("backlog", len(uuids)).
		Int32("drained", drained.Load()).
		Msg("sync backlog processed")

	return result, ctx.Err()
}
