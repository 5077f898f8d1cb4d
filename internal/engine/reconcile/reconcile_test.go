package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/engine/syncer"
	"fieldsync/internal/platform/config"
	"fieldsync/internal/platform/database/dbtest"
	"fieldsync/internal/platform/fieldservice"
	"fieldsync/internal/platform/fieldservice/fieldservicetest"
	"fieldsync/internal/platform/models"
	"fieldsync/internal/platform/repositories"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine *Engine
	svc    *syncer.Service
	fake   *fieldservicetest.Fake
	repos  syncer.Repositories
	runs   *repositories.ReconciliationRepository
	clock  clockwork.FakeClock
}

var testConfig = config.ReconcileConfig{
	IncrementalTimeout: 10 * time.Minute,
	FullTimeout:        2 * time.Hour,
	DefaultLookback:    24 * time.Hour,
	StatsWindowDays:    30,
}

func newFixture(t *testing.T, source syncer.Source, fake *fieldservicetest.Fake, cfg config.ReconcileConfig) *fixture {
	t.Helper()
	db := dbtest.New(t)
	repos := syncer.NewRepositories(db)
	runs := repositories.NewReconciliationRepository(db)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC))
	svc := syncer.NewService(source, repos, syncer.Config{PageSize: 50, Concurrency: 1}, syncer.WithClock(clock))
	engine := New(svc, source, repos, runs, cfg, WithClock(clock), WithPageSize(50))
	return &fixture{engine: engine, svc: svc, fake: fake, repos: repos, runs: runs, clock: clock}
}

func newDefaultFixture(t *testing.T) *fixture {
	fake := fieldservicetest.New()
	return newFixture(t, fake, fake, testConfig)
}

func (f *fixture) addCompany() string {
	id := uuid.NewString()
	f.fake.PutCompany(fieldservice.Company{UUID: id, Name: "Company " + id[:4], Active: true})
	return id
}

func (f *fixture) addJob(companyUUID string) string {
	id := uuid.NewString()
	f.fake.PutJob(fieldservice.Job{UUID: id, CompanyUUID: companyUUID, JobNumber: "J-" + id[:4], Status: "Quote", Active: true})
	return id
}

func (f *fixture) addQuote(companyUUID, jobUUID string) string {
	id := uuid.NewString()
	f.fake.PutQuote(fieldservice.Quote{UUID: id, JobUUID: jobUUID, CompanyUUID: companyUUID, Status: "pending", Amount: 120, Active: true})
	return id
}

// seed creates two companies with jobs and quotes upstream and mirrors them locally.
func (f *fixture) seed(t *testing.T) (companies, jobs, quotes []string) {
	t.Helper()
	for i := 0; i < 2; i++ {
		c := f.addCompany()
		companies = append(companies, c)
		for k := 0; k < 3; k++ {
			j := f.addJob(c)
			jobs = append(jobs, j)
			quotes = append(quotes, f.addQuote(c, j))
		}
	}
	_, err := f.svc.PerformFullSync(context.Background())
	require.NoError(t, err)
	return companies, jobs, quotes
}

func issuesBy(report *CheckReport, c Category) map[string]Issue {
	out := map[string]Issue{}
	for _, is := range report.Issues {
		if is.Category == c {
			out[is.UUID] = is
		}
	}
	return out
}

func TestPerformConsistencyChecks_CleanStore(t *testing.T) {
	f := newDefaultFixture(t)
	f.seed(t)

	report, err := f.engine.PerformConsistencyChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 2, report.Details.LocalCompanies)
	assert.Equal(t, 2, report.Details.ExternalCompanies)
	for _, counts := range report.Details.Companies {
		assert.Equal(t, 3, counts.LocalJobs)
		assert.Equal(t, 3, counts.ExternalJobs)
		assert.Equal(t, 3, counts.LocalQuotes)
		assert.Equal(t, 3, counts.ExternalQuotes)
	}
	assert.Equal(t, 12, report.Details.Sampled)
}

func TestPerformConsistencyChecks_ClassifiesEveryDiscrepancy(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	companies, jobs, quotes := f.seed(t)

	// missing: created upstream after the last sync
	missingJob := f.addJob(companies[0])
	missingQuote := f.addQuote(companies[1], jobs[4])

	// stale: changed upstream, local copy untouched
	staleJob := f.fake.Jobs[jobs[1]]
	staleJob.Status = "Work Order"
	f.fake.PutJob(staleJob)
	staleQuote := f.fake.Quotes[quotes[2]]
	staleQuote.Approved = true
	staleQuote.Status = "approved"
	f.fake.PutQuote(staleQuote)

	// orphaned: present locally, gone upstream
	orphanJob := fieldservice.Job{UUID: uuid.NewString(), CompanyUUID: companies[1], JobNumber: "J-orphan", Status: "Quote", Active: true}
	_, err := f.svc.UpsertJob(ctx, &orphanJob)
	require.NoError(t, err)
	delete(f.fake.Quotes, quotes[5])

	report, err := f.engine.PerformConsistencyChecks(ctx)
	require.NoError(t, err)

	require.Len(t, report.Issues, 6)
	assert.Equal(t, 2, report.Details.ByCategory[MissingLocally])
	assert.Equal(t, 2, report.Details.ByCategory[StaleLocally])
	assert.Equal(t, 2, report.Details.ByCategory[OrphanedLocally])

	missing := issuesBy(report, MissingLocally)
	assert.Equal(t, syncer.EntityJob, missing[missingJob].Entity)
	assert.Equal(t, syncer.EntityQuote, missing[missingQuote].Entity)

	stale := issuesBy(report, StaleLocally)
	require.Contains(t, stale, jobs[1])
	assert.Equal(t, "status", stale[jobs[1]].Field)
	assert.Equal(t, "Work Order", stale[jobs[1]].Expected)
	assert.Equal(t, "Quote", stale[jobs[1]].Actual)
	require.Contains(t, stale, quotes[2])
	assert.ElementsMatch(t, []string{"status", "approved"}, stale[quotes[2]].Fields)

	orphaned := issuesBy(report, OrphanedLocally)
	assert.Equal(t, syncer.EntityJob, orphaned[orphanJob.UUID].Entity)
	assert.Equal(t, syncer.EntityQuote, orphaned[quotes[5]].Entity)
}

func TestPerformConsistencyChecks_IgnoresDeactivatedRows(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	companies, jobs, quotes := f.seed(t)
	now := f.clock.Now().Unix()

	delete(f.fake.Jobs, jobs[0])
	changed, err := f.repos.Jobs.Deactivate(ctx, jobs[0], now)
	require.NoError(t, err)
	require.True(t, changed)
	delete(f.fake.Quotes, quotes[3])
	changed, err = f.repos.Quotes.Deactivate(ctx, quotes[3], now)
	require.NoError(t, err)
	require.True(t, changed)

	report, err := f.engine.PerformConsistencyChecks(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 2, report.Details.Companies[companies[0]].LocalJobs)
	assert.Equal(t, 2, report.Details.Companies[companies[0]].ExternalJobs)
	assert.Equal(t, 2, report.Details.Companies[companies[1]].LocalQuotes)
	assert.Equal(t, 2, report.Details.Companies[companies[1]].ExternalQuotes)
}

func TestPerformConsistencyChecks_SamplesSharedRecords(t *testing.T) {
	fake := fieldservicetest.New()
	cfg := testConfig
	cfg.SampleSize = 1
	f := newFixture(t, fake, fake, cfg)
	ctx := context.Background()

	c := f.addCompany()
	var jobs []string
	for i := 0; i < 3; i++ {
		jobs = append(jobs, f.addJob(c))
	}
	_, err := f.svc.PerformFullSync(ctx)
	require.NoError(t, err)

	for _, id := range jobs {
		j := f.fake.Jobs[id]
		j.Description = "changed"
		f.fake.PutJob(j)
	}

	report, err := f.engine.PerformConsistencyChecks(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Issues, 1)
	assert.Equal(t, 1, report.Details.Sampled)
}

func TestPerformConsistencyChecks_RateLimitAborts(t *testing.T) {
	f := newDefaultFixture(t)
	f.seed(t)
	f.fake.FailWith("GetJobs", &fieldservice.Error{Kind: fieldservice.KindRateLimited, Op: "GetJobs", StatusCode: 429})

	_, err := f.engine.PerformConsistencyChecks(context.Background())
	assert.ErrorIs(t, err, fieldservice.ErrRateLimited)
}

func TestRepair_ResolvesDrift(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	companies, jobs, _ := f.seed(t)

	missingJob := f.addJob(companies[0])
	stale := f.fake.Jobs[jobs[0]]
	stale.Status = "Completed"
	f.fake.PutJob(stale)
	orphan := fieldservice.Job{UUID: uuid.NewString(), CompanyUUID: companies[0], Status: "Quote", Active: true}
	_, err := f.svc.UpsertJob(ctx, &orphan)
	require.NoError(t, err)

	report, err := f.engine.PerformConsistencyChecks(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues, 3)

	res := f.engine.Repair(ctx, report.Issues)
	assert.Equal(t, 2, res.Repaired)
	assert.Equal(t, 1, res.Deactivated)
	assert.Zero(t, res.Failed)

	got, err := f.repos.Jobs.GetByUUID(ctx, missingJob)
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = f.repos.Jobs.GetByUUID(ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, "Completed", got.Status)
	got, err = f.repos.Jobs.GetByUUID(ctx, orphan.UUID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	report, err = f.engine.PerformConsistencyChecks(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
}

func TestRepair_OrphanStillUpstreamIsRestored(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	c := f.addCompany()
	j := f.addJob(c)

	res := f.engine.Repair(ctx, []Issue{{Category: OrphanedLocally, Entity: syncer.EntityJob, UUID: j, CompanyUUID: c}})
	assert.Equal(t, 1, res.Repaired)
	assert.Zero(t, res.Deactivated)

	got, err := f.repos.Jobs.GetByUUID(ctx, j)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Active)
}

func TestRun_FullRepairsOrphans(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	companies, _, _ := f.seed(t)

	orphan := fieldservice.Job{UUID: uuid.NewString(), CompanyUUID: companies[1], Status: "Quote", Active: true}
	_, err := f.svc.UpsertJob(ctx, &orphan)
	require.NoError(t, err)

	run, err := f.engine.Run(ctx, models.RunTypeFull)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.IssuesFound)
	assert.Positive(t, run.RecordsProcessed)
	require.NotNil(t, run.CompletedAt)
	assert.Contains(t, string(run.Details), `"deactivated":1`)

	stored, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Equal(t, run.RecordsProcessed, stored.RecordsProcessed)

	got, err := f.repos.Jobs.GetByUUID(ctx, orphan.UUID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestRun_IncrementalOnlyTouchesChanges(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	c := f.addCompany()
	old := f.addJob(c)
	fresh := f.addJob(c)
	f.fake.Touch(c, f.clock.Now().Add(-2*time.Hour))
	f.fake.Touch(fresh, f.clock.Now().Add(-time.Hour))
	f.fake.Touch(old, f.clock.Now().Add(-72*time.Hour))

	run, err := f.engine.Run(ctx, models.RunTypeIncremental)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.RecordsProcessed)

	got, err := f.repos.Jobs.GetByUUID(ctx, fresh)
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = f.repos.Jobs.GetByUUID(ctx, old)
	require.NoError(t, err)
	assert.Nil(t, got)

	// the next run starts from the previous one
	f.clock.Advance(15 * time.Minute)
	run, err = f.engine.Run(ctx, models.RunTypeIncremental)
	require.NoError(t, err)
	assert.Zero(t, run.RecordsProcessed)
}

func TestRun_RejectsUnknownType(t *testing.T) {
	f := newDefaultFixture(t)
	_, err := f.engine.Run(context.Background(), "weekly")
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestRun_ScheduledRunYieldsWhenBusy(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()

	f.engine.slot <- struct{}{}
	_, err := f.engine.Run(ctx, models.RunTypeIncremental)
	assert.ErrorIs(t, err, ErrRunInProgress)
	<-f.engine.slot

	f.engine.emergencyPending.Add(1)
	_, err = f.engine.Run(ctx, models.RunTypeFull)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, f.engine.slot)
	f.engine.emergencyPending.Add(-1)

	runs, err := f.engine.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_RunningElsewhereBlocksScheduledNotEmergency(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	_, err := f.runs.Create(ctx, models.RunTypeFull, f.clock.Now().Add(-time.Minute).Unix())
	require.NoError(t, err)

	_, err = f.engine.Run(ctx, models.RunTypeFull)
	assert.ErrorIs(t, err, ErrRunInProgress)

	run, err := f.engine.Run(ctx, models.RunTypeEmergency)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestRun_EmergencyWaitsForSlot(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	f.engine.slot <- struct{}{}

	var (
		wg  sync.WaitGroup
		run *models.ReconciliationLog
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		run, err = f.engine.Run(ctx, models.RunTypeEmergency)
	}()

	require.Eventually(t, func() bool { return f.engine.emergencyPending.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, scheduledErr := f.engine.Run(ctx, models.RunTypeIncremental)
	assert.ErrorIs(t, scheduledErr, ErrRunInProgress)

	<-f.engine.slot
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, models.RunTypeEmergency, run.Type)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

// blockingSource hangs on the first company listing until its context ends.
type blockingSource struct {
	*fieldservicetest.Fake
	entered chan struct{}
	once    sync.Once
}

func (b *blockingSource) GetCompanies(ctx context.Context, _ fieldservice.Filter) (*fieldservice.Page[fieldservice.Company], error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_WatchdogFailsOverrunningRun(t *testing.T) {
	fake := fieldservicetest.New()
	src := &blockingSource{Fake: fake, entered: make(chan struct{})}
	f := newFixture(t, src, fake, testConfig)
	ctx := context.Background()

	type result struct {
		run *models.ReconciliationLog
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := f.engine.Run(ctx, models.RunTypeFull)
		done <- result{run, err}
	}()

	<-src.entered
	f.clock.BlockUntil(1)
	f.clock.Advance(testConfig.FullTimeout + time.Second)

	res := <-done
	require.ErrorIs(t, res.err, ErrRunTimeout)
	assert.Equal(t, models.RunStatusFailed, res.run.Status)
	assert.Equal(t, (testConfig.FullTimeout + time.Second).Milliseconds(), res.run.DurationMS)

	stored, err := f.runs.GetByID(ctx, res.run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "time budget")

	// the slot is released once the cancelled work returns
	require.Eventually(t, func() bool { return len(f.engine.slot) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRun_SyncErrorMarksFailed(t *testing.T) {
	f := newDefaultFixture(t)
	f.fake.FailWith("GetCompanies", &fieldservice.Error{Kind: fieldservice.KindAuth, Op: "GetCompanies", StatusCode: 401})

	run, err := f.engine.Run(context.Background(), models.RunTypeFull)
	require.Error(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)
	require.NotNil(t, run.CompletedAt)
}

func TestRun_RateLimitedIncrementalKeepsWatermark(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	c := f.addCompany()
	j := f.addJob(c)
	f.fake.Touch(c, f.clock.Now().Add(-time.Hour))
	f.fake.Touch(j, f.clock.Now().Add(-time.Hour))

	f.fake.FailWith("GetCompanies", &fieldservice.Error{Kind: fieldservice.KindRateLimited, Op: "GetCompanies", StatusCode: 429})
	run, err := f.engine.Run(ctx, models.RunTypeIncremental)
	require.ErrorIs(t, err, fieldservice.ErrRateLimited)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 1, run.Errors)

	last, err := f.runs.LastSuccessful(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	f.fake.FailWith("GetCompanies", nil)
	f.clock.Advance(15 * time.Minute)
	run, err = f.engine.Run(ctx, models.RunTypeIncremental)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	got, err := f.repos.Jobs.GetByUUID(ctx, j)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRun_RateLimitedFullSyncCompletesWithBacklog(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.addJob(f.addCompany())
	}
	f.fake.RateLimitAfter = 3

	run, err := f.engine.Run(ctx, models.RunTypeFull)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Positive(t, run.Errors)
	assert.Zero(t, run.IssuesFound)

	backlog, err := f.repos.SyncState.ListBacklog(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, backlog)
}

func TestFailStaleRuns(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	staleFull, err := f.runs.Create(ctx, models.RunTypeFull, now.Add(-3*time.Hour).Unix())
	require.NoError(t, err)
	freshFull, err := f.runs.Create(ctx, models.RunTypeFull, now.Add(-time.Hour).Unix())
	require.NoError(t, err)
	staleIncremental, err := f.runs.Create(ctx, models.RunTypeIncremental, now.Add(-20*time.Minute).Unix())
	require.NoError(t, err)

	n, err := f.engine.FailStaleRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]string{
		staleFull.ID:        models.RunStatusFailed,
		freshFull.ID:        models.RunStatusRunning,
		staleIncremental.ID: models.RunStatusFailed,
	} {
		got, err := f.runs.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	n, err = f.engine.FailStaleRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStats_RollingWindow(t *testing.T) {
	f := newDefaultFixture(t)
	ctx := context.Background()

	old, err := f.runs.Create(ctx, models.RunTypeFull, f.clock.Now().AddDate(0, 0, -40).Unix())
	require.NoError(t, err)
	completed := old.StartedAt + 60
	old.Status = models.RunStatusCompleted
	old.CompletedAt = &completed
	_, err = f.runs.Finish(ctx, old)
	require.NoError(t, err)

	_, err = f.engine.Run(ctx, models.RunTypeIncremental)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.engine.Run(ctx, models.RunTypeFull)
	require.NoError(t, err)

	stats, err := f.engine.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 30, stats.WindowDays)
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 2, stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 1, stats.ByType[models.RunTypeFull].Runs)
	require.NotNil(t, stats.LastSuccessfulRun)
	assert.Equal(t, models.RunTypeFull, stats.LastSuccessfulRun.Type)

	stats, err = f.engine.Stats(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRuns)
}
