package app

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/api/handlers"
	"fieldsync/internal/api/middleware"
	"fieldsync/internal/engine/realtime"
	"fieldsync/internal/engine/reconcile"
	"fieldsync/internal/engine/syncer"
	"fieldsync/internal/engine/webhooks"
	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/platform/audit"
	"fieldsync/internal/platform/auth"
	"fieldsync/internal/platform/config"
	"fieldsync/internal/platform/database"
	"fieldsync/internal/platform/fieldservice"
	"fieldsync/internal/platform/repositories"
	"fieldsync/internal/workers"

	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
)

// App holds the wired services shared by the server and worker binaries.
type App struct {
	Config    *config.Config
	DB        *database.DB
	Client    *fieldservice.Client
	Repos     syncer.Repositories
	Events    *repositories.WebhookEventRepository
	Runs      *repositories.ReconciliationRepository
	Syncer    *syncer.Service
	Broker    *realtime.Broker
	Processor *webhooks.Processor
	Receiver  *webhooks.Receiver
	Engine    *reconcile.Engine
	Audit     *audit.Logger
	Tokens    *auth.TokenService
	Clock     clockwork.Clock
}

// New opens the database, applies migrations and wires every service.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	clock := clockwork.NewRealClock()
	client := fieldservice.NewClient(cfg.External)
	repos := syncer.NewRepositories(db)
	svc := syncer.NewService(client, repos, syncer.Config{
		PageSize:    cfg.External.PageSize,
		Concurrency: cfg.Sync.Concurrency,
	})

	events := repositories.NewWebhookEventRepository(db)
	runs := repositories.NewReconciliationRepository(db)
	broker := realtime.NewBroker(cfg.Realtime.BufferSize)

	processor := webhooks.NewProcessor(events, client, svc, broker, webhooks.ProcessorConfig{
		Workers:     cfg.Webhooks.WorkerCount,
		QueueSize:   cfg.Webhooks.QueueSize,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
	})
	receiver := webhooks.NewReceiver(events, processor, webhooks.ReceiverConfig{
		Secret:             cfg.Webhooks.Secret,
		AllowUnsigned:      cfg.Webhooks.AllowUnsigned,
		TimestampTolerance: cfg.Webhooks.TimestampTolerance,
	}, clock)

	engine := reconcile.New(svc, client, repos, runs, cfg.Reconcile, reconcile.WithPageSize(cfg.External.PageSize))

	return &App{
		Config:    cfg,
		DB:        db,
		Client:    client,
		Repos:     repos,
		Events:    events,
		Runs:      runs,
		Syncer:    svc,
		Broker:    broker,
		Processor: processor,
		Receiver:  receiver,
		Engine:    engine,
		Audit:     audit.NewLogger(db, clock),
		Tokens:    auth.NewTokenService(cfg.JWT),
		Clock:     clock,
	}, nil
}

// CheckSecurity logs configuration that leaves the ingress or scheduler endpoints open.
func (a *App) CheckSecurity() {
	log := logger.WithComponent("app")
	switch {
	case a.Config.Webhooks.Secret == "" && a.Config.Webhooks.AllowUnsigned:
		log.Warn().Msg("webhook secret unset and unsigned deliveries allowed; ingress is unauthenticated")
	case a.Config.Webhooks.Secret == "":
		log.Warn().Msg("webhook secret unset; every delivery will be rejected")
	}
	if a.Config.Cron.Secret == "" && a.Config.Cron.SecretHash == "" {
		log.Warn().Msg("cron secret unset; scheduler endpoints accept admin tokens only")
	}
	if a.Config.JWT.Secret == "" {
		log.Warn().Msg("jwt secret unset; access tokens cannot be issued or verified")
	}
}

// Server is the HTTP surface plus the handles needed to shut it down.
type Server struct {
	Router      *httprouter.Router
	SyncHandler *handlers.SyncHandler
	RateLimiter *middleware.RateLimiter
}

func (a *App) Server() *Server {
	cfg := a.Config
	syncHandler := handlers.NewSyncHandler(a.Syncer, a.Audit, cfg.Reconcile.FullTimeout)
	limiter := middleware.NewRateLimiter(map[string]int{
		"api":     cfg.RateLimit.APIPerMinute,
		"webhook": cfg.RateLimit.WebhookPerMinute,
	}, a.Clock)

	router := api.NewRouter(&api.Dependencies{
		WebhookHandler:   handlers.NewWebhookHandler(a.Receiver, a.Processor, a.Events, a.Audit, cfg.Webhooks),
		SyncHandler:      syncHandler,
		ReconcileHandler: handlers.NewReconcileHandler(a.Engine, a.Audit),
		QuoteHandler:     handlers.NewQuoteHandler(a.Syncer, a.Audit),
		ExternalHandler:  handlers.NewExternalHandler(a.Client, a.Audit),
		RealtimeHandler:  handlers.NewRealtimeHandler(a.Broker),
		AuditHandler:     handlers.NewAuditHandler(a.Audit),
		AuthHandler:      handlers.NewAuthHandler(a.Tokens, a.Audit),
		HealthHandler:    handlers.NewHealthHandler(a.DB, a.Processor, a.Client),
		MetricsHandler:   handlers.NewMetricsHandler(),
		AuthMiddleware:   middleware.NewAuthMiddleware(a.Tokens),
		CronMiddleware:   middleware.NewCronMiddleware(auth.NewSharedSecret(cfg.Cron.Secret, cfg.Cron.SecretHash), a.Tokens),
		RateLimiter:      limiter,
	})
	return &Server{Router: router, SyncHandler: syncHandler, RateLimiter: limiter}
}

// Scheduler registers the background jobs. In-process runs share the engine's
// run slot with API-triggered runs.
func (a *App) Scheduler() *workers.Scheduler {
	s := workers.NewScheduler(a.Clock)
	workers.RegisterWebhookTasks(s, a.Processor, a.Config.Webhooks)
	workers.RegisterReconcileTasks(s, a.Engine, a.Config.Reconcile)
	return s
}

// Close drains background work and releases the database.
func (a *App) Close(ctx context.Context) {
	a.Processor.Stop(ctx)
	a.Audit.Close()
	a.Broker.Stop()
	a.DB.Close()
}

// RecoverRuns fails reconciliation logs left running by a previous process.
func (a *App) RecoverRuns(ctx context.Context) {
	log := logger.WithComponent("app")
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := a.Engine.FailStaleRuns(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stale reconciliation runs")
		return
	}
	if n > 0 {
		log.Warn().Int("count", n).Msg("recovered stale reconciliation runs")
	}
}
