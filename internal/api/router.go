package api

import (
	"context"
	"net/http"

	apiContext "fieldsync/internal/api/context"
	"fieldsync/internal/api/handlers"
	"fieldsync/internal/api/middleware"
	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/platform/auth"

	"github.com/julienschmidt/httprouter"
)

type Dependencies struct {
	WebhookHandler   *handlers.WebhookHandler
	SyncHandler      *handlers.SyncHandler
	ReconcileHandler *handlers.ReconcileHandler
	QuoteHandler     *handlers.QuoteHandler
	ExternalHandler  *handlers.ExternalHandler
	RealtimeHandler  *handlers.RealtimeHandler
	AuditHandler     *handlers.AuditHandler
	AuthHandler      *handlers.AuthHandler
	HealthHandler    *handlers.HealthHandler
	MetricsHandler   *handlers.MetricsHandler
	AuthMiddleware   *middleware.AuthMiddleware
	CronMiddleware   *middleware.CronMiddleware
	RateLimiter      *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()
	r := &routes{router: router}

	authMid := deps.AuthMiddleware.Handle
	cronMid := deps.CronMiddleware.Handle
	admin := middleware.RequireRole(auth.RoleAdmin)
	operator := middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator)
	apiLimit := deps.RateLimiter.Limit("api")

	// Public
	r.GET("/health", deps.HealthHandler.Check)
	r.GET("/metrics", deps.MetricsHandler.Export)
	r.POST("/webhooks/:provider", deps.WebhookHandler.Receive, deps.RateLimiter.Limit("webhook"))

	// Scheduler and token bootstrap
	r.POST("/api/v1/reconcile", deps.ReconcileHandler.Trigger, cronMid)
	r.POST("/api/v1/auth/token", deps.AuthHandler.IssueToken, cronMid)

	// Sync
	r.POST("/api/v1/sync", deps.SyncHandler.Dispatch, apiLimit, authMid, admin)

	// Reconciliation
	r.GET("/api/v1/reconcile/runs", deps.ReconcileHandler.ListRuns, apiLimit, authMid)
	r.GET("/api/v1/reconcile/runs/:run_id", deps.ReconcileHandler.GetRun, apiLimit, authMid)
	r.GET("/api/v1/reconcile/stats", deps.ReconcileHandler.Stats, apiLimit, authMid)
	r.GET("/api/v1/reconcile/checks", deps.ReconcileHandler.Checks, apiLimit, authMid, admin)

	// Webhook event management
	r.GET("/api/v1/webhooks/events", deps.WebhookHandler.ListEvents, apiLimit, authMid)
	r.GET("/api/v1/webhooks/events/:event_id", deps.WebhookHandler.GetEvent, apiLimit, authMid)
	r.GET("/api/v1/webhooks/stats", deps.WebhookHandler.Stats, apiLimit, authMid)
	r.POST("/api/v1/webhooks/events/:event_id/retry", deps.WebhookHandler.RetryEvent, apiLimit, authMid, operator)
	r.POST("/api/v1/webhooks/retry", deps.WebhookHandler.RetryBulk, apiLimit, authMid, operator)
	r.POST("/api/v1/webhooks/cleanup", deps.WebhookHandler.Cleanup, apiLimit, authMid, admin)

	// Quote actions
	r.POST("/api/v1/quotes/:job_uuid/approve", deps.QuoteHandler.Approve, apiLimit, authMid, admin)
	r.POST("/api/v1/quotes/:job_uuid/reject", deps.QuoteHandler.Reject, apiLimit, authMid, admin)

	// External API client
	r.GET("/api/v1/external/stats", deps.ExternalHandler.Stats, apiLimit, authMid)
	r.GET("/api/v1/external/ping", deps.ExternalHandler.Ping, apiLimit, authMid)
	r.POST("/api/v1/external/cache/clear", deps.ExternalHandler.ClearCache, apiLimit, authMid, admin)

	// Realtime and audit
	r.GET("/api/v1/realtime", deps.RealtimeHandler.Stream, authMid)
	r.GET("/api/v1/audit", deps.AuditHandler.List, apiLimit, authMid, admin)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	return router
}

type routes struct {
	router *httprouter.Router
}

func (r *routes) GET(path string, h http.HandlerFunc, mws ...func(http.HandlerFunc) http.HandlerFunc) {
	r.router.GET(path, chain(path, h, mws...))
}

func (r *routes) POST(path string, h http.HandlerFunc, mws ...func(http.HandlerFunc) http.HandlerFunc) {
	r.router.POST(path, chain(path, h, mws...))
}

// Helper function to chain middlewares. Instrumentation wraps the whole chain.
func chain(route string, handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(route, middleware.Instrument(handler))
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(route string, handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		ctx = context.WithValue(ctx, apiContext.Route, route)
		handler(w, r.WithContext(ctx))
	}
}
