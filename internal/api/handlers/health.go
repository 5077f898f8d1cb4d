package handlers

import (
	"context"
	"net/http"
	"time"

	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/platform/database"
)

// QueueReporter exposes the webhook processing queue depth.
type QueueReporter interface {
	QueueDepth() int
}

type HealthHandler struct {
	db       *database.DB
	queue    QueueReporter
	external ExternalAPI
}

func NewHealthHandler(db *database.DB, queue QueueReporter, external ExternalAPI) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, external: external}
}

// Check reports store health. ?deep=1 also pings the external API, which is
// reported but never degrades the status.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
	} else {
		checks["database"] = "healthy"
	}

	if h.external != nil && r.URL.Query().Get("deep") != "" {
		if h.external.TestConnection(ctx) {
			checks["external_api"] = "healthy"
		} else {
			checks["external_api"] = "unreachable"
		}
	}

	status := "healthy"
	if checks["database"] != "healthy" {
		status = "degraded"
	}

	response := struct {
		Status     string            `json:"status"`
		Timestamp  int64             `json:"timestamp"`
		QueueDepth int               `json:"queue_depth"`
		Checks     map[string]string `json:"checks"`
	}{
		Status:    status,
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	if h.queue != nil {
		response.QueueDepth = h.queue.QueueDepth()
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	errors.WriteJSON(w, statusCode, response)
}
