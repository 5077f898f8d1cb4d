package handlers

import (
	"context"
	"net/http"

	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/platform/audit"
	"fieldsync/internal/platform/fieldservice"
)

// ExternalAPI is the observable surface of the external API client.
type ExternalAPI interface {
	Stats() fieldservice.APIStats
	TestConnection(ctx context.Context) bool
	ClearCache()
}

type ExternalHandler struct {
	client ExternalAPI
	audit  *audit.Logger
}

func NewExternalHandler(client ExternalAPI, auditLog *audit.Logger) *ExternalHandler {
	return &ExternalHandler{client: client, audit: auditLog}
}

func (h *ExternalHandler) Stats(w http.ResponseWriter, r *http.Request) {
	errors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": h.client.Stats()})
}

func (h *ExternalHandler) Ping(w http.ResponseWriter, r *http.Request) {
	ok := h.client.TestConnection(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	errors.WriteJSON(w, status, map[string]any{"success": ok})
}

func (h *ExternalHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	before := h.client.Stats().CacheEntries
	h.client.ClearCache()
	h.audit.Log(r.Context(), r, actorOf(r), "external.cache_clear", "cache", "", map[string]any{"entries": before})
	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Cache cleared",
		"data":    map[string]int{"cleared": before},
	})
}
