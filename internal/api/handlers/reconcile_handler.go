package handlers

import (
	"context"
	stderrors "errors"
	"net/http"

	"fieldsync/internal/engine/reconcile"
	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/platform/audit"
	"fieldsync/internal/platform/models"
)

type ReconcileHandler struct {
	engine *reconcile.Engine
	audit  *audit.Logger
}

func NewReconcileHandler(engine *reconcile.Engine, auditLog *audit.Logger) *ReconcileHandler {
	return &ReconcileHandler{engine: engine, audit: auditLog}
}

// Trigger runs one reconciliation synchronously. The run is detached from the
// request so a dropped connection does not fail it.
func (h *ReconcileHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Type == "" {
		req.Type = models.RunTypeIncremental
	}
	if !reconcile.ValidRunType(req.Type) {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "type must be one of full, incremental, emergency", nil)
		return
	}

	h.audit.Log(r.Context(), r, actorOf(r), "reconcile.trigger", "reconciliation", "", map[string]any{"type": req.Type})

	run, err := h.engine.Run(context.WithoutCancel(r.Context()), req.Type)
	if stderrors.Is(err, reconcile.ErrRunInProgress) {
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "A reconciliation run is already in progress", nil)
		return
	}
	if run == nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to start reconciliation", nil)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	errors.WriteJSON(w, status, map[string]any{
		"success": err == nil,
		"result":  run,
	})
}

func (h *ReconcileHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.ListRuns(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list runs", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": runs})
}

func (h *ReconcileHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.GetRun(r.Context(), param(r, "run_id"))
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load run", nil)
		return
	}
	if run == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Run not found", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": run})
}

func (h *ReconcileHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), queryInt(r, "days", 0))
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to compute statistics", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": stats})
}

// Checks runs the consistency checks without repairing anything.
func (h *ReconcileHandler) Checks(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.PerformConsistencyChecks(r.Context())
	if err != nil {
		writeUpstreamError(w, err, report)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"issues":  report.Issues,
		"details": report.Details,
	})
}
