package handlers

import (
	"net/http"

	"fieldsync/internal/engine/syncer"
	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/pkg/validator"
	"fieldsync/internal/platform/audit"
	"fieldsync/internal/platform/fieldservice"
)

type QuoteHandler struct {
	svc   *syncer.Service
	audit *audit.Logger
}

func NewQuoteHandler(svc *syncer.Service, auditLog *audit.Logger) *QuoteHandler {
	return &QuoteHandler{svc: svc, audit: auditLog}
}

func (h *QuoteHandler) Approve(w http.ResponseWriter, r *http.Request) {
	jobUUID := param(r, "job_uuid")
	if !validator.IsUUID(jobUUID) {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "job_uuid must be a uuid", nil)
		return
	}

	var req struct {
		LineItems []fieldservice.LineItem `json:"line_items"`
		Notes     string                  `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	job, err := h.svc.ApproveQuote(r.Context(), jobUUID, req.LineItems, req.Notes)
	h.audit.Log(r.Context(), r, actorOf(r), "quote.approve", "job", jobUUID, map[string]any{"ok": err == nil})
	if err != nil {
		writeUpstreamError(w, err, nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": job})
}

func (h *QuoteHandler) Reject(w http.ResponseWriter, r *http.Request) {
	jobUUID := param(r, "job_uuid")
	if !validator.IsUUID(jobUUID) {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "job_uuid must be a uuid", nil)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	job, err := h.svc.RejectQuote(r.Context(), jobUUID, req.Reason)
	h.audit.Log(r.Context(), r, actorOf(r), "quote.reject", "job", jobUUID, map[string]any{"ok": err == nil})
	if err != nil {
		writeUpstreamError(w, err, nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": job})
}
