package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync/atomic"
	"time"

	"fieldsync/internal/engine/syncer"
	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/platform/audit"
	"fieldsync/internal/platform/fieldservice"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const (
	ActionSyncCompanies = "sync_companies"
	ActionSyncJobs      = "sync_jobs"
	ActionSyncQuotes    = "sync_quotes"
	ActionFullSync      = "full_sync"
	ActionSyncStatus    = "get_sync_status"
)

type syncRequest struct {
	Action         string         `json:"action"`
	CompanyUUID    string         `json:"companyUuid"`
	CompanyUUIDAlt string         `json:"company_uuid"`
	Options        map[string]any `json:"options"`
}

func (s syncRequest) company() string {
	if s.CompanyUUID != "" {
		return s.CompanyUUID
	}
	return s.CompanyUUIDAlt
}

// SyncHandler dispatches operator sync actions. Full syncs run in the
// background under fullTimeout; Wait blocks until they return.
type SyncHandler struct {
	svc         *syncer.Service
	audit       *audit.Logger
	fullTimeout time.Duration
	fullRunning atomic.Bool
	bg          conc.WaitGroup
	logger      zerolog.Logger
}

func NewSyncHandler(svc *syncer.Service, auditLog *audit.Logger, fullTimeout time.Duration) *SyncHandler {
	return &SyncHandler{svc: svc, audit: auditLog, fullTimeout: fullTimeout, logger: logger.WithComponent("sync-api")}
}

func (h *SyncHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	opts, err := syncer.DecodeOptions(req.Options)
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid options", err.Error())
		return
	}

	ctx := r.Context()
	var status *syncer.SyncStatus
	switch req.Action {
	case ActionSyncCompanies:
		status, err = h.svc.SyncCompanies(ctx)

	case ActionSyncJobs, ActionSyncQuotes, ActionSyncStatus:
		if req.company() == "" {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "companyUuid is required", nil)
			return
		}
		switch req.Action {
		case ActionSyncJobs:
			status, err = h.svc.SyncJobsForCompany(ctx, req.company(), opts)
		case ActionSyncQuotes:
			status, err = h.svc.SyncQuotesForCompany(ctx, req.company(), opts)
		default:
			status, err = h.svc.GetSyncStatus(ctx, req.company())
		}

	case ActionFullSync:
		h.startFullSync(w, r)
		return

	default:
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Unknown action: "+req.Action, nil)
		return
	}

	if req.Action != ActionSyncStatus {
		h.audit.Log(ctx, r, actorOf(r), "sync."+req.Action, "company", req.company(), nil)
	}
	if err != nil {
		writeUpstreamError(w, err, status)
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    status,
		"message": "Sync completed",
	})
}

func (h *SyncHandler) startFullSync(w http.ResponseWriter, r *http.Request) {
	if !h.fullRunning.CompareAndSwap(false, true) {
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "A full sync is already running", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.fullTimeout)
	h.bg.Go(func() {
		defer h.fullRunning.Store(false)
		defer cancel()
		result, err := h.svc.PerformFullSync(ctx)
		ev := h.logger.Info()
		if err != nil {
			ev = h.logger.Error().Err(err)
		}
		ev.Int("records", result.Records()).Int("failures", result.Failures()).Bool("rate_limited", result.RateLimited).Msg("background full sync finished")
	})

	h.audit.Log(r.Context(), r, actorOf(r), "sync.full_sync", "company", "", nil)
	errors.WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "Full sync started",
	})
}

// Wait blocks until background syncs finish.
func (h *SyncHandler) Wait() {
	h.bg.Wait()
}

// writeUpstreamError maps external API failures to HTTP statuses. Partial
// results are included when present.
func writeUpstreamError(w http.ResponseWriter, err error, partial any) {
	var upstream *fieldservice.Error
	if !stderrors.As(err, &upstream) {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, err.Error(), partial)
		return
	}

	status := http.StatusBadGateway
	code := errors.ErrCodeUpstream
	switch fieldservice.KindOf(err) {
	case fieldservice.KindRateLimited:
		var wait time.Duration
		if reset, ok := fieldservice.ResetTime(err); ok && !reset.IsZero() {
			wait = time.Until(reset)
		}
		errors.WriteRateLimited(w, wait, err.Error(), partial)
		return
	case fieldservice.KindNotFound:
		status, code = http.StatusNotFound, errors.ErrCodeNotFound
	case fieldservice.KindValidation:
		status, code = http.StatusUnprocessableEntity, errors.ErrCodeInvalidInput
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		status, code = http.StatusGatewayTimeout, errors.ErrCodeTimeout
	}
	errors.WriteError(w, status, code, err.Error(), partial)
}
