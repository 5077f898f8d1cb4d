package handlers

import (
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"fieldsync/internal/engine/webhooks"
	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/platform/audit"
	"fieldsync/internal/platform/config"
	"fieldsync/internal/platform/models"
	"fieldsync/internal/platform/repositories"
)

type WebhookHandler struct {
	receiver  *webhooks.Receiver
	processor *webhooks.Processor
	repo      *repositories.WebhookEventRepository
	audit     *audit.Logger
	cfg       config.WebhooksConfig
}

func NewWebhookHandler(receiver *webhooks.Receiver, processor *webhooks.Processor, repo *repositories.WebhookEventRepository, auditLog *audit.Logger, cfg config.WebhooksConfig) *WebhookHandler {
	return &WebhookHandler{receiver: receiver, processor: processor, repo: repo, audit: auditLog, cfg: cfg}
}

// Receive is the ingress endpoint. It records the delivery and acknowledges
// without waiting for processing.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var tooLarge *http.MaxBytesError
	if err != nil && !stderrors.As(err, &tooLarge) {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Could not read request body", nil)
		return
	}

	event, err := h.receiver.Receive(r.Context(), webhooks.Delivery{
		Provider:   param(r, "provider"),
		Body:       body,
		Signature:  r.Header.Get(h.cfg.SignatureHeader),
		Timestamp:  r.Header.Get(h.cfg.TimestampHeader),
		DeliveryID: r.Header.Get("X-Webhook-Id"),
		TooLarge:   tooLarge != nil,
	})
	if err != nil {
		var ingress *webhooks.IngressError
		switch {
		case stderrors.As(err, &ingress) && stderrors.Is(err, webhooks.ErrTooLarge):
			errors.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"success": false, "message": ingress.Reason, "eventId": ingress.EventID,
			})
		case stderrors.As(err, &ingress) && stderrors.Is(err, webhooks.ErrUnauthorized):
			errors.WriteJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false, "message": "Invalid signature", "eventId": ingress.EventID,
			})
		case stderrors.As(err, &ingress):
			errors.WriteJSON(w, http.StatusBadRequest, map[string]any{
				"success": false, "message": ingress.Reason, "eventId": ingress.EventID,
			})
		default:
			errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to record webhook", nil)
		}
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Webhook received",
		"eventId": event.ID,
	})
}

func (h *WebhookHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EventFilter{
		Status:     q.Get("status"),
		ObjectType: q.Get("object_type"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}

	events, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list webhook events", nil)
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    events,
		"meta":    map[string]int{"total": total, "limit": filter.Limit, "offset": filter.Offset},
	})
}

func (h *WebhookHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.repo.GetByID(r.Context(), param(r, "event_id"))
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load webhook event", nil)
		return
	}
	if event == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook event not found", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"data":     event,
		"attempts": event.Attempts(),
	})
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.processor.Stats(r.Context())
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to compute statistics", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": stats})
}

func (h *WebhookHandler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	id := param(r, "event_id")
	event, err := h.processor.RetryEvent(r.Context(), id)
	switch {
	case stderrors.Is(err, webhooks.ErrEventNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook event not found", nil)
		return
	case stderrors.Is(err, webhooks.ErrNotClaimable):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "Event is not retryable in its current state", nil)
		return
	case err != nil:
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Retry failed", nil)
		return
	}

	h.audit.Log(r.Context(), r, actorOf(r), "webhooks.retry_event", "webhook_event", id, map[string]any{"status": event.Status})
	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success": event.Status == models.EventStatusSuccess,
		"data":    event,
	})
}

func (h *WebhookHandler) RetryBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	var (
		n   int
		err error
	)
	if len(req.IDs) > 0 {
		n, err = h.processor.RetryEvents(r.Context(), req.IDs)
	} else {
		n, err = h.processor.RetryFailedEvents(r.Context())
	}
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Bulk retry failed", nil)
		return
	}

	h.audit.Log(r.Context(), r, actorOf(r), "webhooks.retry_bulk", "webhook_event", "", map[string]any{"requested": len(req.IDs), "succeeded": n})
	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Retry completed",
		"data":    map[string]int{"succeeded": n},
	})
}

func (h *WebhookHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThanDays int      `json:"older_than_days"`
		Statuses      []string `json:"statuses"`
	}
	if err := decodeBody(r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.OlderThanDays <= 0 {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "older_than_days must be positive", nil)
		return
	}
	for _, s := range req.Statuses {
		switch s {
		case models.EventStatusQueued, models.EventStatusProcessing, models.EventStatusSuccess, models.EventStatusFailed:
		default:
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Unknown status: "+s, nil)
			return
		}
	}

	deleted, err := h.processor.Cleanup(r.Context(), time.Duration(req.OlderThanDays)*24*time.Hour, req.Statuses)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Cleanup failed", nil)
		return
	}

	h.audit.Log(r.Context(), r, actorOf(r), "webhooks.cleanup", "webhook_event", "", map[string]any{
		"older_than_days": req.OlderThanDays, "statuses": req.Statuses, "deleted": deleted,
	})
	errors.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]int64{"deleted": deleted},
	})
}
