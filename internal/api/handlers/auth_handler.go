package handlers

import (
	"net/http"
	"strings"

	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/platform/audit"
	"fieldsync/internal/platform/auth"
)

// AuthHandler issues operator access tokens. It sits behind the cron
// middleware, so callers hold the shared secret or an admin token.
type AuthHandler struct {
	tokenSvc *auth.TokenService
	audit    *audit.Logger
}

func NewAuthHandler(tokenSvc *auth.TokenService, auditLog *audit.Logger) *AuthHandler {
	return &AuthHandler{tokenSvc: tokenSvc, audit: auditLog}
}

func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string   `json:"subject"`
		Role    string   `json:"role"`
		Scopes  []string `json:"scopes"`
	}
	if err := decodeBody(r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "subject is required", nil)
		return
	}
	switch req.Role {
	case "":
		req.Role = auth.RoleViewer
	case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
	default:
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Unknown role: "+req.Role, nil)
		return
	}

	token, err := h.tokenSvc.GenerateAccessToken(req.Subject, req.Role, req.Scopes...)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to issue token", nil)
		return
	}

	h.audit.Log(r.Context(), r, actorOf(r), "auth.issue_token", "token", req.Subject, map[string]any{"role": req.Role})
	errors.WriteJSON(w, http.StatusCreated, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"role":         req.Role,
	})
}
