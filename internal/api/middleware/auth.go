package middleware

import (
	"context"
	"net/http"
	"strings"

	apiContext "fieldsync/internal/api/context"
	"fieldsync/internal/pkg/errors"
	"fieldsync/internal/platform/auth"
)

type AuthMiddleware struct {
	tokenSvc *auth.TokenService
}

func NewAuthMiddleware(tokenSvc *auth.TokenService) *AuthMiddleware {
	return &AuthMiddleware{tokenSvc: tokenSvc}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (m *AuthMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Missing authorization header", nil)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid authorization header format", nil)
			return
		}

		claims, err := m.tokenSvc.ValidateToken(token)
		if err != nil {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid or expired token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Claims, claims)
		next(w, r.WithContext(ctx))
	}
}

// RequireRole rejects requests whose claims carry none of roles.
func RequireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, _ := r.Context().Value(apiContext.Claims).(*auth.Claims)
			if claims == nil {
				errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Authentication required", nil)
				return
			}

			for _, role := range roles {
				if claims.Role == role {
					next(w, r)
					return
				}
			}
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Insufficient permissions", nil)
		}
	}
}

// CronMiddleware authenticates scheduler calls with a shared bearer secret.
// An admin access token is accepted as well so operators can trigger runs.
type CronMiddleware struct {
	secret   *auth.SharedSecret
	tokenSvc *auth.TokenService
}

func NewCronMiddleware(secret *auth.SharedSecret, tokenSvc *auth.TokenService) *CronMiddleware {
	return &CronMiddleware{secret: secret, tokenSvc: tokenSvc}
}

func (m *CronMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Missing bearer token", nil)
			return
		}

		if m.secret.Matches(token) {
			claims := &auth.Claims{Role: auth.RoleOperator}
			claims.Subject = "cron"
			next(w, r.WithContext(context.WithValue(r.Context(), apiContext.Claims, claims)))
			return
		}

		if m.tokenSvc != nil {
			if claims, err := m.tokenSvc.ValidateToken(token); err == nil && claims.Role == auth.RoleAdmin {
				next(w, r.WithContext(context.WithValue(r.Context(), apiContext.Claims, claims)))
				return
			}
		}

		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid cron credentials", nil)
	}
}
