package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apiContext "fieldsync/internal/api/context"
	"fieldsync/internal/platform/auth"
	"fieldsync/internal/platform/config"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func claimsEcho(t *testing.T, want string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
		require.True(t, ok)
		assert.Equal(t, want, claims.Actor())
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tokens := auth.NewTokenService(config.JWTConfig{Secret: "jwt-secret", AccessTokenTTL: time.Hour})
	m := NewAuthMiddleware(tokens)
	valid, err := tokens.GenerateAccessToken("ops@example.test", auth.RoleAdmin)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid token", "Bearer " + valid, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			m.Handle(claimsEcho(t, "ops@example.test"))(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tokens := auth.NewTokenService(config.JWTConfig{Secret: "jwt-secret"})
	m := NewAuthMiddleware(tokens)
	handler := m.Handle(RequireRole(auth.RoleAdmin)(okHandler))

	viewer, err := tokens.GenerateAccessToken("viewer", auth.RoleViewer)
	require.NoError(t, err)
	admin, err := tokens.GenerateAccessToken("admin", auth.RoleAdmin)
	require.NoError(t, err)

	for token, want := range map[string]int{viewer: http.StatusForbidden, admin: http.StatusNoContent} {
		req := httptest.NewRequest("POST", "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler(rr, req)
		assert.Equal(t, want, rr.Code)
	}
}

func TestCronMiddleware(t *testing.T) {
	tokens := auth.NewTokenService(config.JWTConfig{Secret: "jwt-secret"})
	m := NewCronMiddleware(auth.NewSharedSecret("cron-secret", ""), tokens)
	admin, err := tokens.GenerateAccessToken("admin", auth.RoleAdmin)
	require.NoError(t, err)
	viewer, err := tokens.GenerateAccessToken("viewer", auth.RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		actor string
		want  int
	}{
		{"shared secret", "cron-secret", "cron", http.StatusNoContent},
		{"admin token", admin, "admin", http.StatusNoContent},
		{"viewer token", viewer, "", http.StatusUnauthorized},
		{"wrong secret", "cron-secre", "", http.StatusUnauthorized},
		{"no token", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/reconcile", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rr := httptest.NewRecorder()
			m.Handle(claimsEcho(t, tt.actor))(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(map[string]int{"webhook": 3}, clock)
	handler := rl.Limit("webhook")(okHandler)

	call := func(ip string) int {
		req := httptest.NewRequest("POST", "/webhooks/fieldservice", nil)
		req.RemoteAddr = ip + ":4000"
		rr := httptest.NewRecorder()
		handler(rr, req)
		return rr.Code
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, call("198.51.100.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, call("198.51.100.1"))
	assert.Equal(t, http.StatusNoContent, call("198.51.100.2"))

	clock.Advance(20 * time.Second)
	assert.Equal(t, http.StatusNoContent, call("198.51.100.1"))

	clock.Advance(time.Hour)
	assert.Equal(t, 2, rl.Cleanup(10*time.Minute))
}

func TestRateLimiter_UnknownClassPassesThrough(t *testing.T) {
	rl := NewRateLimiter(nil, nil)
	rr := httptest.NewRecorder()
	rl.Limit("api")(okHandler)(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
