package fieldservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/platform/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) config.ExternalConfig {
	return config.ExternalConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		Timeout:        2 * time.Second,
		CacheTTL:       time.Minute,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		PageSize:       2,
	}
}

func TestClient_GetJobs_CachesByFilter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/jobs", r.URL.Path)
		fmt.Fprintf(w, `{"data":[{"uuid":"j1","company_uuid":%q,"status":"Quote"}],"meta":{"total":1}}`, r.URL.Query().Get("company_uuid"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	ctx := context.Background()

	page, err := c.GetJobs(ctx, Filter{CompanyUUID: "c1"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "c1", page.Data[0].CompanyUUID)

	_, err = c.GetJobs(ctx, Filter{CompanyUUID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.GetJobs(ctx, Filter{CompanyUUID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(2), stats.CacheMisses)
	assert.Equal(t, int64(2), stats.Requests)

	c.ClearCache()
	_, err = c.GetJobs(ctx, Filter{CompanyUUID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   Kind
		target error
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth, ErrAuth},
		{"forbidden", http.StatusForbidden, KindAuth, ErrAuth},
		{"not found", http.StatusNotFound, KindNotFound, ErrNotFound},
		{"unprocessable", http.StatusUnprocessableEntity, KindValidation, ErrValidation},
		{"too many requests", http.StatusTooManyRequests, KindRateLimited, ErrRateLimited},
		{"server error", http.StatusBadGateway, KindTransient, ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			cfg := testConfig(srv.URL)
			cfg.MaxRetries = 0
			c := NewClient(cfg)

			_, err := c.GetCompany(context.Background(), "c1")
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.True(t, errors.Is(err, tt.target))
		})
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":{"uuid":"c1","name":"Acme"}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))

	company, err := c.GetCompany(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", company.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))

	_, err := c.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FailsFastWhenQuotaExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "60")
		w.Write([]byte(`{"data":[],"meta":{"total":0}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	ctx := context.Background()

	_, err := c.GetCompanies(ctx, Filter{})
	require.NoError(t, err)

	_, err = c.GetJobs(ctx, Filter{})
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())

	reset, ok := ResetTime(err)
	assert.True(t, ok)
	assert.False(t, reset.IsZero())
}

func TestClient_WritesInvalidateCache(t *testing.T) {
	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			reads.Add(1)
			w.Write([]byte(`{"data":[],"meta":{}}`))
		case r.URL.Path == "/jobs/j1/approve_quote":
			var body struct {
				LineItems []LineItem `json:"line_items"`
				Notes     string     `json:"notes"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ok", body.Notes)
			assert.Len(t, body.LineItems, 1)
			w.Write([]byte(`{"data":{"uuid":"j1","status":"Work Order"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	ctx := context.Background()

	_, err := c.GetJobs(ctx, Filter{})
	require.NoError(t, err)

	job, err := c.ApproveQuote(ctx, "j1", []LineItem{{Description: "labour", Quantity: 1, UnitPrice: 90}}, "ok")
	require.NoError(t, err)
	assert.Equal(t, "Work Order", job.Status)

	_, err = c.GetJobs(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), reads.Load())
}

func TestClient_TestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	assert.True(t, NewClient(testConfig(srv.URL)).TestConnection(context.Background()))

	cfg := testConfig(srv.URL)
	cfg.APIKey = "wrong"
	assert.False(t, NewClient(cfg).TestConnection(context.Background()))
}

func TestAll_PagesUntilExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		total := 5
		var data []Company
		for i := offset; i < offset+2 && i < total; i++ {
			data = append(data, Company{UUID: fmt.Sprintf("c%d", i)})
		}
		json.NewEncoder(w).Encode(Page[Company]{Data: data, Meta: Meta{Total: total, Offset: offset, Limit: 2}})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))

	all, err := All(context.Background(), c.GetCompanies, Filter{}, c.PageSize())
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "c4", all[4].UUID)
}

func TestClient_NoCacheBypassesLookup(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"data":{"uuid":"j1","status":"v%d"}}`, n)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	ctx := context.Background()

	job, err := c.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "v1", job.Status)

	job, err = c.GetJob(NoCache(ctx), "j1")
	require.NoError(t, err)
	assert.Equal(t, "v2", job.Status)

	job, err = c.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "v2", job.Status)
	assert.Equal(t, int32(2), calls.Load())
}
