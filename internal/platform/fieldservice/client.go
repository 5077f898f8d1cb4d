package fieldservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/pkg/metrics"
	"fieldsync/internal/platform/config"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const maxErrorBody = 4 << 10

// Client talks to the external field-service API. It is safe for concurrent use;
// the cache and rate-limit state are shared by all callers of one instance.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	clock      clockwork.Clock

	cache  *Cache
	limits *RateLimitState

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageSize   int

	requests atomic.Int64
	failures atomic.Int64

	logger zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func NewClient(cfg config.ExternalConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		clock:      clockwork.NewRealClock(),
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
		pageSize:   cfg.PageSize,
		logger:     logger.WithComponent("fieldservice-client"),
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 500 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 10 * time.Second
	}
	if c.pageSize <= 0 {
		c.pageSize = 100
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		c.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	c.cache = NewCache(cfg.CacheTTL, c.clock)
	c.limits = NewRateLimitState(cfg.RequestsPerMinute, c.clock)
	return c
}

func (c *Client) PageSize() int {
	return c.pageSize
}

// Reads

func (c *Client) GetCompanies(ctx context.Context, f Filter) (*Page[Company], error) {
	return list[Company](ctx, c, ResourceCompanies, f)
}

func (c *Client) GetCompany(ctx context.Context, uuid string) (*Company, error) {
	return get[Company](ctx, c, ResourceCompanies, uuid)
}

func (c *Client) GetJobs(ctx context.Context, f Filter) (*Page[Job], error) {
	return list[Job](ctx, c, ResourceJobs, f)
}

func (c *Client) GetJob(ctx context.Context, uuid string) (*Job, error) {
	return get[Job](ctx, c, ResourceJobs, uuid)
}

func (c *Client) GetQuotes(ctx context.Context, f Filter) (*Page[Quote], error) {
	return list[Quote](ctx, c, ResourceQuotes, f)
}

func (c *Client) GetQuote(ctx context.Context, uuid string) (*Quote, error) {
	return get[Quote](ctx, c, ResourceQuotes, uuid)
}

func (c *Client) GetStaff(ctx context.Context, f Filter) (*Page[Staff], error) {
	return list[Staff](ctx, c, ResourceStaff, f)
}

func (c *Client) GetJobActivities(ctx context.Context, f Filter) (*Page[JobActivity], error) {
	return list[JobActivity](ctx, c, ResourceActivities, f)
}

func (c *Client) GetJobActivity(ctx context.Context, uuid string) (*JobActivity, error) {
	return get[JobActivity](ctx, c, ResourceActivities, uuid)
}

func (c *Client) GetAttachments(ctx context.Context, f Filter) (*Page[Attachment], error) {
	return list[Attachment](ctx, c, ResourceAttachments, f)
}

func (c *Client) GetAttachment(ctx context.Context, uuid string) (*Attachment, error) {
	return get[Attachment](ctx, c, ResourceAttachments, uuid)
}

func (c *Client) GetJobMaterials(ctx context.Context, f Filter) (*Page[JobMaterial], error) {
	return list[JobMaterial](ctx, c, ResourceMaterials, f)
}

// Writes invalidate the cached reads of the resources they touch.

func (c *Client) CreateCompany(ctx context.Context, in CompanyInput) (*Company, error) {
	var out struct {
		Data Company `json:"data"`
	}
	if err := c.send(ctx, "createCompany", http.MethodPost, "/"+ResourceCompanies, in, &out, ResourceCompanies); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) CreateJob(ctx context.Context, in JobInput) (*Job, error) {
	var out struct {
		Data Job `json:"data"`
	}
	if err := c.send(ctx, "createJob", http.MethodPost, "/"+ResourceJobs, in, &out, ResourceJobs); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) ApproveQuote(ctx context.Context, jobUUID string, lineItems []LineItem, notes string) (*Job, error) {
	body := struct {
		LineItems []LineItem `json:"line_items,omitempty"`
		Notes     string     `json:"notes,omitempty"`
	}{lineItems, notes}

	var out struct {
		Data Job `json:"data"`
	}
	path := "/" + ResourceJobs + "/" + url.PathEscape(jobUUID) + "/approve_quote"
	if err := c.send(ctx, "approveQuote", http.MethodPost, path, body, &out, ResourceJobs, ResourceQuotes); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) RejectQuote(ctx context.Context, jobUUID string, reason string) (*Job, error) {
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{reason}

	var out struct {
		Data Job `json:"data"`
	}
	path := "/" + ResourceJobs + "/" + url.PathEscape(jobUUID) + "/reject_quote"
	if err := c.send(ctx, "rejectQuote", http.MethodPost, path, body, &out, ResourceJobs, ResourceQuotes); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// TestConnection reports whether the API accepts our credentials. It bypasses the cache.
func (c *Client) TestConnection(ctx context.Context) bool {
	_, err := c.do(ctx, "testConnection", "ping", http.MethodGet, "/ping", nil, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("external api connection test failed")
		return false
	}
	return true
}

type APIStats struct {
	Requests     int64             `json:"requests"`
	Failures     int64             `json:"failures"`
	CacheHits    int64             `json:"cache_hits"`
	CacheMisses  int64             `json:"cache_misses"`
	CacheEntries int               `json:"cache_entries"`
	RateLimit    RateLimitSnapshot `json:"rate_limit"`
}

func (c *Client) Stats() APIStats {
	return APIStats{
		Requests:     c.requests.Load(),
		Failures:     c.failures.Load(),
		CacheHits:    c.cache.Hits(),
		CacheMisses:  c.cache.Misses(),
		CacheEntries: c.cache.Len(),
		RateLimit:    c.limits.Snapshot(),
	}
}

func (c *Client) ClearCache() {
	c.cache.Clear()
}

func list[T any](ctx context.Context, c *Client, resource string, f Filter) (*Page[T], error) {
	var page Page[T]
	if err := c.getCached(ctx, "get_"+resource, resource, "/"+resource, f.Values(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func get[T any](ctx context.Context, c *Client, resource, uuid string) (*T, error) {
	if uuid == "" {
		return nil, &Error{Kind: KindValidation, Op: "get_" + resource, Err: errors.New("empty uuid")}
	}
	var out struct {
		Data *T `json:"data"`
	}
	if err := c.getCached(ctx, "get_"+resource, resource, "/"+resource+"/"+url.PathEscape(uuid), nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, &Error{Kind: KindNotFound, Op: "get_" + resource, Err: fmt.Errorf("%s %s: empty response", resource, uuid)}
	}
	return out.Data, nil
}

// All pages through a list operation until the source is exhausted.
func All[T any](ctx context.Context, fetch func(context.Context, Filter) (*Page[T], error), f Filter, pageSize int) ([]T, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	f.Limit = pageSize

	var items []T
	for {
		page, err := fetch(ctx, f)
		if err != nil {
			return items, err
		}
		items = append(items, page.Data...)

		if len(page.Data) < pageSize {
			return items, nil
		}
		if page.Meta.Total > 0 && f.Offset+len(page.Data) >= page.Meta.Total {
			return items, nil
		}
		f.Offset += len(page.Data)
	}
}

type noCacheKey struct{}

// NoCache returns a context whose reads skip the cache lookup. Fresh responses
// still replace the cached entry.
func NoCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, noCacheKey{}, true)
}

func bypassCache(ctx context.Context) bool {
	v, _ := ctx.Value(noCacheKey{}).(bool)
	return v
}

func (c *Client) getCached(ctx context.Context, op, resource, path string, query url.Values, out any) error {
	key := cacheKey(resource, path, query.Encode())
	if !bypassCache(ctx) {
		if body, ok := c.cache.Get(key); ok {
			metrics.ExternalCacheLookups.WithLabelValues("hit").Inc()
			return decode(op, body, out)
		}
		metrics.ExternalCacheLookups.WithLabelValues("miss").Inc()
	}

	body, err := c.do(ctx, op, resource, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := decode(op, body, out); err != nil {
		return err
	}
	c.cache.Set(key, body)
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, in, out any, invalidates ...string) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	resource := "write"
	if len(invalidates) > 0 {
		resource = invalidates[0]
	}

	body, err := c.do(ctx, op, resource, method, path, nil, payload)
	for _, r := range invalidates {
		c.cache.InvalidateResource(r)
	}
	if err != nil {
		return err
	}
	return decode(op, body, out)
}

func decode(op string, body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// do performs a request, retrying transient failures with exponential backoff.
func (c *Client) do(ctx context.Context, op, resource, method, path string, query url.Values, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		respBody, err := c.doOnce(ctx, op, resource, method, path, query, body)
		if err == nil {
			return respBody, nil
		}
		if KindOf(err) != KindTransient || attempt >= c.maxRetries || ctx.Err() != nil {
			return nil, err
		}

		delay := c.backoff(attempt)
		c.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying external call")

		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil, err
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << attempt
	if d <= 0 || d > c.maxDelay {
		return c.maxDelay
	}
	return d
}

func (c *Client) doOnce(ctx context.Context, op, resource, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := c.limits.Acquire(op); err != nil {
		metrics.ExternalRequests.WithLabelValues(resource, "rate_limited").Inc()
		return nil, err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.requests.Add(1)
	timer := metrics.NewTimer()
	res, err := c.httpClient.Do(req)
	timer.ObserveDuration(metrics.ExternalRequestDuration.WithLabelValues(resource))
	if err != nil {
		c.failures.Add(1)
		metrics.ExternalRequests.WithLabelValues(resource, "network_error").Inc()
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer res.Body.Close()

	resetAt := c.limits.Observe(res.StatusCode, res.Header)

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		b, err := io.ReadAll(res.Body)
		if err != nil {
			c.failures.Add(1)
			return nil, &Error{Kind: KindTransient, Op: op, StatusCode: res.StatusCode, Err: err}
		}
		metrics.ExternalRequests.WithLabelValues(resource, "ok").Inc()
		return b, nil
	}

	c.failures.Add(1)
	msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	apiErr := &Error{Op: op, StatusCode: res.StatusCode}
	if len(msg) > 0 {
		apiErr.Err = errors.New(strings.TrimSpace(string(msg)))
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		apiErr.Kind = KindAuth
	case res.StatusCode == http.StatusNotFound:
		apiErr.Kind = KindNotFound
	case res.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.ResetAt = resetAt
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnprocessableEntity:
		apiErr.Kind = KindValidation
	default:
		apiErr.Kind = KindTransient
	}
	metrics.ExternalRequests.WithLabelValues(resource, apiErr.Kind.String()).Inc()
	return nil, apiErr
}
