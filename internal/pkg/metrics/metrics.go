package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP surface
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_http_requests_total",
			Help: "Total HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Webhooks
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_webhooks_received_total",
			Help: "Webhook deliveries by provider and outcome (accepted, unauthorized, invalid)",
		},
		[]string{"provider", "outcome"},
	)

	WebhooksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_webhooks_processed_total",
			Help: "Processed webhook events by object type and terminal status",
		},
		[]string{"object_type", "status"},
	)

	WebhookProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_webhook_processing_duration_seconds",
			Help:    "Time spent processing a single webhook event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"object_type"},
	)

	WebhookQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_webhook_queue_depth",
			Help: "Number of event ids waiting in the in-process work queue",
		},
	)

	WebhookQueueOverflow = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_webhook_queue_overflow_total",
			Help: "Events left queued in the store because the work queue was full",
		},
	)

	BroadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_broadcast_failures_total",
			Help: "Realtime broadcasts that could not be delivered",
		},
	)

	// External API
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_external_requests_total",
			Help: "Outbound external API calls by resource and result",
		},
		[]string{"resource", "result"},
	)

	ExternalRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_external_request_duration_seconds",
			Help:    "Outbound external API latency by resource",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	ExternalCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_external_cache_lookups_total",
			Help: "External API cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	// Sync
	SyncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_sync_records_total",
			Help: "Upserted records by entity and result (inserted, updated, unchanged, failed)",
		},
		[]string{"entity", "result"},
	)

	// Reconciliation
	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_reconcile_runs_total",
			Help: "Reconciliation runs by type and terminal status",
		},
		[]string{"type", "status"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_reconcile_duration_seconds",
			Help:    "Reconciliation run duration by type",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 7200},
		},
		[]string{"type"},
	)

	ReconcileIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_reconcile_issues_total",
			Help: "Drift issues detected by category and entity",
		},
		[]string{"category", "entity"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WebhooksReceived)
	prometheus.MustRegister(WebhooksProcessed)
	prometheus.MustRegister(WebhookProcessingDuration)
	prometheus.MustRegister(WebhookQueueDepth)
	prometheus.MustRegister(WebhookQueueOverflow)
	prometheus.MustRegister(BroadcastFailures)
	prometheus.MustRegister(ExternalRequests)
	prometheus.MustRegister(ExternalRequestDuration)
	prometheus.MustRegister(ExternalCacheLookups)
	prometheus.MustRegister(SyncRecords)
	prometheus.MustRegister(ReconcileRuns)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileIssues)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation and reports it to an observer.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on o and returns the duration.
func (t *Timer) ObserveDuration(o prometheus.Observer) time.Duration {
	d := t.Duration()
	if o != nil {
		o.Observe(d.Seconds())
	}
	return d
}
