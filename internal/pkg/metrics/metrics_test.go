package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_seconds", Help: "test"})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	d := timer.ObserveDuration(h)

	if d < 10*time.Millisecond {
		t.Errorf("ObserveDuration() = %v, want >= 10ms", d)
	}
	if n := testutil.CollectAndCount(h); n != 1 {
		t.Errorf("histogram collected %d metrics, want 1", n)
	}
}

func TestTimerNilObserver(t *testing.T) {
	if d := NewTimer().ObserveDuration(nil); d < 0 {
		t.Errorf("ObserveDuration(nil) = %v", d)
	}
}

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	WebhooksReceived.WithLabelValues("test", "accepted").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "fieldsync_webhooks_received_total") {
		t.Error("metrics output missing fieldsync_webhooks_received_total")
	}
}
