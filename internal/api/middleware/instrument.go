package middleware

import (
	"net/http"
	"strconv"

	apiContext "fieldsync/internal/api/context"
	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/pkg/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Instrument records request count and latency under the route pattern.
func Instrument(next http.HandlerFunc) http.HandlerFunc {
	log := logger.WithComponent("http")
	return func(w http.ResponseWriter, r *http.Request) {
		route, _ := r.Context().Value(apiContext.Route).(string)
		if route == "" {
			route = "unmatched"
		}

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		d := timer.ObserveDuration(metrics.HTTPRequestDuration.WithLabelValues(route))

		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", d).
			Msg("request")
	}
}
