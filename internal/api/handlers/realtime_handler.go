package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fieldsync/internal/engine/realtime"
	"fieldsync/internal/pkg/errors"
)

type RealtimeHandler struct {
	broker    *realtime.Broker
	keepAlive time.Duration
}

func NewRealtimeHandler(broker *realtime.Broker) *RealtimeHandler {
	return &RealtimeHandler{broker: broker, keepAlive: 25 * time.Second}
}

// Stream serves broadcasts as Server-Sent Events. ?channel= may repeat or hold
// a comma separated list; no channel subscribes to everything.
func (h *RealtimeHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Streaming unsupported", nil)
		return
	}

	var channels []string
	for _, v := range r.URL.Query()["channel"] {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				channels = append(channels, c)
			}
		}
	}

	sub, err := h.broker.Subscribe(channels...)
	if err != nil {
		errors.WriteError(w, http.StatusServiceUnavailable, errors.ErrCodeInternal, "Realtime broker unavailable", nil)
		return
	}
	defer h.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event, data)
			flusher.Flush()
		}
	}
}
