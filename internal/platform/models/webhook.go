package models

import "encoding/json"

const (
	EventStatusQueued     = "queued"
	EventStatusProcessing = "processing"
	EventStatusSuccess    = "success"
	EventStatusFailed     = "failed"
)

// WebhookEvent is a durably recorded inbound delivery.
type WebhookEvent struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	ExternalEventID string          `json:"external_event_id"`
	ObjectType      string          `json:"object_type"`
	ObjectUUID      string          `json:"object_uuid"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	Retryable       bool            `json:"retryable"`
	AttemptCount    int             `json:"attempts"`
	ErrorDetails    []AttemptError  `json:"error_details,omitempty"`
	ProcessedAt     *int64          `json:"processed_at,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// AttemptError records one failed processing (or ingress) attempt.
type AttemptError struct {
	Attempt int    `json:"attempt"`
	At      int64  `json:"at"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

// Attempts is the number of failed processing attempts. Ingress rejections
// are not counted.
func (e *WebhookEvent) Attempts() int {
	return e.AttemptCount
}

func (e *WebhookEvent) LastError() string {
	if len(e.ErrorDetails) == 0 {
		return ""
	}
	return e.ErrorDetails[len(e.ErrorDetails)-1].Error
}

// WebhookPayload is the body the external system posts.
type WebhookPayload struct {
	EventID        string                 `json:"event_id,omitempty"`
	ObjectType     string                 `json:"object_type"`
	ObjectUUID     string                 `json:"object_uuid"`
	EventType      string                 `json:"event_type"`
	Timestamp      string                 `json:"timestamp,omitempty"`
	Changes        map[string]interface{} `json:"changes,omitempty"`
	RelatedObjects map[string]interface{} `json:"related_objects,omitempty"`
}

type EventFilter struct {
	Status     string
	ObjectType string
	Limit      int
	Offset     int
}
