package models

import "encoding/json"

const (
	RunTypeFull        = "full"
	RunTypeIncremental = "incremental"
	RunTypeEmergency   = "emergency"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

type ReconciliationLog struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	StartedAt        int64           `json:"started_at"`
	CompletedAt      *int64          `json:"completed_at,omitempty"`
	RecordsProcessed int             `json:"records_processed"`
	Errors           int             `json:"errors"`
	IssuesFound      int             `json:"issues_found"`
	DurationMS       int64           `json:"duration_ms"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
}

type ReconciliationStats struct {
	WindowDays        int                  `json:"window_days"`
	TotalRuns         int                  `json:"total_runs"`
	Completed         int                  `json:"completed"`
	Failed            int                  `json:"failed"`
	Running           int                  `json:"running"`
	AverageDurationMS float64              `json:"average_duration_ms"`
	TotalRecords      int64                `json:"total_records_processed"`
	TotalErrors       int64                `json:"total_errors"`
	ByType            map[string]TypeStats `json:"by_type"`
	LastSuccessfulRun *ReconciliationLog   `json:"last_successful_run,omitempty"`
}

type TypeStats struct {
	Runs              int     `json:"runs"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	AverageDurationMS float64 `json:"average_duration_ms"`
}
