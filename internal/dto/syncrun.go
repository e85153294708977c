package dto

import "time"

// SyncRunRequest triggers a synchronization run.
type SyncRunRequest struct {
	Mode  string `json:"mode"`
	Start string `json:"start,omitempty"`
}

// SyncRunResponse represents a sync run as exposed via transport layers.
type SyncRunResponse struct {
	ID         string         `json:"id"`
	JobType    string         `json:"job_type"`
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	BatchCount int            `json:"batch_count"`
	ItemCount  int            `json:"item_count"`
	ErrorCount int            `json:"error_count"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
