package models

import "time"

// JobProgress summarizes how far a running job has advanced.
// Stage names match the pipeline stage enumeration.
type JobProgress struct {
	Stage     string `json:"stage,omitempty"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// JobSnapshot is the read model of a job returned by Get/List.
type JobSnapshot struct {
	ID             string       `json:"id"`
	Subject        string       `json:"subject"`
	Kind           ArtifactKind `json:"kind"`
	Status         string       `json:"status"`
	ConversationID string       `json:"conversation_id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Progress       *JobProgress `json:"progress,omitempty"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// JobListResponse contains a subject's jobs.
type JobListResponse struct {
	Jobs       []*JobSnapshot `json:"jobs"`
	TotalCount int            `json:"total_count"`
}
