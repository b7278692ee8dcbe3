// Package jobs is the durable job registry: every generation request
// becomes a row in Postgres that workers claim, advance, and finish,
// plus a process-local map of cancel functions for live jobs.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job is one generation request. Spec holds the submitted
// models.ArticleSpec or models.BookSpec as JSON, discriminated by Kind.
type Job struct {
	ID              string
	Subject         string
	Kind            models.ArtifactKind
	Spec            json.RawMessage
	ConversationID  string
	IdempotencyKey  string
	Status          Status
	Error           string
	PodID           string
	WorkerID        string
	CancelRequested bool
	Progress        *models.JobProgress
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastHeartbeatAt *time.Time
}

// ArticleSpec decodes the job's spec for article jobs.
func (j *Job) ArticleSpec() (*models.ArticleSpec, error) {
	var spec models.ArticleSpec
	if err := json.Unmarshal(j.Spec, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// BookSpec decodes the job's spec for book jobs.
func (j *Job) BookSpec() (*models.BookSpec, error) {
	var spec models.BookSpec
	if err := json.Unmarshal(j.Spec, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Snapshot converts the job to its API read model.
func (j *Job) Snapshot() *models.JobSnapshot {
	return &models.JobSnapshot{
		ID:             j.ID,
		Subject:        j.Subject,
		Kind:           j.Kind,
		Status:         string(j.Status),
		ConversationID: j.ConversationID,
		IdempotencyKey: j.IdempotencyKey,
		Progress:       j.Progress,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}
