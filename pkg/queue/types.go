// Package queue provides the durable job queue: a worker pool that
// claims queued jobs from the store and runs them through the
// generation pipeline.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/pipeline"
)

// ErrAtCapacity indicates the global concurrent job limit has been
// reached; workers back off and poll again.
var ErrAtCapacity = errors.New("at capacity")

// Executor runs a claimed job to its outcome. Implementations narrate
// the run through the conversation log themselves; the worker owns only
// the job row lifecycle around the call: claiming, heartbeat, terminal
// status, and notifications.
type Executor interface {
	Execute(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error)
}

// SlotReleaser frees a subject's admission slot when its job ends.
// Slots are acquired at submission and held until the job is terminal.
type SlotReleaser interface {
	ReleaseSlot(subject string)
}

// ArtifactNotifier announces successfully produced artifacts, e.g. to
// the webhook publisher. Called only by the worker that performed the
// terminal transition, so each artifact is announced once.
// Implementations must not block.
type ArtifactNotifier interface {
	ArtifactReady(ctx context.Context, job *jobs.Job, artifact *pipeline.Artifact)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveJobs       int            `json:"active_jobs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}
