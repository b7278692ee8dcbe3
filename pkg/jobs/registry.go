package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

// Registry fronts the job store and keeps the process-local cancel
// functions for jobs executing here. The store is the source of truth
// for state; the cancel map only routes cancellation signals.
type Registry struct {
	store Store

	mu      sync.RWMutex
	cancels map[string]context.CancelFunc
}

// NewRegistry creates a registry over a store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:   store,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Create allocates a queued job with a fresh id and persists it. When
// an idempotency key is given and the subject already has a
// non-terminal job under it, that job is returned instead and created
// is false; the caller must not repeat submission side effects.
func (r *Registry) Create(ctx context.Context, subject string, kind models.ArtifactKind, spec any, conversationID, idempotencyKey string) (*Job, bool, error) {
	if idempotencyKey != "" {
		existing, err := r.store.FindActive(ctx, subject, idempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s spec: %w", kind, err)
	}

	job := &Job{
		ID:             uuid.New().String(),
		Subject:        subject,
		Kind:           kind,
		Spec:           raw,
		ConversationID: conversationID,
		IdempotencyKey: idempotencyKey,
		Status:         StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}

	if err := r.store.Insert(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost a submission race for the same key; the winner is
			// the job to return.
			existing, ferr := r.store.FindActive(ctx, subject, idempotencyKey)
			if ferr != nil {
				return nil, false, fmt.Errorf("resolve idempotent duplicate: %w", err)
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return job, true, nil
}

// Start transitions a queued job to running outside the claim path.
func (r *Registry) Start(ctx context.Context, jobID string) error {
	return r.store.MarkRunning(ctx, jobID)
}

// ClaimNext claims the oldest queued job for a worker.
func (r *Registry) ClaimNext(ctx context.Context, podID, workerID string) (*Job, error) {
	return r.store.ClaimNext(ctx, podID, workerID)
}

// Get returns a job by id.
func (r *Registry) Get(ctx context.Context, jobID string) (*Job, error) {
	return r.store.Get(ctx, jobID)
}

// List returns a subject's jobs, newest first.
func (r *Registry) List(ctx context.Context, subject string) ([]*Job, error) {
	return r.store.ListBySubject(ctx, subject)
}

// Cancel requests cancellation. A job running in this process gets its
// context canceled and finishes through its worker's terminal path. A
// queued job goes terminal directly; the true return means this call
// performed that transition and owns the terminal side effects. A job
// running elsewhere, or claimed so recently that its worker has not
// registered a cancel func yet, gets a durable cancel flag the worker
// observes after registration and on every heartbeat. Canceling a
// terminal job is a no-op.
func (r *Registry) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	if r.fireCancel(jobID) {
		return false, nil
	}

	transitioned, err := r.store.CancelQueued(ctx, jobID)
	if err != nil {
		return false, err
	}
	if transitioned {
		return true, nil
	}

	// The job is running without a local cancel func: a worker claimed
	// it between our status read and the queued cancel, or it runs on
	// another pod. Set the durable flag before retrying the local fire,
	// so the request survives even when the claiming worker has not
	// registered yet.
	if _, err := r.store.RequestCancel(ctx, jobID); err != nil {
		return false, err
	}
	r.fireCancel(jobID)
	return false, nil
}

// MarkTerminal records a terminal status and drops the job's cancel
// func. The true return means this call performed the transition.
func (r *Registry) MarkTerminal(ctx context.Context, jobID string, status Status, errMsg string) (bool, error) {
	transitioned, err := r.store.MarkTerminal(ctx, jobID, status, errMsg)
	if transitioned {
		r.UnregisterCancel(jobID)
	}
	return transitioned, err
}

// UpdateProgress records fan-out progress on the job row, best effort.
func (r *Registry) UpdateProgress(ctx context.Context, jobID string, progress models.JobProgress) error {
	return r.store.UpdateProgress(ctx, jobID, progress)
}

// Heartbeat refreshes the job's liveness timestamp and reports whether
// cancellation has been requested on the row.
func (r *Registry) Heartbeat(ctx context.Context, jobID string) (bool, error) {
	return r.store.Heartbeat(ctx, jobID)
}

// CountByStatus reports how many jobs are in the given status across
// all pods.
func (r *Registry) CountByStatus(ctx context.Context, status Status) (int, error) {
	return r.store.CountByStatus(ctx, status)
}

// StaleRunning returns running jobs whose last heartbeat predates cutoff.
func (r *Registry) StaleRunning(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	return r.store.FindStaleRunning(ctx, cutoff)
}

// RunningOnPod returns running jobs claimed by the given pod.
func (r *Registry) RunningOnPod(ctx context.Context, podID string) ([]*Job, error) {
	return r.store.FindRunningByPod(ctx, podID)
}

// RegisterCancel stores the cancel function for a job executing in
// this process.
func (r *Registry) RegisterCancel(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

// UnregisterCancel removes a job's cancel function.
func (r *Registry) UnregisterCancel(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

// ActiveCancelCount reports registered cancel functions, for health
// reporting.
func (r *Registry) ActiveCancelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cancels)
}

func (r *Registry) fireCancel(jobID string) bool {
	r.mu.RLock()
	cancel, ok := r.cancels[jobID]
	r.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}
