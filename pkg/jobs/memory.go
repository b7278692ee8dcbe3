package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

// MemoryStore is an in-memory Store with the same semantics as the
// Postgres one. It backs unit tests and disposable runs; nothing
// survives a restart.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string // insertion order, which is also claim order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Insert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.IdempotencyKey != "" {
		for _, existing := range s.jobs {
			if existing.Subject == job.Subject &&
				existing.IdempotencyKey == job.IdempotencyKey &&
				!existing.Status.IsTerminal() {
				return ErrDuplicateKey
			}
		}
	}
	s.jobs[job.ID] = cloneJob(job)
	s.order = append(s.order, job.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subject string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	// Newest first, matching the Postgres ordering.
	for i := len(s.order) - 1; i >= 0; i-- {
		if job := s.jobs[s.order[i]]; job != nil && job.Subject == subject {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindActive(_ context.Context, subject, idempotencyKey string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Subject == subject && job.IdempotencyKey == idempotencyKey && !job.Status.IsTerminal() {
			return cloneJob(job), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ClaimNext(_ context.Context, podID, workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		job := s.jobs[id]
		if job == nil || job.Status != StatusQueued {
			continue
		}
		now := time.Now()
		job.Status = StatusRunning
		job.PodID = podID
		job.WorkerID = workerID
		job.StartedAt = &now
		job.LastHeartbeatAt = &now
		return cloneJob(job), nil
	}
	return nil, ErrNoJobsAvailable
}

func (s *MemoryStore) MarkRunning(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusQueued {
		return fmt.Errorf("job %s is not queued: %w", jobID, ErrInvalidTransition)
	}
	now := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.LastHeartbeatAt = &now
	return nil
}

func (s *MemoryStore) MarkTerminal(_ context.Context, jobID string, status Status, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	job.Status = status
	job.Error = errMsg
	job.CompletedAt = &now
	job.Progress = nil
	return true, nil
}

func (s *MemoryStore) CancelQueued(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusQueued {
		return false, nil
	}
	now := time.Now()
	job.Status = StatusCanceled
	job.CompletedAt = &now
	job.Progress = nil
	return true, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, jobID string, progress models.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusRunning {
		return nil
	}
	p := progress
	job.Progress = &p
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusRunning {
		return false, nil
	}
	job.CancelRequested = true
	return true, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok && job.Status == StatusRunning {
		now := time.Now()
		job.LastHeartbeatAt = &now
		return job.CancelRequested, nil
	}
	return false, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindStaleRunning(_ context.Context, cutoff time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job != nil && job.Status == StatusRunning &&
			job.LastHeartbeatAt != nil && job.LastHeartbeatAt.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindRunningByPod(_ context.Context, podID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job != nil && job.Status == StatusRunning && job.PodID == podID {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	remaining := s.order[:0]
	for _, id := range s.order {
		job := s.jobs[id]
		if job != nil && job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
			continue
		}
		remaining = append(remaining, id)
	}
	s.order = remaining
	return deleted, nil
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Spec = append(json.RawMessage(nil), j.Spec...)
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.LastHeartbeatAt != nil {
		t := *j.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}
