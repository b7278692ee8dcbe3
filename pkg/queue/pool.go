package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/gateway"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
)

// WorkerPool manages a pool of queue workers plus the background orphan
// detection task. Cancellation routing lives in the job registry, which
// all pods share through the store; the pool itself holds no per-job
// state.
type WorkerPool struct {
	podID     string
	registry  *jobs.Registry
	log       *conversation.Log
	config    *config.QueueConfig
	deadlines *config.PipelineConfig
	executor  Executor
	slots     SlotReleaser
	notifier  ArtifactNotifier
	redactor  *gateway.Redactor
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	started   bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
// slots, notifier, and redactor may be nil; see NewWorker.
func NewWorkerPool(podID string, registry *jobs.Registry, log *conversation.Log, cfg *config.QueueConfig, deadlines *config.PipelineConfig, executor Executor, slots SlotReleaser, notifier ArtifactNotifier, redactor *gateway.Redactor) *WorkerPool {
	return &WorkerPool{
		podID:     podID,
		registry:  registry,
		log:       log,
		config:    cfg,
		deadlines: deadlines,
		executor:  executor,
		slots:     slots,
		notifier:  notifier,
		redactor:  redactor,
		workers:   make([]*Worker, 0, cfg.WorkerCount),
		stopCh:    make(chan struct{}),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.registry, p.config, p.deadlines, p.executor, p.slots, p.notifier, p.redactor)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	// Start orphan detection
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current jobs before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	// Log in-flight jobs
	active := p.activeJobIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active),
			"job_ids", active)
	}

	// Signal all workers to stop (they finish current jobs)
	for _, worker := range p.workers {
		worker.Stop()
	}

	// Signal orphan detection to stop
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.registry.CountByStatus(ctx, jobs.StatusQueued)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID,
			"error", errQ)
	}

	activeJobs, errA := p.registry.CountByStatus(ctx, jobs.StatusRunning)
	if errA != nil {
		slog.Error("Failed to query active jobs for health check",
			"pod_id", p.podID,
			"error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	// DB errors affect health status - if we can't reach the DB, we're not healthy
	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && activeJobs <= p.config.MaxConcurrentJobs && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var dbError string
	if !dbHealthy {
		if errQ != nil {
			dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
		} else if errA != nil {
			dbError = fmt.Sprintf("active jobs query failed: %v", errA)
		}
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveJobs:       activeJobs,
		MaxConcurrent:    p.config.MaxConcurrentJobs,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

// activeJobIDs returns IDs of jobs currently processed by this pod's
// workers (for logging).
func (p *WorkerPool) activeJobIDs() []string {
	ids := make([]string, 0, len(p.workers))
	for _, worker := range p.workers {
		if h := worker.Health(); h.CurrentJobID != "" {
			ids = append(ids, h.CurrentJobID)
		}
	}
	return ids
}
