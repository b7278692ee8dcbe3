package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/gateway"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/pipeline"
)

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id        string
	podID     string
	registry  *jobs.Registry
	config    *config.QueueConfig
	deadlines *config.PipelineConfig
	executor  Executor
	slots     SlotReleaser
	notifier  ArtifactNotifier
	redactor  *gateway.Redactor
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
// slots may be nil (no admission slot accounting).
// notifier may be nil (artifact notifications disabled).
// redactor may be nil (stored error messages are kept verbatim).
func NewWorker(id, podID string, registry *jobs.Registry, cfg *config.QueueConfig, deadlines *config.PipelineConfig, executor Executor, slots SlotReleaser, notifier ArtifactNotifier, redactor *gateway.Redactor) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		registry:     registry,
		config:       cfg,
		deadlines:    deadlines,
		executor:     executor,
		slots:        slots,
		notifier:     notifier,
		redactor:     redactor,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, jobs.ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a job, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by WorkerCount and mitigated by poll jitter).
	running, err := w.registry.CountByStatus(ctx, jobs.StatusRunning)
	if err != nil {
		return fmt.Errorf("checking running jobs: %w", err)
	}
	if running >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	// 2. Claim the oldest queued job. The store claims atomically with
	//    FOR UPDATE SKIP LOCKED, so concurrent workers never double-claim.
	job, err := w.registry.ClaimNext(ctx, w.podID, w.id)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "worker_id", w.id)
	log.Info("Job claimed", "kind", job.Kind, "subject", job.Subject)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// The subject's admission slot is held from submission until the job
	// is terminal; release it however processing ends.
	defer func() {
		if w.slots != nil {
			w.slots.ReleaseSlot(job.Subject)
		}
	}()

	// 3. Create the job context with the kind's whole-job deadline.
	deadline := w.deadlines.DeadlineForKind(string(job.Kind))
	jobCtx, cancelJob := context.WithTimeout(ctx, deadline)
	defer cancelJob()

	// 4. Register the cancel function for API-triggered cancellation,
	//    then pick up any cancel that landed on the row between the
	//    claim and the registration.
	w.registry.RegisterCancel(job.ID, cancelJob)
	defer w.registry.UnregisterCancel(job.ID)
	if cur, err := w.registry.Get(ctx, job.ID); err == nil && cur.CancelRequested {
		log.Info("Cancellation requested before worker registration")
		cancelJob()
	}

	// 5. Start heartbeat.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID, cancelJob)

	// 6. Execute the job. The pipeline writes conversation events
	//    progressively, including the terminal event; only the job row
	//    outcome is handled here.
	artifact, runErr := w.executor.Execute(jobCtx, job)
	if runErr == nil && artifact == nil {
		runErr = errors.New("executor returned no artifact")
	}

	// 7. Stop heartbeat before the terminal write.
	cancelHeartbeat()

	// 8. Map the outcome onto a terminal job status.
	status, errMsg := w.terminalStatus(runErr, deadline)

	// 9. Record the terminal status (use background context; the job
	//    context may already be cancelled).
	transitioned, err := w.registry.MarkTerminal(context.Background(), job.ID, status, errMsg)
	if err != nil {
		log.Error("Failed to record terminal job status", "error", err)
		return err
	}

	// 10. Announce a successful artifact. Only the caller that performed
	//     the transition owns the side effects; losing the race means the
	//     job already went terminal elsewhere (queued-cancel or orphan
	//     recovery).
	if transitioned && status == jobs.StatusSucceeded && w.notifier != nil {
		w.notifier.ArtifactReady(context.Background(), job, artifact)
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete", "status", status)
	return nil
}

// terminalStatus maps a run error onto the job's terminal status and
// stored error message. Deadline expiry counts as cancellation, with
// the cause recorded; the conversation's terminal event carries the
// matching reason.
func (w *Worker) terminalStatus(runErr error, deadline time.Duration) (jobs.Status, string) {
	switch {
	case runErr == nil:
		return jobs.StatusSucceeded, ""
	case errors.Is(runErr, pipeline.ErrTimeout), errors.Is(runErr, context.DeadlineExceeded):
		return jobs.StatusCanceled, fmt.Sprintf("job deadline exceeded after %v", deadline)
	case errors.Is(runErr, pipeline.ErrCanceled), errors.Is(runErr, context.Canceled):
		return jobs.StatusCanceled, ""
	default:
		// The redactor is nil-safe; without one the message is stored
		// verbatim.
		return jobs.StatusFailed, w.redactor.RedactError(runErr)
	}
}

// runHeartbeat periodically refreshes the job's heartbeat for orphan
// detection and honors cancel requests recorded on the row, which is
// how cancellation reaches a job running on another pod.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelRequested, err := w.registry.Heartbeat(ctx, jobID)
			if err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
				continue
			}
			if cancelRequested {
				slog.Info("Cancellation requested, stopping job", "job_id", jobID)
				cancelJob()
				return
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
