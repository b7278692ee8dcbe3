package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned jobs.
// All pods run this independently; recovery is idempotent because only
// one MarkTerminal call wins the transition.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds running jobs with stale heartbeats and
// fails them.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	cutoff := time.Now().Add(-p.config.OrphanThreshold)

	orphans, err := p.registry.StaleRunning(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to query orphaned jobs: %w", err)
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned jobs", "count", len(orphans))

	recovered := 0
	for _, job := range orphans {
		if err := p.recoverOrphanedJob(ctx, job); err != nil {
			slog.Error("Failed to recover orphaned job",
				"job_id", job.ID,
				"error", err)
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// recoverOrphanedJob fails a single orphaned job and closes its
// conversation with an error event, so subscribers are not left waiting
// on a stream that will never finish.
func (p *WorkerPool) recoverOrphanedJob(ctx context.Context, job *jobs.Job) error {
	log := slog.With("job_id", job.ID, "old_pod_id", job.PodID)

	lastHeartbeat := "unknown"
	if job.LastHeartbeatAt != nil {
		lastHeartbeat = job.LastHeartbeatAt.Format(time.RFC3339)
	}

	msg := fmt.Sprintf("orphaned: no heartbeat from pod %s since %s", job.PodID, lastHeartbeat)

	transitioned, err := p.registry.MarkTerminal(ctx, job.ID, jobs.StatusFailed, msg)
	if err != nil {
		return fmt.Errorf("failed to mark job as failed: %w", err)
	}
	if !transitioned {
		// Another pod recovered it first, or the owner finished after all.
		return nil
	}

	appendOrphanEvent(ctx, p.log, job.ConversationID, msg)

	log.Warn("Orphaned job marked as failed", "last_heartbeat", lastHeartbeat)
	return nil
}

// RecoverStartupOrphans performs a one-time recovery of jobs owned by
// this pod that were running when the pod previously crashed.
// Called once during startup, before the worker pool begins processing.
func RecoverStartupOrphans(ctx context.Context, registry *jobs.Registry, log *conversation.Log, podID string) error {
	orphans, err := registry.RunningOnPod(ctx, podID)
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}

	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("Found startup orphans from previous run",
		"pod_id", podID,
		"count", len(orphans))

	for _, job := range orphans {
		msg := fmt.Sprintf("orphaned: pod %s restarted while the job was running", podID)

		transitioned, err := registry.MarkTerminal(ctx, job.ID, jobs.StatusFailed, msg)
		if err != nil {
			slog.Error("Failed to mark startup orphan",
				"job_id", job.ID,
				"error", err)
			continue
		}
		if !transitioned {
			continue
		}

		appendOrphanEvent(ctx, log, job.ConversationID, msg)

		slog.Info("Startup orphan recovered", "job_id", job.ID)
	}

	return nil
}

// appendOrphanEvent writes the terminal error event for a conversation
// whose job died without one. Best effort: the job row already carries
// the failure.
func appendOrphanEvent(ctx context.Context, log *conversation.Log, convID, msg string) {
	if log == nil || convID == "" {
		return
	}
	payload := conversation.ErrorPayload{Kind: "internal", Message: msg}
	if _, err := log.Append(ctx, convID, conversation.KindError, conversation.RoleSystem, payload); err != nil {
		slog.Warn("Failed to append orphan error event",
			"conversation_id", convID,
			"error", err)
	}
}
