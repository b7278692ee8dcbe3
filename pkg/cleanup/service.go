// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
)

// JobSweeper deletes terminal jobs past their retention window.
// *jobs.PostgresStore implements it.
type JobSweeper interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventSweeper deletes conversation events past the retention window.
// *conversation.PostgresStore implements it.
type EventSweeper interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically enforces retention policies:
//   - Deletes terminal jobs older than the job retention window
//   - Deletes conversation events outside the replay window
//   - Evicts idle in-memory conversation state
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	jobs   JobSweeper
	events EventSweeper
	log    *conversation.Log

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. log may be nil when there
// is no in-memory conversation state to sweep.
func NewService(cfg *config.RetentionConfig, jobs JobSweeper, events EventSweeper, log *conversation.Log) *Service {
	return &Service{
		config: cfg,
		jobs:   jobs,
		events: events,
		log:    log,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"job_retention_days", s.config.JobRetentionDays,
		"conversation_ttl", s.config.ConversationTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.deleteOldJobs(ctx)
	s.deleteExpiredEvents(ctx)
	s.sweepIdleConversations()
}

func (s *Service) deleteOldJobs(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.JobRetentionDays)
	count, err := s.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: job cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old terminal jobs", "count", count)
	}
}

func (s *Service) deleteExpiredEvents(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.ConversationTTL)
	count, err := s.events.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired conversation events", "count", count)
	}
}

func (s *Service) sweepIdleConversations() {
	if s.log == nil {
		return
	}
	removed := s.log.SweepIdle(s.config.IdleConversationTTL)
	if len(removed) > 0 {
		slog.Info("Retention: evicted idle conversations", "count", len(removed))
	}
}
