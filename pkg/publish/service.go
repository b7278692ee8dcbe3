// Package publish delivers finished artifacts to an external endpoint.
// The core pipeline never depends on it; the worker announces each
// successful artifact once and this package forwards it, fail-open.
package publish

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
	"github.com/gr8monk3ys/blog-ai/pkg/pipeline"
)

// Payload is the wire shape POSTed to the webhook. Field names are
// stable; collaborators render the artifact to their own formats.
type Payload struct {
	JobID          string          `json:"job_id"`
	Subject        string          `json:"subject"`
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	PublishedAt    string          `json:"published_at"` // RFC3339 UTC
	Article        *models.Article `json:"article,omitempty"`
	Book           *models.Book    `json:"book,omitempty"`
}

// Service forwards finished artifacts to the configured webhook.
// Nil-safe: all methods are no-ops when the service is nil.
type Service struct {
	client  *Client
	timeout time.Duration
	logger  *slog.Logger

	// inflight tracks spawned deliveries so tests can wait for them.
	inflight chan struct{}
}

// NewService creates a publish service from configuration.
// Returns nil when publishing is disabled or no webhook URL is set.
func NewService(cfg *config.PublishConfig) *Service {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return nil
	}
	var token string
	if cfg.AuthTokenEnv != "" {
		token = os.Getenv(cfg.AuthTokenEnv)
	}
	return newService(NewClient(cfg.WebhookURL, token, cfg.Timeout), cfg.Timeout)
}

// NewServiceWithClient creates a Service backed by a pre-built client.
// Useful for testing with a mock endpoint.
func NewServiceWithClient(client *Client, timeout time.Duration) *Service {
	return newService(client, timeout)
}

func newService(client *Client, timeout time.Duration) *Service {
	return &Service{
		client:   client,
		timeout:  timeout,
		logger:   slog.Default().With("component", "publish-service"),
		inflight: make(chan struct{}, 64),
	}
}

// ArtifactReady implements the worker's artifact notification hook.
// Delivery happens on its own goroutine with its own deadline: the
// caller is on the job's terminal path and must not block, and the job
// context is usually already dead. Fail-open: errors are logged,
// never returned.
func (s *Service) ArtifactReady(_ context.Context, job *jobs.Job, artifact *pipeline.Artifact) {
	if s == nil || job == nil || artifact == nil {
		return
	}

	payload := Payload{
		JobID:          job.ID,
		Subject:        job.Subject,
		Kind:           string(job.Kind),
		ConversationID: job.ConversationID,
		PublishedAt:    time.Now().UTC().Format(time.RFC3339),
		Article:        artifact.Article,
		Book:           artifact.Book,
	}

	select {
	case s.inflight <- struct{}{}:
	default:
		// Delivery backlog full; drop rather than stall the worker.
		s.logger.Warn("Publish backlog full, dropping artifact", "job_id", job.ID)
		return
	}

	go func() {
		defer func() { <-s.inflight }()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		receipt, err := s.client.Post(ctx, payload)
		if err != nil {
			s.logger.Error("Failed to publish artifact",
				"job_id", job.ID, "kind", job.Kind, "error", err)
			return
		}
		s.logger.Info("Artifact published",
			"job_id", job.ID, "kind", job.Kind,
			"published_url", receipt.URL, "published_id", receipt.ID)
	}()
}

// Flush waits until all spawned deliveries finish or the context ends.
// Tests use it; shutdown paths may too.
func (s *Service) Flush(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(s.inflight) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
