package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
	"github.com/gr8monk3ys/blog-ai/pkg/ratelimit"
)

// SubmitArticleInput contains the domain-level data needed to create an
// article job. Transformed from the HTTP request + headers by the handler.
type SubmitArticleInput struct {
	Subject        string // From auth headers
	Spec           models.ArticleSpec
	ConversationID string // Optional; a fresh one is minted when empty
	IdempotencyKey string // Optional, from the Idempotency-Key header
}

// SubmitBookInput contains the domain-level data needed to create a book job.
type SubmitBookInput struct {
	Subject        string
	Spec           models.BookSpec
	ConversationID string
	IdempotencyKey string
}

// JobService handles job submission, lookup, and cancellation. Every
// operation is scoped to the requesting subject and charged against
// that subject's rate-limit buckets.
type JobService struct {
	registry *jobs.Registry
	log      *conversation.Log
	limiter  *ratelimit.Limiter
}

// NewJobService creates a new JobService.
func NewJobService(registry *jobs.Registry, log *conversation.Log, limiter *ratelimit.Limiter) *JobService {
	if registry == nil {
		panic("NewJobService: registry must not be nil")
	}
	if log == nil {
		panic("NewJobService: log must not be nil")
	}
	if limiter == nil {
		panic("NewJobService: limiter must not be nil")
	}
	return &JobService{
		registry: registry,
		log:      log,
		limiter:  limiter,
	}
}

// SubmitArticleJob validates an article spec and creates a queued job
// for it. The job is picked up by the worker pool. With an idempotency
// key, resubmitting while the first job is still active returns that
// job instead of creating another.
func (s *JobService) SubmitArticleJob(ctx context.Context, input SubmitArticleInput) (*jobs.Job, error) {
	if input.Subject == "" {
		return nil, NewValidationError("subject", "subject is required")
	}
	if err := s.limiter.Admit(input.Subject, config.EndpointClassGenerate); err != nil {
		return nil, err
	}

	spec := input.Spec
	if err := validateArticleSpec(&spec); err != nil {
		return nil, err
	}

	return s.submit(ctx, input.Subject, models.KindArticle, &spec, input.ConversationID, input.IdempotencyKey,
		func(jobID string) conversation.UserIntentPayload {
			return conversation.UserIntentPayload{Kind: models.KindArticle, JobID: jobID, ArticleSpec: &spec}
		})
}

// SubmitBookJob validates a book spec, fills defaulted chapter counts,
// and creates a queued job for it.
func (s *JobService) SubmitBookJob(ctx context.Context, input SubmitBookInput) (*jobs.Job, error) {
	if input.Subject == "" {
		return nil, NewValidationError("subject", "subject is required")
	}
	if err := s.limiter.Admit(input.Subject, config.EndpointClassGenerate); err != nil {
		return nil, err
	}

	spec := input.Spec
	if err := validateBookSpec(&spec); err != nil {
		return nil, err
	}

	return s.submit(ctx, input.Subject, models.KindBook, &spec, input.ConversationID, input.IdempotencyKey,
		func(jobID string) conversation.UserIntentPayload {
			return conversation.UserIntentPayload{Kind: models.KindBook, JobID: jobID, BookSpec: &spec}
		})
}

// submit runs the admission tail shared by both kinds: take an inflight
// slot, create the job, and open its conversation with the user's
// request. The slot is held until the job goes terminal; it is released
// here only when no new job was created.
func (s *JobService) submit(ctx context.Context, subject string, kind models.ArtifactKind, spec any, convID, idemKey string, intent func(jobID string) conversation.UserIntentPayload) (*jobs.Job, error) {
	if err := s.limiter.TryAcquireSlot(subject); err != nil {
		return nil, err
	}

	if convID == "" {
		convID = uuid.New().String()
	}

	job, created, err := s.registry.Create(ctx, subject, kind, spec, convID, idemKey)
	if err != nil {
		s.limiter.ReleaseSlot(subject)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		// Idempotent replay: the original submission holds the slot.
		s.limiter.ReleaseSlot(subject)
		return job, nil
	}

	if _, err := s.log.Append(ctx, job.ConversationID, conversation.KindUserIntent, conversation.RoleUser, intent(job.ID)); err != nil {
		// The job is already queued; a missing intent event is not
		// worth failing the submission over.
		slog.Warn("Failed to append user intent event",
			"job_id", job.ID, "conversation_id", job.ConversationID, "error", err)
	}

	return job, nil
}

// GetJob returns the subject's job by ID.
func (s *JobService) GetJob(ctx context.Context, subject, jobID string) (*jobs.Job, error) {
	if err := s.limiter.Admit(subject, config.EndpointClassRead); err != nil {
		return nil, err
	}
	return s.getOwned(ctx, subject, jobID)
}

// ListJobs returns all of the subject's jobs, newest first.
func (s *JobService) ListJobs(ctx context.Context, subject string) ([]*jobs.Job, error) {
	if err := s.limiter.Admit(subject, config.EndpointClassRead); err != nil {
		return nil, err
	}
	list, err := s.registry.List(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return list, nil
}

// CancelJob requests cancellation of the subject's job. Queued jobs go
// terminal immediately; running jobs get their context canceled and
// finish through their worker. Canceling a terminal job is a no-op, so
// the call is safe to retry.
func (s *JobService) CancelJob(ctx context.Context, subject, jobID string) error {
	if err := s.limiter.Admit(subject, config.EndpointClassRead); err != nil {
		return err
	}

	job, err := s.getOwned(ctx, subject, jobID)
	if err != nil {
		return err
	}

	transitioned, err := s.registry.Cancel(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if !transitioned {
		// Either already terminal, or running: the worker observes the
		// canceled context and writes the terminal event itself.
		return nil
	}

	// This call took the queued job terminal, so it owns the terminal
	// side effects: close the conversation and free the inflight slot.
	payload := conversation.CanceledPayload{Reason: conversation.CancelReasonRequested}
	if _, err := s.log.Append(ctx, job.ConversationID, conversation.KindCanceled, conversation.RoleSystem, payload); err != nil {
		slog.Warn("Failed to append canceled event",
			"job_id", jobID, "conversation_id", job.ConversationID, "error", err)
	}
	s.limiter.ReleaseSlot(subject)
	return nil
}

// getOwned fetches a job and hides it when it belongs to someone else.
func (s *JobService) getOwned(ctx context.Context, subject, jobID string) (*jobs.Job, error) {
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job.Subject != subject {
		// Report foreign jobs as absent rather than forbidden.
		return nil, ErrNotFound
	}
	return job, nil
}

func validateArticleSpec(spec *models.ArticleSpec) error {
	spec.Topic = strings.TrimSpace(spec.Topic)
	if spec.Topic == "" {
		return NewValidationError("topic", "topic is required")
	}
	if utf8.RuneCountInString(spec.Topic) > models.MaxTopicLen {
		return NewValidationError("topic", fmt.Sprintf("must be at most %d characters", models.MaxTopicLen))
	}
	if err := validateKeywords(spec.Keywords); err != nil {
		return err
	}
	return validateTone(&spec.Tone)
}

func validateBookSpec(spec *models.BookSpec) error {
	spec.Title = strings.TrimSpace(spec.Title)
	if spec.Title == "" {
		return NewValidationError("title", "title is required")
	}
	if utf8.RuneCountInString(spec.Title) > models.MaxTopicLen {
		return NewValidationError("title", fmt.Sprintf("must be at most %d characters", models.MaxTopicLen))
	}

	spec.ApplyDefaults()
	if spec.ChapterCount < 1 || spec.ChapterCount > models.MaxChapters {
		return NewValidationError("chapter_count", fmt.Sprintf("must be between 1 and %d", models.MaxChapters))
	}
	if spec.TopicsPerChapter < 1 || spec.TopicsPerChapter > models.MaxTopicsPerCh {
		return NewValidationError("topics_per_chapter", fmt.Sprintf("must be between 1 and %d", models.MaxTopicsPerCh))
	}

	if err := validateKeywords(spec.Keywords); err != nil {
		return err
	}
	return validateTone(&spec.Tone)
}

func validateKeywords(keywords []string) error {
	if len(keywords) > models.MaxKeywords {
		return NewValidationError("keywords", fmt.Sprintf("at most %d keywords are allowed", models.MaxKeywords))
	}
	for i, kw := range keywords {
		if kw == "" || utf8.RuneCountInString(kw) > models.MaxKeywordLen {
			return NewValidationError(fmt.Sprintf("keywords[%d]", i),
				fmt.Sprintf("must be between 1 and %d characters", models.MaxKeywordLen))
		}
	}
	return nil
}

// validateTone defaults an empty tone to informative and rejects
// anything outside the known set.
func validateTone(tone *models.Tone) error {
	if *tone == "" {
		*tone = models.ToneInformative
		return nil
	}
	if !tone.IsValid() {
		return NewValidationError("tone", fmt.Sprintf("unknown tone '%s'", *tone))
	}
	return nil
}
