package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
	"github.com/gr8monk3ys/blog-ai/pkg/pipeline"
)

// PipelineExecutor adapts claimed job rows onto the pipeline
// orchestrator: it decodes the stored spec, mirrors fan-out progress
// back to the job row, and runs the stage graph.
type PipelineExecutor struct {
	orchestrator *pipeline.Orchestrator
	registry     *jobs.Registry
}

// NewPipelineExecutor creates the production executor.
func NewPipelineExecutor(orchestrator *pipeline.Orchestrator, registry *jobs.Registry) *PipelineExecutor {
	return &PipelineExecutor{
		orchestrator: orchestrator,
		registry:     registry,
	}
}

// Execute runs one job through the pipeline. The conversation event
// stream is the authoritative narration; job row progress is a coarse
// best-effort mirror for list views.
func (e *PipelineExecutor) Execute(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
	run := pipeline.Job{
		ID:             job.ID,
		ConversationID: job.ConversationID,
		Kind:           job.Kind,
		OnProgress: func(stage string, completed, total int) {
			progress := models.JobProgress{Stage: stage, Completed: completed, Total: total}
			if err := e.registry.UpdateProgress(ctx, job.ID, progress); err != nil {
				slog.Warn("Job progress update failed", "job_id", job.ID, "error", err)
			}
		},
	}

	switch job.Kind {
	case models.KindArticle:
		spec, err := job.ArticleSpec()
		if err != nil {
			return nil, fmt.Errorf("decoding article spec for job %s: %w", job.ID, err)
		}
		run.Article = spec
	case models.KindBook:
		spec, err := job.BookSpec()
		if err != nil {
			return nil, fmt.Errorf("decoding book spec for job %s: %w", job.ID, err)
		}
		run.Book = spec
	default:
		return nil, fmt.Errorf("job %s has unknown kind %q", job.ID, job.Kind)
	}

	return e.orchestrator.Run(ctx, run)
}
