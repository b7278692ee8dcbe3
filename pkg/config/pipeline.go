package config

import "time"

// PipelineConfig controls stage-graph execution: fan-out bounds, whole-job
// deadlines, and the cancellation grace period.
type PipelineConfig struct {
	// MaxParallelSections bounds concurrent subtopic generation within one job.
	// Also the inner bound for book topic bodies.
	MaxParallelSections int `yaml:"max_parallel_sections"`

	// MaxParallelChapters bounds concurrent chapter work for book jobs.
	// Total book topic-body concurrency ≤ MaxParallelChapters × MaxParallelSections.
	MaxParallelChapters int `yaml:"max_parallel_chapters"`

	// GlobalInflightCap bounds in-flight provider calls across ALL jobs in the
	// process. Fan-out items wait on a shared semaphore when it is reached.
	GlobalInflightCap int `yaml:"global_inflight_cap"`

	// ArticleDeadline is the whole-job deadline for article generation.
	ArticleDeadline time.Duration `yaml:"article_deadline"`

	// BookDeadline is the whole-job deadline for book generation.
	BookDeadline time.Duration `yaml:"book_deadline"`

	// CancelGrace is the window a canceled job has to emit its terminal
	// event and release resources.
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		MaxParallelSections: 4,
		MaxParallelChapters: 2,
		GlobalInflightCap:   64,
		ArticleDeadline:     180 * time.Second,
		BookDeadline:        900 * time.Second,
		CancelGrace:         2 * time.Second,
	}
}

// DeadlineForKind returns the whole-job deadline for an artifact kind string
// ("article" or "book"). Unknown kinds get the article deadline.
func (c *PipelineConfig) DeadlineForKind(kind string) time.Duration {
	if kind == "book" {
		return c.BookDeadline
	}
	return c.ArticleDeadline
}

// Validate checks pipeline configuration consistency.
func (c *PipelineConfig) Validate() error {
	if c.MaxParallelSections < 1 {
		return NewValidationError("pipeline", "max_parallel_sections", "", ErrInvalidValue)
	}
	if c.MaxParallelChapters < 1 {
		return NewValidationError("pipeline", "max_parallel_chapters", "", ErrInvalidValue)
	}
	if c.GlobalInflightCap < 1 {
		return NewValidationError("pipeline", "global_inflight_cap", "", ErrInvalidValue)
	}
	if c.ArticleDeadline <= 0 || c.BookDeadline <= 0 {
		return NewValidationError("pipeline", "deadlines", "", ErrInvalidValue)
	}
	if c.CancelGrace <= 0 {
		return NewValidationError("pipeline", "cancel_grace", "", ErrInvalidValue)
	}
	return nil
}
