package config

import "time"

// QueueConfig contains job queue and worker pool configuration.
// These values control how queued jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and processes jobs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentJobs is the global limit of jobs running across ALL
	// replicas/pods. Enforced by a database COUNT(*) check at claim time.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// PollInterval is the base interval for checking queued jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// GracefulShutdownTimeout is the max time to wait for active jobs to
	// finish during shutdown. Should cover the longest job deadline.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// OrphanDetectionInterval is how often to scan for orphaned jobs
	// (rows left running by a crashed replica).
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a running job can go without a heartbeat
	// before it is considered orphaned.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// HeartbeatInterval is how often a worker refreshes its running job's
	// heartbeat. Must be shorter than OrphanThreshold.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             4,
		MaxConcurrentJobs:       8,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		GracefulShutdownTimeout: 15 * time.Minute,
		OrphanDetectionInterval: 2 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
	}
}

// Validate checks queue configuration consistency.
func (c *QueueConfig) Validate() error {
	if c.WorkerCount < 1 {
		return NewValidationError("queue", "worker_count", "", ErrInvalidValue)
	}
	if c.MaxConcurrentJobs < 1 {
		return NewValidationError("queue", "max_concurrent_jobs", "", ErrInvalidValue)
	}
	if c.PollInterval <= 0 {
		return NewValidationError("queue", "poll_interval", "", ErrInvalidValue)
	}
	if c.PollIntervalJitter < 0 || c.PollIntervalJitter >= c.PollInterval {
		return NewValidationError("queue", "poll_interval_jitter", "", ErrInvalidValue)
	}
	if c.HeartbeatInterval <= 0 {
		return NewValidationError("queue", "heartbeat_interval", "", ErrInvalidValue)
	}
	if c.OrphanThreshold > 0 && c.HeartbeatInterval >= c.OrphanThreshold {
		return NewValidationError("queue", "heartbeat_interval", "", ErrInvalidValue)
	}
	return nil
}
