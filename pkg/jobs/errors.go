package jobs

import "errors"

// Sentinel errors for registry and store operations.
var (
	// ErrNotFound indicates the job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrNoJobsAvailable indicates no queued jobs were claimable.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrInvalidTransition indicates a lifecycle transition from the
	// wrong state, e.g. starting a job that is not queued.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
