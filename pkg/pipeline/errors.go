package pipeline

import (
	"errors"

	"github.com/gr8monk3ys/blog-ai/pkg/composer"
	"github.com/gr8monk3ys/blog-ai/pkg/gateway"
)

// Terminal errors a run can end with. Callers branch with errors.Is to
// map the outcome onto a job status.
var (
	// ErrDegraded means too many fan-out items failed for the artifact
	// to meet the success floor.
	ErrDegraded = errors.New("artifact degraded below quality floor")

	// ErrTimeout means the whole-job deadline expired.
	ErrTimeout = errors.New("job deadline exceeded")

	// ErrCanceled means the job's cancellation was requested.
	ErrCanceled = errors.New("job canceled")
)

// errorKind names a terminal failure for the error event payload.
func errorKind(err error) string {
	var allFailed *gateway.AllBackendsFailedError
	var mismatch *gateway.SchemaMismatchError
	switch {
	case errors.Is(err, ErrDegraded):
		return "degraded"
	case errors.As(err, &allFailed):
		return "all_backends_failed"
	case errors.As(err, &mismatch):
		return "schema_mismatch"
	case errors.Is(err, composer.ErrParseFailure):
		return "parse_failure"
	case errors.Is(err, gateway.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, gateway.ErrAuth):
		return "auth"
	case errors.Is(err, gateway.ErrNoBackends):
		return "no_backends"
	default:
		return "internal"
	}
}
