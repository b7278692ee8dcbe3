package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	oai "github.com/openai/openai-go"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

// Sentinel errors surfaced by the gateway. Callers branch with errors.Is.
var (
	// ErrNoBackends means no provider family has a usable credential.
	ErrNoBackends = errors.New("no configured backends")

	// ErrBadRequest marks a provider rejection caused by the request
	// itself. Retrying the same payload cannot succeed.
	ErrBadRequest = errors.New("provider rejected request")

	// ErrAuth marks a credential rejection (401/403).
	ErrAuth = errors.New("provider authentication failed")
)

// AllBackendsFailedError reports that every eligible backend was tried
// and the attempt budget is spent. PerBackend holds the last error seen
// from each backend that was reached.
type AllBackendsFailedError struct {
	Attempts   int
	PerBackend map[config.BackendFamily]error
}

func (e *AllBackendsFailedError) Error() string {
	families := make([]string, 0, len(e.PerBackend))
	for family := range e.PerBackend {
		families = append(families, string(family))
	}
	sort.Strings(families)
	var sb strings.Builder
	fmt.Fprintf(&sb, "all backends failed after %d attempts", e.Attempts)
	for _, family := range families {
		fmt.Fprintf(&sb, "; %s: %v", family, e.PerBackend[config.BackendFamily(family)])
	}
	return sb.String()
}

// Unwrap exposes the per-backend errors so errors.Is can see through to
// a classified cause (e.g. ErrAuth when every backend rejected the key).
func (e *AllBackendsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.PerBackend))
	for _, err := range e.PerBackend {
		errs = append(errs, err)
	}
	return errs
}

// SchemaMismatchError reports that a backend answered but the response
// never satisfied the requested JSON shape within the attempt budget.
// Raw carries the final response text for diagnosis.
type SchemaMismatchError struct {
	Backend config.BackendFamily
	Reason  string
	Raw     string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("response from %s does not match requested shape: %s", e.Backend, e.Reason)
}

// errorClass is the retry decision for a failed backend call.
type errorClass int

const (
	classRetriable errorClass = iota // transient, try again elsewhere
	classFatal                       // request or credential problem, stop
)

// classifyError decides whether a backend failure is worth retrying on
// another backend. Unknown errors default to retriable so an outage in
// one provider never strands a request that a sibling could serve.
func classifyError(err error) errorClass {
	if err == nil {
		return classFatal
	}

	// Context errors belong to the caller, not the provider.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classRetriable
	}

	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrAuth) {
		return classFatal
	}

	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return classRetriable
	}

	if status, ok := statusFromText(err.Error()); ok {
		return classifyStatus(status)
	}

	if isConnectionError(err) {
		return classRetriable
	}

	return classRetriable
}

// normalizeError wraps fatal provider errors in the matching sentinel
// so callers can branch without knowing SDK error types.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrAuth) {
		return err
	}

	status := 0
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	} else if s, ok := statusFromText(err.Error()); ok {
		status = s
	}

	switch status {
	case 400, 404, 413, 422:
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	case 401, 403:
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return err
}

// classifyStatus maps an HTTP status to a retry decision: 429 and 5xx
// are transient, 400/401/403/404/413/422 are not.
func classifyStatus(status int) errorClass {
	switch {
	case status == 429:
		return classRetriable
	case status >= 500:
		return classRetriable
	case status == 408:
		return classRetriable
	case status >= 400:
		return classFatal
	default:
		return classRetriable
	}
}

// statusFromText fishes an HTTP status code out of an error string.
// Provider SDKs that wrap HTTP errors as plain text (any-llm does for
// some transports) keep the status in a "status 429" or "429:" shape.
func statusFromText(msg string) (int, bool) {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"status code ", "status ", "http "} {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		rest := lower[idx+len(marker):]
		if len(rest) < 3 {
			continue
		}
		var status int
		if _, err := fmt.Sscanf(rest, "%3d", &status); err == nil && status >= 100 && status < 600 {
			return status, true
		}
	}
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return 429, true
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "service unavailable"):
		return 503, true
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "invalid x-api-key"), strings.Contains(lower, "api key not valid"):
		return 401, true
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "forbidden"):
		return 403, true
	}
	return 0, false
}

// isConnectionError detects dial and transport failures from their
// error text, covering errors that do not implement net.Error.
func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"no such host",
		"eof",
		"tls handshake",
		"timeout",
	}
	for _, connErr := range connectionErrors {
		if strings.Contains(msg, connErr) {
			return true
		}
	}
	return false
}
