package ratelimit

import (
	"errors"
	"fmt"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

// ErrRateLimited marks an admission denied by the token buckets.
var ErrRateLimited = errors.New("rate limited")

// ErrTooManyInflight marks an admission denied by the per-subject
// running-job cap.
var ErrTooManyInflight = errors.New("too many jobs in flight")

// ErrNoCredentials marks a generation request arriving with no
// provider credential loaded while dev mode is off.
var ErrNoCredentials = errors.New("no provider credentials configured")

// RateLimitedError reports a bucket denial with how long the caller
// should wait before both tiers hold a token again.
type RateLimitedError struct {
	Subject           string
	Class             config.EndpointClass
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s/%s, retry after %ds", e.Subject, e.Class, e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
