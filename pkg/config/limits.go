package config

import "time"

// BucketLimits defines one two-tier token bucket: a burst tier absorbing
// short spikes and a sustained tier capping the per-minute rate.
type BucketLimits struct {
	// Burst is the burst-tier capacity.
	Burst int `yaml:"burst"`

	// BurstRefillPerSec is the burst-tier refill rate in tokens per second.
	BurstRefillPerSec float64 `yaml:"burst_refill_per_sec"`

	// Sustained is the sustained-tier capacity.
	Sustained int `yaml:"sustained"`

	// SustainedRefillPerMin is the sustained-tier refill rate in tokens per minute.
	SustainedRefillPerMin float64 `yaml:"sustained_refill_per_min"`
}

// RateLimitConfig holds admission-control limits per endpoint class plus
// bucket-map housekeeping knobs.
type RateLimitConfig struct {
	// Classes maps an endpoint class to its bucket limits.
	Classes map[EndpointClass]*BucketLimits `yaml:"classes"`

	// IdleTTL is how long an untouched (subject, class) bucket survives
	// before the janitor evicts it.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// JanitorInterval is how often idle buckets are swept.
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	// MaxInflightPerSubject caps concurrently running jobs per subject.
	MaxInflightPerSubject int `yaml:"max_inflight_per_subject"`
}

// DefaultRateLimitConfig returns the built-in admission defaults.
// All endpoint classes share the same bucket shape by default.
func DefaultRateLimitConfig() *RateLimitConfig {
	defaultBucket := func() *BucketLimits {
		return &BucketLimits{
			Burst:                 10,
			BurstRefillPerSec:     1,
			Sustained:             60,
			SustainedRefillPerMin: 60,
		}
	}
	return &RateLimitConfig{
		Classes: map[EndpointClass]*BucketLimits{
			EndpointClassGenerate: defaultBucket(),
			EndpointClassRead:     defaultBucket(),
			EndpointClassStream:   defaultBucket(),
		},
		IdleTTL:               10 * time.Minute,
		JanitorInterval:       time.Minute,
		MaxInflightPerSubject: 3,
	}
}

// Limits returns the bucket limits for a class, falling back to the
// generate-class limits for unknown classes.
func (c *RateLimitConfig) Limits(class EndpointClass) *BucketLimits {
	if l, ok := c.Classes[class]; ok {
		return l
	}
	return c.Classes[EndpointClassGenerate]
}

// Validate checks rate-limit configuration consistency.
func (c *RateLimitConfig) Validate() error {
	if len(c.Classes) == 0 {
		return NewValidationError("rate_limit", "classes", "", ErrMissingRequiredField)
	}
	for class, l := range c.Classes {
		if !class.IsValid() {
			return NewValidationError("rate_limit", string(class), "classes", ErrInvalidValue)
		}
		if l.Burst < 1 || l.Sustained < 1 {
			return NewValidationError("rate_limit", string(class), "capacity", ErrInvalidValue)
		}
		if l.BurstRefillPerSec <= 0 || l.SustainedRefillPerMin <= 0 {
			return NewValidationError("rate_limit", string(class), "refill", ErrInvalidValue)
		}
	}
	if c.MaxInflightPerSubject < 1 {
		return NewValidationError("rate_limit", "max_inflight_per_subject", "", ErrInvalidValue)
	}
	if c.IdleTTL <= 0 || c.JanitorInterval <= 0 {
		return NewValidationError("rate_limit", "ttl", "", ErrInvalidValue)
	}
	return nil
}
