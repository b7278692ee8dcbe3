package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

// bucket is one two-tier token bucket for a (subject, class) pair.
// The burst tier absorbs short spikes, the sustained tier caps the
// per-minute rate; an admission must find a whole token in both.
// Tokens are float64 so fractional refill accumulates between calls.
type bucket struct {
	mu sync.Mutex

	limits config.BucketLimits

	burst      float64
	sustained  float64
	lastRefill time.Time
	lastTouch  time.Time
}

func newBucket(limits *config.BucketLimits, now time.Time) *bucket {
	return &bucket{
		limits:     *limits,
		burst:      float64(limits.Burst),
		sustained:  float64(limits.Sustained),
		lastRefill: now,
		lastTouch:  now,
	}
}

// take refills both tiers to now, then removes one token from each if
// both hold at least one. On denial it reports the wait until both
// tiers would hold a token; nothing is consumed.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.lastTouch = now

	if b.burst >= 1 && b.sustained >= 1 {
		b.burst--
		b.sustained--
		return true, 0
	}
	return false, b.waitForBoth()
}

// refill advances both tiers by the elapsed wall time, capped at the
// configured capacities. Must hold b.mu.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.burst = math.Min(b.burst+elapsed*b.limits.BurstRefillPerSec, float64(b.limits.Burst))
	b.sustained = math.Min(b.sustained+elapsed*b.limits.SustainedRefillPerMin/60, float64(b.limits.Sustained))
	b.lastRefill = now
}

// waitForBoth returns how long until both tiers reach one token, which
// is the slower of the two deficits. Must hold b.mu.
func (b *bucket) waitForBoth() time.Duration {
	var wait float64
	if b.burst < 1 {
		wait = (1 - b.burst) / b.limits.BurstRefillPerSec
	}
	if b.sustained < 1 {
		if w := (1 - b.sustained) / (b.limits.SustainedRefillPerMin / 60); w > wait {
			wait = w
		}
	}
	return time.Duration(wait * float64(time.Second))
}

// idleSince reports whether the bucket has gone untouched past the cutoff.
func (b *bucket) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTouch.Before(cutoff)
}
