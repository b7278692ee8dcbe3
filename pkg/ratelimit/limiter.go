// Package ratelimit is the admission gate in front of the service: it
// enforces per-subject token buckets by endpoint class, a per-subject
// cap on jobs in flight, and the fail-fast credential check that stops
// generation requests before anything is queued.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

type bucketKey struct {
	subject string
	class   config.EndpointClass
}

// Limiter owns the (subject, class) bucket map and the in-flight job
// slots. Buckets carry their own mutex; the map lock is held only for
// lookup and eviction, never across a bucket operation.
type Limiter struct {
	cfg     *config.RateLimitConfig
	creds   *config.CredentialStore
	devMode bool

	mu      sync.RWMutex
	buckets map[bucketKey]*bucket

	inflightMu sync.Mutex
	inflight   map[string]int

	// now is the clock, swappable in tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Limiter. creds may be nil, which counts as no
// credential loaded.
func New(cfg *config.RateLimitConfig, creds *config.CredentialStore, devMode bool) *Limiter {
	return &Limiter{
		cfg:      cfg,
		creds:    creds,
		devMode:  devMode,
		buckets:  make(map[bucketKey]*bucket),
		inflight: make(map[string]int),
		now:      time.Now,
	}
}

// Admit charges one token from both tiers of the subject's bucket for
// the class. Generation requests additionally require a provider
// credential unless dev mode is on. Denials return a *RateLimitedError
// carrying the retry-after hint; tokens are never refunded.
func (l *Limiter) Admit(subject string, class config.EndpointClass) error {
	if class == config.EndpointClassGenerate && !l.devMode {
		if l.creds == nil || !l.creds.AnyLoaded() {
			return ErrNoCredentials
		}
	}

	ok, wait := l.bucketFor(subject, class).take(l.now())
	if ok {
		return nil
	}

	retryAfter := int(math.Ceil(wait.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &RateLimitedError{Subject: subject, Class: class, RetryAfterSeconds: retryAfter}
}

// TryAcquireSlot reserves one of the subject's in-flight job slots.
// The slot is held until ReleaseSlot, which the job's terminal
// transition owns.
func (l *Limiter) TryAcquireSlot(subject string) error {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()

	if l.inflight[subject] >= l.cfg.MaxInflightPerSubject {
		return ErrTooManyInflight
	}
	l.inflight[subject]++
	return nil
}

// ReleaseSlot returns a subject's in-flight slot. Releasing below zero
// is a no-op.
func (l *Limiter) ReleaseSlot(subject string) {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()

	n, ok := l.inflight[subject]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.inflight, subject)
		return
	}
	l.inflight[subject] = n - 1
}

// InflightCount reports the subject's reserved slots.
func (l *Limiter) InflightCount(subject string) int {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	return l.inflight[subject]
}

// bucketFor returns the subject's bucket for the class, creating it
// full on first touch.
func (l *Limiter) bucketFor(subject string, class config.EndpointClass) *bucket {
	key := bucketKey{subject: subject, class: class}

	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = newBucket(l.cfg.Limits(class), l.now())
	l.buckets[key] = b
	return b
}

// Start launches the janitor that evicts buckets idle past the TTL.
func (l *Limiter) Start(ctx context.Context) {
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go l.run(ctx)

	slog.Info("Rate limiter started",
		"classes", len(l.cfg.Classes),
		"idle_ttl", l.cfg.IdleTTL,
		"max_inflight_per_subject", l.cfg.MaxInflightPerSubject)
}

// Stop signals the janitor to exit and waits for it to finish.
func (l *Limiter) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	slog.Info("Rate limiter stopped")
}

func (l *Limiter) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.sweepIdle(); n > 0 {
				slog.Debug("Evicted idle rate-limit buckets", "count", n)
			}
		}
	}
}

// sweepIdle drops buckets untouched past the idle TTL. An evicted
// subject that returns simply starts with a full bucket again.
func (l *Limiter) sweepIdle() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if b.idleSince(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// bucketCount reports live buckets, for tests and introspection.
func (l *Limiter) bucketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
