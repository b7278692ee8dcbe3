package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

// Gateway fans a generation request across configured backends in
// preference order. Within one call each backend is tried at most once;
// retriable failures advance to the next backend after an exponential
// backoff, preserving the caller's deadline throughout.
type Gateway struct {
	cfg      *config.ProvidersConfig
	backends map[config.BackendFamily]Backend
	redactor *Redactor

	// sleep waits between attempts; tests replace it to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Gateway with SDK backends for every family in the
// configured preference order that has a credential loaded. Families
// without a credential are skipped with a warning rather than failing
// startup, so a single missing key never takes the service down.
func New(cfg *config.ProvidersConfig) (*Gateway, error) {
	backends := make(map[config.BackendFamily]Backend)
	secrets := make([]string, 0, len(cfg.Families))

	for _, family := range cfg.Configured() {
		pcfg, err := cfg.Get(family)
		if err != nil {
			return nil, err
		}
		var backend Backend
		switch family {
		case config.BackendOpenAI:
			backend, err = NewOpenAIBackend(pcfg)
		default:
			backend, err = NewAnyLLMBackend(pcfg)
		}
		if err != nil {
			slog.Warn("Skipping LLM backend", "family", family, "error", err)
			continue
		}
		backends[family] = backend
		secrets = append(secrets, pcfg.APIKey())
	}

	return &Gateway{
		cfg:      cfg,
		backends: backends,
		redactor: NewRedactor(secrets),
		sleep:    sleepCtx,
	}, nil
}

// NewWithBackends wires explicit backends, bypassing SDK construction.
// Used by tests and by callers that bring their own integrations.
func NewWithBackends(cfg *config.ProvidersConfig, backends map[config.BackendFamily]Backend) *Gateway {
	return &Gateway{
		cfg:      cfg,
		backends: backends,
		redactor: NewRedactor(nil),
		sleep:    sleepCtx,
	}
}

// Redactor exposes the credential scrubber so callers can sanitize
// provider errors before logging or persisting them.
func (g *Gateway) Redactor() *Redactor {
	return g.redactor
}

// Chain reports the failover ordering this gateway will use.
func (g *Gateway) Chain() []config.BackendFamily {
	chain := make([]config.BackendFamily, 0, len(g.backends))
	for _, family := range g.cfg.Order {
		if _, ok := g.backends[family]; ok {
			chain = append(chain, family)
		}
	}
	return chain
}

// GenerateText runs one generation call with ordered failover.
//
// Classification: transient failures (timeouts, connection errors, 429,
// 5xx) move on to the next backend; request and credential failures
// surface immediately as ErrBadRequest or ErrAuth. When the attempt
// budget is exhausted the caller gets ErrAllBackendsFailed with the
// last error per backend, or ErrSchemaMismatch when the final attempt
// answered but failed JSON validation.
func (g *Gateway) GenerateText(ctx context.Context, req Request, opts Options) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: request has no messages", ErrBadRequest)
	}
	if opts.Temperature < 0 || opts.Temperature > 2 {
		return nil, fmt.Errorf("%w: temperature %.2f outside [0,2]", ErrBadRequest, opts.Temperature)
	}

	chain := g.Chain()
	if len(chain) == 0 {
		return nil, ErrNoBackends
	}

	maxAttempts := g.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	// One attempt per backend per call.
	if maxAttempts > len(chain) {
		maxAttempts = len(chain)
	}

	bo := newRetryBackoff()
	perBackend := make(map[config.BackendFamily]error)
	var failedOver []config.BackendFamily
	var lastErr error

	attempts := 0
	for _, family := range chain {
		if attempts >= maxAttempts {
			break
		}
		if attempts > 0 {
			if err := g.sleep(ctx, bo.NextBackOff()); err != nil {
				return nil, err
			}
		}
		// Never dispatch past the caller's deadline.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		backend := g.backends[family]
		pcfg := g.cfg.Families[family]
		model := opts.ModelOverride
		if model == "" {
			model = pcfg.ModelForStage(opts.Stage)
		}

		attempts++
		attemptCtx, cancel := g.attemptContext(ctx, maxAttempts-attempts+1)
		start := time.Now()
		resp, err := backend.Complete(attemptCtx, CompletionRequest{
			Model:          model,
			Messages:       req.Messages,
			Temperature:    opts.Temperature,
			MaxTokens:      opts.MaxOutputTokens,
			JSONMode:       opts.JSONOutput,
			IdempotencyKey: opts.IdempotencyKey,
		})
		cancel()

		if err != nil {
			err = normalizeError(err)
			perBackend[family] = err
			lastErr = err
			if classifyError(err) == classFatal {
				return nil, err
			}
			// The caller's context trumps attempt-level timeouts.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.Warn("LLM backend attempt failed",
				"backend", family,
				"model", model,
				"attempt", attempts,
				"duration", time.Since(start).Round(time.Millisecond),
				"error", g.redactor.RedactError(err))
			failedOver = append(failedOver, family)
			continue
		}

		text := resp.Text
		if opts.JSONOutput {
			cleaned, verr := validateJSONShape(text, opts.RequiredKeys)
			if verr != nil {
				mismatch := &SchemaMismatchError{Backend: family, Reason: verr.Error(), Raw: text}
				perBackend[family] = mismatch
				lastErr = mismatch
				slog.Warn("LLM response failed shape validation",
					"backend", family, "model", model, "attempt", attempts, "reason", verr.Error())
				failedOver = append(failedOver, family)
				continue
			}
			text = cleaned
		}

		result := &Result{
			Text:           text,
			Backend:        family,
			Model:          model,
			Attempts:       attempts,
			FailedOverFrom: failedOver,
		}
		if resp.HasUsage {
			result.TokensIn = resp.TokensIn
			result.TokensOut = resp.TokensOut
		} else {
			result.TokensIn = estimateTokens(promptBytes(req.Messages))
			result.TokensOut = estimateTokens(len(text))
			result.TokensEstimated = true
		}
		return result, nil
	}

	var mismatch *SchemaMismatchError
	if errors.As(lastErr, &mismatch) {
		return nil, mismatch
	}
	return nil, &AllBackendsFailedError{Attempts: attempts, PerBackend: perBackend}
}

// attemptContext derives the per-attempt timeout: the smaller of the
// configured cap and an even share of the time left before the
// caller's deadline, split across the attempts that remain.
func (g *Gateway) attemptContext(ctx context.Context, remainingAttempts int) (context.Context, context.CancelFunc) {
	timeout := g.cfg.PerAttemptCap
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		share := time.Until(deadline) / time.Duration(remainingAttempts)
		if share < timeout {
			timeout = share
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return context.WithTimeout(ctx, timeout)
}

// newRetryBackoff builds the inter-attempt wait schedule: 200ms base,
// doubling, capped at 5s, with ±20% jitter.
func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // the caller's deadline bounds the loop
	bo.Reset()
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// validateJSONShape strips markdown code fences, checks the text is a
// JSON object, and verifies the required top-level keys are present.
// It returns the cleaned JSON text.
func validateJSONShape(text string, requiredKeys []string) (string, error) {
	cleaned := stripFences(text)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return "", fmt.Errorf("not a JSON object: %w", err)
	}
	for _, key := range requiredKeys {
		if _, ok := obj[key]; !ok {
			return "", fmt.Errorf("missing required key %q", key)
		}
	}
	return cleaned, nil
}

// stripFences removes a surrounding markdown code fence, with or
// without a language tag. Models add these even when told not to.
func stripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if idx := strings.IndexByte(out, '\n'); idx >= 0 {
		first := strings.TrimSpace(out[:idx])
		// Drop a language tag like "json" on the fence line.
		if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
			out = out[idx+1:]
		}
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

func promptBytes(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}

// estimateTokens approximates a token count from byte length. Roughly
// four bytes per token holds for English prose across these models.
func estimateTokens(n int) int {
	return (n + 3) / 4
}
