package config

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ProviderConfig defines one LLM backend family's configuration.
type ProviderConfig struct {
	// Family identifies the backend (required)
	Family BackendFamily `yaml:"family"`

	// Model is the default model for this backend (required)
	Model string `yaml:"model"`

	// Environment variable name holding the API key
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Optional custom endpoint/base URL (OpenAI-compatible gateways)
	BaseURL string `yaml:"base_url,omitempty"`

	// StageModels maps a pipeline stage name to a model override.
	// Unlisted stages use Model.
	StageModels map[string]string `yaml:"stage_models,omitempty"`
}

// APIKey resolves the configured API key from the environment.
// Returns empty string when APIKeyEnv is unset or the variable is empty.
func (p *ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// ModelForStage returns the model to use for a stage, falling back to
// the backend default when no override is configured.
func (p *ProviderConfig) ModelForStage(stage string) string {
	if m, ok := p.StageModels[stage]; ok && m != "" {
		return m
	}
	return p.Model
}

// ProvidersConfig holds all backend configurations plus the failover ordering.
type ProvidersConfig struct {
	// Order is the failover preference ordering. Backends are tried in this
	// order within a single GenerateText call.
	Order []BackendFamily `yaml:"order"`

	// Families maps a backend family to its configuration.
	Families map[BackendFamily]*ProviderConfig `yaml:"families"`

	// MaxAttempts caps total attempts per call across backends.
	MaxAttempts int `yaml:"max_attempts"`

	// PerAttemptCap bounds the timeout of a single backend attempt.
	// The effective per-attempt timeout is the smaller of this cap and
	// an even share of the time left before the caller's deadline.
	PerAttemptCap time.Duration `yaml:"per_attempt_cap"`
}

// DefaultProvidersConfig returns the built-in provider defaults. API keys are
// resolved from the conventional environment variables; families without a key
// at startup are skipped by the gateway.
func DefaultProvidersConfig() *ProvidersConfig {
	return &ProvidersConfig{
		Order: []BackendFamily{BackendOpenAI, BackendAnthropic, BackendGemini},
		Families: map[BackendFamily]*ProviderConfig{
			BackendOpenAI: {
				Family:    BackendOpenAI,
				Model:     "gpt-4o",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			BackendAnthropic: {
				Family:    BackendAnthropic,
				Model:     "claude-3-5-sonnet-latest",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
			BackendGemini: {
				Family:    BackendGemini,
				Model:     "gemini-2.0-flash",
				APIKeyEnv: "GEMINI_API_KEY",
			},
		},
		MaxAttempts:   3,
		PerAttemptCap: 5 * time.Second,
	}
}

// Get retrieves a backend configuration by family.
func (c *ProvidersConfig) Get(family BackendFamily) (*ProviderConfig, error) {
	p, ok := c.Families[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, family)
	}
	return p, nil
}

// Configured reports the families in preference order that have an API key
// available. The gateway builds its failover chain from this.
func (c *ProvidersConfig) Configured() []BackendFamily {
	var out []BackendFamily
	for _, fam := range c.Order {
		p, ok := c.Families[fam]
		if !ok {
			continue
		}
		if p.APIKey() != "" {
			out = append(out, fam)
		}
	}
	return out
}

// Validate checks provider configuration consistency.
func (c *ProvidersConfig) Validate() error {
	if len(c.Order) == 0 {
		return NewValidationError("providers", "order", "", ErrMissingRequiredField)
	}
	seen := make(map[BackendFamily]bool, len(c.Order))
	for _, fam := range c.Order {
		if !fam.IsValid() {
			return NewValidationError("providers", string(fam), "order", ErrInvalidValue)
		}
		if seen[fam] {
			return NewValidationError("providers", string(fam), "order", fmt.Errorf("duplicate backend in order"))
		}
		seen[fam] = true
		if _, ok := c.Families[fam]; !ok {
			return NewValidationError("providers", string(fam), "families", ErrInvalidReference)
		}
	}
	for fam, p := range c.Families {
		if p.Family == "" {
			p.Family = fam
		}
		if p.Family != fam {
			return NewValidationError("providers", string(fam), "family", ErrInvalidValue)
		}
		if p.Model == "" {
			return NewValidationError("providers", string(fam), "model", ErrMissingRequiredField)
		}
	}
	if c.MaxAttempts < 1 {
		return NewValidationError("providers", "max_attempts", "", ErrInvalidValue)
	}
	if c.PerAttemptCap <= 0 {
		return NewValidationError("providers", "per_attempt_cap", "", ErrInvalidValue)
	}
	return nil
}

// CredentialStore answers "is any backend credential loaded?" for admission
// without exposing secrets outside the gateway. Thread-safe; populated once
// at startup.
type CredentialStore struct {
	mu       sync.RWMutex
	families map[BackendFamily]bool
}

// NewCredentialStore records which families had a resolvable API key.
func NewCredentialStore(cfg *ProvidersConfig) *CredentialStore {
	families := make(map[BackendFamily]bool)
	for _, fam := range cfg.Configured() {
		families[fam] = true
	}
	return &CredentialStore{families: families}
}

// AnyLoaded reports whether at least one backend credential is available.
func (s *CredentialStore) AnyLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.families) > 0
}

// Has reports whether the given family has a credential.
func (s *CredentialStore) Has(family BackendFamily) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.families[family]
}
