package config

import "time"

// ServerConfig groups HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// AllowedWSOrigins lists origins permitted to open WebSocket
	// subscriptions. Empty means same-origin only (dev-mode relaxes this).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr: ":8080",
	}
}

// ResearchConfig holds the web-research capability settings.
// The search backend is an external collaborator reached over HTTP.
type ResearchConfig struct {
	// Enabled turns the research stage on. Jobs requesting research while
	// disabled proceed with empty research and a warning event.
	Enabled bool `yaml:"enabled"`

	// BaseURL is the search API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv is the environment variable holding the search API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// MaxResults caps findings per query.
	MaxResults int `yaml:"max_results"`

	// Timeout bounds one search call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultResearchConfig returns the built-in research defaults.
func DefaultResearchConfig() *ResearchConfig {
	return &ResearchConfig{
		Enabled:    false,
		APIKeyEnv:  "SERP_API_KEY",
		MaxResults: 5,
		Timeout:    10 * time.Second,
	}
}

// PublishConfig holds the outbound artifact notification settings.
// When enabled, finished artifacts are POSTed to the webhook, fail-open.
type PublishConfig struct {
	// Enabled turns webhook publishing on.
	Enabled bool `yaml:"enabled"`

	// WebhookURL receives the artifact payload on job success.
	WebhookURL string `yaml:"webhook_url,omitempty"`

	// AuthTokenEnv is the environment variable holding the bearer token.
	AuthTokenEnv string `yaml:"auth_token_env,omitempty"`

	// Timeout bounds one publish call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultPublishConfig returns the built-in publish defaults.
func DefaultPublishConfig() *PublishConfig {
	return &PublishConfig{
		Enabled: false,
		Timeout: 15 * time.Second,
	}
}
