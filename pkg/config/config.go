package config

// Config is the umbrella configuration object for the whole process.
// This is the primary object returned by Initialize() and used throughout
// the application.
type Config struct {
	configPath string // Configuration file path (for reference)

	// DevMode relaxes admission: requests without a loaded provider
	// credential are admitted, and WS origin checks are skipped.
	DevMode bool

	// Providers holds backend credentials, models, and failover ordering.
	Providers *ProvidersConfig

	// Pipeline holds fan-out bounds, deadlines, and the cancel grace period.
	Pipeline *PipelineConfig

	// RateLimit holds admission-control bucket limits.
	RateLimit *RateLimitConfig

	// Queue holds worker pool configuration.
	Queue *QueueConfig

	// Retention holds conversation/job retention windows.
	Retention *RetentionConfig

	// Server holds HTTP server settings.
	Server *ServerConfig

	// Research holds the web-research capability settings.
	Research *ResearchConfig

	// Publish holds the artifact webhook settings.
	Publish *PublishConfig
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Backends          int
	BackendsWithCreds int
	EndpointClasses   int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Providers != nil {
		s.Backends = len(c.Providers.Families)
		s.BackendsWithCreds = len(c.Providers.Configured())
	}
	if c.RateLimit != nil {
		s.EndpointClasses = len(c.RateLimit.Classes)
	}
	return s
}

// ConfigPath returns the configuration file path
func (c *Config) ConfigPath() string {
	return c.configPath
}

// GetProvider retrieves a backend configuration by family.
// This is a convenience method that wraps Providers.Get().
func (c *Config) GetProvider(family BackendFamily) (*ProviderConfig, error) {
	return c.Providers.Get(family)
}

// Validate performs validation across all configuration sections.
func (c *Config) Validate() error {
	if err := c.Providers.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := c.Retention.Validate(); err != nil {
		return err
	}
	return nil
}
