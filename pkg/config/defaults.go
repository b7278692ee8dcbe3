package config

// DefaultConfig assembles the built-in defaults for every section.
// User YAML values are merged on top of this by the loader.
func DefaultConfig() *Config {
	return &Config{
		DevMode:   false,
		Providers: DefaultProvidersConfig(),
		Pipeline:  DefaultPipelineConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Queue:     DefaultQueueConfig(),
		Retention: DefaultRetentionConfig(),
		Server:    DefaultServerConfig(),
		Research:  DefaultResearchConfig(),
		Publish:   DefaultPublishConfig(),
	}
}
