package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the complete blogai.yaml file structure.
// Every section is optional; unset sections fall back to built-in defaults.
type YAMLConfig struct {
	DevMode   *bool            `yaml:"dev_mode"`
	Providers *ProvidersConfig `yaml:"providers"`
	Pipeline  *PipelineConfig  `yaml:"pipeline"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	Queue     *QueueConfig     `yaml:"queue"`
	Retention *RetentionConfig `yaml:"retention"`
	Server    *ServerConfig    `yaml:"server"`
	Research  *ResearchConfig  `yaml:"research"`
	Publish   *PublishConfig   `yaml:"publish"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load the YAML file (optional when configPath is empty)
//  3. Expand environment variables
//  4. Merge user values over defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(_ context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("Initializing configuration")

	cfg, err := load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"backends", stats.Backends,
		"backends_with_credentials", stats.BackendsWithCreds,
		"endpoint_classes", stats.EndpointClasses,
		"dev_mode", cfg.DevMode)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = configPath

	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(configPath, fmt.Errorf("%w: %s", ErrConfigNotFound, configPath))
		}
		return nil, NewLoadError(configPath, err)
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to produce a clearer error message.
	data = ExpandEnv(data)

	var userCfg YAMLConfig
	if err := yaml.Unmarshal(data, &userCfg); err != nil {
		return nil, NewLoadError(configPath, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := mergeUserConfig(cfg, &userCfg); err != nil {
		return nil, NewLoadError(configPath, err)
	}

	return cfg, nil
}

// mergeUserConfig merges user-provided sections over the defaults.
// Non-zero user values override; unset values keep the built-in defaults.
func mergeUserConfig(cfg *Config, user *YAMLConfig) error {
	if user.DevMode != nil {
		cfg.DevMode = *user.DevMode
	}

	sections := []struct {
		name string
		dst  any
		src  any
	}{
		{"providers", cfg.Providers, user.Providers},
		{"pipeline", cfg.Pipeline, user.Pipeline},
		{"rate_limit", cfg.RateLimit, user.RateLimit},
		{"queue", cfg.Queue, user.Queue},
		{"retention", cfg.Retention, user.Retention},
		{"server", cfg.Server, user.Server},
		{"research", cfg.Research, user.Research},
		{"publish", cfg.Publish, user.Publish},
	}
	for _, s := range sections {
		if s.src == nil || isNilPointer(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge %s config: %w", s.name, err)
		}
	}

	return nil
}

func isNilPointer(v any) bool {
	switch p := v.(type) {
	case *ProvidersConfig:
		return p == nil
	case *PipelineConfig:
		return p == nil
	case *RateLimitConfig:
		return p == nil
	case *QueueConfig:
		return p == nil
	case *RetentionConfig:
		return p == nil
	case *ServerConfig:
		return p == nil
	case *ResearchConfig:
		return p == nil
	case *PublishConfig:
		return p == nil
	default:
		return v == nil
	}
}
