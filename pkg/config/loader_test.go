package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blogai.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitialize_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Initialize(context.Background(), "")
	require.NoError(t, err)

	assert.False(t, cfg.DevMode)
	assert.Equal(t, 4, cfg.Pipeline.MaxParallelSections)
	assert.Equal(t, 2, cfg.Pipeline.MaxParallelChapters)
	assert.Equal(t, 64, cfg.Pipeline.GlobalInflightCap)
	assert.Equal(t, 180*time.Second, cfg.Pipeline.ArticleDeadline)
	assert.Equal(t, 900*time.Second, cfg.Pipeline.BookDeadline)
	assert.Equal(t, 10, cfg.RateLimit.Limits(EndpointClassGenerate).Burst)
	assert.Equal(t, 24*time.Hour, cfg.Retention.ConversationTTL)
	assert.Equal(t, 3, cfg.Providers.MaxAttempts)
}

func TestInitialize_MissingExplicitFile(t *testing.T) {
	_, err := Initialize(context.Background(), "/nonexistent/blogai.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitialize_UserOverridesMergedOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
dev_mode: true
pipeline:
  max_parallel_sections: 8
  article_deadline: 4m
providers:
  order: [anthropic, openai]
rate_limit:
  max_inflight_per_subject: 5
`)

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)

	assert.True(t, cfg.DevMode)
	assert.Equal(t, 8, cfg.Pipeline.MaxParallelSections)
	assert.Equal(t, 4*time.Minute, cfg.Pipeline.ArticleDeadline)
	// Unset values keep their defaults.
	assert.Equal(t, 2, cfg.Pipeline.MaxParallelChapters)
	assert.Equal(t, 900*time.Second, cfg.Pipeline.BookDeadline)
	assert.Equal(t, 5, cfg.RateLimit.MaxInflightPerSubject)
	assert.Equal(t, 10, cfg.RateLimit.Limits(EndpointClassGenerate).Burst)
	assert.Equal(t, []BackendFamily{BackendAnthropic, BackendOpenAI}, cfg.Providers.Order)
}

func TestInitialize_EnvExpansionInConfig(t *testing.T) {
	t.Setenv("TEST_BLOGAI_MODEL", "gpt-4o-mini")
	path := writeConfigFile(t, `
providers:
  families:
    openai:
      model: "{{.TEST_BLOGAI_MODEL}}"
`)

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)

	p, err := cfg.GetProvider(BackendOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", p.Model)
}

func TestInitialize_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "pipeline: [not: a: mapping")
	_, err := Initialize(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitialize_ValidationRejectsBadValues(t *testing.T) {
	path := writeConfigFile(t, `
pipeline:
  max_parallel_sections: -1
`)
	_, err := Initialize(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestProviderConfig_ModelForStage(t *testing.T) {
	p := &ProviderConfig{
		Model: "gpt-4o",
		StageModels: map[string]string{
			"outline": "gpt-4o-mini",
		},
	}

	assert.Equal(t, "gpt-4o-mini", p.ModelForStage("outline"))
	assert.Equal(t, "gpt-4o", p.ModelForStage("section-body"))
	assert.Equal(t, "gpt-4o", p.ModelForStage(""))
}

func TestProvidersConfig_Configured(t *testing.T) {
	t.Setenv("TEST_KEY_A", "sk-something")
	t.Setenv("TEST_KEY_B", "")

	cfg := &ProvidersConfig{
		Order: []BackendFamily{BackendAnthropic, BackendOpenAI, BackendGemini},
		Families: map[BackendFamily]*ProviderConfig{
			BackendOpenAI:    {Family: BackendOpenAI, Model: "gpt-4o", APIKeyEnv: "TEST_KEY_A"},
			BackendAnthropic: {Family: BackendAnthropic, Model: "claude-3-5-sonnet-latest", APIKeyEnv: "TEST_KEY_B"},
			BackendGemini:    {Family: BackendGemini, Model: "gemini-2.0-flash"},
		},
		MaxAttempts: 3,
	}

	// Only openai has a resolvable key; order is preserved.
	assert.Equal(t, []BackendFamily{BackendOpenAI}, cfg.Configured())

	store := NewCredentialStore(cfg)
	assert.True(t, store.AnyLoaded())
	assert.True(t, store.Has(BackendOpenAI))
	assert.False(t, store.Has(BackendAnthropic))
}

func TestProvidersConfig_ValidateRejectsDuplicatesAndGaps(t *testing.T) {
	dup := DefaultProvidersConfig()
	dup.Order = []BackendFamily{BackendOpenAI, BackendOpenAI}
	require.Error(t, dup.Validate())

	missing := DefaultProvidersConfig()
	missing.Order = []BackendFamily{BackendOpenAI}
	delete(missing.Families, BackendOpenAI)
	require.Error(t, missing.Validate())

	ok := DefaultProvidersConfig()
	require.NoError(t, ok.Validate())
}
