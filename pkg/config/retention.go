package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// ConversationTTL is how long conversation events remain replayable.
	// Subscribers may resubscribe from any sequence still inside the window.
	ConversationTTL time.Duration `yaml:"conversation_ttl"`

	// IdleConversationTTL is how long a conversation with no appends and no
	// subscribers survives before GC. Expire() shortens this to zero.
	IdleConversationTTL time.Duration `yaml:"idle_conversation_ttl"`

	// JobRetentionDays is how many days terminal jobs are kept for inspection.
	JobRetentionDays int `yaml:"job_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ConversationTTL:     24 * time.Hour,
		IdleConversationTTL: 24 * time.Hour,
		JobRetentionDays:    30,
		CleanupInterval:     1 * time.Hour,
	}
}

// Validate checks retention configuration consistency.
func (c *RetentionConfig) Validate() error {
	if c.ConversationTTL <= 0 || c.IdleConversationTTL <= 0 {
		return NewValidationError("retention", "conversation_ttl", "", ErrInvalidValue)
	}
	if c.JobRetentionDays < 1 {
		return NewValidationError("retention", "job_retention_days", "", ErrInvalidValue)
	}
	if c.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", "", ErrInvalidValue)
	}
	return nil
}
