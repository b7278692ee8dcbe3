package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendFamilyIsValid(t *testing.T) {
	tests := []struct {
		name   string
		family BackendFamily
		valid  bool
	}{
		{"openai", BackendOpenAI, true},
		{"anthropic", BackendAnthropic, true},
		{"gemini", BackendGemini, true},
		{"invalid", BackendFamily("cohere"), false},
		{"empty", BackendFamily(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.family.IsValid())
		})
	}
}

func TestEndpointClassIsValid(t *testing.T) {
	tests := []struct {
		name  string
		class EndpointClass
		valid bool
	}{
		{"generate", EndpointClassGenerate, true},
		{"read", EndpointClassRead, true},
		{"stream", EndpointClassStream, true},
		{"invalid", EndpointClass("admin"), false},
		{"empty", EndpointClass(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.class.IsValid())
		})
	}
}
