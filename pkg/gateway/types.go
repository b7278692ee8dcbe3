// Package gateway routes text-generation requests to LLM provider
// backends with ordered failover, retry classification, and token
// accounting. Callers talk to the Gateway; backends wrap provider SDKs.
package gateway

import (
	"context"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

// Role identifies the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the prompt transcript sent to a backend.
type Message struct {
	Role    Role   `json:"role"`    // system, user, or assistant
	Content string `json:"content"` // message text
}

// Request is an ordered prompt transcript for one generation call.
type Request struct {
	Messages []Message
}

// Options tunes a single generation call. The zero value asks for plain
// text with the backend's configured default model.
type Options struct {
	Stage           string   // pipeline stage name, used for per-stage model overrides
	Temperature     float64  // sampling temperature, 0 means backend default
	MaxOutputTokens int      // output token cap, 0 means backend default
	ModelOverride   string   // explicit model, bypasses per-stage resolution
	IdempotencyKey  string   // forwarded to backends that honor idempotency headers
	JSONOutput      bool     // demand a JSON object response
	RequiredKeys    []string // top-level keys the JSON object must carry
}

// Result is a successful generation outcome.
type Result struct {
	Text            string                 // response text, code fences stripped for JSON output
	Backend         config.BackendFamily   // backend that produced the response
	Model           string                 // model the backend used
	TokensIn        int                    // prompt tokens
	TokensOut       int                    // completion tokens
	TokensEstimated bool                   // true when counts are byte-length estimates
	Attempts        int                    // total attempts across all backends
	FailedOverFrom  []config.BackendFamily // backends that failed before this one answered
}

// CompletionRequest is the normalized call a backend receives after the
// gateway has resolved model, temperature, and output mode.
type CompletionRequest struct {
	Model          string
	Messages       []Message
	Temperature    float64
	MaxTokens      int
	JSONMode       bool
	IdempotencyKey string
}

// CompletionResponse is a backend's raw answer. Usage may be absent for
// providers that do not report token counts.
type CompletionResponse struct {
	Text      string
	TokensIn  int
	TokensOut int
	HasUsage  bool
}

// Backend is a single provider integration. Implementations must be
// safe for concurrent use and must honor ctx cancellation.
type Backend interface {
	// Family reports which provider family this backend belongs to.
	Family() config.BackendFamily

	// Complete performs one generation call. Errors should be returned
	// raw; the gateway classifies them for retry decisions.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
