// Package conversation is the append-only log at the heart of the
// service: every job narrates its progress here as an ordered event
// stream that clients can snapshot or follow live.
//
// Ordering contract: sequence numbers are strictly monotonic and
// gap-free per conversation, assigned under a per-conversation mutex
// (single-writer discipline). Events are written through to Postgres
// so they survive restarts for the retention window; the in-memory
// tail serves live fan-out and fast replay.
package conversation

import "encoding/json"

// Kind names the event types a conversation can carry.
type Kind string

const (
	KindUserIntent     Kind = "user_intent"     // the request that opened the job
	KindStageStarted   Kind = "stage_started"   // a pipeline stage began
	KindStageProgress  Kind = "stage_progress"  // one fan-out item finished
	KindStageCompleted Kind = "stage_completed" // a pipeline stage ended
	KindProviderCall   Kind = "provider_call"   // one gateway call with token usage
	KindWarning        Kind = "warning"         // a non-fatal degradation
	KindFinalArtifact  Kind = "final_artifact"  // the finished article or book
	KindError          Kind = "error"           // terminal failure
	KindCanceled       Kind = "canceled"        // terminal cancellation (explicit or timeout)
)

// Role tags who authored an event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Event is one entry in a conversation. Payload holds the kind's typed
// payload (see payloads.go) as raw JSON.
type Event struct {
	Sequence  int64           `json:"sequence"`
	Kind      Kind            `json:"kind"`
	Role      Role            `json:"role"`
	Timestamp string          `json:"timestamp"` // RFC3339Nano UTC
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Channel returns the NOTIFY channel name for a conversation.
// Format: "conversation:{id}"
func Channel(conversationID string) string {
	return "conversation:" + conversationID
}
