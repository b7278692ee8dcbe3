package conversation

import "github.com/gr8monk3ys/blog-ai/pkg/models"

// Typed payloads for each event kind. The orchestrator marshals these
// into Event.Payload; clients decode by Kind.

// UserIntentPayload records the request that opened the job.
type UserIntentPayload struct {
	Kind        models.ArtifactKind `json:"kind"`                   // "article" or "book"
	JobID       string              `json:"job_id"`                 // registry job id
	ArticleSpec *models.ArticleSpec `json:"article_spec,omitempty"` // set for articles
	BookSpec    *models.BookSpec    `json:"book_spec,omitempty"`    // set for books
}

// StageStartedPayload announces a pipeline stage.
type StageStartedPayload struct {
	Stage     string `json:"stage"`
	ItemCount *int   `json:"item_count,omitempty"` // fan-out width, nil for single-call stages
}

// StageProgressPayload reports one completed fan-out item.
type StageProgressPayload struct {
	Stage     string `json:"stage"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// StageCompletedPayload closes a stage with its item tallies.
type StageCompletedPayload struct {
	Stage     string `json:"stage"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// ProviderCallPayload accounts for one gateway call.
type ProviderCallPayload struct {
	Stage       string `json:"stage"`
	Backend     string `json:"backend"`               // provider family that answered
	Model       string `json:"model"`                 // model used
	TokensIn    int    `json:"tokens_in"`             // prompt tokens
	TokensOut   int    `json:"tokens_out"`            // completion tokens
	Approximate bool   `json:"approximate,omitempty"` // true when counts are estimated
	Attempts    int    `json:"attempts"`              // attempts across backends
	DurationMS  int64  `json:"duration_ms"`           // wall time of the call
}

// WarningPayload records a non-fatal degradation.
type WarningPayload struct {
	Stage   string `json:"stage"`
	Item    string `json:"item,omitempty"` // failing subtopic/topic, when item-scoped
	Message string `json:"message"`
}

// FinalArtifactPayload carries the finished artifact.
type FinalArtifactPayload struct {
	Kind    models.ArtifactKind `json:"kind"`
	Article *models.Article     `json:"article,omitempty"`
	Book    *models.Book        `json:"book,omitempty"`
}

// ErrorPayload records a terminal failure.
type ErrorPayload struct {
	Kind    string `json:"kind"` // error taxonomy name, e.g. "degraded", "all_backends_failed"
	Message string `json:"message"`
}

const (
	// CancelReasonRequested marks an explicit cancel call.
	CancelReasonRequested = "canceled"
	// CancelReasonTimeout marks a whole-job deadline expiry.
	CancelReasonTimeout = "timeout"
)

// CanceledPayload records a terminal cancellation and why.
type CanceledPayload struct {
	Reason string `json:"reason"` // CancelReasonRequested or CancelReasonTimeout
}
