package api

import (
	"github.com/gr8monk3ys/blog-ai/pkg/queue"
)

// JobResponse is returned by POST /api/v1/articles and /api/v1/books.
type JobResponse struct {
	JobID          string `json:"job_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// CancelResponse is returned by POST /api/v1/jobs/:id/cancel.
type CancelResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// HealthCheck reports one component inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Checks        map[string]HealthCheck `json:"checks"`
	Configuration ConfigurationStats     `json:"configuration"`
	WorkerPool    *queue.PoolHealth      `json:"worker_pool,omitempty"`
}

// ConfigurationStats contains counts of loaded configuration items.
type ConfigurationStats struct {
	Backends          int `json:"backends"`
	BackendsWithCreds int `json:"backends_with_credentials"`
	EndpointClasses   int `json:"endpoint_classes"`
}
