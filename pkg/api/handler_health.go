package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/gr8monk3ys/blog-ai/pkg/database"
	"github.com/gr8monk3ys/blog-ai/pkg/queue"
	"github.com/gr8monk3ys/blog-ai/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the service's own components (database, worker pool) are
// checked. LLM backends are excluded so an upstream provider outage
// cannot make the orchestrator restart this pod.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.dbClient != nil {
		if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	var pool *queue.PoolHealth
	if s.workerPool != nil {
		pool = s.workerPool.Health()
		if pool != nil && !pool.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			msg := healthStatusUnhealthy
			if pool.DBError != "" {
				msg = pool.DBError
			}
			checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: msg}
		} else {
			checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	stats := ConfigurationStats{}
	if s.cfg != nil {
		cs := s.cfg.Stats()
		stats = ConfigurationStats{
			Backends:          cs.Backends,
			BackendsWithCreds: cs.BackendsWithCreds,
			EndpointClasses:   cs.EndpointClasses,
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:        status,
		Version:       version.GitCommit,
		Checks:        checks,
		Configuration: stats,
		WorkerPool:    pool,
	})
}
