// Package api is the HTTP surface: echo routes that transform requests
// into service calls and map service errors onto statuses.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/database"
	"github.com/gr8monk3ys/blog-ai/pkg/events"
	"github.com/gr8monk3ys/blog-ai/pkg/queue"
	"github.com/gr8monk3ys/blog-ai/pkg/services"
)

// Server owns the echo instance and the collaborators the handlers
// call into. dbClient and workerPool may be nil (the health endpoint
// then skips their checks); everything else is required.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg                 *config.Config
	dbClient            *database.Client
	jobService          *services.JobService
	conversationService *services.ConversationService
	workerPool          *queue.WorkerPool
	connManager         *events.ConnectionManager
}

// NewServer wires the HTTP surface and registers all routes.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	jobService *services.JobService,
	conversationService *services.ConversationService,
	workerPool *queue.WorkerPool,
	connManager *events.ConnectionManager,
) *Server {
	e := echo.New()

	s := &Server{
		echo: e,
		httpServer: &http.Server{
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		},
		cfg:                 cfg,
		dbClient:            dbClient,
		jobService:          jobService,
		conversationService: conversationService,
		workerPool:          workerPool,
		connManager:         connManager,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.Use(securityHeaders())

	// Unauthenticated probe endpoint.
	s.echo.GET("/health", s.healthHandler)

	g := s.echo.Group("/api/v1")
	g.POST("/articles", s.submitArticleHandler)
	g.POST("/books", s.submitBookHandler)
	g.GET("/jobs", s.listJobsHandler)
	g.GET("/jobs/:id", s.getJobHandler)
	g.POST("/jobs/:id/cancel", s.cancelJobHandler)
	g.GET("/conversations/:id/events", s.conversationEventsHandler)
	g.GET("/ws", s.wsHandler)
}

// Start listens on addr and serves until the listener fails or
// Shutdown is called. Returns http.ErrServerClosed on clean shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an existing listener; tests use it to
// bind a random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP dispatches directly into the router, so tests can drive
// the full middleware and route stack without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
