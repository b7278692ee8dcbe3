package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/ratelimit"
	"github.com/gr8monk3ys/blog-ai/pkg/services"
)

type serverRig struct {
	server   *Server
	registry *jobs.Registry
	log      *conversation.Log
	limiter  *ratelimit.Limiter
}

// newServerRig builds a Server on in-memory collaborators. A nil cfg
// means dev mode; a nil limiter means permissive defaults in dev mode,
// so submissions need no credential store.
func newServerRig(t *testing.T, cfg *config.Config, limiter *ratelimit.Limiter) *serverRig {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{DevMode: true}
	}
	if limiter == nil {
		limiter = ratelimit.New(config.DefaultRateLimitConfig(), nil, true)
	}

	registry := jobs.NewRegistry(jobs.NewMemoryStore())
	log := conversation.NewLog(nil, 0)
	server := NewServer(cfg, nil,
		services.NewJobService(registry, log, limiter),
		services.NewConversationService(log, limiter),
		nil, nil)

	return &serverRig{server: server, registry: registry, log: log, limiter: limiter}
}

// newJSONRequest builds a request with an identity header. body may be
// a raw string (sent verbatim) or any value marshaled to JSON.
func newJSONRequest(t *testing.T, method, target, subject string, body any) *http.Request {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		req.Header.Set("X-Forwarded-User", subject)
	}
	return req
}

// do drives the request through the full route and middleware stack.
func (r *serverRig) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}
