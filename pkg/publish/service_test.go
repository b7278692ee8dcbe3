package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
	"github.com/gr8monk3ys/blog-ai/pkg/pipeline"
)

type capturedRequest struct {
	payload Payload
	auth    string
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var captured []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))

		mu.Lock()
		captured = append(captured, capturedRequest{payload: p, auth: r.Header.Get("Authorization")})
		mu.Unlock()

		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(Receipt{URL: "https://blog.example/p/42", ID: "42"})
		}
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func testJob() *jobs.Job {
	return &jobs.Job{
		ID:             "job-1",
		Subject:        "subject-1",
		Kind:           models.KindArticle,
		ConversationID: "conv-1",
	}
}

func testArtifact() *pipeline.Artifact {
	return &pipeline.Artifact{
		Kind: models.KindArticle,
		Article: &models.Article{
			ID:    "art-1",
			Title: "Batch Processing in Distributed Systems",
			Sections: []models.Section{
				{Title: "Foundations", SubTopics: []models.SubTopic{{Title: "Windows", Body: "text"}}},
			},
		},
	}
}

func TestArtifactReadyDeliversPayload(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK)

	svc := NewServiceWithClient(NewClient(srv.URL, "tok-123", 2*time.Second), 2*time.Second)
	svc.ArtifactReady(context.Background(), testJob(), testArtifact())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Flush(ctx)

	reqs := captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer tok-123", reqs[0].auth)
	assert.Equal(t, "job-1", reqs[0].payload.JobID)
	assert.Equal(t, "article", reqs[0].payload.Kind)
	assert.Equal(t, "conv-1", reqs[0].payload.ConversationID)
	require.NotNil(t, reqs[0].payload.Article)
	assert.Equal(t, "Batch Processing in Distributed Systems", reqs[0].payload.Article.Title)
	assert.Nil(t, reqs[0].payload.Book)
}

func TestArtifactReadyFailOpen(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusInternalServerError)

	svc := NewServiceWithClient(NewClient(srv.URL, "", time.Second), time.Second)
	svc.ArtifactReady(context.Background(), testJob(), testArtifact())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Flush(ctx)

	// Delivery was attempted; the failure stays inside the service.
	assert.Len(t, captured(), 1)
}

func TestNilServiceIsNoOp(t *testing.T) {
	var svc *Service
	svc.ArtifactReady(context.Background(), testJob(), testArtifact())
	svc.Flush(context.Background())
}

func TestNewServiceDisabled(t *testing.T) {
	assert.Nil(t, NewService(nil))
	assert.Nil(t, NewService(&config.PublishConfig{Enabled: false, WebhookURL: "https://x"}))
	assert.Nil(t, NewService(&config.PublishConfig{Enabled: true}))
}

func TestClientRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, "", time.Second).Post(context.Background(), map[string]string{"k": "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
