package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/gateway"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
	"github.com/gr8monk3ys/blog-ai/pkg/pipeline"
)

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             2,
		MaxConcurrentJobs:       4,
		PollInterval:            20 * time.Millisecond,
		PollIntervalJitter:      10 * time.Millisecond,
		GracefulShutdownTimeout: time.Minute,
		OrphanDetectionInterval: 25 * time.Millisecond,
		OrphanThreshold:         40 * time.Millisecond,
		HeartbeatInterval:       10 * time.Millisecond,
	}
}

// executorFunc adapts a function to the Executor interface.
type executorFunc func(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error)

func (f executorFunc) Execute(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
	return f(ctx, job)
}

func succeedExecutor() Executor {
	return executorFunc(func(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
		return articleArtifact(), nil
	})
}

func failExecutor(err error) Executor {
	return executorFunc(func(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
		return nil, err
	})
}

func articleArtifact() *pipeline.Artifact {
	return &pipeline.Artifact{
		Kind:    models.KindArticle,
		Article: &models.Article{Title: "Batch Processing in Practice"},
	}
}

type notifierCall struct {
	jobID    string
	artifact *pipeline.Artifact
}

// recordingNotifier captures artifact notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifierCall
}

func (n *recordingNotifier) ArtifactReady(_ context.Context, job *jobs.Job, artifact *pipeline.Artifact) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifierCall{jobID: job.ID, artifact: artifact})
}

func (n *recordingNotifier) all() []notifierCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifierCall(nil), n.calls...)
}

// recordingSlots captures admission slot releases.
type recordingSlots struct {
	mu       sync.Mutex
	released []string
}

func (s *recordingSlots) ReleaseSlot(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, subject)
}

func (s *recordingSlots) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

type workerRig struct {
	registry *jobs.Registry
	notifier *recordingNotifier
	slots    *recordingSlots
	worker   *Worker
}

func newWorkerRig(exec Executor) *workerRig {
	registry := jobs.NewRegistry(jobs.NewMemoryStore())
	notifier := &recordingNotifier{}
	slots := &recordingSlots{}
	worker := NewWorker("pod-a-worker-0", "pod-a", registry, testQueueConfig(), config.DefaultPipelineConfig(), exec, slots, notifier, nil)
	return &workerRig{registry: registry, notifier: notifier, slots: slots, worker: worker}
}

func enqueueArticle(t *testing.T, registry *jobs.Registry, subject string) *jobs.Job {
	t.Helper()
	spec := &models.ArticleSpec{Topic: "batch processing in practice", Tone: models.ToneInformative}
	job, created, err := registry.Create(context.Background(), subject, models.KindArticle, spec, uuid.NewString(), "")
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func TestWorkerPollInterval(t *testing.T) {
	w := newWorkerRig(succeedExecutor()).worker

	// Poll interval should be within [base - jitter, base + jitter]
	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond, "poll interval below minimum")
		assert.LessOrEqual(t, d, 30*time.Millisecond, "poll interval above maximum")
	}
}

func TestWorkerPollIntervalNoJitter(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollIntervalJitter = 0
	w := NewWorker("w", "pod", nil, cfg, config.DefaultPipelineConfig(), succeedExecutor(), nil, nil, nil)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 20*time.Millisecond, w.pollInterval(), "poll interval should equal base when jitter is 0")
	}
}

func TestWorkerHealth(t *testing.T) {
	w := newWorkerRig(succeedExecutor()).worker

	h := w.Health()
	assert.Equal(t, "pod-a-worker-0", h.ID)
	assert.Equal(t, WorkerStatusIdle, h.Status)
	assert.Equal(t, "", h.CurrentJobID)
	assert.Equal(t, 0, h.JobsProcessed)

	w.setStatus(WorkerStatusWorking, "job-abc")
	h = w.Health()
	assert.Equal(t, WorkerStatusWorking, h.Status)
	assert.Equal(t, "job-abc", h.CurrentJobID)

	w.setStatus(WorkerStatusIdle, "")
	h = w.Health()
	assert.Equal(t, WorkerStatusIdle, h.Status)
	assert.Equal(t, "", h.CurrentJobID)
}

func TestWorkerProcessesJobToSuccess(t *testing.T) {
	rig := newWorkerRig(succeedExecutor())
	job := enqueueArticle(t, rig.registry, "alice")

	require.NoError(t, rig.worker.pollAndProcess(context.Background()))

	stored, err := rig.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, stored.Status)
	assert.Empty(t, stored.Error)
	assert.Equal(t, "pod-a", stored.PodID)
	assert.Equal(t, "pod-a-worker-0", stored.WorkerID)
	require.NotNil(t, stored.CompletedAt)

	calls := rig.notifier.all()
	require.Len(t, calls, 1)
	assert.Equal(t, job.ID, calls[0].jobID)
	require.NotNil(t, calls[0].artifact)
	assert.Equal(t, models.KindArticle, calls[0].artifact.Kind)

	assert.Equal(t, []string{"alice"}, rig.slots.all())
	assert.Equal(t, 1, rig.worker.Health().JobsProcessed)
}

func TestWorkerReportsNoJobsAvailable(t *testing.T) {
	rig := newWorkerRig(succeedExecutor())

	err := rig.worker.pollAndProcess(context.Background())
	assert.ErrorIs(t, err, jobs.ErrNoJobsAvailable)
	assert.Empty(t, rig.notifier.all())
	assert.Empty(t, rig.slots.all())
}

func TestWorkerReportsAtCapacity(t *testing.T) {
	rig := newWorkerRig(succeedExecutor())

	// Fill the global budget with jobs running on another pod.
	for i := 0; i < testQueueConfig().MaxConcurrentJobs; i++ {
		enqueueArticle(t, rig.registry, "crowd")
		_, err := rig.registry.ClaimNext(context.Background(), "pod-b", "pod-b-worker-0")
		require.NoError(t, err)
	}
	waiting := enqueueArticle(t, rig.registry, "alice")

	err := rig.worker.pollAndProcess(context.Background())
	assert.ErrorIs(t, err, ErrAtCapacity)

	stored, err := rig.registry.Get(context.Background(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, stored.Status, "job must stay queued while at capacity")
}

func TestWorkerTimeoutBecomesCanceledWithCause(t *testing.T) {
	rig := newWorkerRig(failExecutor(pipeline.ErrTimeout))
	job := enqueueArticle(t, rig.registry, "alice")

	require.NoError(t, rig.worker.pollAndProcess(context.Background()))

	stored, err := rig.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, stored.Status)
	assert.Contains(t, stored.Error, "job deadline exceeded")

	assert.Empty(t, rig.notifier.all(), "only successful artifacts are announced")
}

func TestWorkerCancelBecomesCanceled(t *testing.T) {
	rig := newWorkerRig(failExecutor(pipeline.ErrCanceled))
	job := enqueueArticle(t, rig.registry, "alice")

	require.NoError(t, rig.worker.pollAndProcess(context.Background()))

	stored, err := rig.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, stored.Status)
	assert.Empty(t, stored.Error, "a requested cancel is not an error")
}

func TestWorkerFailureRedactsStoredError(t *testing.T) {
	registry := jobs.NewRegistry(jobs.NewMemoryStore())
	redactor := gateway.NewRedactor([]string{"hunter2secretvalue"})
	exec := failExecutor(errors.New("provider rejected key hunter2secretvalue"))
	w := NewWorker("pod-a-worker-0", "pod-a", registry, testQueueConfig(), config.DefaultPipelineConfig(), exec, nil, nil, redactor)
	job := enqueueArticle(t, registry, "alice")

	require.NoError(t, w.pollAndProcess(context.Background()))

	stored, err := registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	assert.NotContains(t, stored.Error, "hunter2secretvalue")
	assert.Contains(t, stored.Error, "__MASKED_API_KEY__")
}

func TestWorkerNilArtifactBecomesFailure(t *testing.T) {
	rig := newWorkerRig(executorFunc(func(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
		return nil, nil
	}))
	job := enqueueArticle(t, rig.registry, "alice")

	require.NoError(t, rig.worker.pollAndProcess(context.Background()))

	stored, err := rig.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "executor returned no artifact")
}

func TestWorkerCancellationStopsExecutor(t *testing.T) {
	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
		close(started)
		<-ctx.Done()
		return nil, pipeline.ErrCanceled
	})
	rig := newWorkerRig(exec)
	job := enqueueArticle(t, rig.registry, "alice")

	done := make(chan error, 1)
	go func() { done <- rig.worker.pollAndProcess(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}

	// The running-job path routes through the registered cancel func, so
	// the caller does not own the terminal transition.
	transitioned, err := rig.registry.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, transitioned)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish after cancellation")
	}

	stored, err := rig.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, stored.Status)
	assert.Empty(t, rig.notifier.all())
}

func TestWorkerHonorsCancelFlagFromAnotherRegistry(t *testing.T) {
	store := jobs.NewMemoryStore()
	registry := jobs.NewRegistry(store)
	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
		close(started)
		<-ctx.Done()
		return nil, pipeline.ErrCanceled
	})
	w := NewWorker("pod-a-worker-0", "pod-a", registry, testQueueConfig(), config.DefaultPipelineConfig(), exec, nil, nil, nil)
	job := enqueueArticle(t, registry, "alice")

	done := make(chan error, 1)
	go func() { done <- w.pollAndProcess(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}

	// Cancel issued through another pod's registry: no local cancel func
	// exists there, only the durable row flag. This pod's heartbeat must
	// observe the flag and stop the job.
	remote := jobs.NewRegistry(store)
	transitioned, err := remote.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, transitioned)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never observed the cancel flag")
	}

	stored, err := registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, stored.Status)
}

func TestWorkerLostTransitionSkipsNotifier(t *testing.T) {
	registry := jobs.NewRegistry(jobs.NewMemoryStore())
	notifier := &recordingNotifier{}
	slots := &recordingSlots{}
	exec := executorFunc(func(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
		// Another pod's orphan recovery finishes the row mid-run.
		_, err := registry.MarkTerminal(context.Background(), job.ID, jobs.StatusFailed, "orphaned elsewhere")
		if err != nil {
			return nil, err
		}
		return articleArtifact(), nil
	})
	w := NewWorker("pod-a-worker-0", "pod-a", registry, testQueueConfig(), config.DefaultPipelineConfig(), exec, slots, notifier, nil)
	job := enqueueArticle(t, registry, "alice")

	require.NoError(t, w.pollAndProcess(context.Background()))

	stored, err := registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	assert.Equal(t, "orphaned elsewhere", stored.Error)

	assert.Empty(t, notifier.all(), "losing the terminal race must not announce the outcome")
	assert.Equal(t, []string{"alice"}, slots.all(), "the local slot is released regardless")
}

func TestWorkerHeartbeatAdvancesWhileRunning(t *testing.T) {
	registry := jobs.NewRegistry(jobs.NewMemoryStore())
	exec := executorFunc(func(ctx context.Context, job *jobs.Job) (*pipeline.Artifact, error) {
		claimed, err := registry.Get(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		first := *claimed.LastHeartbeatAt

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			current, err := registry.Get(ctx, job.ID)
			if err != nil {
				return nil, err
			}
			if current.LastHeartbeatAt.After(first) {
				return articleArtifact(), nil
			}
			time.Sleep(5 * time.Millisecond)
		}
		return nil, errors.New("heartbeat never advanced")
	})
	w := NewWorker("pod-a-worker-0", "pod-a", registry, testQueueConfig(), config.DefaultPipelineConfig(), exec, nil, nil, nil)
	job := enqueueArticle(t, registry, "alice")

	require.NoError(t, w.pollAndProcess(context.Background()))

	stored, err := registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, stored.Status)
}

func TestWorkerStartStop(t *testing.T) {
	rig := newWorkerRig(succeedExecutor())
	job := enqueueArticle(t, rig.registry, "alice")

	rig.worker.Start(context.Background())

	require.Eventually(t, func() bool {
		stored, err := rig.registry.Get(context.Background(), job.ID)
		return err == nil && stored.Status == jobs.StatusSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	rig.worker.Stop()
	assert.NotPanics(t, rig.worker.Stop)
	assert.Equal(t, WorkerStatusIdle, rig.worker.Health().Status)
}
