package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gr8monk3ys/blog-ai/pkg/composer"
	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/gateway"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

func minimalBookSpec() models.BookSpec {
	return models.BookSpec{
		Title:            "Distributed Queues",
		ChapterCount:     3,
		TopicsPerChapter: 2,
		Tone:             models.ToneInformative,
	}
}

// quotedAfter extracts the %q-quoted value that follows prefix.
func quotedAfter(prompt, prefix string) string {
	i := strings.Index(prompt, prefix)
	if i == -1 {
		return ""
	}
	rest := prompt[i+len(prefix):]
	if len(rest) < 2 || rest[0] != '"' {
		return ""
	}
	end := strings.Index(rest[1:], `"`)
	if end == -1 {
		return ""
	}
	return rest[1 : 1+end]
}

func chaptersJSON(titles ...string) string {
	quoted := make([]string, len(titles))
	for i, title := range titles {
		quoted[i] = fmt.Sprintf("%q", title)
	}
	return fmt.Sprintf(`{"chapters": [%s]}`, strings.Join(quoted, ", "))
}

func topicsJSON(titles ...string) string {
	quoted := make([]string, len(titles))
	for i, title := range titles {
		quoted[i] = fmt.Sprintf("%q", title)
	}
	return fmt.Sprintf(`{"topics": [%s]}`, strings.Join(quoted, ", "))
}

// scriptBookHandlers wires chapter-aware default handlers: three fixed
// chapter titles, two topics per chapter derived from the chapter, and
// bodies derived from the topic.
func scriptBookHandlers(gen *fakeGenerator) {
	gen.handle(composer.StageBookOutline, func(_ context.Context, _ int, _ gateway.Options, _ gateway.Request) (*gateway.Result, error) {
		return textResult(chaptersJSON("Foundations", "Delivery Semantics", "Operations")), nil
	})
	gen.handle(composer.StageChapterTopics, func(_ context.Context, _ int, _ gateway.Options, req gateway.Request) (*gateway.Result, error) {
		chapter := quotedAfter(userPrompt(req), "titled ")
		return textResult(topicsJSON(chapter+" Basics", chapter+" Pitfalls")), nil
	})
	gen.handle(composer.StageTopicBody, func(_ context.Context, _ int, _ gateway.Options, req gateway.Request) (*gateway.Result, error) {
		topic := quotedAfter(userPrompt(req), "Write the body for the topic ")
		return textResult("body for " + topic), nil
	})
}

func TestBookHappyPath(t *testing.T) {
	r := newRig(t)
	scriptBookHandlers(r.gen)
	job := bookJob(minimalBookSpec())

	artifact, err := r.orch.Run(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, artifact.Book)
	assert.Equal(t, models.KindBook, artifact.Kind)

	book := artifact.Book
	assert.Equal(t, "Distributed Queues", book.Title)
	assert.NotEmpty(t, book.ID)
	assert.False(t, book.Date.IsZero())

	require.Len(t, book.Chapters, 3)
	wantTitles := []string{"Foundations", "Delivery Semantics", "Operations"}
	for i, chapter := range book.Chapters {
		assert.Equal(t, i+1, chapter.Number)
		assert.Equal(t, wantTitles[i], chapter.Title)
		require.Len(t, chapter.Topics, 2)
		for _, topic := range chapter.Topics {
			assert.Equal(t, "body for "+topic.Title, topic.Body)
		}
	}
	assert.Equal(t, "Foundations Basics", book.Chapters[0].Topics[0].Title)

	events := r.events(job.ConversationID)
	assert.Empty(t, kindEvents(events, conversation.KindWarning))
	// 1 outline + 3 topic lists + 6 bodies.
	assert.Len(t, kindEvents(events, conversation.KindProviderCall), 10)
	require.Len(t, kindEvents(events, conversation.KindFinalArtifact), 1)

	assertStageOrder(t, events,
		string(composer.StageBookOutline),
		string(composer.StageChapterTopics),
		string(composer.StageTopicBody),
	)

	started, _ := stageBounds(t, events, string(composer.StageTopicBody))
	payload := decodeEvent[conversation.StageStartedPayload](t, events[started])
	require.NotNil(t, payload.ItemCount)
	assert.Equal(t, 6, *payload.ItemCount)
}

// replyingBackend answers every stage by inspecting the prompt, or
// fails every call with the scripted error.
type replyingBackend struct {
	family config.BackendFamily
	fail   error
	mu     sync.Mutex
	calls  int
}

func (b *replyingBackend) Family() config.BackendFamily { return b.family }

func (b *replyingBackend) Complete(_ context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}

	var prompt string
	for _, m := range req.Messages {
		if m.Role == gateway.RoleUser {
			prompt = m.Content
		}
	}
	var text string
	switch {
	case strings.HasPrefix(prompt, "Design the chapter outline"):
		text = chaptersJSON("Foundations", "Delivery Semantics", "Operations")
	case strings.HasPrefix(prompt, "Plan the topics for chapter"):
		chapter := quotedAfter(prompt, "titled ")
		text = topicsJSON(chapter+" Basics", chapter+" Pitfalls")
	case strings.HasPrefix(prompt, "Design the outline"):
		text = outlineJSON(2, 2)
	case strings.HasPrefix(prompt, "Write frequently asked questions"):
		text = `{"faqs": [{"question": "Why?", "answer": "Because."}]}`
	default:
		text = "A paragraph of steady, useful prose."
	}
	return &gateway.CompletionResponse{Text: text, TokensIn: 50, TokensOut: 80, HasUsage: true}, nil
}

func (b *replyingBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestBookFailsOverToSecondBackend(t *testing.T) {
	failing := &replyingBackend{family: config.BackendOpenAI, fail: errors.New("upstream returned status 503")}
	healthy := &replyingBackend{family: config.BackendAnthropic}
	gw := gateway.NewWithBackends(config.DefaultProvidersConfig(), map[config.BackendFamily]gateway.Backend{
		config.BackendOpenAI:    failing,
		config.BackendAnthropic: healthy,
	})

	clog := conversation.NewLog(nil, conversation.DefaultSubscriberBuffer)
	orch := New(gw, clog, nil, gw.Redactor(), config.DefaultPipelineConfig())
	job := bookJob(minimalBookSpec())

	artifact, err := orch.Run(context.Background(), job)
	require.NoError(t, err, "every stage must recover through the second backend")
	require.NotNil(t, artifact.Book)
	require.Len(t, artifact.Book.Chapters, 3)
	for _, chapter := range artifact.Book.Chapters {
		assert.Len(t, chapter.Topics, 2)
	}

	assert.Equal(t, 10, healthy.CallCount())
	assert.Equal(t, 10, failing.CallCount(), "the first backend is tried once per call")

	events, snapErr := clog.Snapshot(context.Background(), job.ConversationID, 0)
	require.NoError(t, snapErr)

	calls := kindEvents(events, conversation.KindProviderCall)
	require.Len(t, calls, 10)
	for _, e := range calls {
		payload := decodeEvent[conversation.ProviderCallPayload](t, e)
		assert.Equal(t, string(config.BackendAnthropic), payload.Backend)
		assert.Equal(t, 2, payload.Attempts)
	}

	warnings := kindEvents(events, conversation.KindWarning)
	require.Len(t, warnings, 10, "each recovered call narrates the failover")
	for _, e := range warnings {
		payload := decodeEvent[conversation.WarningPayload](t, e)
		assert.Contains(t, payload.Message, string(config.BackendOpenAI))
		assert.Contains(t, payload.Message, string(config.BackendAnthropic))
	}
}

func TestBookFanOutBounds(t *testing.T) {
	r := newRig(t)
	spec := minimalBookSpec()
	spec.ChapterCount = 4
	spec.TopicsPerChapter = 3
	job := bookJob(spec)

	r.gen.handle(composer.StageBookOutline, func(_ context.Context, _ int, _ gateway.Options, _ gateway.Request) (*gateway.Result, error) {
		return textResult(chaptersJSON("One", "Two", "Three", "Four")), nil
	})
	r.gen.handle(composer.StageChapterTopics, func(_ context.Context, _ int, _ gateway.Options, req gateway.Request) (*gateway.Result, error) {
		chapter := quotedAfter(userPrompt(req), "titled ")
		return textResult(topicsJSON(chapter+" A", chapter+" B", chapter+" C")), nil
	})
	meet := newRendezvous(r.cfg.MaxParallelChapters)
	r.gen.hook(composer.StageChapterTopics, meet.wait)

	_, err := r.orch.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, r.cfg.MaxParallelChapters, r.gen.StageMaxInflight(composer.StageChapterTopics))
	assert.Equal(t, 12, r.gen.CallCount(composer.StageTopicBody))
	assert.LessOrEqual(t, r.gen.StageMaxInflight(composer.StageTopicBody),
		r.cfg.MaxParallelChapters*r.cfg.MaxParallelSections,
		"nested fan-out must stay within chapters x sections")
}

func TestBookChapterTopicsFailureDegradesToEmptyChapter(t *testing.T) {
	r := newRig(t)
	scriptBookHandlers(r.gen)
	job := bookJob(minimalBookSpec())

	r.gen.handle(composer.StageChapterTopics, func(_ context.Context, _ int, _ gateway.Options, req gateway.Request) (*gateway.Result, error) {
		chapter := quotedAfter(userPrompt(req), "titled ")
		if chapter == "Delivery Semantics" {
			return nil, errors.New("upstream returned status 503")
		}
		return textResult(topicsJSON(chapter+" Basics", chapter+" Pitfalls")), nil
	})

	artifact, err := r.orch.Run(context.Background(), job)
	require.NoError(t, err, "a chapter without topics does not fail the job")
	require.NotNil(t, artifact.Book)

	book := artifact.Book
	require.Len(t, book.Chapters, 3)
	assert.Equal(t, 2, book.Chapters[1].Number, "numbering stays contiguous across a degraded chapter")
	assert.Equal(t, "Delivery Semantics", book.Chapters[1].Title)
	assert.Empty(t, book.Chapters[1].Topics)
	assert.Len(t, book.Chapters[0].Topics, 2)
	assert.Len(t, book.Chapters[2].Topics, 2)

	events := r.events(job.ConversationID)
	warnings := kindEvents(events, conversation.KindWarning)
	require.Len(t, warnings, 1)
	w := decodeEvent[conversation.WarningPayload](t, warnings[0])
	assert.Equal(t, string(composer.StageChapterTopics), w.Stage)
	assert.Equal(t, "Delivery Semantics", w.Item)

	_, completedIdx := stageBounds(t, events, string(composer.StageChapterTopics))
	completed := decodeEvent[conversation.StageCompletedPayload](t, events[completedIdx])
	assert.Equal(t, 2, completed.Succeeded)
	assert.Equal(t, 1, completed.Failed)

	// Only the surviving chapters' topics are planned.
	started, _ := stageBounds(t, events, string(composer.StageTopicBody))
	payload := decodeEvent[conversation.StageStartedPayload](t, events[started])
	require.NotNil(t, payload.ItemCount)
	assert.Equal(t, 4, *payload.ItemCount)
}

func TestBookChapterTopicsRetriesMalformedPerChapter(t *testing.T) {
	r := newRig(t)
	scriptBookHandlers(r.gen)
	job := bookJob(minimalBookSpec())

	var mu sync.Mutex
	attempts := map[string]int{}
	r.gen.handle(composer.StageChapterTopics, func(_ context.Context, _ int, _ gateway.Options, req gateway.Request) (*gateway.Result, error) {
		chapter := quotedAfter(userPrompt(req), "titled ")
		mu.Lock()
		attempts[chapter]++
		n := attempts[chapter]
		mu.Unlock()
		if chapter == "Delivery Semantics" && n == 1 {
			return textResult("not a topic list"), nil
		}
		return textResult(topicsJSON(chapter+" Basics", chapter+" Pitfalls")), nil
	})

	artifact, err := r.orch.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, artifact.Book.Chapters[1].Topics, 2, "the retried chapter recovers fully")

	assert.Equal(t, 4, r.gen.CallCount(composer.StageChapterTopics))

	// The retry runs hotter than the stage default.
	var temps []float64
	for _, call := range r.gen.CallsFor(composer.StageChapterTopics) {
		if strings.Contains(userPrompt(call.Req), `"Delivery Semantics"`) {
			temps = append(temps, call.Opts.Temperature)
		}
	}
	require.Len(t, temps, 2)
	assert.InDelta(t, 0.7, temps[0], 1e-9)
	assert.InDelta(t, 0.8, temps[1], 1e-9)

	events := r.events(job.ConversationID)
	warnings := kindEvents(events, conversation.KindWarning)
	require.Len(t, warnings, 1)
	w := decodeEvent[conversation.WarningPayload](t, warnings[0])
	assert.Equal(t, "topic list malformed; retrying at higher temperature", w.Message)
	assert.Equal(t, "Delivery Semantics", w.Item)
}

func TestBookAllChaptersWithoutTopicsDegrades(t *testing.T) {
	r := newRig(t)
	scriptBookHandlers(r.gen)
	job := bookJob(minimalBookSpec())

	r.gen.handle(composer.StageChapterTopics, func(_ context.Context, _ int, _ gateway.Options, _ gateway.Request) (*gateway.Result, error) {
		return nil, errors.New("upstream returned status 503")
	})

	_, err := r.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Contains(t, err.Error(), "no chapter produced a topic list")

	assert.Zero(t, r.gen.CallCount(composer.StageTopicBody))

	events := r.events(job.ConversationID)
	assert.Empty(t, kindEvents(events, conversation.KindFinalArtifact))
	errs := kindEvents(events, conversation.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "degraded", decodeEvent[conversation.ErrorPayload](t, errs[0]).Kind)

	for _, e := range kindEvents(events, conversation.KindStageStarted) {
		assert.NotEqual(t, string(composer.StageTopicBody),
			decodeEvent[conversation.StageStartedPayload](t, e).Stage)
	}
}

func TestBookBelowFloorDegrades(t *testing.T) {
	r := newRig(t)
	scriptBookHandlers(r.gen)
	spec := minimalBookSpec()
	spec.ChapterCount = 2
	job := bookJob(spec)

	r.gen.handle(composer.StageBookOutline, func(_ context.Context, _ int, _ gateway.Options, _ gateway.Request) (*gateway.Result, error) {
		return textResult(chaptersJSON("Foundations", "Operations")), nil
	})
	r.gen.handle(composer.StageTopicBody, func(_ context.Context, _ int, _ gateway.Options, req gateway.Request) (*gateway.Result, error) {
		topic := quotedAfter(userPrompt(req), "Write the body for the topic ")
		if strings.HasPrefix(topic, "Foundations") {
			return nil, errors.New("upstream returned status 503")
		}
		return textResult("body for " + topic), nil
	})

	_, err := r.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Contains(t, err.Error(), "2 of 4")

	events := r.events(job.ConversationID)
	assert.Empty(t, kindEvents(events, conversation.KindFinalArtifact))
	assert.Len(t, kindEvents(events, conversation.KindWarning), 2)

	_, completedIdx := stageBounds(t, events, string(composer.StageTopicBody))
	completed := decodeEvent[conversation.StageCompletedPayload](t, events[completedIdx])
	assert.Equal(t, 2, completed.Succeeded)
	assert.Equal(t, 2, completed.Failed)
}

func TestBookOutlineChapterCountMismatchIsFatal(t *testing.T) {
	r := newRig(t)
	scriptBookHandlers(r.gen)
	job := bookJob(minimalBookSpec()) // asks for 3 chapters

	r.gen.handle(composer.StageBookOutline, func(_ context.Context, _ int, _ gateway.Options, _ gateway.Request) (*gateway.Result, error) {
		return textResult(chaptersJSON("Foundations", "Operations")), nil
	})

	_, err := r.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, composer.ErrParseFailure)

	assert.Equal(t, 2, r.gen.CallCount(composer.StageBookOutline), "a wrong count is retried once")
	assert.Zero(t, r.gen.CallCount(composer.StageChapterTopics))

	events := r.events(job.ConversationID)
	errs := kindEvents(events, conversation.KindError)
	require.Len(t, errs, 1)
	payload := decodeEvent[conversation.ErrorPayload](t, errs[0])
	assert.Equal(t, "parse_failure", payload.Kind)
	assert.Contains(t, payload.Message, "book outline")
}

func TestBookCancelDuringTopicBodies(t *testing.T) {
	r := newRig(t)
	scriptBookHandlers(r.gen)
	job := bookJob(minimalBookSpec())

	r.gen.handle(composer.StageTopicBody, func(ctx context.Context, n int, _ gateway.Options, req gateway.Request) (*gateway.Result, error) {
		if n == 0 {
			return textResult("body for " + quotedAfter(userPrompt(req), "Write the body for the topic ")), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sub, err := r.log.Subscribe(job.ConversationID, 1)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		_, err := r.orch.Run(ctx, job)
		runErr <- err
	}()

	deadline := time.After(5 * time.Second)
	for {
		var e conversation.Event
		select {
		case e = <-sub.Events():
		case <-deadline:
			t.Fatal("never observed topic body progress")
		}
		if e.Kind != conversation.KindStageProgress {
			continue
		}
		if decodeEvent[conversation.StageProgressPayload](t, e).Stage == string(composer.StageTopicBody) {
			break
		}
	}
	cancel()

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, ErrCanceled)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	events := r.events(job.ConversationID)
	require.Len(t, kindEvents(events, conversation.KindCanceled), 1)
	assert.Empty(t, kindEvents(events, conversation.KindFinalArtifact))

	// The interrupted stage never completes.
	for _, e := range kindEvents(events, conversation.KindStageCompleted) {
		assert.NotEqual(t, string(composer.StageTopicBody),
			decodeEvent[conversation.StageCompletedPayload](t, e).Stage)
	}
}
