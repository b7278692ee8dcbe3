package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store for exercising write-through and
// resume behavior without a database.
type fakeStore struct {
	mu         sync.Mutex
	events     map[string][]Event
	failAppend bool
	appends    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(map[string][]Event)}
}

func (s *fakeStore) LastSequence(_ context.Context, convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[convID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

func (s *fakeStore) AppendEvent(_ context.Context, convID string, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.failAppend {
		return errors.New("store down")
	}
	s.events[convID] = append(s.events[convID], event)
	return nil
}

func (s *fakeStore) EventsRange(_ context.Context, convID string, fromSeq, toSeq int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events[convID] {
		if e.Sequence < fromSeq {
			continue
		}
		if toSeq > 0 && e.Sequence >= toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) stored(convID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events[convID]...)
}

func appendN(t *testing.T, log *Log, convID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(context.Background(), convID, KindStageProgress, RoleAssistant,
			StageProgressPayload{Stage: "section-body", Completed: i + 1, Total: n})
		require.NoError(t, err)
	}
}

// collect reads n events from the subscription or fails the test.
func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d of %d events", len(got), n)
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

// drain reads until the stream closes.
func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(got))
		}
	}
}

func TestAppendAssignsSequentialSequences(t *testing.T) {
	log := NewLog(nil, 0)

	for want := int64(1); want <= 5; want++ {
		seq, err := log.Append(context.Background(), "conv-1", KindStageStarted, RoleSystem,
			StageStartedPayload{Stage: "outline"})
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
}

func TestAppendConcurrentSequencesGapFree(t *testing.T) {
	log := NewLog(nil, 0)
	const writers = 10
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := log.Append(context.Background(), "conv-1", KindStageProgress, RoleAssistant,
					StageProgressPayload{Stage: "section-body", Completed: i, Total: perWriter})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events, err := log.Snapshot(context.Background(), "conv-1", 1)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence, "gap or reorder at index %d", i)
	}
}

func TestSequencesIndependentAcrossConversations(t *testing.T) {
	log := NewLog(nil, 0)

	seqA, err := log.Append(context.Background(), "conv-a", KindUserIntent, RoleUser, UserIntentPayload{Kind: "article"})
	require.NoError(t, err)
	seqB, err := log.Append(context.Background(), "conv-b", KindUserIntent, RoleUser, UserIntentPayload{Kind: "book"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), seqA)
	assert.Equal(t, int64(1), seqB)
}

func TestSnapshotFromSequence(t *testing.T) {
	log := NewLog(nil, 0)
	appendN(t, log, "conv-1", 6)

	events, err := log.Snapshot(context.Background(), "conv-1", 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(6), events[2].Sequence)
}

func TestSnapshotUnknownConversation(t *testing.T) {
	log := NewLog(nil, 0)

	_, err := log.Snapshot(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeReplaysThenStreamsLive(t *testing.T) {
	log := NewLog(nil, 0)
	appendN(t, log, "conv-1", 3)

	sub, err := log.Subscribe("conv-1", 2)
	require.NoError(t, err)
	defer sub.Close()

	// Replay covers 2..3, then live events continue from 4.
	replayed := collect(t, sub, 2)
	assert.Equal(t, int64(2), replayed[0].Sequence)
	assert.Equal(t, int64(3), replayed[1].Sequence)

	_, err = log.Append(context.Background(), "conv-1", KindFinalArtifact, RoleAssistant, json.RawMessage(`{}`))
	require.NoError(t, err)

	live := collect(t, sub, 1)
	assert.Equal(t, int64(4), live[0].Sequence)
	assert.Equal(t, KindFinalArtifact, live[0].Kind)
	assert.Equal(t, int64(4), sub.LastDeliveredSeq())
}

func TestSubscribeBeforeFirstEvent(t *testing.T) {
	log := NewLog(nil, 0)

	sub, err := log.Subscribe("conv-new", 1)
	require.NoError(t, err)
	defer sub.Close()

	appendN(t, log, "conv-new", 2)

	events := collect(t, sub, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)
}

func TestSlowSubscriberDisconnectedNotBlocked(t *testing.T) {
	log := NewLog(nil, 4)

	sub, err := log.Subscribe("conv-1", 1)
	require.NoError(t, err)

	// Never read: the buffer must overflow and the subscriber must be
	// dropped without any append blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		appendN(t, log, "conv-1", 50)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("appends blocked on a slow subscriber")
	}

	got := drain(t, sub)
	require.NotEmpty(t, got)
	assert.Less(t, len(got), 50, "expected overflow before all events delivered")
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence, "delivered prefix must be gap-free")
	}

	var lagged *LaggedError
	require.ErrorAs(t, sub.Err(), &lagged)
	assert.ErrorIs(t, sub.Err(), ErrLagged)
	assert.Equal(t, got[len(got)-1].Sequence, sub.LastDeliveredSeq())
	assert.Equal(t, sub.LastDeliveredSeq(), lagged.LastDeliveredSeq,
		"lag error must report the sequence actually delivered, including the post-overflow drain")

	// Resubscribing from the last delivered sequence recovers the rest.
	resub, err := log.Subscribe("conv-1", sub.LastDeliveredSeq()+1)
	require.NoError(t, err)
	defer resub.Close()

	rest := collect(t, resub, 50-len(got))
	assert.Equal(t, sub.LastDeliveredSeq()+1, rest[0].Sequence)
	assert.Equal(t, int64(50), rest[len(rest)-1].Sequence)
}

func TestMultipleSubscribersEachGetAllEvents(t *testing.T) {
	log := NewLog(nil, 0)

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := log.Subscribe("conv-1", 1)
		require.NoError(t, err)
		defer sub.Close()
		subs = append(subs, sub)
	}

	appendN(t, log, "conv-1", 5)

	for i, sub := range subs {
		events := collect(t, sub, 5)
		for j, e := range events {
			assert.Equal(t, int64(j+1), e.Sequence, "subscriber %d", i)
		}
	}
}

func TestStoreWriteThrough(t *testing.T) {
	store := newFakeStore()
	log := NewLog(store, 0)

	appendN(t, log, "conv-1", 3)

	stored := store.stored("conv-1")
	require.Len(t, stored, 3)
	for i, e := range stored {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, KindStageProgress, e.Kind)
	}
}

func TestResumeSequenceFromStore(t *testing.T) {
	store := newFakeStore()
	first := NewLog(store, 0)
	appendN(t, first, "conv-1", 5)

	// Fresh Log over the same store, as after a restart.
	second := NewLog(store, 0)
	seq, err := second.Append(context.Background(), "conv-1", KindWarning, RoleSystem,
		WarningPayload{Stage: "section-body", Message: "resumed"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), seq)

	events, err := second.Snapshot(context.Background(), "conv-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 6)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestSnapshotMergesStoreAndMemory(t *testing.T) {
	store := newFakeStore()
	first := NewLog(store, 0)
	appendN(t, first, "conv-1", 4)

	second := NewLog(store, 0)
	appendN(t, second, "conv-1", 2) // sequences 5 and 6, memory-only tail

	events, err := second.Snapshot(context.Background(), "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, int64(3), events[0].Sequence)
	assert.Equal(t, int64(6), events[3].Sequence)
}

func TestSnapshotStoreOnlyConversation(t *testing.T) {
	store := newFakeStore()
	first := NewLog(store, 0)
	appendN(t, first, "conv-1", 3)

	// A different process never touched conv-1 in memory.
	second := NewLog(store, 0)
	events, err := second.Snapshot(context.Background(), "conv-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestStoreFailureDoesNotFailAppend(t *testing.T) {
	store := newFakeStore()
	store.failAppend = true
	log := NewLog(store, 0)

	seq, err := log.Append(context.Background(), "conv-1", KindUserIntent, RoleUser, UserIntentPayload{Kind: "article"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	events, err := log.Snapshot(context.Background(), "conv-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSubscribeReplayFromStore(t *testing.T) {
	store := newFakeStore()
	first := NewLog(store, 0)
	appendN(t, first, "conv-1", 3)

	second := NewLog(store, 0)
	sub, err := second.Subscribe("conv-1", 1)
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)
}

func TestSweepIdleDropsConversations(t *testing.T) {
	log := NewLog(nil, 0)
	appendN(t, log, "conv-1", 1)

	sub, err := log.Subscribe("conv-1", 1)
	require.NoError(t, err)
	_ = collect(t, sub, 1)

	time.Sleep(5 * time.Millisecond)
	dropped := log.SweepIdle(time.Millisecond)
	assert.Equal(t, []string{"conv-1"}, dropped)

	// Subscriber stream closes cleanly, no lag error.
	_ = drain(t, sub)
	assert.NoError(t, sub.Err())

	_, err = log.Snapshot(context.Background(), "conv-1", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepIdleKeepsActiveConversations(t *testing.T) {
	log := NewLog(nil, 0)
	appendN(t, log, "conv-1", 1)

	dropped := log.SweepIdle(time.Hour)
	assert.Empty(t, dropped)

	events, err := log.Snapshot(context.Background(), "conv-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestExpireMarksForNextSweep(t *testing.T) {
	log := NewLog(nil, 0)
	appendN(t, log, "conv-1", 1)
	appendN(t, log, "conv-2", 1)

	log.Expire("conv-1")
	dropped := log.SweepIdle(time.Hour)
	assert.Equal(t, []string{"conv-1"}, dropped)

	// Appending after Expire clears the mark.
	log.Expire("conv-2")
	appendN(t, log, "conv-2", 1)
	dropped = log.SweepIdle(time.Hour)
	assert.Empty(t, dropped)
}

func TestNotifyPayloadCarriesRouting(t *testing.T) {
	event := Event{
		Sequence:  7,
		Kind:      KindStageCompleted,
		Role:      RoleAssistant,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   json.RawMessage(`{"stage":"outline"}`),
	}

	payload, err := notifyPayloadFor("conv-9", event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, "conv-9", decoded["conversation_id"])
	assert.Equal(t, float64(7), decoded["sequence"])
	assert.Equal(t, string(KindStageCompleted), decoded["kind"])
	assert.NotContains(t, decoded, "truncated")
}

func TestNotifyPayloadTruncatesOversized(t *testing.T) {
	big, err := json.Marshal(map[string]string{"markdown": strings.Repeat("x", 9000)})
	require.NoError(t, err)

	event := Event{
		Sequence:  3,
		Kind:      KindFinalArtifact,
		Role:      RoleAssistant,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   big,
	}

	payload, err := notifyPayloadFor("conv-1", event)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), maxNotifyBytes)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, true, decoded["truncated"])
	assert.Equal(t, float64(3), decoded["sequence"])
	assert.NotContains(t, decoded, "payload")
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "conversation:abc-123", Channel("abc-123"))
}

func TestEventJSONShape(t *testing.T) {
	e := Event{
		Sequence:  1,
		Kind:      KindUserIntent,
		Role:      RoleUser,
		Timestamp: "2026-01-02T03:04:05Z",
		Payload:   json.RawMessage(`{"kind":"article"}`),
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{
		"sequence": 1,
		"kind": %q,
		"role": "user",
		"timestamp": "2026-01-02T03:04:05Z",
		"payload": {"kind":"article"}
	}`, KindUserIntent), string(raw))
}
