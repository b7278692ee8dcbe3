package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound marks a snapshot request for a conversation that has no
// events anywhere (memory or store).
var ErrNotFound = errors.New("conversation not found")

// DefaultSubscriberBuffer is the per-subscriber live-event buffer.
const DefaultSubscriberBuffer = 64

// storeReadTimeout bounds store reads issued on paths without a caller
// context (Subscribe).
const storeReadTimeout = 5 * time.Second

// Log is the conversation event log: ordered append, snapshot, and
// live subscriber fan-out, with write-through persistence when a Store
// is attached. A nil Store keeps everything in memory, which tests and
// dev-mode use.
//
// Store write failures are logged and do not fail Append: the memory
// ordering stays intact and live delivery proceeds, at the price of
// durability for the affected events.
type Log struct {
	store      Store
	bufferSize int

	mu    sync.RWMutex
	convs map[string]*convState
}

// convState is one conversation's in-memory tail plus its live
// subscribers. All fields behind mu; Append holds it for the full
// assign-persist-fanout step, which is what makes sequences gap-free.
type convState struct {
	id string

	mu           sync.Mutex
	loaded       bool  // store consulted for the resume point
	nextSeq      int64 // next sequence to assign
	floorSeq     int64 // first sequence held in memory; earlier ones live only in the store
	events       []Event
	subs         map[*Subscription]struct{}
	lastActivity time.Time
	expired      bool
}

// NewLog builds a Log. store may be nil (memory only); bufferSize <= 0
// selects DefaultSubscriberBuffer.
func NewLog(store Store, bufferSize int) *Log {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Log{
		store:      store,
		bufferSize: bufferSize,
		convs:      make(map[string]*convState),
	}
}

// state returns the conversation's state, creating it on first touch.
func (l *Log) state(convID string) *convState {
	l.mu.RLock()
	conv, ok := l.convs[convID]
	l.mu.RUnlock()
	if ok {
		return conv
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if conv, ok = l.convs[convID]; ok {
		return conv
	}
	conv = &convState{
		id:           convID,
		nextSeq:      1,
		floorSeq:     1,
		subs:         make(map[*Subscription]struct{}),
		lastActivity: time.Now(),
	}
	l.convs[convID] = conv
	return conv
}

// ensureLoaded resumes sequence assignment after the store's last
// persisted event. Must hold conv.mu.
func (l *Log) ensureLoaded(ctx context.Context, conv *convState) error {
	if conv.loaded || l.store == nil {
		conv.loaded = true
		return nil
	}
	last, err := l.store.LastSequence(ctx, conv.id)
	if err != nil {
		return fmt.Errorf("load conversation %s resume point: %w", conv.id, err)
	}
	conv.loaded = true
	conv.nextSeq = last + 1
	conv.floorSeq = conv.nextSeq
	return nil
}

// Append adds one event and fans it out to live subscribers. The
// returned sequence is strictly monotonic and gap-free within the
// conversation. Subscribers whose buffers are full are disconnected
// with a lag error rather than blocking the append.
func (l *Log) Append(ctx context.Context, convID string, kind Kind, role Role, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	conv := l.state(convID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if err := l.ensureLoaded(ctx, conv); err != nil {
		return 0, err
	}

	event := Event{
		Sequence:  conv.nextSeq,
		Kind:      kind,
		Role:      role,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	}

	if l.store != nil {
		if err := l.store.AppendEvent(ctx, convID, event); err != nil {
			slog.Warn("Conversation event not persisted",
				"conversation_id", convID, "sequence", event.Sequence, "kind", kind, "error", err)
		}
	}

	conv.events = append(conv.events, event)
	conv.nextSeq++
	conv.lastActivity = time.Now()
	conv.expired = false

	for sub := range conv.subs {
		if !sub.enqueue(event) {
			delete(conv.subs, sub)
			sub.lag()
			slog.Warn("Conversation subscriber lagged, disconnected",
				"conversation_id", convID, "last_delivered", sub.LastDeliveredSeq())
		}
	}

	return event.Sequence, nil
}

// Subscribe follows a conversation from fromSeq (inclusive): retained
// events replay first, then live appends, gap-free and in order. The
// conversation does not need to exist yet; an empty one simply streams
// whatever arrives later.
func (l *Log) Subscribe(convID string, fromSeq int64) (*Subscription, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	conv := l.state(convID)
	conv.mu.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), storeReadTimeout)
	defer cancel()
	if err := l.ensureLoaded(ctx, conv); err != nil {
		conv.mu.Unlock()
		return nil, err
	}

	var replay []Event
	if l.store != nil && fromSeq < conv.floorSeq {
		stored, err := l.store.EventsRange(ctx, convID, fromSeq, conv.floorSeq)
		if err != nil {
			conv.mu.Unlock()
			return nil, fmt.Errorf("replay conversation %s from store: %w", convID, err)
		}
		replay = stored
	}
	for _, e := range conv.events {
		if e.Sequence >= fromSeq {
			replay = append(replay, e)
		}
	}

	sub := newSubscription(l, convID, l.bufferSize)
	conv.subs[sub] = struct{}{}
	conv.mu.Unlock()

	go sub.run(replay)
	return sub, nil
}

// Snapshot returns the conversation's events from fromSeq (inclusive),
// merging store history with the in-memory tail. ErrNotFound when the
// conversation has no events at all.
func (l *Log) Snapshot(ctx context.Context, convID string, fromSeq int64) ([]Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	l.mu.RLock()
	conv, ok := l.convs[convID]
	l.mu.RUnlock()

	if !ok {
		// Not live in this process; the store may still hold it.
		if l.store == nil {
			return nil, ErrNotFound
		}
		events, err := l.store.EventsRange(ctx, convID, fromSeq, 0)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, ErrNotFound
		}
		return events, nil
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if err := l.ensureLoaded(ctx, conv); err != nil {
		return nil, err
	}

	var events []Event
	if l.store != nil && fromSeq < conv.floorSeq {
		stored, err := l.store.EventsRange(ctx, convID, fromSeq, conv.floorSeq)
		if err != nil {
			return nil, err
		}
		events = stored
	}
	for _, e := range conv.events {
		if e.Sequence >= fromSeq {
			events = append(events, e)
		}
	}
	if len(events) == 0 && conv.nextSeq == 1 {
		return nil, ErrNotFound
	}
	return events, nil
}

// Expire marks a conversation for collection by the next idle sweep.
// Appending to it afterwards clears the mark.
func (l *Log) Expire(convID string) {
	l.mu.RLock()
	conv, ok := l.convs[convID]
	l.mu.RUnlock()
	if !ok {
		return
	}
	conv.mu.Lock()
	conv.expired = true
	conv.mu.Unlock()
}

// SweepIdle drops conversations idle past the TTL or marked expired,
// detaching their subscribers cleanly. Returns the dropped ids. Store
// rows are untouched; the retention sweep owns those.
func (l *Log) SweepIdle(idleTTL time.Duration) []string {
	cutoff := time.Now().Add(-idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	var dropped []string
	for id, conv := range l.convs {
		conv.mu.Lock()
		idle := conv.expired || conv.lastActivity.Before(cutoff)
		if idle {
			for sub := range conv.subs {
				delete(conv.subs, sub)
				sub.detach()
			}
			delete(l.convs, id)
			dropped = append(dropped, id)
		}
		conv.mu.Unlock()
	}
	return dropped
}

// unsubscribe removes a closed subscription from the fan-out set.
func (l *Log) unsubscribe(convID string, sub *Subscription) {
	l.mu.RLock()
	conv, ok := l.convs[convID]
	l.mu.RUnlock()
	if !ok {
		return
	}
	conv.mu.Lock()
	delete(conv.subs, sub)
	conv.mu.Unlock()
}
