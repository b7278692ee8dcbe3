package conversation

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLagged marks a subscriber that was disconnected because its
// delivery buffer overflowed. Appends never block on a slow reader.
var ErrLagged = errors.New("subscriber lagged")

// LaggedError reports the overflow disconnect with the last sequence
// the subscriber actually received; it may resubscribe from there.
type LaggedError struct {
	LastDeliveredSeq int64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: last delivered sequence %d", e.LastDeliveredSeq)
}

func (e *LaggedError) Unwrap() error {
	return ErrLagged
}

// Subscription is a live follower of one conversation. Events arrive
// on Events() in sequence order: first the replay of retained history
// from the requested sequence, then live appends. The channel closes
// on Close, on conversation expiry, or on lag; Err distinguishes the
// lag case.
type Subscription struct {
	log    *Log
	convID string

	buf  chan Event // live events, filled by Append under the conversation lock
	out  chan Event // consumer-facing ordered stream
	done chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	lastDelivered int64
	lagged        bool
	err           error
}

func newSubscription(log *Log, convID string, bufferSize int) *Subscription {
	return &Subscription{
		log:    log,
		convID: convID,
		buf:    make(chan Event, bufferSize),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
}

// Events returns the ordered event stream. It is closed when the
// subscription ends for any reason.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Err reports why the stream ended: a *LaggedError after an overflow
// disconnect, nil after Close or conversation expiry. Only meaningful
// once Events() is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastDeliveredSeq reports the highest sequence handed to the consumer.
func (s *Subscription) LastDeliveredSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered
}

// Close detaches the subscriber. Safe to call multiple times and
// concurrently with event delivery.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.log.unsubscribe(s.convID, s)
	})
}

// enqueue hands a live event to the subscriber without blocking.
// Returns false on buffer overflow; the caller must then detach the
// subscriber. Called under the conversation lock only.
func (s *Subscription) enqueue(e Event) bool {
	select {
	case s.buf <- e:
		return true
	default:
		return false
	}
}

// lag marks the subscription lagged and stops live delivery. Buffered
// events still drain to the consumer before the stream closes; the lag
// error is recorded only after that drain, so it carries the sequence
// actually delivered. Called under the conversation lock only, after
// removal from the fan-out set.
func (s *Subscription) lag() {
	s.mu.Lock()
	s.lagged = true
	s.mu.Unlock()
	close(s.buf)
}

// detach ends the subscription cleanly (conversation expired or swept).
// Called under the conversation lock only, after removal from the
// fan-out set.
func (s *Subscription) detach() {
	close(s.buf)
}

// finish records the lag error, if any, with the final delivered
// sequence, so resubscribing from it yields no duplicates.
func (s *Subscription) finish() {
	s.mu.Lock()
	if s.lagged {
		s.err = &LaggedError{LastDeliveredSeq: s.lastDelivered}
	}
	s.mu.Unlock()
}

func (s *Subscription) setLastDelivered(seq int64) {
	s.mu.Lock()
	s.lastDelivered = seq
	s.mu.Unlock()
}

// run delivers replay then live events in order. replay is already
// sequence-sorted and disjoint from what buf will carry.
func (s *Subscription) run(replay []Event) {
	defer close(s.out)

	for _, e := range replay {
		select {
		case s.out <- e:
			s.setLastDelivered(e.Sequence)
		case <-s.done:
			return
		}
	}

	for {
		select {
		case e, ok := <-s.buf:
			if !ok {
				// Producer closed buf: lagged or conversation ended.
				s.finish()
				return
			}
			select {
			case s.out <- e:
				s.setLastDelivered(e.Sequence)
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}
