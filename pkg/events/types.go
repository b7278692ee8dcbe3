// Package events delivers conversation events to WebSocket clients,
// using PostgreSQL NOTIFY/LISTEN so a client connected to one pod sees
// events appended by another.
//
// Delivery contract: on subscribe the client receives a replay of
// retained events from its requested sequence (the catchup), then live
// frames as appends are notified. The boundary between catchup and live
// delivery is at-least-once — an event appended while the catchup query
// runs can arrive twice. Every frame carries the event's sequence, so
// clients deduplicate by keeping the highest sequence seen per
// conversation.
//
// Frames over the NOTIFY size cap arrive with truncated=true and no
// event payload; the client refetches the full event over REST.
package events

import (
	"context"

	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
)

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action         string `json:"action"`                    // "subscribe", "unsubscribe", "catchup", "ping"
	ConversationID string `json:"conversation_id,omitempty"` // target conversation
	FromSeq        *int64 `json:"from_seq,omitempty"`        // replay position (inclusive); omitted means from the start
}

// CatchupSource replays retained conversation events for late or
// reconnecting subscribers. Implemented by LogCatchup.
type CatchupSource interface {
	CatchupEvents(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]conversation.Event, error)
}
