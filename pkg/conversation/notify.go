package conversation

import (
	"encoding/json"
	"fmt"
)

// FrameTypeEvent tags the delivery frame carrying one conversation event.
const FrameTypeEvent = "conversation.event"

// maxNotifyPayload is the usable pg_notify payload size. Postgres caps
// notifications just under 8000 bytes; staying at 7900 leaves headroom.
const maxNotifyPayload = 7900

// Frame is the JSON envelope delivered to WebSocket clients, both as
// the NOTIFY payload for live cross-pod delivery and as catchup replay.
// A truncated frame had its event payload stripped because the full
// frame exceeded the NOTIFY size cap; the client refetches the complete
// event over REST using the conversation ID and sequence.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Truncated      bool   `json:"truncated,omitempty"`
	Event          Event  `json:"event"`
}

// EncodeFrame marshals an event's delivery frame.
func EncodeFrame(convID string, e Event) ([]byte, error) {
	raw, err := json.Marshal(Frame{Type: FrameTypeEvent, ConversationID: convID, Event: e})
	if err != nil {
		return nil, fmt.Errorf("marshal frame for conversation %s seq %d: %w", convID, e.Sequence, err)
	}
	return raw, nil
}

// EncodeNotifyPayload marshals the frame for pg_notify, substituting a
// payload-stripped truncation frame when the full one exceeds the size
// cap.
func EncodeNotifyPayload(convID string, e Event) (string, error) {
	full, err := EncodeFrame(convID, e)
	if err != nil {
		return "", err
	}
	if len(full) <= maxNotifyPayload {
		return string(full), nil
	}

	stripped := e
	stripped.Payload = nil
	truncated, err := json.Marshal(Frame{
		Type:           FrameTypeEvent,
		ConversationID: convID,
		Truncated:      true,
		Event:          stripped,
	})
	if err != nil {
		return "", fmt.Errorf("marshal truncated frame for conversation %s seq %d: %w", convID, e.Sequence, err)
	}
	return string(truncated), nil
}
