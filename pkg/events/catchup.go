package events

import (
	"context"
	"errors"

	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
)

// LogCatchup adapts the conversation log (store history merged with the
// in-memory tail) to the manager's CatchupSource.
type LogCatchup struct {
	log *conversation.Log
}

// NewLogCatchup creates a CatchupSource over a conversation log.
func NewLogCatchup(log *conversation.Log) *LogCatchup {
	return &LogCatchup{log: log}
}

// CatchupEvents returns up to limit retained events from fromSeq
// (inclusive). A conversation with no events yet is an empty replay,
// not an error: subscribing before the first append is normal.
func (c *LogCatchup) CatchupEvents(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]conversation.Event, error) {
	events, err := c.log.Snapshot(ctx, conversationID, fromSeq)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
