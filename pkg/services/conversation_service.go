package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/ratelimit"
)

// ConversationService reads and streams conversation event logs.
// Conversations are addressed by their ID alone; knowing the ID grants
// access. The subject is only used to charge rate-limit buckets.
type ConversationService struct {
	log     *conversation.Log
	limiter *ratelimit.Limiter
}

// NewConversationService creates a new ConversationService.
func NewConversationService(log *conversation.Log, limiter *ratelimit.Limiter) *ConversationService {
	if log == nil {
		panic("NewConversationService: log must not be nil")
	}
	if limiter == nil {
		panic("NewConversationService: limiter must not be nil")
	}
	return &ConversationService{
		log:     log,
		limiter: limiter,
	}
}

// GetConversation returns the conversation's retained events from
// fromSeq (inclusive). ErrNotFound when it has no events at all.
func (s *ConversationService) GetConversation(ctx context.Context, subject, convID string, fromSeq int64) ([]conversation.Event, error) {
	if err := s.limiter.Admit(subject, config.EndpointClassRead); err != nil {
		return nil, err
	}

	events, err := s.log.Snapshot(ctx, convID, fromSeq)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	return events, nil
}

// SubscribeConversation opens a live event stream that first replays
// retained history from fromSeq, then follows new appends. The caller
// must Close the subscription when done.
func (s *ConversationService) SubscribeConversation(subject, convID string, fromSeq int64) (*conversation.Subscription, error) {
	if err := s.limiter.Admit(subject, config.EndpointClassStream); err != nil {
		return nil, err
	}

	sub, err := s.log.Subscribe(convID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to conversation: %w", err)
	}
	return sub, nil
}
