package feishu

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/larkclaw/internal/metrics"
)

// typingEmoji is the reaction used as a "bot is typing" marker.
const typingEmoji = "Typing"

// TypingIndicator emulates a typing signal by reacting to the inbound message
// while a reply is being produced. All failures are logged and swallowed.
type TypingIndicator struct {
	sender    Sender
	messageID string
	metrics   *metrics.Delivery

	mu         sync.Mutex
	reactionID string
}

// NewTypingIndicator returns an indicator for messageID. An empty messageID
// yields an indicator whose Start and Stop do nothing.
func NewTypingIndicator(sender Sender, messageID string, m *metrics.Delivery) *TypingIndicator {
	return &TypingIndicator{sender: sender, messageID: messageID, metrics: m}
}

// Start applies the reaction. Calling Start while active is a no-op.
func (t *TypingIndicator) Start(ctx context.Context) {
	if t == nil || t.messageID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reactionID != "" {
		return
	}

	id, err := t.sender.AddReaction(ctx, t.messageID, typingEmoji)
	if err != nil {
		t.logTypingFailure("start", err)
		return
	}
	t.reactionID = id
}

// Stop removes the reaction if one was applied.
func (t *TypingIndicator) Stop(ctx context.Context) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.reactionID
	t.reactionID = ""
	if id == "" {
		return
	}

	if err := t.sender.RemoveReaction(ctx, t.messageID, id); err != nil {
		t.logTypingFailure("stop", err)
	}
}

// Active reports whether a reaction is currently applied.
func (t *TypingIndicator) Active() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reactionID != ""
}

func (t *TypingIndicator) logTypingFailure(phase string, err error) {
	t.metrics.TypingFailed(phase)
	slog.Debug("feishu typing indicator failed",
		"phase", phase,
		"message_id", t.messageID,
		"error", err,
	)
}
