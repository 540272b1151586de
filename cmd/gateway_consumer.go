package cmd

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/larkclaw/internal/agent"
	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/internal/channels"
	"github.com/nextlevelbuilder/larkclaw/pkg/protocol"
)

// runRouter is the part of channels.Manager the consumer drives.
type runRouter interface {
	RegisterRun(ctx context.Context, runID, channelName string, target channels.ReplyTarget)
	UnregisterRun(runID string)
	HandleAgentEvent(eventType, runID string, payload interface{})
}

// consumeInboundMessages reads inbound messages from the channels and starts
// one agent run per message. Run events flow back to the channel manager,
// which owns the reply session. Returns when ctx is done and all runs have
// finished.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, router runRouter, runner agent.Runner) {
	slog.Info("inbound message consumer started")
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		slog.Info("inbound message consumer stopped")
	}()

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if msg.Content == "" && len(msg.Media) == 0 {
			continue
		}

		runID := uuid.NewString()
		peerKind := msg.PeerKind
		if peerKind == "" {
			peerKind = "direct"
		}
		target := channels.ReplyTarget{
			ChatID:           msg.ChatID,
			ReplyToMessageID: msg.Metadata["message_id"],
			PeerKind:         peerKind,
		}

		slog.Info("inbound: starting agent run",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"peer_kind", peerKind,
			"sender", msg.SenderID,
			"run_id", runID,
		)

		router.RegisterRun(ctx, runID, msg.Channel, target)

		req := agent.RunRequest{
			RunID:    runID,
			Message:  msg.Content,
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			PeerKind: peerKind,
			SenderID: msg.SenderID,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// The runner always emits a terminal event; this only covers a
			// runner that returns early without one.
			defer router.UnregisterRun(runID)
			if _, err := runner.Run(ctx, req, forwardEvents(router)); err != nil {
				slog.Debug("inbound: agent run ended with error", "run_id", runID, "error", err)
			}
		}()
	}
}

// forwardEvents routes one run's events to the manager. Streamed output is
// held back while it could still become the silent-reply token, so a run
// that ends with NO_REPLY leaves nothing in the chat.
func forwardEvents(router runRouter) agent.EmitFunc {
	f := &replyFilter{router: router}
	return f.emit
}

// replyFilter is driven from the run's goroutine only.
type replyFilter struct {
	router runRouter
	text   string // accumulated chunk content
	shown  int    // bytes of text already forwarded
}

func (f *replyFilter) emit(e agent.Event) {
	switch e.Type {
	case protocol.ChatEventChunk:
		f.text += payloadContent(e.Payload)
		n := agent.StreamableLen(f.text)
		if n <= f.shown {
			return
		}
		delta := f.text[f.shown:n]
		f.shown = n
		f.router.HandleAgentEvent(e.Type, e.RunID, map[string]interface{}{"content": delta})
		return

	case protocol.AgentEventRunRetrying:
		f.text, f.shown = "", 0

	case protocol.AgentEventRunCompleted:
		content := payloadContent(e.Payload)
		if agent.IsSilentReply(content) {
			if f.shown == 0 {
				slog.Info("inbound: agent chose not to reply", "run_id", e.RunID)
				f.router.UnregisterRun(e.RunID)
				return
			}
			// Part of the answer is already on screen: settle it without the token.
			e.Payload = map[string]interface{}{"content": agent.StripSilentToken(content)}
		}
	}
	f.router.HandleAgentEvent(e.Type, e.RunID, e.Payload)
}

func payloadContent(payload interface{}) string {
	p, _ := payload.(map[string]interface{})
	s, _ := p["content"].(string)
	return s
}
