package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/pkg/protocol"
)

// RunContext tracks an active agent run and the reply session it feeds.
type RunContext struct {
	ChannelName string
	Target      ReplyTarget

	ctx     context.Context
	cancel  context.CancelFunc
	session ReplySession // nil when the channel is not a ReplyChannel
	stream  bool         // forward partial output to the session

	mu           sync.Mutex
	streamBuffer string // accumulated streaming text (chunks are deltas)
	started      bool
	closed       bool
}

// Manager manages all registered channels, handling their lifecycle
// and routing outbound messages and agent run output to the correct channel.
type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	runs         sync.Map // runID string → *RunContext
	hooks        Hooks
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// SetReplyHooks sets the hooks passed to every reply session opened by RegisterRun.
func (m *Manager) SetReplyHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// StartAll starts all registered channels and the outbound dispatch loop.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel, done: make(chan struct{})}
	go m.dispatchOutbound(dispatchCtx, m.dispatchTask.done)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	var errs []error
	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("start %s: %w", name, err))
		}
	}

	if len(errs) == len(m.channels) {
		return errors.Join(errs...)
	}

	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
// Active runs are aborted.
func (m *Manager) StopAll(ctx context.Context) error {
	m.runs.Range(func(key, _ any) bool {
		m.AbortRun(key.(string))
		return true
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("stopping all channels")

	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		<-m.dispatchTask.done
		m.dispatchTask = nil
	}

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel. Internal channels are silently skipped.
func (m *Manager) dispatchOutbound(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				slog.Info("outbound dispatcher stopped")
				return
			}
			continue
		}

		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Channel,
				"error", err,
			)
		}
	}
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// --- Run tracking ---

// RegisterRun associates a run ID with its originating chat. When the channel
// is a ReplyChannel a reply session is opened for the run; otherwise the final
// answer is published to the outbound bus.
func (m *Manager) RegisterRun(ctx context.Context, runID, channelName string, target ReplyTarget) {
	runCtx, cancel := context.WithCancel(ctx)
	rc := &RunContext{
		ChannelName: channelName,
		Target:      target,
		ctx:         runCtx,
		cancel:      cancel,
	}

	m.mu.RLock()
	ch, exists := m.channels[channelName]
	hooks := m.hooks
	m.mu.RUnlock()

	if rch, ok := ch.(ReplyChannel); exists && ok {
		rc.session = rch.BeginReply(runCtx, target, hooks)
		rc.stream = rch.StreamEnabled()
	}

	m.runs.Store(runID, rc)
}

// UnregisterRun removes a run tracking entry, closing its session if still open.
func (m *Manager) UnregisterRun(runID string) {
	val, ok := m.runs.LoadAndDelete(runID)
	if !ok {
		return
	}
	rc := val.(*RunContext)
	m.closeRun(rc, nil)
}

// AbortRun cancels the run's context. Later partial and final payloads become
// no-ops; work already in progress finishes its current send.
func (m *Manager) AbortRun(runID string) {
	if val, ok := m.runs.Load(runID); ok {
		val.(*RunContext).cancel()
	}
}

// ActiveRuns returns the number of tracked runs.
func (m *Manager) ActiveRuns() int {
	n := 0
	m.runs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// HandleAgentEvent routes agent lifecycle events to the run's reply session.
// It is called from the run's own goroutine; final delivery blocks until the
// channel has sent the answer.
// eventType: "run.started", "chunk", "run.retrying", "run.completed", "run.failed"
func (m *Manager) HandleAgentEvent(eventType, runID string, payload interface{}) {
	val, ok := m.runs.Load(runID)
	if !ok {
		return
	}
	rc := val.(*RunContext)

	switch eventType {
	case protocol.AgentEventRunStarted:
		rc.mu.Lock()
		first := !rc.started
		rc.started = true
		rc.mu.Unlock()
		if first && rc.session != nil {
			rc.session.Start(rc.ctx)
		}

	case protocol.ChatEventChunk:
		content := extractPayloadString(payload, "content")
		if content == "" {
			return
		}
		rc.mu.Lock()
		rc.streamBuffer += content
		fullText := rc.streamBuffer
		rc.mu.Unlock()

		if rc.session != nil && rc.stream {
			rc.session.Deliver(rc.ctx, ReplyPayload{Text: fullText, Kind: ReplyPartial})
		}

	case protocol.AgentEventRunCompleted:
		m.runs.Delete(runID)
		m.finishRun(rc, payload, nil)

	case protocol.AgentEventRunFailed:
		m.runs.Delete(runID)
		msg := extractPayloadString(payload, "error")
		if msg == "" {
			msg = "agent run failed"
		}
		m.finishRun(rc, payload, errors.New(msg))

	case protocol.AgentEventRunRetrying:
		// A new attempt starts from scratch; the status line stands in until
		// its first output replaces it.
		attempt := extractPayloadString(payload, "attempt")
		maxAttempts := extractPayloadString(payload, "maxAttempts")
		slog.Info("agent run retrying", "channel", rc.ChannelName, "chat_id", rc.Target.ChatID,
			"attempt", attempt, "max_attempts", maxAttempts)
		rc.mu.Lock()
		rc.streamBuffer = ""
		rc.mu.Unlock()
		if rc.session != nil && rc.stream {
			status := fmt.Sprintf("Agent busy, retrying... (%s/%s)", attempt, maxAttempts)
			rc.session.Deliver(rc.ctx, ReplyPayload{Text: status, Kind: ReplyPartial})
		}
	}
}

// finishRun delivers the final answer (payload "content", falling back to the
// streamed buffer) and closes the run.
func (m *Manager) finishRun(rc *RunContext, payload interface{}, runErr error) {
	text := extractPayloadString(payload, "content")
	if text == "" && runErr == nil {
		rc.mu.Lock()
		text = rc.streamBuffer
		rc.mu.Unlock()
	}
	media := extractPayloadMedia(payload)

	if rc.session == nil {
		if text != "" || len(media) > 0 {
			m.bus.PublishOutbound(bus.OutboundMessage{
				Channel: rc.ChannelName,
				ChatID:  rc.Target.ChatID,
				Content: text,
				Media:   media,
			})
		}
		m.closeRun(rc, runErr)
		return
	}

	if text != "" || len(media) > 0 {
		rc.session.Deliver(rc.ctx, ReplyPayload{Text: text, Kind: ReplyFinal, Media: media})
	}
	m.closeRun(rc, runErr)
}

func (m *Manager) closeRun(rc *RunContext, runErr error) {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.mu.Unlock()

	defer rc.cancel()
	if rc.session == nil {
		return
	}

	// Cleanup (typing indicator removal) must run even after an abort.
	outcome := rc.session.Close(context.WithoutCancel(rc.ctx), runErr)
	slog.Debug("reply closed",
		"channel", rc.ChannelName,
		"chat_id", rc.Target.ChatID,
		"final_sends", outcome.FinalSends,
		"stream_updates", outcome.StreamUpdates,
		"streamed", outcome.Streamed,
		"errors", outcome.Errors,
	)
}

// extractPayloadString extracts a string field from a payload (map[string]string or map[string]interface{}).
func extractPayloadString(payload interface{}, key string) string {
	switch p := payload.(type) {
	case map[string]string:
		return p[key]
	case map[string]interface{}:
		switch v := p[key].(type) {
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		case int:
			return fmt.Sprintf("%d", v)
		}
	}
	return ""
}

func extractPayloadMedia(payload interface{}) []bus.MediaAttachment {
	if p, ok := payload.(map[string]interface{}); ok {
		if media, ok := p["media"].([]bus.MediaAttachment); ok {
			return media
		}
	}
	return nil
}
