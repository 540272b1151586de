// Package agent runs the external agent that answers inbound chat messages
// and reports its progress as run events.
package agent

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/larkclaw/pkg/protocol"
)

// Event is emitted during a run. Type is one of the protocol agent/chat event
// names; chunk payloads carry a "content" delta.
type Event struct {
	Type    string      `json:"type"` // "run.started", "chunk", "run.retrying", "run.completed", "run.failed"
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// EmitFunc receives run events in order, on the run's goroutine.
type EmitFunc func(Event)

// RunRequest is the input for one agent run.
type RunRequest struct {
	RunID    string // unique run identifier
	Message  string // user message (with any group context already prepended)
	Channel  string // source channel
	ChatID   string // source chat ID
	PeerKind string // "direct" or "group"
	SenderID string
}

// RunResult is the output of a finished run.
type RunResult struct {
	Content  string        `json:"content"`
	RunID    string        `json:"runId"`
	Duration time.Duration `json:"duration"`
}

// Runner executes agent runs. Run blocks until the run finishes and emits
// exactly one run.started and one terminal event (run.completed or run.failed).
type Runner interface {
	Run(ctx context.Context, req RunRequest, emit EmitFunc) (*RunResult, error)
}

func started(runID string) Event {
	return Event{Type: protocol.AgentEventRunStarted, RunID: runID}
}

func chunk(runID, delta string) Event {
	return Event{Type: protocol.ChatEventChunk, RunID: runID, Payload: map[string]interface{}{"content": delta}}
}

func retrying(runID string, attempt, maxAttempts int) Event {
	return Event{Type: protocol.AgentEventRunRetrying, RunID: runID, Payload: map[string]interface{}{
		"attempt":     attempt,
		"maxAttempts": maxAttempts,
	}}
}

func completed(runID, content string) Event {
	return Event{Type: protocol.AgentEventRunCompleted, RunID: runID, Payload: map[string]interface{}{"content": content}}
}

func failed(runID string, err error) Event {
	return Event{Type: protocol.AgentEventRunFailed, RunID: runID, Payload: map[string]interface{}{"error": err.Error()}}
}
