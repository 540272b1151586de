package channels

import (
	"context"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
)

// ReplyKind distinguishes streamed partial output from the final answer.
type ReplyKind int

const (
	ReplyPartial ReplyKind = iota
	ReplyFinal
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyPartial:
		return "partial"
	case ReplyFinal:
		return "final"
	default:
		return "unknown"
	}
}

// ReplyPayload is one unit of agent output. Partial payloads carry the full
// accumulated text so far, not a delta.
type ReplyPayload struct {
	Text  string
	Kind  ReplyKind
	Media []bus.MediaAttachment
}

// ReplyTarget identifies where a reply goes.
type ReplyTarget struct {
	ChatID           string
	ReplyToMessageID string // inbound message to reply to (and react on); may be empty
	PeerKind         string // "direct" or "group"
}

// DeliveryInfo describes the step that failed when Hooks.OnError fires.
type DeliveryInfo struct {
	Kind  ReplyKind
	Stage string // "stream", "chunk", "media", "typing"
	Chunk int    // index of the failed chunk, -1 when not applicable
}

// DeliveryOutcome summarizes a finished reply.
type DeliveryOutcome struct {
	FinalSends     int  // chunks sent through ordinary delivery
	StreamUpdates  int  // successful draft stream sends (create + patches)
	Streamed       bool // the final answer stayed in the streamed card
	MediaSent      int
	MediaFallbacks int // media replaced by a text link
	Errors         int
}

// Hooks are the caller-visible side effects of a reply session.
// Nil fields are skipped.
type Hooks struct {
	OnStart func()
	OnStop  func()
	OnError func(err error, info DeliveryInfo)
	OnIdle  func(outcome DeliveryOutcome)
}

// Start invokes OnStart if set.
func (h Hooks) Start() {
	if h.OnStart != nil {
		h.OnStart()
	}
}

// Stop invokes OnStop if set.
func (h Hooks) Stop() {
	if h.OnStop != nil {
		h.OnStop()
	}
}

// Error invokes OnError if set.
func (h Hooks) Error(err error, info DeliveryInfo) {
	if h.OnError != nil {
		h.OnError(err, info)
	}
}

// Idle invokes OnIdle if set.
func (h Hooks) Idle(outcome DeliveryOutcome) {
	if h.OnIdle != nil {
		h.OnIdle(outcome)
	}
}

// ReplySession delivers the output of one agent run to one chat.
// Deliver calls are sequential; Close is called exactly once.
type ReplySession interface {
	Start(ctx context.Context)
	Deliver(ctx context.Context, payload ReplyPayload)
	Close(ctx context.Context, err error) DeliveryOutcome
}
