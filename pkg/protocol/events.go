// Package protocol defines the event names shared between the agent runner,
// the message bus and the channel manager.
package protocol

// Bus event names.
const (
	// Config reload (internal, payload: path).
	EventConfigReloaded = "config.reloaded"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk = "chunk"
)

// ProtocolVersion is bumped when event names or payload shapes change.
const ProtocolVersion = 1
