// Package models provides domain types for the Conduit event delivery core.
package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of outbound event.
type EventType string

const (
	// EventLifecycleStart announces that an agent run has begun.
	EventLifecycleStart EventType = "lifecycle.start"

	// EventProgress carries incremental agent progress (status, thoughts).
	EventProgress EventType = "progress"

	// EventToolResult carries the output of a tool invocation.
	EventToolResult EventType = "tool.result"

	// EventCompletion announces that an agent run has finished.
	EventCompletion EventType = "completion"

	// EventSystemError reports a failure the client must surface.
	EventSystemError EventType = "system.error"
)

// Priority orders events for delivery. Higher values are delivered first.
type Priority int

const (
	PriorityLifecycleStart Priority = iota
	PriorityProgress
	PriorityToolResult
	PriorityCompletion
	PrioritySystemError

	// NumPriorities is the number of distinct priority classes.
	NumPriorities = int(PrioritySystemError) + 1
)

// String returns the priority class name.
func (p Priority) String() string {
	switch p {
	case PriorityLifecycleStart:
		return "lifecycle_start"
	case PriorityProgress:
		return "progress"
	case PriorityToolResult:
		return "tool_result"
	case PriorityCompletion:
		return "completion"
	case PrioritySystemError:
		return "system_error"
	default:
		return "unknown"
	}
}

// Critical reports whether events of this priority must survive degraded
// mode. Completions and system errors carry direct business impact and are
// never shed, even when lower classes are dropped to relieve load.
func (p Priority) Critical() bool {
	return p >= PriorityCompletion
}

// PriorityFor maps an event type to its delivery priority class.
func PriorityFor(t EventType) Priority {
	switch t {
	case EventSystemError:
		return PrioritySystemError
	case EventCompletion:
		return PriorityCompletion
	case EventToolResult:
		return PriorityToolResult
	case EventProgress:
		return PriorityProgress
	default:
		return PriorityLifecycleStart
	}
}

// Event is an immutable, ordered, prioritized unit of outbound notification.
// Sequence is monotonically increasing per (UserID, ThreadID) and is the
// basis for de-duplication and ordering during restoration.
//
// Events are never mutated after construction; components pass them by
// pointer for efficiency only.
type Event struct {
	// Type identifies the kind of event.
	Type EventType `json:"type"`

	// UserID is the owning user. Delivery is restricted to this user's
	// connections.
	UserID string `json:"user_id"`

	// ThreadID scopes ordering and restoration.
	ThreadID string `json:"thread_id"`

	// RunID identifies the agent run that produced the event.
	RunID string `json:"run_id"`

	// Payload is the opaque event body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority is derived from Type at creation time.
	Priority Priority `json:"priority"`

	// Sequence is monotonic per (UserID, ThreadID).
	Sequence uint64 `json:"seq"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"ts"`
}

// Frame is the wire representation of one delivered message. The owning user
// is implicit in the connection; it never appears on the wire.
type Frame struct {
	Type      EventType       `json:"event_type"`
	ThreadID  string          `json:"thread_id"`
	Sequence  uint64          `json:"sequence_number"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// FrameFor builds the wire frame for an event.
func FrameFor(ev *Event) *Frame {
	return &Frame{
		Type:      ev.Type,
		ThreadID:  ev.ThreadID,
		Sequence:  ev.Sequence,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
}

// DeliveryReceipt summarizes the outcome of a publish call.
type DeliveryReceipt struct {
	// Enqueued is the number of connections the event was queued on.
	Enqueued int

	// Buffered is true when no live connection existed and the event was
	// handed to the restoration buffer instead.
	Buffered bool
}
