package models

import (
	"fmt"
	"strings"
)

// SessionKey is the composite identity of one logical session. It is the
// unit of isolation: all session and connection state is partitioned by it
// or by its UserID component. Immutable once created; the per-call
// request id is correlation data, not part of the identity.
type SessionKey struct {
	UserID   string
	ThreadID string
	RunID    string
}

// String renders the key in its canonical "user/thread/run" form.
func (k SessionKey) String() string {
	return k.UserID + "/" + k.ThreadID + "/" + k.RunID
}

// Validate reports whether every component of the key is present.
func (k SessionKey) Validate() error {
	if strings.TrimSpace(k.UserID) == "" {
		return fmt.Errorf("session key: user id is required")
	}
	if strings.TrimSpace(k.ThreadID) == "" {
		return fmt.Errorf("session key: thread id is required")
	}
	if strings.TrimSpace(k.RunID) == "" {
		return fmt.Errorf("session key: run id is required")
	}
	return nil
}

// BufferKey scopes the restoration buffer. Restoration is requested per
// thread, so buffered events are grouped by (user, thread) rather than by
// the full session key.
type BufferKey struct {
	UserID   string
	ThreadID string
}

// String renders the key in its canonical "user/thread" form.
func (k BufferKey) String() string {
	return k.UserID + "/" + k.ThreadID
}

// BufferKeyFor returns the restoration buffer key for an event.
func BufferKeyFor(ev *Event) BufferKey {
	return BufferKey{UserID: ev.UserID, ThreadID: ev.ThreadID}
}

// Identity is an authenticated principal bound to delivery channels.
// Verification of the bearer credential happens at the transport boundary;
// core components trust the Authenticated flag.
type Identity struct {
	UserID        string
	Authenticated bool
}
