// Package session implements the session context store and the context
// factory. A session context is the isolated mutable state for one
// (user, thread, run) identity; the factory's registry is the only place in
// the process where object identity for a session is decided.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// IsolationLevel selects how strictly a context polices cross-tenant access.
type IsolationLevel string

const (
	// IsolationStrict is the default: every access is checked against the
	// owning identity.
	IsolationStrict IsolationLevel = "strict"
)

// ResourceHandle is a scoped resource acquired for a session's lifetime and
// released exactly once at teardown.
type ResourceHandle interface {
	Release() error
}

// Context is the isolated mutable state for one session identity. The
// identity is immutable; the metadata bag and the handle set are the only
// documented mutation points. External components receive a reference owned
// by the factory registry, never a copy.
type Context struct {
	key       models.SessionKey
	isolation IsolationLevel
	createdAt time.Time

	mu       sync.RWMutex
	metadata map[string]any
	handles  []ResourceHandle
	invalid  bool
	released bool
}

func newContext(key models.SessionKey, level IsolationLevel) *Context {
	return &Context{
		key:       key,
		isolation: level,
		createdAt: time.Now(),
		metadata:  make(map[string]any),
	}
}

// Key returns the immutable session identity.
func (c *Context) Key() models.SessionKey {
	return c.key
}

// Isolation returns the isolation level the context was created with.
func (c *Context) Isolation() IsolationLevel {
	return c.isolation
}

// CreatedAt returns when the context was minted.
func (c *Context) CreatedAt() time.Time {
	return c.createdAt
}

// SetMetadata stores a request-scoped key/value pair (permissions,
// business-context tags).
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns the value stored under key.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// MetadataSnapshot returns a copy of the metadata bag. Tests use it to
// verify that unrelated sessions are untouched by another key's cleanup.
func (c *Context) MetadataSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		snap[k] = v
	}
	return snap
}

// AttachHandle registers a resource handle for release at teardown.
func (c *Context) AttachHandle(h ResourceHandle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = append(c.handles, h)
}

// Invalidate marks the context as expired. An invalidated context stays in
// the registry until cleaned up but is no longer returned by GetOrAttach.
func (c *Context) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid = true
}

// Invalid reports whether the context has been invalidated.
func (c *Context) Invalid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invalid
}

// release releases all attached handles exactly once. Subsequent calls are
// no-ops.
func (c *Context) release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	handles := c.handles
	c.handles = nil
	c.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
