// Package delivery wraps the event router with retry, circuit breaking, a
// bounded restoration buffer, and a degraded-mode fallback path.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrBufferOverflow reports that an append required evicting events. The
// append itself still succeeds (or the incoming event is the victim); the
// error is accounting, surfaced through metrics and logs.
var ErrBufferOverflow = errors.New("restoration buffer overflow")

// BufferStore is the cache collaborator boundary: a map from session key to
// buffered event list with a retention TTL. It is the only state this core
// expects an external cache to durably hold.
type BufferStore interface {
	// Append retains an event for restoration, evicting per the overflow
	// policy when the session's buffer is at capacity. Returns the number
	// of events evicted to make room.
	Append(ctx context.Context, ev *models.Event) (evicted int, err error)

	// EventsAfter returns the retained events for a session with
	// Sequence > lastSeq, in ascending sequence order.
	EventsAfter(ctx context.Context, key models.BufferKey, lastSeq uint64) ([]*models.Event, error)

	// AckThrough discards retained events with Sequence <= seq. Acked
	// events must never be replayed.
	AckThrough(ctx context.Context, key models.BufferKey, seq uint64) error

	// Sweep discards events whose retention window has expired, returning
	// the number removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Len returns the total number of retained events.
	Len(ctx context.Context) (int, error)

	Close() error
}

type bufferedEvent struct {
	ev        *models.Event
	expiresAt time.Time
}

type sessionBuffer struct {
	mu      sync.Mutex
	entries []bufferedEvent // ascending by sequence
}

// MemoryBufferStore is the in-process BufferStore. Buffers are partitioned
// by session key with per-session locking; the top-level map mutex guards
// only index mutation.
type MemoryBufferStore struct {
	capacity int
	ttl      time.Duration

	mu       sync.RWMutex
	sessions map[models.BufferKey]*sessionBuffer
}

// NewMemoryBufferStore creates an in-memory restoration buffer. capacity
// bounds each session's buffer; ttl bounds retention.
func NewMemoryBufferStore(capacity int, ttl time.Duration) *MemoryBufferStore {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MemoryBufferStore{
		capacity: capacity,
		ttl:      ttl,
		sessions: make(map[models.BufferKey]*sessionBuffer),
	}
}

func (s *MemoryBufferStore) session(key models.BufferKey) *sessionBuffer {
	s.mu.RLock()
	sb, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		return sb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.sessions[key]; ok {
		return sb
	}
	sb = &sessionBuffer{}
	s.sessions[key] = sb
	return sb
}

// Append implements BufferStore. The overflow policy evicts the oldest
// event of the lowest priority class present; completion and system_error
// events are never evicted ahead of lower-priority ones. An incoming event
// ranking below everything already buffered is itself the victim.
func (s *MemoryBufferStore) Append(ctx context.Context, ev *models.Event) (int, error) {
	sb := s.session(models.BufferKeyFor(ev))
	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Re-buffering an already-retained sequence replaces it in place.
	for i, e := range sb.entries {
		if e.ev.Sequence == ev.Sequence {
			sb.entries[i] = bufferedEvent{ev: ev, expiresAt: time.Now().Add(s.ttl)}
			return 0, nil
		}
	}

	evicted := 0
	for len(sb.entries) >= s.capacity {
		lowest := lowestPriorityPresent(sb.entries)
		if ev.Priority < lowest {
			// The incoming event is the lowest-ranking; drop it instead
			// of displacing something more important.
			return evicted + 1, ErrBufferOverflow
		}
		sb.entries = evictOldestOf(sb.entries, lowest)
		evicted++
	}

	sb.entries = append(sb.entries, bufferedEvent{
		ev:        ev,
		expiresAt: time.Now().Add(s.ttl),
	})
	if evicted > 0 {
		return evicted, ErrBufferOverflow
	}
	return 0, nil
}

func lowestPriorityPresent(entries []bufferedEvent) models.Priority {
	lowest := models.PrioritySystemError
	for _, e := range entries {
		if e.ev.Priority < lowest {
			lowest = e.ev.Priority
		}
	}
	return lowest
}

func evictOldestOf(entries []bufferedEvent, p models.Priority) []bufferedEvent {
	for i, e := range entries {
		if e.ev.Priority == p {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// EventsAfter implements BufferStore.
func (s *MemoryBufferStore) EventsAfter(ctx context.Context, key models.BufferKey, lastSeq uint64) ([]*models.Event, error) {
	s.mu.RLock()
	sb, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	now := time.Now()
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var out []*models.Event
	for _, e := range sb.entries {
		if e.ev.Sequence > lastSeq && e.expiresAt.After(now) {
			out = append(out, e.ev)
		}
	}
	return out, nil
}

// AckThrough implements BufferStore.
func (s *MemoryBufferStore) AckThrough(ctx context.Context, key models.BufferKey, seq uint64) error {
	s.mu.RLock()
	sb, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	kept := sb.entries[:0]
	for _, e := range sb.entries {
		if e.ev.Sequence > seq {
			kept = append(kept, e)
		}
	}
	sb.entries = kept
	return nil
}

// Sweep implements BufferStore.
func (s *MemoryBufferStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	buffers := make([]*sessionBuffer, 0, len(s.sessions))
	for _, sb := range s.sessions {
		buffers = append(buffers, sb)
	}
	s.mu.RUnlock()

	removed := 0
	for _, sb := range buffers {
		sb.mu.Lock()
		kept := sb.entries[:0]
		for _, e := range sb.entries {
			if e.expiresAt.After(now) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		sb.entries = kept
		sb.mu.Unlock()
	}
	return removed, nil
}

// Len implements BufferStore.
func (s *MemoryBufferStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	buffers := make([]*sessionBuffer, 0, len(s.sessions))
	for _, sb := range s.sessions {
		buffers = append(buffers, sb)
	}
	s.mu.RUnlock()

	total := 0
	for _, sb := range buffers {
		sb.mu.Lock()
		total += len(sb.entries)
		sb.mu.Unlock()
	}
	return total, nil
}

// Close implements BufferStore.
func (s *MemoryBufferStore) Close() error {
	return nil
}
