// Package ingest is the producer-facing edge: it assigns per-thread
// sequence numbers and hands finished events to the delivery layer without
// ever blocking or failing the producing agent run.
package ingest

import (
	"sync"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Sequencer issues monotonically increasing sequence numbers, one counter
// per (user, thread). Sequencing is the ordering authority for a thread:
// two events on the same thread never share a number. Counters live for
// the process lifetime; resetting one would mint sequences below a
// client's acknowledged cursor, which the client would then discard as
// duplicates. A counter is one word per thread ever seen.
type Sequencer struct {
	mu       sync.Mutex
	counters map[models.BufferKey]*uint64
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[models.BufferKey]*uint64)}
}

// Next returns the next sequence number for the thread, starting at 1.
func (s *Sequencer) Next(key models.BufferKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[key]
	if !ok {
		counter = new(uint64)
		s.counters[key] = counter
	}
	*counter++
	return *counter
}

// Current returns the last issued sequence number for the thread, zero if
// none was issued yet.
func (s *Sequencer) Current(key models.BufferKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter, ok := s.counters[key]; ok {
		return *counter
	}
	return 0
}
