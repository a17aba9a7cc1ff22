package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Queue errors.
var (
	// ErrQueueClosed means the owning connection was deregistered.
	ErrQueueClosed = errors.New("outbound queue is closed")

	// ErrQueueFull means the connection is consuming too slowly. Callers
	// treat it as a transient send failure.
	ErrQueueFull = errors.New("outbound queue is full")
)

// Item is one queued event tagged with its per-connection delivery sequence.
type Item struct {
	Event       *models.Event
	DeliverySeq uint64
}

// Queue is the outbound queue of one connection. It holds one FIFO bucket
// per priority class; dequeue scans the buckets from highest to lowest, so
// a higher-priority event may overtake queued lower-priority ones from
// other threads but never an equal-or-higher one. Events of the same
// thread always come out in sequence order regardless of class: an
// overtake there would make delivered sequences go backwards, and clients
// deduplicating by sequence would swallow the overtaken event.
type Queue struct {
	mu      sync.Mutex
	buckets [models.NumPriorities][]*Item
	size    int
	depth   int
	seq     uint64
	closed  bool
	notify  chan struct{}
}

// NewQueue creates an outbound queue bounded at depth events.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 256
	}
	return &Queue{
		depth:  depth,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue adds an event and returns its delivery sequence. The sequence is
// monotonically increasing per connection regardless of priority class.
func (q *Queue) Enqueue(ev *models.Event) (uint64, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	if q.size >= q.depth {
		q.mu.Unlock()
		return 0, ErrQueueFull
	}
	q.seq++
	item := &Item{Event: ev, DeliverySeq: q.seq}
	q.buckets[ev.Priority] = append(q.buckets[ev.Priority], item)
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return item.DeliverySeq, nil
}

// Next blocks until an item is available, the queue is closed, or the
// context is cancelled. Items come out in priority-then-arrival order,
// except that an item whose thread has an earlier-sequence event still
// queued is held back until that event has gone out.
func (q *Queue) Next(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if item := q.takeLocked(); item != nil {
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// takeLocked removes and returns the highest-priority item that is the
// head of its thread, or nil when the queue is empty. The thread with the
// globally lowest queued sequence is always eligible, so a non-empty queue
// always yields something.
func (q *Queue) takeLocked() *Item {
	for p := models.NumPriorities - 1; p >= 0; p-- {
		for i, item := range q.buckets[p] {
			if q.threadHeadLocked(item) {
				q.buckets[p] = append(q.buckets[p][:i], q.buckets[p][i+1:]...)
				q.size--
				return item
			}
		}
	}
	return nil
}

// threadHeadLocked reports whether no queued event of the same user and
// thread carries a lower sequence than item's.
func (q *Queue) threadHeadLocked(item *Item) bool {
	ev := item.Event
	for p := 0; p < models.NumPriorities; p++ {
		for _, other := range q.buckets[p] {
			if other.Event.UserID == ev.UserID &&
				other.Event.ThreadID == ev.ThreadID &&
				other.Event.Sequence < ev.Sequence {
				return false
			}
		}
	}
	return true
}

// Close shuts the queue. Pending items remain drainable via Drain; further
// enqueues fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns all pending items in priority-then-arrival
// order. Everything queued was already retained in the session buffer at
// publish time, so retiring a connection only drains for accounting; no
// events are lost with the queue.
func (q *Queue) Drain() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var items []*Item
	for p := models.NumPriorities - 1; p >= 0; p-- {
		items = append(items, q.buckets[p]...)
		q.buckets[p] = nil
	}
	q.size = 0
	return items
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
