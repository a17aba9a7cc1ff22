// Package router delivers events to the connections owned by the event's
// user, in priority-then-arrival order. The isolation guarantee is the
// central correctness property: no sequence of publishes may place an event
// owned by one user on a connection owned by another.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrIsolationViolation indicates a broken tenant-isolation invariant. It is
// fatal: it must never occur in a correct build, and it trips an alarm
// rather than being silently handled.
var ErrIsolationViolation = errors.New("isolation violation: event owner does not match connection owner")

// BufferSink receives events that cannot be placed on a live connection.
// The delivery resilience layer implements it with the restoration buffer.
type BufferSink interface {
	Buffer(ctx context.Context, ev *models.Event) error
}

// AlarmFunc is invoked when an isolation violation is detected, before the
// error is surfaced.
type AlarmFunc func(ev *models.Event, connID, connOwner string)

// Router routes published events to the owning user's registered
// connections.
type Router struct {
	registry *registry.Registry
	sink     BufferSink
	logger   *slog.Logger
	alarm    AlarmFunc
}

// New creates an event router.
func New(reg *registry.Registry, sink BufferSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		sink:     sink,
		logger:   logger,
	}
}

// SetAlarm installs the isolation alarm hook.
func (r *Router) SetAlarm(fn AlarmFunc) {
	r.alarm = fn
}

// Publish routes one event. With no live connection for the owner, the
// event goes to the buffering path rather than being dropped. Otherwise it
// is enqueued on every connection in the owner's pool, tagged with that
// connection's monotonically increasing delivery sequence. A connection
// whose queue is full misses the live enqueue; the event is buffered so
// restoration can recover it.
func (r *Router) Publish(ctx context.Context, ev *models.Event) (models.DeliveryReceipt, error) {
	var receipt models.DeliveryReceipt
	if ev == nil {
		return receipt, errors.New("event is nil")
	}
	if ev.UserID == "" || ev.ThreadID == "" {
		return receipt, fmt.Errorf("event %q is missing owner identity", ev.Type)
	}

	records := r.registry.RecordsFor(ev.UserID)
	if len(records) == 0 {
		if err := r.sink.Buffer(ctx, ev); err != nil {
			return receipt, fmt.Errorf("buffer event: %w", err)
		}
		receipt.Buffered = true
		return receipt, nil
	}

	overflowed := false
	for _, rec := range records {
		if rec.UserID() != ev.UserID {
			r.raiseAlarm(ev, rec)
			return receipt, ErrIsolationViolation
		}
		if _, err := rec.Queue().Enqueue(ev); err != nil {
			// Full or concurrently closed queue: the connection misses the
			// live copy, restoration picks it up from the buffer.
			overflowed = true
			continue
		}
		receipt.Enqueued++
	}

	if receipt.Enqueued == 0 || overflowed {
		if err := r.sink.Buffer(ctx, ev); err != nil {
			return receipt, fmt.Errorf("buffer event: %w", err)
		}
		receipt.Buffered = true
	}
	return receipt, nil
}

func (r *Router) raiseAlarm(ev *models.Event, rec *registry.Record) {
	r.logger.Error("isolation violation detected",
		"event_user", ev.UserID,
		"connection_id", rec.ID(),
		"connection_user", rec.UserID(),
		"thread_id", ev.ThreadID,
	)
	if r.alarm != nil {
		r.alarm(ev, rec.ID(), rec.UserID())
	}
}
