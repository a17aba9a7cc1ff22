package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haasonsaas/conduit/internal/delivery"
	"github.com/haasonsaas/conduit/internal/session"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Emitter accepts events from agent runs. Emission is fire-and-forget: the
// producer never learns about delivery problems and is never blocked by
// slow or absent clients. Failures are logged and absorbed here.
type Emitter struct {
	factory   *session.Factory
	layer     *delivery.Layer
	sequencer *Sequencer
	logger    *slog.Logger
}

// NewEmitter builds the producer edge.
func NewEmitter(factory *session.Factory, layer *delivery.Layer, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		factory:   factory,
		layer:     layer,
		sequencer: NewSequencer(),
		logger:    logger,
	}
}

// Sequencer exposes the thread cursor authority, mainly for tests.
func (e *Emitter) Sequencer() *Sequencer {
	return e.sequencer
}

// Emit creates and publishes one event. The session context for the run is
// attached on first use, so producers need no explicit session setup.
func (e *Emitter) Emit(ctx context.Context, eventType models.EventType, userID, threadID, runID string, payload json.RawMessage) {
	key := models.SessionKey{UserID: userID, ThreadID: threadID, RunID: runID}
	if err := key.Validate(); err != nil {
		e.logger.Error("rejecting event with invalid session key", "error", err,
			"user_id", userID, "thread_id", threadID, "run_id", runID)
		return
	}

	if _, err := e.factory.GetOrAttach(key); err != nil {
		e.logger.Error("session context unavailable", "error", err, "session", key.String())
		return
	}

	ev := &models.Event{
		Type:      eventType,
		UserID:    userID,
		ThreadID:  threadID,
		RunID:     runID,
		Payload:   payload,
		Priority:  models.PriorityFor(eventType),
		Sequence:  e.sequencer.Next(models.BufferKey{UserID: userID, ThreadID: threadID}),
		Timestamp: time.Now().UTC(),
	}

	if _, err := e.layer.Publish(ctx, ev); err != nil {
		e.logger.Error("event publish failed", "error", err,
			"session", key.String(), "event_type", eventType, "seq", ev.Sequence)
	}
}

// FinishRun releases the session context for a completed run.
func (e *Emitter) FinishRun(userID, threadID, runID string) {
	key := models.SessionKey{UserID: userID, ThreadID: threadID, RunID: runID}
	if err := e.factory.Cleanup(key); err != nil {
		e.logger.Warn("session cleanup failed", "error", err, "session", key.String())
	}
}
