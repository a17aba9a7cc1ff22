package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/infra"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/router"
	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrDeliveryTimeout reports that a send failed after all retry attempts.
// It is handled locally (degraded-mode accounting) and never propagates to
// the agent-execution collaborator.
var ErrDeliveryTimeout = errors.New("delivery timed out after retries")

// Layer wraps the event router with bounded buffering, retry with
// exponential backoff, a per-connection circuit breaker, and a degraded-mode
// fallback that always preserves completion and system_error events.
type Layer struct {
	cfg      config.DeliveryConfig
	store    BufferStore
	registry *registry.Registry
	router   *router.Router
	breakers *infra.BreakerRegistry
	policy   backoff.Policy
	logger   *slog.Logger
	metrics  *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	sweepMu      sync.Mutex
	sweepStarted bool
	sweepStop    chan struct{}
	sweepDone    chan struct{}
}

// NewLayer builds the resilience layer and the router it wraps, and
// installs itself as the registry's lifecycle observer so every registered
// connection gets a delivery pump.
func NewLayer(cfg config.DeliveryConfig, store BufferStore, reg *registry.Registry, logger *slog.Logger, metrics *observability.Metrics) *Layer {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Layer{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		policy:    backoff.SendRetryPolicy(),
		logger:    logger,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	l.breakers = infra.NewBreakerRegistry(infra.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		OnStateChange:    l.onBreakerTransition,
	})
	l.router = router.New(reg, l, logger)
	l.router.SetAlarm(func(ev *models.Event, connID, connOwner string) {
		if l.metrics != nil {
			l.metrics.IsolationViolations.Inc()
		}
	})
	reg.SetObserver(l)
	return l
}

// Router returns the wrapped event router.
func (l *Layer) Router() *router.Router {
	return l.router
}

// Publish accepts one event for delivery. Every event is retained in the
// restoration buffer until acknowledged by sequence number; live routing
// happens on top of that retention, so a transport loss between send and
// ack cannot lose the event.
func (l *Layer) Publish(ctx context.Context, ev *models.Event) (models.DeliveryReceipt, error) {
	if l.metrics != nil {
		l.metrics.EventsPublished.WithLabelValues(ev.Priority.String()).Inc()
	}

	receipt, err := l.router.Publish(ctx, ev)
	if err != nil {
		return receipt, err
	}
	if !receipt.Buffered {
		// The router buffers on its own when no connection took the
		// event; otherwise retain a copy for restoration.
		if bufErr := l.Buffer(ctx, ev); bufErr != nil {
			l.logger.Warn("event retention failed", "error", bufErr,
				"user_id", ev.UserID, "thread_id", ev.ThreadID, "seq", ev.Sequence)
		}
	}
	l.updateBufferGauge(ctx)
	return receipt, nil
}

// Buffer implements router.BufferSink: it retains an event for restoration,
// accounting for overflow evictions.
func (l *Layer) Buffer(ctx context.Context, ev *models.Event) error {
	evicted, err := l.store.Append(ctx, ev)
	if errors.Is(err, ErrBufferOverflow) {
		if l.metrics != nil {
			l.metrics.BufferEvictions.WithLabelValues("overflow").Add(float64(evicted))
		}
		l.logger.Warn("restoration buffer overflow",
			"user_id", ev.UserID, "thread_id", ev.ThreadID, "evicted", evicted)
		return nil
	}
	return err
}

// Replay returns the buffered events for a session with sequence numbers
// above lastSeq, in order. The restoration handshake uses it to resume a
// reconnected client exactly once.
func (l *Layer) Replay(ctx context.Context, key models.BufferKey, lastSeq uint64) ([]*models.Event, error) {
	events, err := l.store.EventsAfter(ctx, key, lastSeq)
	if err != nil {
		return nil, fmt.Errorf("replay events after %d: %w", lastSeq, err)
	}
	return events, nil
}

// Ack discards buffered events the client has acknowledged.
func (l *Layer) Ack(ctx context.Context, key models.BufferKey, seq uint64) error {
	if err := l.store.AckThrough(ctx, key, seq); err != nil {
		return err
	}
	l.updateBufferGauge(ctx)
	return nil
}

// Start launches the TTL sweeper. Calling Start more than once is a no-op.
func (l *Layer) Start(sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	l.sweepMu.Lock()
	if l.sweepStarted {
		l.sweepMu.Unlock()
		return
	}
	l.sweepStarted = true
	l.sweepMu.Unlock()
	go func() {
		defer close(l.sweepDone)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.sweepStop:
				return
			case <-ticker.C:
				removed, err := l.store.Sweep(l.ctx, time.Now())
				if err != nil {
					l.logger.Warn("buffer sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					if l.metrics != nil {
						l.metrics.BufferEvictions.WithLabelValues("ttl").Add(float64(removed))
					}
					l.updateBufferGauge(l.ctx)
				}
			}
		}
	}()
}

// Close stops all pumps and the sweeper, then closes the buffer store.
func (l *Layer) Close() error {
	l.cancel()
	close(l.sweepStop)
	l.sweepMu.Lock()
	started := l.sweepStarted
	l.sweepMu.Unlock()
	if started {
		<-l.sweepDone
	}
	l.pumps.Wait()
	return l.store.Close()
}

// ConnectionRegistered implements registry.Observer: it starts the delivery
// pump for the new connection.
func (l *Layer) ConnectionRegistered(rec *registry.Record) {
	if l.metrics != nil {
		l.metrics.ActiveConnections.Inc()
	}
	l.pumps.Add(1)
	go l.pump(rec)
}

// ConnectionDeregistered implements registry.Observer.
func (l *Layer) ConnectionDeregistered(rec *registry.Record) {
	if l.metrics != nil {
		l.metrics.ActiveConnections.Dec()
	}
	l.breakers.Remove(rec.ID())
}

// pump drains one connection's outbound queue in priority-then-arrival
// order. It exits when the queue closes (deregistration) or the layer shuts
// down; a client disconnect therefore cancels only this connection's
// in-flight sends.
func (l *Layer) pump(rec *registry.Record) {
	defer l.pumps.Done()

	for {
		item, err := rec.Queue().Next(l.ctx)
		if err != nil {
			return
		}
		l.deliver(rec, item)
	}
}

// deliver sends one queued item, with circuit breaking and bounded retry.
func (l *Layer) deliver(rec *registry.Record, item *registry.Item) {
	// Ownership is re-checked at dequeue; a mismatch here means the
	// structural isolation guarantee failed upstream.
	if item.Event.UserID != rec.UserID() {
		l.logger.Error("isolation violation at dequeue",
			"connection_id", rec.ID(), "connection_user", rec.UserID(),
			"event_user", item.Event.UserID, "seq", item.Event.Sequence)
		if l.metrics != nil {
			l.metrics.IsolationViolations.Inc()
		}
		return
	}

	breaker := l.breakers.Get(rec.ID())
	if err := breaker.Allow(); err != nil {
		l.degrade(rec, item.Event, "circuit_open")
		return
	}

	frame := models.FrameFor(item.Event)
	start := time.Now()
	_, err := backoff.Retry(l.ctx, l.policy, l.cfg.SendRetryAttempts, func(attempt int) error {
		return rec.Sender().Send(frame)
	})
	if err != nil {
		breaker.RecordFailure()
		l.logger.Warn("delivery failed after retries",
			"connection_id", rec.ID(), "user_id", rec.UserID(),
			"seq", item.Event.Sequence, "error", fmt.Errorf("%w: %w", ErrDeliveryTimeout, err))
		l.degrade(rec, item.Event, "delivery_timeout")
		return
	}

	breaker.RecordSuccess()
	if l.metrics != nil {
		l.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
		l.metrics.EventsDelivered.WithLabelValues(item.Event.Priority.String()).Inc()
	}
}

// degrade applies the documented lossy policy: completion and system_error
// events are preserved in the restoration buffer (already retained at
// publish, re-asserted here) and reported; lower classes are shed with
// accounting. Nothing is ever dropped silently.
func (l *Layer) degrade(rec *registry.Record, ev *models.Event, reason string) {
	if ev.Priority.Critical() {
		if err := l.Buffer(l.ctx, ev); err != nil {
			l.logger.Error("failed to preserve critical event",
				"connection_id", rec.ID(), "seq", ev.Sequence, "error", err)
		}
		if l.metrics != nil {
			l.metrics.EventsPreserved.WithLabelValues(ev.Priority.String(), reason).Inc()
		}
		return
	}

	if l.metrics != nil {
		l.metrics.EventsDropped.WithLabelValues(ev.Priority.String(), reason).Inc()
	}
	l.logger.Debug("event shed in degraded mode",
		"connection_id", rec.ID(), "priority", ev.Priority.String(),
		"seq", ev.Sequence, "reason", reason)
}

func (l *Layer) onBreakerTransition(name, from, to string) {
	l.logger.Info("delivery circuit transition",
		"connection_id", name, "from", from, "to", to)
	if l.metrics != nil {
		l.metrics.BreakerTransitions.WithLabelValues(to).Inc()
	}
}

func (l *Layer) updateBufferGauge(ctx context.Context) {
	if l.metrics == nil {
		return
	}
	if n, err := l.store.Len(ctx); err == nil {
		l.metrics.BufferedEvents.Set(float64(n))
	}
}

// NewBufferStore constructs the configured BufferStore backend.
func NewBufferStore(cfg config.DeliveryConfig) (BufferStore, error) {
	switch cfg.BufferStore {
	case "sqlite":
		return NewSQLiteBufferStore(cfg.BufferPath, cfg.BufferCapacity, cfg.BufferTTL)
	default:
		return NewMemoryBufferStore(cfg.BufferCapacity, cfg.BufferTTL), nil
	}
}
