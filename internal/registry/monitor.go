package registry

import (
	"log/slog"
	"time"
)

// Monitor sweeps the registry for connections that stopped heartbeating and
// deregisters them. Liveness detection runs on its own clock, independent of
// any reconnection backoff.
type Monitor struct {
	registry        *Registry
	interval        time.Duration
	missedThreshold int
	logger          *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a liveness monitor. A connection is considered dead
// after missedThreshold heartbeat intervals without a heartbeat.
func NewMonitor(reg *Registry, interval time.Duration, missedThreshold int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if missedThreshold <= 0 {
		missedThreshold = 3
	}
	return &Monitor{
		registry:        reg,
		interval:        interval,
		missedThreshold: missedThreshold,
		logger:          logger,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start begins the sweep loop. Call Stop to end it.
func (m *Monitor) Start() {
	go m.run()
}

// Stop ends the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep deregisters every connection whose last heartbeat is older than the
// missed-heartbeat window.
func (m *Monitor) sweep(now time.Time) {
	deadline := time.Duration(m.missedThreshold) * m.interval
	for _, rec := range m.registry.Snapshot() {
		if idle := now.Sub(rec.LastSeen()); idle > deadline {
			m.logger.Info("connection missed heartbeats, deregistering",
				"connection_id", rec.ID(), "user_id", rec.UserID(), "idle", idle)
			m.registry.Deregister(rec.ID())
		}
	}
}
