// Package registry maps user identities to their live transport connections
// and owns the connection lifecycle. The union of all per-user pools is a
// partition: a connection id belongs to at most one pool at any time, and
// operations on one user's pool never observe another user's.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrUnauthenticatedConnection is returned when a connection is registered
// for an identity that has not been authenticated. The connection is never
// registered.
var ErrUnauthenticatedConnection = errors.New("connection identity is not authenticated")

// Sender is the transport half of a connection: an ordered message stream
// to one client.
type Sender interface {
	Send(frame *models.Frame) error
	Close() error
}

// Record represents one live transport connection bound to exactly one
// user. The binding is established at creation and never reassigned.
type Record struct {
	id     string
	userID string
	queue  *Queue
	sender Sender

	mu       sync.Mutex
	lastSeen time.Time
}

// ID returns the connection id.
func (r *Record) ID() string { return r.id }

// UserID returns the owning user. Immutable for the record's lifetime.
func (r *Record) UserID() string { return r.userID }

// Queue returns the connection's outbound queue.
func (r *Record) Queue() *Queue { return r.queue }

// Sender returns the connection's transport sender.
func (r *Record) Sender() Sender { return r.sender }

// Heartbeat marks the connection as seen now.
func (r *Record) Heartbeat() {
	r.mu.Lock()
	r.lastSeen = time.Now()
	r.mu.Unlock()
}

// LastSeen returns when the connection last proved liveness.
func (r *Record) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

// Observer is notified of connection lifecycle transitions. Callbacks run
// outside the registry's locks.
type Observer interface {
	ConnectionRegistered(rec *Record)
	ConnectionDeregistered(rec *Record)
}

// Registry owns the per-user connection pools. The internal mutex guards
// only the index structures themselves; critical sections are pure map
// updates with no I/O.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]map[string]*Record // userID -> connID -> record
	index map[string]string             // connID -> userID

	queueDepth int
	logger     *slog.Logger
	observer   Observer
}

// New creates an empty connection registry. queueDepth bounds each
// connection's outbound queue.
func New(queueDepth int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pools:      make(map[string]map[string]*Record),
		index:      make(map[string]string),
		queueDepth: queueDepth,
		logger:     logger,
	}
}

// SetObserver installs the lifecycle observer. Must be called before the
// first registration.
func (g *Registry) SetObserver(o Observer) {
	g.observer = o
}

// Register creates a connection record for the identity and adds it to the
// owner's pool. connID may carry a previous connection id for reattachment;
// an empty or foreign-owned id is replaced with a fresh one. Fails with
// ErrUnauthenticatedConnection when the identity is not authenticated.
func (g *Registry) Register(identity models.Identity, sender Sender, connID string) (*Record, error) {
	if !identity.Authenticated || identity.UserID == "" {
		return nil, ErrUnauthenticatedConnection
	}

	var stale *Record
	g.mu.Lock()
	if connID != "" {
		if owner, ok := g.index[connID]; ok {
			if owner == identity.UserID {
				// Reattach: retire the stale record for this id.
				stale = g.pools[owner][connID]
				delete(g.pools[owner], connID)
				delete(g.index, connID)
			} else {
				// A connection id never moves between users.
				connID = ""
			}
		}
	}
	if connID == "" {
		connID = uuid.NewString()
	}

	rec := &Record{
		id:       connID,
		userID:   identity.UserID,
		queue:    NewQueue(g.queueDepth),
		sender:   sender,
		lastSeen: time.Now(),
	}
	pool, ok := g.pools[identity.UserID]
	if !ok {
		pool = make(map[string]*Record)
		g.pools[identity.UserID] = pool
	}
	pool[connID] = rec
	g.index[connID] = identity.UserID
	g.mu.Unlock()

	if stale != nil {
		g.retire(stale)
	}
	g.logger.Debug("connection registered", "connection_id", connID, "user_id", identity.UserID)
	if g.observer != nil {
		g.observer.ConnectionRegistered(rec)
	}
	return rec, nil
}

// Deregister removes the connection from exactly the owning user's pool and
// releases its outbound queue. Deregistering an unknown id is a no-op. The
// owning session context is untouched; connections and sessions have
// independent lifetimes.
func (g *Registry) Deregister(connID string) {
	g.mu.Lock()
	userID, ok := g.index[connID]
	var rec *Record
	if ok {
		rec = g.pools[userID][connID]
		delete(g.pools[userID], connID)
		if len(g.pools[userID]) == 0 {
			delete(g.pools, userID)
		}
		delete(g.index, connID)
	}
	g.mu.Unlock()

	if rec == nil {
		return
	}
	g.retire(rec)
	g.logger.Debug("connection deregistered", "connection_id", connID, "user_id", userID)
	if g.observer != nil {
		g.observer.ConnectionDeregistered(rec)
	}
}

// retire closes a record's queue and transport outside the registry lock.
// Undelivered events stay restorable from the session buffer, so the
// drained remainder is only surfaced for operators.
func (g *Registry) retire(rec *Record) {
	rec.queue.Close()
	if undelivered := rec.queue.Drain(); len(undelivered) > 0 {
		g.logger.Debug("connection retired with queued events",
			"connection_id", rec.id, "user_id", rec.userID, "undelivered", len(undelivered))
	}
	if rec.sender != nil {
		_ = rec.sender.Close()
	}
}

// ConnectionsFor returns the live connection ids for a user.
func (g *Registry) ConnectionsFor(userID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pool := g.pools[userID]
	ids := make([]string, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	return ids
}

// RecordsFor returns the live connection records for a user.
func (g *Registry) RecordsFor(userID string) []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pool := g.pools[userID]
	recs := make([]*Record, 0, len(pool))
	for _, rec := range pool {
		recs = append(recs, rec)
	}
	return recs
}

// Lookup returns the record for a connection id.
func (g *Registry) Lookup(connID string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	userID, ok := g.index[connID]
	if !ok {
		return nil, false
	}
	rec, ok := g.pools[userID][connID]
	return rec, ok
}

// Heartbeat marks a connection as alive. Unknown ids are ignored.
func (g *Registry) Heartbeat(connID string) {
	if rec, ok := g.Lookup(connID); ok {
		rec.Heartbeat()
	}
}

// Snapshot returns all live records across users. The liveness monitor uses
// it for its sweep.
func (g *Registry) Snapshot() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var recs []*Record
	for _, pool := range g.pools {
		for _, rec := range pool {
			recs = append(recs, rec)
		}
	}
	return recs
}

// Count returns the total number of live connections.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.index)
}
