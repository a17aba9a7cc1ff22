package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buffered_events (
	user_id    TEXT    NOT NULL,
	thread_id  TEXT    NOT NULL,
	run_id     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	event_type TEXT    NOT NULL,
	priority   INTEGER NOT NULL,
	payload    BLOB,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, thread_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_buffered_events_expiry ON buffered_events (expires_at);
`

// SQLiteBufferStore is a durable BufferStore for deployments where buffered
// events must survive a process restart. It applies the same overflow
// policy as the in-memory store.
type SQLiteBufferStore struct {
	db       *sql.DB
	capacity int
	ttl      time.Duration
}

// NewSQLiteBufferStore opens (creating if needed) the buffer database at
// path.
func NewSQLiteBufferStore(path string, capacity int, ttl time.Duration) (*SQLiteBufferStore, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open buffer database: %w", err)
	}
	// The driver serializes access; a single connection avoids SQLITE_BUSY
	// under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply buffer schema: %w", err)
	}
	return &SQLiteBufferStore{db: db, capacity: capacity, ttl: ttl}, nil
}

// Append implements BufferStore.
func (s *SQLiteBufferStore) Append(ctx context.Context, ev *models.Event) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO buffered_events
			(user_id, thread_id, run_id, seq, event_type, priority, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.ThreadID, ev.RunID, ev.Sequence, string(ev.Type),
		int(ev.Priority), []byte(ev.Payload), now.UnixMilli(), now.Add(s.ttl).UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("append buffered event: %w", err)
	}

	// Enforce capacity: repeatedly evict the oldest event of the lowest
	// priority class present. The just-inserted row is a legitimate victim
	// when it ranks below everything else.
	evicted := 0
	for {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM buffered_events WHERE user_id = ? AND thread_id = ?`,
			ev.UserID, ev.ThreadID).Scan(&count); err != nil {
			return evicted, fmt.Errorf("count buffered events: %w", err)
		}
		if count <= s.capacity {
			break
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM buffered_events WHERE rowid IN (
				SELECT rowid FROM buffered_events
				WHERE user_id = ? AND thread_id = ?
				ORDER BY priority ASC, seq ASC
				LIMIT 1
			)`, ev.UserID, ev.ThreadID)
		if err != nil {
			return evicted, fmt.Errorf("evict buffered event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			break
		}
		evicted++
	}

	if err := tx.Commit(); err != nil {
		return evicted, fmt.Errorf("commit append: %w", err)
	}
	if evicted > 0 {
		return evicted, ErrBufferOverflow
	}
	return 0, nil
}

// EventsAfter implements BufferStore.
func (s *SQLiteBufferStore) EventsAfter(ctx context.Context, key models.BufferKey, lastSeq uint64) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, event_type, priority, payload, created_at
		FROM buffered_events
		WHERE user_id = ? AND thread_id = ? AND seq > ? AND expires_at > ?
		ORDER BY seq ASC`,
		key.UserID, key.ThreadID, lastSeq, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query buffered events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var (
			runID     string
			seq       uint64
			eventType string
			priority  int
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&runID, &seq, &eventType, &priority, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan buffered event: %w", err)
		}
		out = append(out, &models.Event{
			Type:      models.EventType(eventType),
			UserID:    key.UserID,
			ThreadID:  key.ThreadID,
			RunID:     runID,
			Payload:   payload,
			Priority:  models.Priority(priority),
			Sequence:  seq,
			Timestamp: time.UnixMilli(createdAt),
		})
	}
	return out, rows.Err()
}

// AckThrough implements BufferStore.
func (s *SQLiteBufferStore) AckThrough(ctx context.Context, key models.BufferKey, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM buffered_events WHERE user_id = ? AND thread_id = ? AND seq <= ?`,
		key.UserID, key.ThreadID, seq)
	if err != nil {
		return fmt.Errorf("ack buffered events: %w", err)
	}
	return nil
}

// Sweep implements BufferStore.
func (s *SQLiteBufferStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buffered_events WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep buffered events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Len implements BufferStore.
func (s *SQLiteBufferStore) Len(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buffered_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count buffered events: %w", err)
	}
	return count, nil
}

// Close implements BufferStore.
func (s *SQLiteBufferStore) Close() error {
	return s.db.Close()
}
