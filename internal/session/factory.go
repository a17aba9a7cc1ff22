package session

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/haasonsaas/conduit/pkg/models"
)

// DuplicateSessionError reports that an active context already exists for a
// key and the caller did not request attach.
type DuplicateSessionError struct {
	Key models.SessionKey
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session context already exists for %s", e.Key)
}

// shardCount sizes the factory's partitioned registry. Keys hash across
// shards so unrelated sessions never contend on the same lock.
const shardCount = 32

type shard struct {
	mu       sync.Mutex
	contexts map[models.SessionKey]*Context
}

// Factory constructs and owns session contexts. It holds the single
// process-wide registry keyed by composite identity; no two keys ever share
// mutable state or object identity, and a lookup by key always returns the
// same owned instance for the lifetime of the session.
type Factory struct {
	shards [shardCount]*shard
	logger *slog.Logger
}

// NewFactory creates a context factory.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{logger: logger}
	for i := range f.shards {
		f.shards[i] = &shard{contexts: make(map[models.SessionKey]*Context)}
	}
	return f
}

func (f *Factory) shardFor(key models.SessionKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return f.shards[h.Sum32()%shardCount]
}

// Create mints a new context for key. It fails with *DuplicateSessionError
// if an active context already exists; callers that want attach semantics
// use GetOrAttach.
func (f *Factory) Create(key models.SessionKey, level IsolationLevel) (*Context, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if level == "" {
		level = IsolationStrict
	}

	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.contexts[key]; ok && !existing.Invalid() {
		return nil, &DuplicateSessionError{Key: key}
	}
	ctx := newContext(key, level)
	s.contexts[key] = ctx
	f.logger.Debug("session context created",
		"user_id", key.UserID, "thread_id", key.ThreadID, "run_id", key.RunID)
	return ctx, nil
}

// GetOrAttach returns the live context for key, constructing one if none
// exists or the previous one was invalidated. The check-and-create is atomic
// per shard.
func (f *Factory) GetOrAttach(key models.SessionKey) (*Context, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.contexts[key]; ok && !existing.Invalid() {
		return existing, nil
	}
	ctx := newContext(key, IsolationStrict)
	s.contexts[key] = ctx
	return ctx, nil
}

// Get returns the context for key without creating one.
func (f *Factory) Get(key models.SessionKey) (*Context, bool) {
	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[key]
	return ctx, ok
}

// Cleanup releases the context's resource handles and removes it from the
// registry. It is idempotent: cleaning an unknown key is a no-op. Handle
// release happens outside the shard lock so a slow handle cannot block
// unrelated sessions.
func (f *Factory) Cleanup(key models.SessionKey) error {
	s := f.shardFor(key)
	s.mu.Lock()
	ctx, ok := s.contexts[key]
	if ok {
		delete(s.contexts, key)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := ctx.release(); err != nil {
		f.logger.Warn("session resource release failed",
			"user_id", key.UserID, "thread_id", key.ThreadID, "error", err)
		return err
	}
	return nil
}

// Count returns the number of registered contexts.
func (f *Factory) Count() int {
	total := 0
	for _, s := range f.shards {
		s.mu.Lock()
		total += len(s.contexts)
		s.mu.Unlock()
	}
	return total
}
