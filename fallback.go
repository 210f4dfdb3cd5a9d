package huddlesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ============================================================================
// Fallback Store
// ============================================================================

// fallbackStore wraps a durable LocalStore and, on the first
// ErrStorageUnavailable it sees, swaps all further traffic to a fresh
// MemoryStore so the session keeps working without persistence. The failed
// operation is replayed on the memory store, and the triggering error is
// pinned for the status model.
type fallbackStore struct {
	mu       sync.RWMutex
	cur      LocalStore
	primary  LocalStore // kept only so Close releases it
	degraded error
	logger   *slog.Logger
}

var _ LocalStore = (*fallbackStore)(nil)

func newFallbackStore(primary LocalStore, logger *slog.Logger) *fallbackStore {
	return &fallbackStore{cur: primary, primary: primary, logger: logger}
}

// Degraded returns the error that forced the swap to memory, or nil while
// the durable store is still serving.
func (s *fallbackStore) Degraded() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *fallbackStore) store() LocalStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// degrade swaps to a memory store once. Later callers reuse the same
// replacement so queued state stays in one place.
func (s *fallbackStore) degrade(err error) LocalStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded == nil {
		s.degraded = err
		s.cur = NewMemoryStore()
		s.logger.Error("local storage unavailable, continuing in memory", "error", err)
	}
	return s.cur
}

// run executes op against the current store and retries once on a fresh
// memory store when durable storage reports itself unavailable.
func (s *fallbackStore) run(op func(LocalStore) error) error {
	err := op(s.store())
	if err == nil || !errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return op(s.degrade(err))
}

func (s *fallbackStore) PutRecord(ctx context.Context, rec CachedRecord) error {
	return s.run(func(st LocalStore) error { return st.PutRecord(ctx, rec) })
}

func (s *fallbackStore) Record(ctx context.Context, store, id string) (CachedRecord, bool, error) {
	var rec CachedRecord
	var ok bool
	err := s.run(func(st LocalStore) error {
		var err error
		rec, ok, err = st.Record(ctx, store, id)
		return err
	})
	return rec, ok, err
}

func (s *fallbackStore) DeleteRecord(ctx context.Context, store, id string) error {
	return s.run(func(st LocalStore) error { return st.DeleteRecord(ctx, store, id) })
}

func (s *fallbackStore) Records(ctx context.Context, store string) ([]CachedRecord, error) {
	var out []CachedRecord
	err := s.run(func(st LocalStore) error {
		var err error
		out, err = st.Records(ctx, store)
		return err
	})
	return out, err
}

func (s *fallbackStore) Enqueue(ctx context.Context, e QueueEntry) (int64, error) {
	var seq int64
	err := s.run(func(st LocalStore) error {
		var err error
		seq, err = st.Enqueue(ctx, e)
		return err
	})
	return seq, err
}

func (s *fallbackStore) Dequeue(ctx context.Context, seq int64) error {
	return s.run(func(st LocalStore) error { return st.Dequeue(ctx, seq) })
}

func (s *fallbackStore) Queue(ctx context.Context) ([]QueueEntry, error) {
	var out []QueueEntry
	err := s.run(func(st LocalStore) error {
		var err error
		out, err = st.Queue(ctx)
		return err
	})
	return out, err
}

func (s *fallbackStore) BumpRetry(ctx context.Context, seq int64) (int, error) {
	var n int
	err := s.run(func(st LocalStore) error {
		var err error
		n, err = st.BumpRetry(ctx, seq)
		return err
	})
	return n, err
}

func (s *fallbackStore) EnqueueMessage(ctx context.Context, m QueuedMessage) (int64, error) {
	var seq int64
	err := s.run(func(st LocalStore) error {
		var err error
		seq, err = st.EnqueueMessage(ctx, m)
		return err
	})
	return seq, err
}

func (s *fallbackStore) DequeueMessage(ctx context.Context, seq int64) error {
	return s.run(func(st LocalStore) error { return st.DequeueMessage(ctx, seq) })
}

func (s *fallbackStore) MessageQueue(ctx context.Context) ([]QueuedMessage, error) {
	var out []QueuedMessage
	err := s.run(func(st LocalStore) error {
		var err error
		out, err = st.MessageQueue(ctx)
		return err
	})
	return out, err
}

func (s *fallbackStore) BumpMessageRetry(ctx context.Context, seq int64) (int, error) {
	var n int
	err := s.run(func(st LocalStore) error {
		var err error
		n, err = st.BumpMessageRetry(ctx, seq)
		return err
	})
	return n, err
}

func (s *fallbackStore) MoveToDeadLetter(ctx context.Context, d DeadLetter) error {
	return s.run(func(st LocalStore) error { return st.MoveToDeadLetter(ctx, d) })
}

func (s *fallbackStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := s.run(func(st LocalStore) error {
		var err error
		out, err = st.DeadLetters(ctx)
		return err
	})
	return out, err
}

func (s *fallbackStore) RetryDeadLetter(ctx context.Context, source string, seq int64) (int64, error) {
	var newSeq int64
	err := s.run(func(st LocalStore) error {
		var err error
		newSeq, err = st.RetryDeadLetter(ctx, source, seq)
		return err
	})
	return newSeq, err
}

func (s *fallbackStore) QueueCounts(ctx context.Context) (int, int, error) {
	var mutations, messages int
	err := s.run(func(st LocalStore) error {
		var err error
		mutations, messages, err = st.QueueCounts(ctx)
		return err
	})
	return mutations, messages, err
}

func (s *fallbackStore) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	err := s.run(func(st LocalStore) error {
		var err error
		n, err = st.DeadLetterCount(ctx)
		return err
	})
	return n, err
}

func (s *fallbackStore) Metadata(ctx context.Context, key string) (string, error) {
	var v string
	err := s.run(func(st LocalStore) error {
		var err error
		v, err = st.Metadata(ctx, key)
		return err
	})
	return v, err
}

func (s *fallbackStore) SetMetadata(ctx context.Context, key, value string) error {
	return s.run(func(st LocalStore) error { return st.SetMetadata(ctx, key, value) })
}

// Close releases the durable store even after a swap to memory.
func (s *fallbackStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.primary.Close()
	if s.cur != s.primary {
		if cerr := s.cur.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
