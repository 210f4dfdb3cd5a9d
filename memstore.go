package huddlesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory LocalStore. Nothing survives the
// process: the engine swaps to it when durable storage becomes unavailable,
// and tests use it to avoid touching disk.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]map[string]CachedRecord // store -> id -> record
	queue       []QueueEntry
	outbox      []QueuedMessage
	deadLetters []DeadLetter
	meta        map[string]string
	nextSeq     int64 // shared by both queues; never reused
}

var _ LocalStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]CachedRecord),
		meta:    make(map[string]string),
		nextSeq: 1,
	}
}

// ── Records ──────────────────────────────────────────────

func (s *MemoryStore) PutRecord(_ context.Context, rec CachedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.records[rec.Store]
	if byID == nil {
		byID = make(map[string]CachedRecord)
		s.records[rec.Store] = byID
	}
	byID[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Record(_ context.Context, store, id string) (CachedRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[store][id]
	return rec, ok, nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, store, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[store], id)
	return nil
}

func (s *MemoryStore) Records(_ context.Context, store string) ([]CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CachedRecord
	for _, rec := range s.records[store] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Mutation Queue ───────────────────────────────────────

func (s *MemoryStore) Enqueue(_ context.Context, e QueueEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = s.nextSeq
	s.nextSeq++
	s.queue = append(s.queue, e)
	return e.Seq, nil
}

func (s *MemoryStore) Dequeue(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.Seq == seq {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("dequeue %d: %w", seq, ErrNotFound)
}

func (s *MemoryStore) Queue(_ context.Context) ([]QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]QueueEntry(nil), s.queue...), nil
}

func (s *MemoryStore) BumpRetry(_ context.Context, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].Seq == seq {
			s.queue[i].Retries++
			return s.queue[i].Retries, nil
		}
	}
	return 0, fmt.Errorf("bump retry %d: %w", seq, ErrNotFound)
}

// ── Chat Outbox ──────────────────────────────────────────

func (s *MemoryStore) EnqueueMessage(_ context.Context, m QueuedMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Seq = s.nextSeq
	s.nextSeq++
	s.outbox = append(s.outbox, m)
	return m.Seq, nil
}

func (s *MemoryStore) DequeueMessage(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.outbox {
		if m.Seq == seq {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("dequeue message %d: %w", seq, ErrNotFound)
}

func (s *MemoryStore) MessageQueue(_ context.Context) ([]QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]QueuedMessage(nil), s.outbox...), nil
}

func (s *MemoryStore) BumpMessageRetry(_ context.Context, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].Seq == seq {
			s.outbox[i].Retries++
			return s.outbox[i].Retries, nil
		}
	}
	return 0, fmt.Errorf("bump message retry %d: %w", seq, ErrNotFound)
}

// ── Dead Letters ─────────────────────────────────────────

func (s *MemoryStore) MoveToDeadLetter(_ context.Context, d DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	if d.Source == DeadLetterChat {
		for i, m := range s.outbox {
			if m.Seq == d.Seq {
				s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
				removed = true
				break
			}
		}
	} else {
		for i, e := range s.queue {
			if e.Seq == d.Seq {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				removed = true
				break
			}
		}
	}
	if !removed {
		return fmt.Errorf("dead-letter %s/%d: %w", d.Source, d.Seq, ErrNotFound)
	}
	s.deadLetters = append(s.deadLetters, d)
	return nil
}

func (s *MemoryStore) DeadLetters(_ context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]DeadLetter(nil), s.deadLetters...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out, nil
}

func (s *MemoryStore) RetryDeadLetter(ctx context.Context, source string, seq int64) (int64, error) {
	s.mu.Lock()
	var found *DeadLetter
	for i, d := range s.deadLetters {
		if d.Source == source && d.Seq == seq {
			found = &d
			s.deadLetters = append(s.deadLetters[:i], s.deadLetters[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return 0, fmt.Errorf("retry dead letter %s/%d: %w", source, seq, ErrNotFound)
	}
	if source == DeadLetterChat {
		m, err := queuedMessageFromDeadLetter(*found)
		if err != nil {
			return 0, err
		}
		return s.EnqueueMessage(ctx, m)
	}
	return s.Enqueue(ctx, QueueEntry{
		Store:          found.Store,
		Op:             found.Op,
		RecordID:       found.RecordID,
		Payload:        found.Payload,
		IdempotencyKey: newIdempotencyKey(),
		CreatedAt:      found.CreatedAt,
	})
}

// ── Counts and Metadata ──────────────────────────────────

func (s *MemoryStore) QueueCounts(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue), len(s.outbox), nil
}

func (s *MemoryStore) DeadLetterCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deadLetters), nil
}

func (s *MemoryStore) Metadata(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[key], nil
}

func (s *MemoryStore) SetMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }
