package huddlesync

import (
	"context"
	"errors"
	"testing"
)

// ============================================================================
// Fallback Store
// ============================================================================

// brokenStore fails selected operations the way a dying disk would while
// delegating everything else to the embedded store.
type brokenStore struct {
	LocalStore
	fail bool
}

func (b *brokenStore) PutRecord(ctx context.Context, rec CachedRecord) error {
	if b.fail {
		return storageErr("put record", errors.New("disk I/O error"))
	}
	return b.LocalStore.PutRecord(ctx, rec)
}

func (b *brokenStore) Enqueue(ctx context.Context, e QueueEntry) (int64, error) {
	if b.fail {
		return 0, storageErr("enqueue", errors.New("disk I/O error"))
	}
	return b.LocalStore.Enqueue(ctx, e)
}

func TestFallbackDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	primary := &brokenStore{LocalStore: NewMemoryStore(), fail: true}
	fb := newFallbackStore(primary, discardLogger())
	defer fb.Close()

	// The failing write succeeds anyway: it is replayed on the memory
	// replacement.
	rec := CachedRecord{Store: StorePosts, ID: "p-1", Payload: mustJSON(t, map[string]string{"title": "x"}), Origin: OriginLocal}
	if err := fb.PutRecord(ctx, rec); err != nil {
		t.Fatalf("put record during degrade: %v", err)
	}
	if fb.Degraded() == nil {
		t.Fatal("expected degraded state after storage failure")
	}
	if !errors.Is(fb.Degraded(), ErrStorageUnavailable) {
		t.Fatalf("degraded error does not match ErrStorageUnavailable: %v", fb.Degraded())
	}

	// Reads now come from the replacement, which holds the replayed write.
	got, ok, err := fb.Record(ctx, StorePosts, "p-1")
	if err != nil || !ok {
		t.Fatalf("record after degrade: ok=%v err=%v", ok, err)
	}
	if got.ID != "p-1" {
		t.Fatalf("wrong record after degrade: %+v", got)
	}

	// The primary never saw the write.
	if _, ok, _ := primary.LocalStore.Record(ctx, StorePosts, "p-1"); ok {
		t.Fatal("write leaked into the failed primary")
	}

	// Later failures reuse the same replacement instead of wiping state.
	first := fb.Degraded()
	if _, err := fb.Enqueue(ctx, QueueEntry{Store: StorePosts, Op: OpCreate, RecordID: "p-1", IdempotencyKey: "k-1"}); err != nil {
		t.Fatalf("enqueue after degrade: %v", err)
	}
	if fb.Degraded() != first {
		t.Fatal("degraded error was replaced by a later failure")
	}
	if _, ok, _ := fb.Record(ctx, StorePosts, "p-1"); !ok {
		t.Fatal("replacement store was reset between failures")
	}
}

func TestFallbackKeepsNonStorageErrors(t *testing.T) {
	fb := newFallbackStore(NewMemoryStore(), discardLogger())
	defer fb.Close()

	err := fb.Dequeue(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("dequeue missing: got %v, want ErrNotFound", err)
	}
	if fb.Degraded() != nil {
		t.Fatalf("ErrNotFound must not degrade the store: %v", fb.Degraded())
	}
}

func TestFallbackHealthyPassthrough(t *testing.T) {
	ctx := context.Background()
	primary := &brokenStore{LocalStore: NewMemoryStore()}
	fb := newFallbackStore(primary, discardLogger())
	defer fb.Close()

	if err := fb.PutRecord(ctx, CachedRecord{Store: StoreTasks, ID: "t-1", Payload: mustJSON(t, map[string]int{"n": 1})}); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if fb.Degraded() != nil {
		t.Fatalf("healthy store reported degraded: %v", fb.Degraded())
	}
	if _, ok, _ := primary.LocalStore.Record(ctx, StoreTasks, "t-1"); !ok {
		t.Fatal("write did not reach the primary")
	}
}
