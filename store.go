package huddlesync

import "context"

// ============================================================================
// Local Durable Store
// ============================================================================

// LocalStore is the persistence boundary for cached records, the mutation
// queue, the chat outbox, dead letters, and sync metadata.
//
// Implementations must be safe for concurrent use. Failures caused by the
// backing medium (not by bad arguments) are reported so that
// errors.Is(err, ErrStorageUnavailable) holds, which lets the engine
// degrade to an in-memory session instead of crashing.
type LocalStore interface {
	// PutRecord inserts or replaces a cached record, keyed by (store, id).
	PutRecord(ctx context.Context, rec CachedRecord) error
	// Record fetches one cached record; ok is false when absent.
	Record(ctx context.Context, store, id string) (rec CachedRecord, ok bool, err error)
	// DeleteRecord removes a cached record; absent ids are not an error.
	DeleteRecord(ctx context.Context, store, id string) error
	// Records returns every cached record of one store, ascending by id.
	Records(ctx context.Context, store string) ([]CachedRecord, error)

	// Enqueue appends a mutation and returns its assigned Seq. Seq values
	// come from a durable counter that never reuses a value, even across
	// restarts and dequeues.
	Enqueue(ctx context.Context, e QueueEntry) (int64, error)
	// Dequeue removes one mutation by Seq; ErrNotFound if absent.
	Dequeue(ctx context.Context, seq int64) error
	// Queue returns all pending mutations in ascending Seq order.
	Queue(ctx context.Context) ([]QueueEntry, error)
	// BumpRetry increments a mutation's retry counter and returns the new
	// count.
	BumpRetry(ctx context.Context, seq int64) (int, error)

	// EnqueueMessage, DequeueMessage, MessageQueue and BumpMessageRetry
	// mirror the mutation queue for the chat outbox.
	EnqueueMessage(ctx context.Context, m QueuedMessage) (int64, error)
	DequeueMessage(ctx context.Context, seq int64) error
	MessageQueue(ctx context.Context) ([]QueuedMessage, error)
	BumpMessageRetry(ctx context.Context, seq int64) (int, error)

	// MoveToDeadLetter removes the entry named by (d.Source, d.Seq) from
	// its queue and records d, atomically where the medium allows.
	MoveToDeadLetter(ctx context.Context, d DeadLetter) error
	// DeadLetters returns all dead letters, oldest failure first.
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	// RetryDeadLetter moves one dead letter back onto its originating
	// queue with a fresh Seq and zeroed retry count.
	RetryDeadLetter(ctx context.Context, source string, seq int64) (int64, error)

	// QueueCounts returns the current depth of both queues.
	QueueCounts(ctx context.Context) (mutations, messages int, err error)
	// DeadLetterCount returns the number of parked entries.
	DeadLetterCount(ctx context.Context) (int, error)

	// Metadata returns the value for key, or "" when unset.
	Metadata(ctx context.Context, key string) (string, error)
	// SetMetadata stores or replaces the value for key.
	SetMetadata(ctx context.Context, key, value string) error

	Close() error
}
