package huddlesync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Stores and Operations
// ============================================================================

// Store names for the entity collections the engine caches locally.
const (
	StorePosts    = "posts"
	StoreComments = "comments"
	StoreTasks    = "tasks"
	StoreMessages = "messages"
	StoreStories  = "stories"
)

// KnownStores lists every store the engine accepts, in drain order for
// deterministic iteration.
var KnownStores = []string{StorePosts, StoreComments, StoreTasks, StoreMessages, StoreStories}

// IsKnownStore reports whether name is one of the engine's stores.
func IsKnownStore(name string) bool {
	for _, s := range KnownStores {
		if s == name {
			return true
		}
	}
	return false
}

// Op is the kind of a queued mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RecordOrigin marks whether a cached record is an optimistic local write
// or a server-confirmed copy.
type RecordOrigin string

const (
	OriginLocal  RecordOrigin = "local"
	OriginServer RecordOrigin = "server"
)

// ============================================================================
// Cached Data
// ============================================================================

// CachedRecord is the locally cached copy of one entity.
//
// Version is zero while the record is only an optimistic local write; it
// carries the server's version once confirmed.
type CachedRecord struct {
	Store     string          `json:"store"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	Origin    RecordOrigin    `json:"origin"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// QueueEntry is one durable pending mutation. Seq is assigned by the store
// from a monotonically increasing counter that survives restarts; replay
// order within a store is ascending Seq.
type QueueEntry struct {
	Seq            int64           `json:"seq"`
	Store          string          `json:"store"`
	Op             Op              `json:"op"`
	RecordID       string          `json:"recordId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Retries        int             `json:"retries"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// QueuedMessage is one durable pending chat send. ClientID doubles as the
// optimistic record id and as the echo marker the server reflects back on
// the realtime channel.
type QueuedMessage struct {
	Seq            int64     `json:"seq"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ClientID       string    `json:"clientId"`
	Content        string    `json:"content"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Retries        int       `json:"retries"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Dead-letter sources: which queue an entry came from.
const (
	DeadLetterMutations = "mutations"
	DeadLetterChat      = "chat"
)

// DeadLetter is a permanently failed queue entry, kept for inspection and
// manual retry rather than silently dropped.
type DeadLetter struct {
	Seq        int64           `json:"seq"`    // seq in the originating queue
	Source     string          `json:"source"` // DeadLetterMutations or DeadLetterChat
	Store      string          `json:"store"`
	Op         Op              `json:"op"`
	RecordID   string          `json:"recordId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason"`
	StatusCode int             `json:"statusCode,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	FailedAt   time.Time       `json:"failedAt"`
}

// Metadata keys the engine persists in the local store.
const (
	MetaLastSync      = "lastSync"      // RFC 3339 time of the last finished drain pass
	MetaChangesCursor = "changesCursor" // last consumed position in the server change feed
	MetaSchemaVersion = "schemaVersion"
)

// ============================================================================
// Wire Types
// ============================================================================

// RemoteRecord is the canonical server copy of an entity as returned by
// insert/update calls and carried inside change events.
type RemoteRecord struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChangeEvent is one entry in the server change feed, delivered both by the
// catch-up pull endpoint and by realtime push.
type ChangeEvent struct {
	Seq      int64        `json:"seq"`
	Store    string       `json:"store"`
	Op       Op           `json:"op"`
	Record   RemoteRecord `json:"record"`
	ActorID  string       `json:"actorId,omitempty"`
	ClientID string       `json:"clientId,omitempty"` // echo of the originating client's id
	At       time.Time    `json:"at"`
}

// ChangePage is one page of the catch-up feed.
type ChangePage struct {
	Events  []ChangeEvent `json:"events"`
	Cursor  int64         `json:"cursor"`
	HasMore bool          `json:"hasMore"`
}

// Notification is the one-way push handed to the notification boundary
// after a confirmed message-like insert.
type Notification struct {
	EntityID       string `json:"entityId"`
	ConversationID string `json:"conversationId,omitempty"`
	PostID         string `json:"postId,omitempty"`
	ActorID        string `json:"actorId"`
	Content        string `json:"content"`
}

// PresenceEvent reports a peer joining or leaving.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// TypingEvent reports a peer starting or stopping typing in a conversation.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// ============================================================================
// Views and Results
// ============================================================================

// Message is the UI-facing shape of a chat message. Pending marks an
// optimistic send that the server has not yet confirmed.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Pending        bool      `json:"pending,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// messagePayload is the JSON body a queued chat send carries to the server
// and into dead letters.
type messagePayload struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ClientID       string    `json:"clientId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Status is a point-in-time snapshot of the engine, recomputed on demand
// from queue contents, connectivity, and the most recent drain result.
type Status struct {
	IsOnline          bool      `json:"isOnline"`
	IsSyncing         bool      `json:"isSyncing"`
	QueueCount        int       `json:"queueCount"`
	MessageQueueCount int       `json:"messageQueueCount"`
	DeadLetterCount   int       `json:"deadLetterCount"`
	TotalItemsQueued  int       `json:"totalItemsQueued"`
	LastSyncTime      time.Time `json:"lastSyncTime"`
	LastSyncError     string    `json:"lastSyncError,omitempty"`
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Processed    int           `json:"processed"`
	Errors       int           `json:"errors"`
	DeadLettered int           `json:"deadLettered"`
	Pulled       int           `json:"pulled"` // change events consumed by catch-up
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"` // first failure, nil on a clean pass

	// Skipped is true when the pass did not run: another pass was in
	// flight (it will re-run once that one finishes) or backoff from an
	// earlier failure has not elapsed yet.
	Skipped bool `json:"skipped,omitempty"`
}
