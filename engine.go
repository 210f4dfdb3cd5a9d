// Package huddlesync is the offline-first sync engine for Huddle clients.
//
// Every write lands in the local cache immediately and joins a durable
// queue; a background drain replays the queue against the backend whenever
// connectivity allows, preserving per-store order and de-duplicating
// realtime echoes. Reads always come from the cache, so the app renders
// the same with or without a network.
//
// Usage:
//
//	eng, _ := huddlesync.New(huddlesync.Config{
//		UserID:  "user-42",
//		BaseURL: "https://api.huddle.app",
//		Tokens:  huddlesync.NewStaticTokenSource(apiKey),
//		Path:    "huddle.db",
//	})
//	defer eng.Close()
//
//	eng.SendMessage(ctx, "conv-7", "on my way")
//	msgs, _ := eng.Messages(ctx, "conv-7")
package huddlesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures an Engine. UserID is required, plus either Remote or a
// BaseURL/Tokens pair; everything else has working defaults.
type Config struct {
	// UserID identifies this client; it stamps outgoing writes and
	// recognizes their echoes on the realtime channel.
	UserID string

	BaseURL string
	Tokens  TokenSource
	// Remote overrides BaseURL/Tokens with a prebuilt client.
	Remote *RemoteClient

	// Store overrides the default durable store. When nil the engine
	// opens SQLite at Path (default "huddle-sync.db").
	Store LocalStore
	Path  string

	Monitor   Monitor   // default: SignalMonitor starting online
	Scheduler Scheduler // default: TickerScheduler
	Notifier  Notifier  // default: the remote client
	Logger    *slog.Logger

	// SyncInterval is the periodic drain cadence while online.
	// Default 30s.
	SyncInterval time.Duration
	// StoryRefreshInterval is how often expired stories are pruned from
	// the cache. Default 1h.
	StoryRefreshInterval time.Duration

	// Drain tuning; see SyncerConfig for semantics.
	RetryBudget  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	RequestRate  float64
	RequestBurst int
	PullPageSize int

	// Realtime makes the engine manage the websocket session itself:
	// connect when online, drop it when offline.
	Realtime             bool
	DedupeWindow         time.Duration
	TypingTTL            time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
}

func (c *Config) defaults() {
	if c.Path == "" {
		c.Path = "huddle-sync.db"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.StoryRefreshInterval <= 0 {
		c.StoryRefreshInterval = time.Hour
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 6 * time.Second
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the client-side sync facade: optimistic writes, durable
// queueing, background drain, realtime reconciliation, and status.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	store      *fallbackStore
	remote     *RemoteClient
	monitor    Monitor
	scheduler  Scheduler
	syncer     *Syncer
	reconciler *Reconciler
	status     *statusModel
	obs        *observers

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
	kickCh   chan struct{}

	mu         sync.Mutex
	closed     bool
	retryTimer *time.Timer
	stops      []func()
}

// New builds and starts an Engine: the drain loop runs immediately, the
// periodic timers are registered, and (with Config.Realtime) the websocket
// session is established once connectivity allows.
func New(cfg Config) (*Engine, error) {
	cfg.defaults()
	if cfg.UserID == "" {
		return nil, fmt.Errorf("huddlesync: Config.UserID is required")
	}
	if cfg.Remote == nil {
		if cfg.BaseURL == "" || cfg.Tokens == nil {
			return nil, fmt.Errorf("huddlesync: Config needs Remote or BaseURL+Tokens")
		}
		cfg.Remote = NewRemoteClient(cfg.BaseURL, cfg.Tokens, WithClientLogger(cfg.Logger))
	}

	local := cfg.Store
	if local == nil {
		var err error
		local, err = NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
	}

	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "engine"),
		store:     newFallbackStore(local, cfg.Logger),
		remote:    cfg.Remote,
		monitor:   cfg.Monitor,
		scheduler: cfg.Scheduler,
		obs:       newObservers(),
		kickCh:    make(chan struct{}, 1),
	}
	if e.monitor == nil {
		e.monitor = NewSignalMonitor(true)
	}
	if e.scheduler == nil {
		e.scheduler = NewTickerScheduler()
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = e.remote
	}

	e.reconciler = NewReconciler(ReconcilerConfig{
		BaseURL:              e.remote.BaseURL(),
		Tokens:               e.remote.Tokens(),
		Store:                e.store,
		UserID:               cfg.UserID,
		Logger:               cfg.Logger,
		DedupeWindow:         cfg.DedupeWindow,
		TypingTTL:            cfg.TypingTTL,
		AutoReconnect:        true,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		OnListUpdate:         e.obs.emitList,
		OnPresence:           e.obs.emitPresence,
		OnTyping:             e.obs.emitTyping,
	})

	e.syncer = NewSyncer(SyncerConfig{
		Store:            e.store,
		Remote:           e.remote,
		Monitor:          e.monitor,
		Logger:           cfg.Logger,
		RetryBudget:      cfg.RetryBudget,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		RequestRate:      cfg.RequestRate,
		RequestBurst:     cfg.RequestBurst,
		PullPageSize:     cfg.PullPageSize,
		Apply:            e.reconciler.Apply,
		ConfirmedEntry:   e.onConfirmedEntry,
		ConfirmedMessage: e.onConfirmedMessage,
		Notifier:         notifier,
		RunAgain:         e.kick,
	})

	e.status = newStatusModel(e.store, e.monitor, e.syncer, e.store.Degraded)

	e.ctx, e.cancelFn = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.drainLoop()

	unsub := e.monitor.Subscribe(e.onConnectivity)
	stopSync := e.scheduler.Every(cfg.SyncInterval, e.kick)
	stopSweep := e.scheduler.Every(cfg.TypingTTL, e.reconciler.SweepTyping)
	stopStories := e.scheduler.Every(cfg.StoryRefreshInterval, e.refreshStories)
	e.stops = append(e.stops, unsub, stopSync, stopSweep, stopStories)

	if cfg.Realtime && e.monitor.Online() {
		go func() {
			if err := e.reconciler.Connect(e.ctx); err != nil {
				e.logger.Warn("initial realtime connect failed", "error", err)
			}
		}()
	}

	e.kick() // drain whatever a previous session left queued
	return e, nil
}

// Close stops background work, ends the realtime session, and closes the
// store. Safe to call twice.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	stops := e.stops
	e.stops = nil
	e.mu.Unlock()

	e.cancelFn()
	for _, stop := range stops {
		stop()
	}
	e.reconciler.Close()
	e.wg.Wait()
	return e.store.Close()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ----------------------------------------------------------------------------
// Triggers and drain loop
// ----------------------------------------------------------------------------

// kick coalesces drain requests into the single in-flight signal.
func (e *Engine) kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

// TriggerSync asks for a drain pass now, resetting failure backoff. Hosts
// call it from background wake-ups (push messages, process resume).
func (e *Engine) TriggerSync() {
	if e.isClosed() {
		return
	}
	e.syncer.ResetBackoff()
	e.kick()
}

// SetOnline feeds a connectivity signal to the engine-owned monitor. When
// the host supplied its own Monitor it reports transitions there instead.
func (e *Engine) SetOnline(online bool) error {
	sm, ok := e.monitor.(*SignalMonitor)
	if !ok {
		return fmt.Errorf("connectivity monitor is externally managed")
	}
	sm.SetOnline(online)
	return nil
}

func (e *Engine) onConnectivity(online bool) {
	if e.isClosed() {
		return
	}
	e.logger.Info("connectivity changed", "online", online)
	if online {
		e.syncer.ResetBackoff()
		if e.cfg.Realtime {
			go func() {
				if err := e.reconciler.Connect(e.ctx); err != nil {
					e.logger.Warn("realtime connect failed", "error", err)
				}
			}()
		}
		e.kick()
	} else if e.cfg.Realtime {
		e.reconciler.Close()
	}
	e.publishStatus()
}

func (e *Engine) drainLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.kickCh:
		}
		if !e.monitor.Online() {
			continue
		}
		rep := e.syncer.Drain(e.ctx)
		if !rep.Skipped {
			e.obs.emitDrain(rep)
			e.publishStatus()
		}
		if rem := e.syncer.BackoffRemaining(); rem > 0 {
			e.armRetry(rem)
		}
	}
}

// armRetry wakes the drain loop again once failure backoff has elapsed.
func (e *Engine) armRetry(after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(after+10*time.Millisecond, e.kick)
}

func (e *Engine) publishStatus() {
	st, err := e.status.Refresh(e.ctx)
	if err != nil {
		e.logger.Warn("status refresh failed", "error", err)
		return
	}
	e.obs.emitStatus(st)
}

// ----------------------------------------------------------------------------
// Writes
// ----------------------------------------------------------------------------

// CreateRecord applies an optimistic create locally and queues it for the
// backend. The returned record carries the client-assigned id; the backend
// may replace it on confirmation.
func (e *Engine) CreateRecord(ctx context.Context, store string, payload json.RawMessage) (CachedRecord, error) {
	if err := e.checkWrite(store); err != nil {
		return CachedRecord{}, err
	}
	id := newID()
	body := injectClientID(payload, id)
	rec := CachedRecord{
		Store:     store,
		ID:        id,
		Payload:   body,
		Origin:    OriginLocal,
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.PutRecord(ctx, rec); err != nil {
		return CachedRecord{}, err
	}
	if _, err := e.store.Enqueue(ctx, QueueEntry{
		Store:          store,
		Op:             OpCreate,
		RecordID:       id,
		Payload:        body,
		IdempotencyKey: newIdempotencyKey(),
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return CachedRecord{}, err
	}
	e.obs.emitList(ListUpdate{Store: store, ScopeID: scopeOf(store, body)})
	e.kick()
	return rec, nil
}

// UpdateRecord applies an optimistic update locally and queues it.
func (e *Engine) UpdateRecord(ctx context.Context, store, id string, payload json.RawMessage) (CachedRecord, error) {
	if err := e.checkWrite(store); err != nil {
		return CachedRecord{}, err
	}
	existing, _, err := e.store.Record(ctx, store, id)
	if err != nil {
		return CachedRecord{}, err
	}
	rec := CachedRecord{
		Store:     store,
		ID:        id,
		Payload:   payload,
		Version:   existing.Version, // server version until the update confirms
		Origin:    OriginLocal,
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.PutRecord(ctx, rec); err != nil {
		return CachedRecord{}, err
	}
	if _, err := e.store.Enqueue(ctx, QueueEntry{
		Store:          store,
		Op:             OpUpdate,
		RecordID:       id,
		Payload:        payload,
		IdempotencyKey: newIdempotencyKey(),
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return CachedRecord{}, err
	}
	e.obs.emitList(ListUpdate{Store: store, ScopeID: scopeOf(store, payload)})
	e.kick()
	return rec, nil
}

// DeleteRecord removes the cached copy immediately and queues the delete.
func (e *Engine) DeleteRecord(ctx context.Context, store, id string) error {
	if err := e.checkWrite(store); err != nil {
		return err
	}
	rec, _, err := e.store.Record(ctx, store, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteRecord(ctx, store, id); err != nil {
		return err
	}
	if _, err := e.store.Enqueue(ctx, QueueEntry{
		Store:          store,
		Op:             OpDelete,
		RecordID:       id,
		IdempotencyKey: newIdempotencyKey(),
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return err
	}
	e.obs.emitList(ListUpdate{Store: store, ScopeID: scopeOf(store, rec.Payload)})
	e.kick()
	return nil
}

// SendMessage puts an optimistic, Pending message into the conversation
// and queues the send on the chat outbox.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) (Message, error) {
	if e.isClosed() {
		return Message{}, ErrClosed
	}
	if conversationID == "" {
		return Message{}, fmt.Errorf("send message: conversation id is empty")
	}
	now := time.Now().UTC()
	clientID := newID()
	payload, err := json.Marshal(messagePayload{
		ConversationID: conversationID,
		SenderID:       e.cfg.UserID,
		ClientID:       clientID,
		Content:        content,
		CreatedAt:      now,
	})
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	if err := e.store.PutRecord(ctx, CachedRecord{
		Store:     StoreMessages,
		ID:        clientID,
		Payload:   payload,
		Origin:    OriginLocal,
		UpdatedAt: now,
	}); err != nil {
		return Message{}, err
	}
	if _, err := e.store.EnqueueMessage(ctx, QueuedMessage{
		ConversationID: conversationID,
		SenderID:       e.cfg.UserID,
		ClientID:       clientID,
		Content:        content,
		IdempotencyKey: newIdempotencyKey(),
		CreatedAt:      now,
	}); err != nil {
		return Message{}, err
	}
	e.obs.emitList(ListUpdate{Store: StoreMessages, ScopeID: conversationID})
	e.kick()
	return Message{
		ID:             clientID,
		ConversationID: conversationID,
		SenderID:       e.cfg.UserID,
		Content:        content,
		Pending:        true,
		CreatedAt:      now,
	}, nil
}

func (e *Engine) checkWrite(store string) error {
	if e.isClosed() {
		return ErrClosed
	}
	if !IsKnownStore(store) {
		return fmt.Errorf("%w: %q", ErrUnknownStore, store)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// Records returns the cached records of a store, ordered by id.
func (e *Engine) Records(ctx context.Context, store string) ([]CachedRecord, error) {
	if !IsKnownStore(store) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, store)
	}
	return e.store.Records(ctx, store)
}

// Messages returns a conversation's messages in creation order, optimistic
// sends included (marked Pending).
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	recs, err := e.store.Records(ctx, StoreMessages)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, rec := range recs {
		msg, err := messageFromRecord(rec)
		if err != nil {
			e.logger.Warn("cached message did not decode", "id", rec.ID, "error", err)
			continue
		}
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SearchMessages finds cached messages whose content contains query,
// case-insensitively, optionally narrowed to one conversation. limit <= 0
// means no limit.
func (e *Engine) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]Message, error) {
	recs, err := e.store.Records(ctx, StoreMessages)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []Message
	for _, rec := range recs {
		msg, err := messageFromRecord(rec)
		if err != nil {
			continue
		}
		if conversationID != "" && msg.ConversationID != conversationID {
			continue
		}
		if strings.Contains(strings.ToLower(msg.Content), q) {
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Thread returns a post's comments in creation order. The store scan comes
// back in id order, which stops meaning creation order once server-assigned
// ids for confirmed comments sit next to client ids of pending ones, so the
// view re-sorts by time the way Messages does.
func (e *Engine) Thread(ctx context.Context, postID string) ([]CachedRecord, error) {
	recs, err := e.store.Records(ctx, StoreComments)
	if err != nil {
		return nil, err
	}
	var out []CachedRecord
	for _, rec := range recs {
		if scopeOf(StoreComments, rec.Payload) == postID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// Queue exposes the pending mutations, oldest first.
func (e *Engine) Queue(ctx context.Context) ([]QueueEntry, error) {
	return e.store.Queue(ctx)
}

// MessageQueue exposes the pending chat sends, oldest first.
func (e *Engine) MessageQueue(ctx context.Context) ([]QueuedMessage, error) {
	return e.store.MessageQueue(ctx)
}

// DeadLetters exposes permanently failed entries for inspection.
func (e *Engine) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return e.store.DeadLetters(ctx)
}

// RetryDeadLetter re-queues one parked entry and wakes the drain.
func (e *Engine) RetryDeadLetter(ctx context.Context, source string, seq int64) (int64, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	newSeq, err := e.store.RetryDeadLetter(ctx, source, seq)
	if err != nil {
		return 0, err
	}
	e.kick()
	return newSeq, nil
}

// ----------------------------------------------------------------------------
// Status
// ----------------------------------------------------------------------------

// RefreshStatus recomputes and returns the status snapshot.
func (e *Engine) RefreshStatus(ctx context.Context) (Status, error) {
	return e.status.Refresh(ctx)
}

// CurrentStatus returns the last computed snapshot without touching the
// store.
func (e *Engine) CurrentStatus() Status {
	return e.status.Current()
}

// ClearSyncError acknowledges the last sync failure.
func (e *Engine) ClearSyncError() {
	e.status.ClearError()
	e.publishStatus()
}

// StorageDegraded returns the error that forced the in-memory fallback,
// or nil while durable storage is healthy.
func (e *Engine) StorageDegraded() error {
	return e.store.Degraded()
}

// ----------------------------------------------------------------------------
// Realtime surface
// ----------------------------------------------------------------------------

// Connect establishes the realtime session (no-op when already connected).
func (e *Engine) Connect(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.reconciler.Connect(ctx)
}

// Disconnect ends the realtime session without touching queued work.
func (e *Engine) Disconnect() error {
	return e.reconciler.Close()
}

// RealtimeState reports the websocket session state.
func (e *Engine) RealtimeState() ConnState { return e.reconciler.State() }

// JoinConversation subscribes to a conversation's realtime events.
func (e *Engine) JoinConversation(ctx context.Context, conversationID string) error {
	return e.reconciler.JoinConversation(ctx, conversationID)
}

// LeaveConversation drops a conversation subscription.
func (e *Engine) LeaveConversation(ctx context.Context, conversationID string) error {
	return e.reconciler.LeaveConversation(ctx, conversationID)
}

// WatchThread subscribes to a post's comment thread.
func (e *Engine) WatchThread(ctx context.Context, postID string) error {
	return e.reconciler.WatchThread(ctx, postID)
}

// UnwatchThread drops a thread subscription.
func (e *Engine) UnwatchThread(ctx context.Context, postID string) error {
	return e.reconciler.UnwatchThread(ctx, postID)
}

// StartTyping broadcasts that this user is typing.
func (e *Engine) StartTyping(ctx context.Context, conversationID string) error {
	return e.reconciler.StartTyping(ctx, conversationID)
}

// StopTyping broadcasts that this user stopped typing.
func (e *Engine) StopTyping(ctx context.Context, conversationID string) error {
	return e.reconciler.StopTyping(ctx, conversationID)
}

// OnlineUsers returns peers currently reported online.
func (e *Engine) OnlineUsers() []string { return e.reconciler.OnlineUsers() }

// TypingUsers returns peers typing in a conversation right now.
func (e *Engine) TypingUsers(conversationID string) []string {
	return e.reconciler.TypingUsers(conversationID)
}

// ----------------------------------------------------------------------------
// Observers
// ----------------------------------------------------------------------------

// OnStatus registers a status observer; the returned func cancels it.
func (e *Engine) OnStatus(h StatusHandler) func() { return e.obs.onStatus(h) }

// OnListUpdate registers a cache-change observer.
func (e *Engine) OnListUpdate(h ListHandler) func() { return e.obs.onList(h) }

// OnPresence registers a presence observer.
func (e *Engine) OnPresence(h PresenceHandler) func() { return e.obs.onPresence(h) }

// OnTyping registers a typing observer.
func (e *Engine) OnTyping(h TypingHandler) func() { return e.obs.onTyping(h) }

// OnDrain registers a drain-report observer.
func (e *Engine) OnDrain(h DrainHandler) func() { return e.obs.onDrain(h) }

// ----------------------------------------------------------------------------
// Confirmations and housekeeping
// ----------------------------------------------------------------------------

func (e *Engine) onConfirmedEntry(entry QueueEntry, rec RemoteRecord) {
	scope := scopeOf(entry.Store, entry.Payload)
	e.obs.emitList(ListUpdate{Store: entry.Store, ScopeID: scope})
}

func (e *Engine) onConfirmedMessage(m QueuedMessage, rec RemoteRecord) {
	e.obs.emitList(ListUpdate{Store: StoreMessages, ScopeID: m.ConversationID})
}

// refreshStories drops stories whose expiry passed so feeds never render
// stale ephemera, then nudges a sync for fresh ones.
func (e *Engine) refreshStories() {
	ctx := e.ctx
	recs, err := e.store.Records(ctx, StoreStories)
	if err != nil {
		e.logger.Warn("story refresh read failed", "error", err)
		return
	}
	now := time.Now()
	pruned := false
	for _, rec := range recs {
		var p struct {
			ExpiresAt time.Time `json:"expiresAt"`
		}
		if json.Unmarshal(rec.Payload, &p) != nil || p.ExpiresAt.IsZero() {
			continue
		}
		if p.ExpiresAt.Before(now) {
			if err := e.store.DeleteRecord(ctx, StoreStories, rec.ID); err != nil {
				e.logger.Warn("story prune failed", "id", rec.ID, "error", err)
				continue
			}
			pruned = true
		}
	}
	if pruned {
		e.obs.emitList(ListUpdate{Store: StoreStories})
	}
	e.kick()
}

// ----------------------------------------------------------------------------
// IDs
// ----------------------------------------------------------------------------

// newID returns a ULID. Lexical order equals creation order, which keeps
// cache scans chronologically sorted without a separate column.
func newID() string { return ulid.Make().String() }

// newIdempotencyKey returns the key a queue entry presents on every replay
// attempt so the backend can collapse duplicates.
func newIdempotencyKey() string { return uuid.NewString() }

// injectClientID stamps the optimistic record id into a JSON object payload
// so the backend can echo it and other devices can thread the entity.
func injectClientID(payload json.RawMessage, id string) json.RawMessage {
	var m map[string]any
	if len(payload) == 0 || json.Unmarshal(payload, &m) != nil {
		b, _ := json.Marshal(map[string]string{"clientId": id})
		return b
	}
	if _, exists := m["clientId"]; !exists {
		m["clientId"] = id
	}
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}
