package huddlesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Realtime Wire Types
// ============================================================================

// Envelope is the wire format for all server-to-client realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server realtime command.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ConnState is the realtime connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter; a minute of stable connection
// resets the ladder.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Reconciler
// ============================================================================

// ReconcilerConfig configures the realtime reconciler.
type ReconcilerConfig struct {
	BaseURL string
	Tokens  TokenSource
	Store   LocalStore
	// UserID is this client's identity; events it authored come back on
	// the channel and must be recognized as echoes.
	UserID string
	Logger *slog.Logger

	// DedupeWindow bounds how far apart a local write and its echo may
	// sit and still be treated as the same entity when no client id is
	// available. Default 10s.
	DedupeWindow time.Duration
	// TypingTTL expires typing indicators whose stop event was lost.
	// Default 6s.
	TypingTTL time.Duration

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	// Emission callbacks; any may be nil.
	OnListUpdate func(ListUpdate)
	OnPresence   func(PresenceEvent)
	OnTyping     func(TypingEvent)
	OnState      func(ConnState)
}

func (c *ReconcilerConfig) defaults() {
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 10 * time.Second
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = 6 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Reconciler merges realtime push events into the local cache and tracks
// the ephemeral state (presence, typing) that never touches disk. Events
// that echo this client's own writes are suppressed so optimistic entries
// and their confirmations never render twice.
type Reconciler struct {
	cfg    ReconcilerConfig
	store  LocalStore
	logger *slog.Logger
	recon  *reconnector

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ConnState
	cancel      context.CancelFunc
	intentional bool
	lastSeen    time.Time
	joined      map[string]Command // resubscribed verbatim after reconnect

	presence map[string]bool
	typing   map[string]map[string]time.Time // conversation -> user -> last seen typing
}

// NewReconciler creates a reconciler; Connect starts the session.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	cfg.defaults()
	return &Reconciler{
		cfg:    cfg,
		store:  cfg.Store,
		logger: cfg.Logger.With("component", "reconciler"),
		recon: &reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		state:    StateDisconnected,
		joined:   make(map[string]Command),
		presence: make(map[string]bool),
		typing:   make(map[string]map[string]time.Time),
	}
}

// State returns the connection state.
func (r *Reconciler) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(s ConnState) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()
	if changed && r.cfg.OnState != nil {
		r.cfg.OnState(s)
	}
}

// Connect dials the realtime endpoint, waits for the server hello, and
// starts the read and heartbeat loops. Connecting twice is a no-op.
func (r *Reconciler) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateConnected || r.state == StateConnecting {
		r.mu.Unlock()
		return nil
	}
	r.state = StateConnecting
	r.intentional = false
	r.mu.Unlock()

	token, err := r.cfg.Tokens.Token(ctx)
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("realtime token: %w", err)
	}

	wsURL := strings.Replace(r.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the server hello.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		r.setState(StateDisconnected)
		return fmt.Errorf("read hello: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "connected" {
		conn.Close(websocket.StatusNormalClosure, "")
		r.setState(StateDisconnected)
		return fmt.Errorf("expected 'connected', got %q", env.Type)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.conn = conn
	r.cancel = cancel
	r.lastSeen = time.Now()
	resubs := make([]Command, 0, len(r.joined))
	for _, cmd := range r.joined {
		resubs = append(resubs, cmd)
	}
	r.mu.Unlock()

	r.recon.markConnected()
	r.setState(StateConnected)
	r.logger.Info("realtime connected")

	for _, cmd := range resubs {
		if err := r.send(loopCtx, cmd); err != nil {
			r.logger.Warn("resubscribe failed", "type", cmd.Type, "error", err)
		}
	}

	go r.readLoop(loopCtx, conn)
	go r.heartbeatLoop(loopCtx, conn)
	return nil
}

// Close ends the session without reconnecting.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	r.intentional = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	conn := r.conn
	r.conn = nil
	r.state = StateDisconnected
	r.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (r *Reconciler) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.mu.Lock()
			intentional := r.intentional
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}
			r.setState(StateDisconnected)
			r.logger.Warn("realtime connection lost", "error", err)
			if r.cfg.AutoReconnect && r.recon.shouldReconnect() {
				go r.scheduleReconnect(ctx)
			}
			return
		}

		r.mu.Lock()
		r.lastSeen = time.Now()
		r.mu.Unlock()

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		r.dispatch(ctx, env)
	}
}

func (r *Reconciler) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			stale := time.Since(r.lastSeen) > 2*r.cfg.HeartbeatInterval
			current := r.conn == conn
			r.mu.Unlock()
			if !current {
				return
			}
			if stale {
				// The read loop will notice the close and reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := r.send(ctx, Command{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (r *Reconciler) scheduleReconnect(ctx context.Context) {
	delay := r.recon.nextDelay()
	r.setState(StateReconnecting)
	r.logger.Info("realtime reconnecting", "attempt", r.recon.attempt, "delay", delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := r.Connect(ctx); err != nil {
		if r.cfg.AutoReconnect && r.recon.shouldReconnect() {
			r.scheduleReconnect(ctx)
			return
		}
		r.setState(StateDisconnected)
		r.logger.Error("realtime gave up reconnecting", "error", err)
	}
}

func (r *Reconciler) send(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send %s: not connected", cmd.Type)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ----------------------------------------------------------------------------
// Subscriptions
// ----------------------------------------------------------------------------

// JoinConversation subscribes to a conversation's events. Subscriptions
// survive reconnects.
func (r *Reconciler) JoinConversation(ctx context.Context, conversationID string) error {
	cmd := Command{Type: "conversation.join", Payload: map[string]string{"conversationId": conversationID}}
	return r.subscribe(ctx, "conversation:"+conversationID, cmd)
}

// LeaveConversation drops a conversation subscription.
func (r *Reconciler) LeaveConversation(ctx context.Context, conversationID string) error {
	cmd := Command{Type: "conversation.leave", Payload: map[string]string{"conversationId": conversationID}}
	return r.unsubscribe(ctx, "conversation:"+conversationID, cmd)
}

// WatchThread subscribes to a post's comment thread.
func (r *Reconciler) WatchThread(ctx context.Context, postID string) error {
	cmd := Command{Type: "thread.join", Payload: map[string]string{"postId": postID}}
	return r.subscribe(ctx, "thread:"+postID, cmd)
}

// UnwatchThread drops a thread subscription.
func (r *Reconciler) UnwatchThread(ctx context.Context, postID string) error {
	cmd := Command{Type: "thread.leave", Payload: map[string]string{"postId": postID}}
	return r.unsubscribe(ctx, "thread:"+postID, cmd)
}

// StartTyping tells peers this user is typing.
func (r *Reconciler) StartTyping(ctx context.Context, conversationID string) error {
	return r.send(ctx, Command{Type: "typing.start", Payload: map[string]string{"conversationId": conversationID}})
}

// StopTyping tells peers this user stopped typing.
func (r *Reconciler) StopTyping(ctx context.Context, conversationID string) error {
	return r.send(ctx, Command{Type: "typing.stop", Payload: map[string]string{"conversationId": conversationID}})
}

func (r *Reconciler) subscribe(ctx context.Context, key string, cmd Command) error {
	r.mu.Lock()
	r.joined[key] = cmd
	connected := r.conn != nil
	r.mu.Unlock()
	if !connected {
		return nil // sent when the session (re)connects
	}
	return r.send(ctx, cmd)
}

func (r *Reconciler) unsubscribe(ctx context.Context, key string, cmd Command) error {
	r.mu.Lock()
	delete(r.joined, key)
	connected := r.conn != nil
	r.mu.Unlock()
	if !connected {
		return nil
	}
	return r.send(ctx, cmd)
}

// ----------------------------------------------------------------------------
// Dispatch
// ----------------------------------------------------------------------------

func (r *Reconciler) dispatch(ctx context.Context, env Envelope) {
	switch env.Type {
	case "change":
		var ev ChangeEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			r.logger.Warn("change event did not decode", "error", err)
			return
		}
		if err := r.Apply(ctx, ev); err != nil {
			r.logger.Warn("change event did not apply", "store", ev.Store, "error", err)
		}
	case "presence.changed":
		var p struct {
			UserID string `json:"userId"`
			Status string `json:"status"`
		}
		if json.Unmarshal(env.Payload, &p) != nil || p.UserID == "" {
			return
		}
		r.applyPresence(p.UserID, p.Status == "online")
	case "typing.indicator":
		var t TypingEvent
		if json.Unmarshal(env.Payload, &t) != nil || t.UserID == "" {
			return
		}
		r.applyTyping(t)
	case "pong":
		// lastSeen already advanced in the read loop
	}
}

// ----------------------------------------------------------------------------
// Merge
// ----------------------------------------------------------------------------

// Apply merges one change event into the cache. Both the realtime channel
// and the catch-up pull funnel through here, so replaying an event is
// harmless: merges are idempotent and stale versions lose.
func (r *Reconciler) Apply(ctx context.Context, ev ChangeEvent) error {
	if !IsKnownStore(ev.Store) {
		return fmt.Errorf("%w: %q", ErrUnknownStore, ev.Store)
	}
	if ev.Record.ID == "" {
		return fmt.Errorf("change event for %s has no record id", ev.Store)
	}

	echo, err := r.isLocalEcho(ctx, ev)
	if err != nil {
		return err
	}
	if echo {
		return nil
	}

	scope := scopeOf(ev.Store, ev.Record.Data)

	switch ev.Op {
	case OpDelete:
		if err := r.store.DeleteRecord(ctx, ev.Store, ev.Record.ID); err != nil {
			return err
		}
	default:
		existing, ok, err := r.store.Record(ctx, ev.Store, ev.Record.ID)
		if err != nil {
			return err
		}
		if ok {
			// An unconfirmed local edit outranks the push; the drain's
			// confirmation will settle the record on the server copy.
			if existing.Origin == OriginLocal {
				return nil
			}
			if ev.Record.Version > 0 && existing.Version >= ev.Record.Version {
				return nil // stale or duplicate push
			}
		}
		updatedAt := ev.Record.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = ev.At
		}
		if err := r.store.PutRecord(ctx, CachedRecord{
			Store:     ev.Store,
			ID:        ev.Record.ID,
			Payload:   ev.Record.Data,
			Version:   ev.Record.Version,
			Origin:    OriginServer,
			UpdatedAt: updatedAt,
		}); err != nil {
			return err
		}
	}

	if r.cfg.OnListUpdate != nil {
		r.cfg.OnListUpdate(ListUpdate{Store: ev.Store, ScopeID: scope})
	}
	return nil
}

// isLocalEcho reports whether ev is the server reflecting one of this
// client's own writes that is still outstanding locally. Matching prefers
// the echoed client id; lacking one, an identical payload inside the
// de-dupe window counts. Events by other actors are never echoes.
func (r *Reconciler) isLocalEcho(ctx context.Context, ev ChangeEvent) (bool, error) {
	if ev.ActorID == "" || ev.ActorID != r.cfg.UserID {
		return false, nil
	}

	if ev.Store == StoreMessages {
		return r.isMessageEcho(ctx, ev)
	}

	entries, err := r.store.Queue(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Store != ev.Store {
			continue
		}
		if ev.ClientID != "" && e.RecordID == ev.ClientID {
			return true, nil
		}
		if e.RecordID == ev.Record.ID {
			return true, nil
		}
		if e.Op == OpCreate && samePayload(e.Payload, ev.Record.Data) &&
			absDuration(ev.At.Sub(e.CreatedAt)) <= r.cfg.DedupeWindow {
			return true, nil
		}
	}
	if ev.ClientID != "" && ev.ClientID != ev.Record.ID {
		// The optimistic record may already be confirmed under the
		// server id; if its client-keyed copy lingers, this is our echo.
		if _, ok, err := r.store.Record(ctx, ev.Store, ev.ClientID); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) isMessageEcho(ctx context.Context, ev ChangeEvent) (bool, error) {
	var p messagePayload
	if len(ev.Record.Data) > 0 {
		if err := json.Unmarshal(ev.Record.Data, &p); err != nil {
			p = messagePayload{}
		}
	}
	clientID := ev.ClientID
	if clientID == "" {
		clientID = p.ClientID
	}

	queued, err := r.store.MessageQueue(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range queued {
		if clientID != "" && m.ClientID == clientID {
			return true, nil
		}
		if p.ConversationID != "" && m.ConversationID == p.ConversationID &&
			m.Content == p.Content &&
			absDuration(ev.At.Sub(m.CreatedAt)) <= r.cfg.DedupeWindow {
			return true, nil
		}
	}
	if clientID != "" && clientID != ev.Record.ID {
		if _, ok, err := r.store.Record(ctx, StoreMessages, clientID); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	return false, nil
}

// ----------------------------------------------------------------------------
// Presence and Typing
// ----------------------------------------------------------------------------

func (r *Reconciler) applyPresence(userID string, online bool) {
	r.mu.Lock()
	if online {
		r.presence[userID] = true
	} else {
		delete(r.presence, userID)
		// A peer that left cannot still be typing.
		for conv, users := range r.typing {
			if _, ok := users[userID]; ok {
				delete(users, userID)
				if r.cfg.OnTyping != nil {
					defer r.emitTypingStopped(conv, userID)
				}
			}
		}
	}
	r.mu.Unlock()

	if r.cfg.OnPresence != nil {
		r.cfg.OnPresence(PresenceEvent{UserID: userID, Online: online})
	}
}

func (r *Reconciler) emitTypingStopped(conversationID, userID string) {
	r.cfg.OnTyping(TypingEvent{ConversationID: conversationID, UserID: userID, Typing: false})
}

func (r *Reconciler) applyTyping(t TypingEvent) {
	if t.UserID == r.cfg.UserID {
		return // own typing comes back on the channel; peers only
	}
	r.mu.Lock()
	users := r.typing[t.ConversationID]
	if t.Typing {
		if users == nil {
			users = make(map[string]time.Time)
			r.typing[t.ConversationID] = users
		}
		users[t.UserID] = time.Now()
	} else if users != nil {
		delete(users, t.UserID)
	}
	r.mu.Unlock()

	if r.cfg.OnTyping != nil {
		r.cfg.OnTyping(t)
	}
}

// OnlineUsers returns the ids currently reported online, unordered.
func (r *Reconciler) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.presence))
	for id := range r.presence {
		out = append(out, id)
	}
	return out
}

// TypingUsers returns who is typing in a conversation right now, pruning
// indicators older than the TTL.
func (r *Reconciler) TypingUsers(conversationID string) []string {
	cutoff := time.Now().Add(-r.cfg.TypingTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.typing[conversationID]
	out := make([]string, 0, len(users))
	for id, at := range users {
		if at.Before(cutoff) {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	return out
}

// SweepTyping expires typing indicators whose stop event never arrived,
// emitting a stopped event for each. The engine runs it on the scheduler.
func (r *Reconciler) SweepTyping() {
	cutoff := time.Now().Add(-r.cfg.TypingTTL)
	type expired struct{ conv, user string }
	var gone []expired

	r.mu.Lock()
	for conv, users := range r.typing {
		for id, at := range users {
			if at.Before(cutoff) {
				delete(users, id)
				gone = append(gone, expired{conv, id})
			}
		}
	}
	r.mu.Unlock()

	if r.cfg.OnTyping != nil {
		for _, g := range gone {
			r.cfg.OnTyping(TypingEvent{ConversationID: g.conv, UserID: g.user, Typing: false})
		}
	}
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// scopeOf extracts the list scope from a record payload: the conversation
// for messages, the post for comments, empty (whole store) otherwise.
func scopeOf(store string, data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	switch store {
	case StoreMessages:
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		json.Unmarshal(data, &p)
		return p.ConversationID
	case StoreComments:
		var p struct {
			PostID string `json:"postId"`
		}
		json.Unmarshal(data, &p)
		return p.PostID
	default:
		return ""
	}
}

// samePayload compares two JSON payloads structurally.
func samePayload(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ab, err1 := json.Marshal(av)
	bb, err2 := json.Marshal(bv)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
