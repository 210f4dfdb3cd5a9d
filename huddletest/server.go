// Package huddletest runs an in-process Huddle backend with the production
// REST and websocket surface, so sync flows can be exercised end to end
// without a network. It keeps everything in memory and offers handles for
// injecting failures, revoking tokens, and writing as other users.
package huddletest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	huddlesync "github.com/huddleapp/huddle-sync"
)

// WriteOp is one accepted write, in arrival order. Idempotent replays of an
// already-answered request do not appear here, which makes the slice a
// faithful record of what the backend actually applied.
type WriteOp struct {
	Store          string
	Op             huddlesync.Op
	RecordID       string
	IdempotencyKey string
	Payload        json.RawMessage
}

type idemEntry struct {
	status int
	body   []byte
}

// session is one live websocket client.
type session struct {
	conn    *websocket.Conn
	userID  string
	writeMu sync.Mutex
	convs   map[string]bool
	threads map[string]bool
}

func (s *session) send(env huddlesync.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Server is the fake backend. All methods are safe for concurrent use.
type Server struct {
	hs *httptest.Server

	mu            sync.Mutex
	seq           int64
	nextID        int64
	records       map[string]map[string]huddlesync.RemoteRecord
	order         map[string][]string
	changes       []huddlesync.ChangeEvent
	idem          map[string]idemEntry
	writes        []WriteOp
	notifications []huddlesync.Notification
	failures      map[string][]int
	aliases       map[string]string
	revoked       map[string]bool
	sessions      map[*session]struct{}
}

// New starts the backend. Callers must Close it.
func New() *Server {
	s := &Server{
		records:  make(map[string]map[string]huddlesync.RemoteRecord),
		order:    make(map[string][]string),
		idem:     make(map[string]idemEntry),
		failures: make(map[string][]int),
		aliases:  make(map[string]string),
		revoked:  make(map[string]bool),
		sessions: make(map[*session]struct{}),
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/changes", s.handleChanges)
		r.Post("/notify", s.handleNotify)
		r.Post("/{store}", s.handleInsert)
		r.Put("/{store}/{id}", s.handleUpdate)
		r.Delete("/{store}/{id}", s.handleDelete)
	})
	r.Get("/ws", s.handleWS)

	s.hs = httptest.NewServer(r)
	return s
}

// URL returns the backend root, http scheme.
func (s *Server) URL() string { return s.hs.URL }

// Close drops all websocket sessions and stops the HTTP server.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*session]struct{})
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.hs.Close()
}

// ----------------------------------------------------------------------------
// Auth
// ----------------------------------------------------------------------------

// Authenticate maps a bearer token to a user id. Unmapped tokens act as
// their own user id, so most tests just use the user id as the token.
func (s *Server) Authenticate(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[token] = userID
}

// RevokeToken makes a token fail with 401 until re-authenticated.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
	delete(s.aliases, token)
}

func (s *Server) tokenOK(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token != "" && !s.revoked[token]
}

func (s *Server) actorFor(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.aliases[token]; ok {
		return user
	}
	return token
}

type actorKey struct{}

func actor(r *http.Request) string {
	v, _ := r.Context().Value(actorKey{}).(string)
	return v
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.tokenOK(token) {
			writeError(w, http.StatusUnauthorized, "token_expired", "token is expired or missing")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, s.actorFor(token))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ----------------------------------------------------------------------------
// Failure injection
// ----------------------------------------------------------------------------

// FailNext makes the next `times` writes against a store answer with
// statusCode instead of being applied.
func (s *Server) FailNext(store string, statusCode, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.failures[store] = append(s.failures[store], statusCode)
	}
}

func (s *Server) popFailure(store string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[store]
	if len(queue) == 0 {
		return 0, false
	}
	code := queue[0]
	s.failures[store] = queue[1:]
	return code, true
}

func failureCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "token_expired"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "backend_unavailable"
	default:
		return "error"
	}
}

// ----------------------------------------------------------------------------
// REST handlers
// ----------------------------------------------------------------------------

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "store")
	if code, ok := s.popFailure(store); ok {
		writeError(w, code, failureCode(code), "injected failure")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if body, status, ok := s.replay(key); ok {
		writeRaw(w, status, body)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, "validation_failed", "body is not valid JSON")
		return
	}
	rec := s.insert(actor(r), store, key, payload)
	s.respond(w, key, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "store")
	id := chi.URLParam(r, "id")
	if code, ok := s.popFailure(store); ok {
		writeError(w, code, failureCode(code), "injected failure")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if body, status, ok := s.replay(key); ok {
		writeRaw(w, status, body)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, "validation_failed", "body is not valid JSON")
		return
	}
	rec, ok := s.update(actor(r), store, id, key, payload)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s/%s does not exist", store, id))
		return
	}
	s.respond(w, key, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "store")
	id := chi.URLParam(r, "id")
	if code, ok := s.popFailure(store); ok {
		writeError(w, code, failureCode(code), "injected failure")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if body, status, ok := s.replay(key); ok {
		writeRaw(w, status, body)
		return
	}
	// Deleting an absent entity is not an error; replays stay clean.
	s.remove(actor(r), store, id, key)
	s.respond(w, key, http.StatusOK, struct{}{})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	var events []huddlesync.ChangeEvent
	more := false
	for _, ev := range s.changes {
		if ev.Seq <= since {
			continue
		}
		if len(events) == limit {
			more = true
			break
		}
		events = append(events, ev)
	}
	s.mu.Unlock()

	cursor := since
	if n := len(events); n > 0 {
		cursor = events[n-1].Seq
	}
	writeJSON(w, http.StatusOK, huddlesync.ChangePage{Events: events, Cursor: cursor, HasMore: more})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var n huddlesync.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "body is not a notification")
		return
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, struct{}{})
}

// ----------------------------------------------------------------------------
// State transitions
// ----------------------------------------------------------------------------

func (s *Server) insert(actor, store, key string, payload json.RawMessage) huddlesync.RemoteRecord {
	s.mu.Lock()
	s.nextID++
	rec := huddlesync.RemoteRecord{
		ID:        fmt.Sprintf("srv-%06d", s.nextID),
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		Data:      payload,
	}
	if s.records[store] == nil {
		s.records[store] = make(map[string]huddlesync.RemoteRecord)
	}
	s.records[store][rec.ID] = rec
	s.order[store] = append(s.order[store], rec.ID)
	s.writes = append(s.writes, WriteOp{
		Store: store, Op: huddlesync.OpCreate, RecordID: rec.ID,
		IdempotencyKey: key, Payload: payload,
	})
	ev := s.appendChangeLocked(store, huddlesync.OpCreate, rec, actor, clientIDOf(payload))
	targets := s.targetsLocked(store, payload)
	s.mu.Unlock()

	s.push(targets, ev)
	return rec
}

func (s *Server) update(actor, store, id, key string, payload json.RawMessage) (huddlesync.RemoteRecord, bool) {
	s.mu.Lock()
	rec, ok := s.records[store][id]
	if !ok {
		s.mu.Unlock()
		return huddlesync.RemoteRecord{}, false
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	rec.Data = payload
	s.records[store][id] = rec
	s.writes = append(s.writes, WriteOp{
		Store: store, Op: huddlesync.OpUpdate, RecordID: id,
		IdempotencyKey: key, Payload: payload,
	})
	ev := s.appendChangeLocked(store, huddlesync.OpUpdate, rec, actor, clientIDOf(payload))
	targets := s.targetsLocked(store, payload)
	s.mu.Unlock()

	s.push(targets, ev)
	return rec, true
}

func (s *Server) remove(actor, store, id, key string) bool {
	s.mu.Lock()
	rec, ok := s.records[store][id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.records[store], id)
	for i, v := range s.order[store] {
		if v == id {
			s.order[store] = append(s.order[store][:i], s.order[store][i+1:]...)
			break
		}
	}
	s.writes = append(s.writes, WriteOp{
		Store: store, Op: huddlesync.OpDelete, RecordID: id,
		IdempotencyKey: key,
	})
	ev := s.appendChangeLocked(store, huddlesync.OpDelete, rec, actor, "")
	targets := s.targetsLocked(store, rec.Data)
	s.mu.Unlock()

	s.push(targets, ev)
	return true
}

func (s *Server) appendChangeLocked(store string, op huddlesync.Op, rec huddlesync.RemoteRecord, actor, clientID string) huddlesync.ChangeEvent {
	s.seq++
	ev := huddlesync.ChangeEvent{
		Seq:      s.seq,
		Store:    store,
		Op:       op,
		Record:   rec,
		ActorID:  actor,
		ClientID: clientID,
		At:       time.Now().UTC(),
	}
	s.changes = append(s.changes, ev)
	return ev
}

func clientIDOf(payload json.RawMessage) string {
	var p struct {
		ClientID string `json:"clientId"`
	}
	json.Unmarshal(payload, &p)
	return p.ClientID
}

// ----------------------------------------------------------------------------
// Websocket
// ----------------------------------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !s.tokenOK(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sess := &session{
		conn:    conn,
		userID:  s.actorFor(token),
		convs:   make(map[string]bool),
		threads: make(map[string]bool),
	}
	if err := sess.send(huddlesync.Envelope{Type: "connected"}); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return
	}

	s.mu.Lock()
	roster := make([]string, 0, len(s.sessions))
	for other := range s.sessions {
		roster = append(roster, other.userID)
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	// The newcomer learns who is already here; everyone else learns about
	// the newcomer.
	for _, uid := range roster {
		sess.send(presenceEnvelope(uid, true))
	}
	s.broadcastPresence(sess, sess.userID, true)

	s.readCommands(r.Context(), sess)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.broadcastPresence(sess, sess.userID, false)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readCommands(ctx context.Context, sess *session) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		var p struct {
			ConversationID string `json:"conversationId"`
			PostID         string `json:"postId"`
		}
		if len(cmd.Payload) > 0 {
			json.Unmarshal(cmd.Payload, &p)
		}

		switch cmd.Type {
		case "conversation.join":
			s.mu.Lock()
			sess.convs[p.ConversationID] = true
			s.mu.Unlock()
		case "conversation.leave":
			s.mu.Lock()
			delete(sess.convs, p.ConversationID)
			s.mu.Unlock()
		case "thread.join":
			s.mu.Lock()
			sess.threads[p.PostID] = true
			s.mu.Unlock()
		case "thread.leave":
			s.mu.Lock()
			delete(sess.threads, p.PostID)
			s.mu.Unlock()
		case "typing.start":
			s.relayTyping(sess, p.ConversationID, true)
		case "typing.stop":
			s.relayTyping(sess, p.ConversationID, false)
		case "ping":
			sess.send(huddlesync.Envelope{Type: "pong"})
		}
	}
}

// targetsLocked picks the sessions a change event goes to: conversation
// members for messages, thread watchers for comments, everyone otherwise.
func (s *Server) targetsLocked(store string, payload json.RawMessage) []*session {
	var scope struct {
		ConversationID string `json:"conversationId"`
		PostID         string `json:"postId"`
	}
	json.Unmarshal(payload, &scope)

	var out []*session
	for sess := range s.sessions {
		switch {
		case store == huddlesync.StoreMessages && scope.ConversationID != "":
			if sess.convs[scope.ConversationID] {
				out = append(out, sess)
			}
		case store == huddlesync.StoreComments && scope.PostID != "":
			if sess.threads[scope.PostID] {
				out = append(out, sess)
			}
		default:
			out = append(out, sess)
		}
	}
	return out
}

func (s *Server) push(targets []*session, ev huddlesync.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	env := huddlesync.Envelope{Type: "change", Payload: payload}
	for _, sess := range targets {
		sess.send(env)
	}
}

func (s *Server) relayTyping(from *session, conversationID string, typing bool) {
	s.mu.Lock()
	var targets []*session
	for sess := range s.sessions {
		if sess != from && sess.convs[conversationID] {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(huddlesync.TypingEvent{
		ConversationID: conversationID,
		UserID:         from.userID,
		Typing:         typing,
	})
	env := huddlesync.Envelope{Type: "typing.indicator", Payload: payload}
	for _, sess := range targets {
		sess.send(env)
	}
}

func (s *Server) broadcastPresence(except *session, userID string, online bool) {
	s.mu.Lock()
	var targets []*session
	for sess := range s.sessions {
		if sess != except {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.send(presenceEnvelope(userID, online))
	}
}

func presenceEnvelope(userID string, online bool) huddlesync.Envelope {
	status := "offline"
	if online {
		status = "online"
	}
	payload, _ := json.Marshal(map[string]string{"userId": userID, "status": status})
	return huddlesync.Envelope{Type: "presence.changed", Payload: payload}
}

// ----------------------------------------------------------------------------
// Test handles
// ----------------------------------------------------------------------------

// InsertAs applies a server-side create by another user, feeding the change
// log and any subscribed websocket sessions.
func (s *Server) InsertAs(userID, store string, payload json.RawMessage) huddlesync.RemoteRecord {
	return s.insert(userID, store, "", payload)
}

// UpdateAs applies a server-side update by another user.
func (s *Server) UpdateAs(userID, store, id string, payload json.RawMessage) (huddlesync.RemoteRecord, bool) {
	return s.update(userID, store, id, "", payload)
}

// DeleteAs applies a server-side delete by another user.
func (s *Server) DeleteAs(userID, store, id string) bool {
	return s.remove(userID, store, id, "")
}

// Records returns a store's records in insertion order.
func (s *Server) Records(store string) []huddlesync.RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]huddlesync.RemoteRecord, 0, len(s.order[store]))
	for _, id := range s.order[store] {
		out = append(out, s.records[store][id])
	}
	return out
}

// Record returns one record by id.
func (s *Server) Record(store, id string) (huddlesync.RemoteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[store][id]
	return rec, ok
}

// Writes returns every applied write in arrival order.
func (s *Server) Writes() []WriteOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WriteOp, len(s.writes))
	copy(out, s.writes)
	return out
}

// Notifications returns the notifications received so far.
func (s *Server) Notifications() []huddlesync.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]huddlesync.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// LastSeq returns the newest change-feed sequence.
func (s *Server) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SessionCount returns the number of live websocket sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ----------------------------------------------------------------------------
// Idempotency and response plumbing
// ----------------------------------------------------------------------------

func (s *Server) replay(key string) ([]byte, int, bool) {
	if key == "" {
		return nil, 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idem[key]
	if !ok {
		return nil, 0, false
	}
	return e.body, e.status, true
}

func (s *Server) respond(w http.ResponseWriter, key string, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if key != "" {
		s.mu.Lock()
		s.idem[key] = idemEntry{status: status, body: body}
		s.mu.Unlock()
	}
	writeRaw(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	type inner struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	writeJSON(w, status, struct {
		Error inner `json:"error"`
	}{inner{Code: code, Message: message}})
}
