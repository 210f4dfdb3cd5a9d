package huddlesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Sync Manager
// ============================================================================

// Syncer drains the durable queues against the backend and pulls the change
// feed afterwards. One pass runs at a time; a pass requested while another
// is in flight coalesces into a single follow-up run.
//
// Entries for different stores replay on independent lanes; entries for the
// same store replay strictly oldest-first, and a transient failure halts
// only that lane until the next pass.
type Syncer struct {
	store   LocalStore
	remote  *RemoteClient
	monitor Monitor
	logger  *slog.Logger
	limiter *rate.Limiter

	retryBudget  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	pullPageSize int

	// apply merges one pulled change event into the local cache.
	apply func(ctx context.Context, ev ChangeEvent) error
	// confirmedEntry and confirmedMessage run after a queue entry was
	// accepted by the backend and the cache updated.
	confirmedEntry   func(e QueueEntry, rec RemoteRecord)
	confirmedMessage func(m QueuedMessage, rec RemoteRecord)
	// notify delivers post-confirmation notifications; failures are
	// logged and never affect the drain.
	notifier Notifier
	// runAgain schedules the coalesced follow-up pass.
	runAgain func()

	mu           sync.Mutex
	draining     bool
	again        bool
	failures     int
	backoffUntil time.Time
	lastErr      error
	lastRun      time.Time
}

// SyncerConfig wires a Syncer to its collaborators. Store and Remote are
// required; everything else has defaults.
type SyncerConfig struct {
	Store   LocalStore
	Remote  *RemoteClient
	Monitor Monitor
	Logger  *slog.Logger

	// RetryBudget is how many transient failures one entry may accumulate
	// before it is dead-lettered instead of retried. Default 5.
	RetryBudget int
	// BackoffBase and BackoffMax bound the exponential pause between
	// failed passes. Defaults 1s and 60s.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RequestRate paces replay requests per second across all lanes;
	// zero means unpaced. RequestBurst defaults to 1 when paced.
	RequestRate  float64
	RequestBurst int
	// PullPageSize is the change-feed page size. Default 100.
	PullPageSize int

	Apply            func(ctx context.Context, ev ChangeEvent) error
	ConfirmedEntry   func(e QueueEntry, rec RemoteRecord)
	ConfirmedMessage func(m QueuedMessage, rec RemoteRecord)
	Notifier         Notifier
	RunAgain         func()
}

// NewSyncer creates a Syncer from cfg.
func NewSyncer(cfg SyncerConfig) *Syncer {
	s := &Syncer{
		store:            cfg.Store,
		remote:           cfg.Remote,
		monitor:          cfg.Monitor,
		logger:           cfg.Logger,
		retryBudget:      cfg.RetryBudget,
		backoffBase:      cfg.BackoffBase,
		backoffMax:       cfg.BackoffMax,
		pullPageSize:     cfg.PullPageSize,
		apply:            cfg.Apply,
		confirmedEntry:   cfg.ConfirmedEntry,
		confirmedMessage: cfg.ConfirmedMessage,
		notifier:         cfg.Notifier,
		runAgain:         cfg.RunAgain,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "syncer")
	if s.retryBudget <= 0 {
		s.retryBudget = 5
	}
	if s.backoffBase <= 0 {
		s.backoffBase = time.Second
	}
	if s.backoffMax <= 0 {
		s.backoffMax = time.Minute
	}
	if s.pullPageSize <= 0 {
		s.pullPageSize = 100
	}
	if cfg.RequestRate > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), burst)
	} else {
		s.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return s
}

// Draining reports whether a pass is in flight.
func (s *Syncer) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// LastRun returns when the last pass finished and its first error, if any.
func (s *Syncer) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

// ClearError drops the remembered failure of the last pass.
func (s *Syncer) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
}

// ResetBackoff clears failure backoff. Called on connectivity regained and
// on explicit sync requests, both of which are fresh evidence that a new
// attempt is worth making now.
func (s *Syncer) ResetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.backoffUntil = time.Time{}
}

// BackoffRemaining reports how long failure backoff still blocks the next
// pass; zero when a pass may run now.
func (s *Syncer) BackoffRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem := time.Until(s.backoffUntil)
	if rem < 0 {
		return 0
	}
	return rem
}

// Drain runs one pass: replay both queues lane by lane, then catch up on
// the change feed. It returns a Skipped report while offline, while
// another pass runs (that pass is followed by one more), or while backoff
// from an earlier failure has not elapsed.
func (s *Syncer) Drain(ctx context.Context) DrainReport {
	if s.monitor != nil && !s.monitor.Online() {
		return DrainReport{Skipped: true}
	}

	s.mu.Lock()
	if s.draining {
		s.again = true
		s.mu.Unlock()
		return DrainReport{Skipped: true}
	}
	if time.Now().Before(s.backoffUntil) {
		s.mu.Unlock()
		return DrainReport{Skipped: true}
	}
	s.draining = true
	s.mu.Unlock()

	start := time.Now()
	rep := s.drainOnce(ctx)
	rep.Duration = time.Since(start)

	now := time.Now()
	if err := s.store.SetMetadata(ctx, MetaLastSync, fmtTime(now)); err != nil {
		s.logger.Warn("persist lastSync failed", "error", err)
	}

	s.mu.Lock()
	s.lastRun = now
	s.lastErr = rep.Err
	if rep.Err != nil {
		s.failures++
		s.backoffUntil = now.Add(s.nextBackoff(s.failures))
	} else {
		s.failures = 0
		s.backoffUntil = time.Time{}
	}
	again := s.again
	s.again = false
	s.draining = false
	s.mu.Unlock()

	s.logger.Info("drain finished",
		"processed", rep.Processed,
		"errors", rep.Errors,
		"deadLettered", rep.DeadLettered,
		"pulled", rep.Pulled,
		"duration", rep.Duration,
	)

	if again && s.runAgain != nil {
		s.runAgain()
	}
	return rep
}

type laneResult struct {
	processed    int
	errors       int
	deadLettered int
	err          error
}

func (s *Syncer) drainOnce(ctx context.Context) DrainReport {
	var rep DrainReport

	entries, err := s.store.Queue(ctx)
	if err != nil {
		rep.Errors++
		rep.Err = err
		return rep
	}
	msgs, err := s.store.MessageQueue(ctx)
	if err != nil {
		rep.Errors++
		rep.Err = err
		return rep
	}

	lanes := make(map[string][]QueueEntry)
	for _, e := range entries {
		lanes[e.Store] = append(lanes[e.Store], e)
	}
	convs := make(map[string][]QueuedMessage)
	for _, m := range msgs {
		convs[m.ConversationID] = append(convs[m.ConversationID], m)
	}

	gate := &authGate{tokens: s.remote.Tokens()}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	record := func(res laneResult) {
		mu.Lock()
		defer mu.Unlock()
		rep.Processed += res.processed
		rep.Errors += res.errors
		rep.DeadLettered += res.deadLettered
		if rep.Err == nil {
			rep.Err = res.err
		}
	}

	for store, lane := range lanes {
		wg.Add(1)
		go func(store string, lane []QueueEntry) {
			defer wg.Done()
			record(s.drainLane(ctx, gate, store, lane))
		}(store, lane)
	}
	for conv, lane := range convs {
		wg.Add(1)
		go func(conv string, lane []QueuedMessage) {
			defer wg.Done()
			record(s.drainConversation(ctx, gate, conv, lane))
		}(conv, lane)
	}
	wg.Wait()

	// Catch up on the change feed only after a clean replay; while lanes
	// are failing transiently the backend is not worth hammering.
	if rep.Err == nil {
		pulled, err := s.pullChanges(ctx)
		rep.Pulled = pulled
		if err != nil {
			rep.Errors++
			rep.Err = err
		}
	}
	return rep
}

// drainLane replays one store's entries oldest-first. A permanent failure
// dead-letters the entry and the lane continues; anything else halts the
// lane so order is preserved for the next pass.
func (s *Syncer) drainLane(ctx context.Context, gate *authGate, store string, lane []QueueEntry) laneResult {
	var res laneResult
	log := s.logger.With("lane", store)

	for _, e := range lane {
		if err := ctx.Err(); err != nil {
			res.err = err
			return res
		}

		rec, err := s.applyEntry(ctx, e)
		if err != nil {
			err = s.retryAuth(ctx, gate, err, func() (RemoteRecord, error) {
				var rerr error
				rec, rerr = s.applyEntry(ctx, e)
				return rec, rerr
			})
		}
		if err == nil {
			s.confirmEntry(ctx, e, rec)
			res.processed++
			continue
		}

		rerr := classifyErr(entryOp(e), err)
		if rerr.Class == ClassPermanent {
			if dlErr := s.deadLetterEntry(ctx, e, rerr); dlErr != nil {
				log.Error("dead-letter failed", "seq", e.Seq, "error", dlErr)
				res.errors++
				res.err = dlErr
				return res
			}
			log.Warn("entry dead-lettered", "seq", e.Seq, "status", rerr.StatusCode, "reason", rerr.Error())
			res.deadLettered++
			continue
		}

		retries, bErr := s.store.BumpRetry(ctx, e.Seq)
		if bErr != nil {
			log.Warn("bump retry failed", "seq", e.Seq, "error", bErr)
		} else if retries >= s.retryBudget {
			if dlErr := s.deadLetterEntry(ctx, e, rerr); dlErr == nil {
				log.Warn("retry budget exhausted, entry dead-lettered", "seq", e.Seq, "retries", retries)
				res.deadLettered++
				continue
			}
		}
		log.Warn("lane halted", "seq", e.Seq, "error", rerr)
		res.errors++
		res.err = rerr
		return res
	}
	return res
}

// retryAuth funnels an auth-expired failure through the pass's single
// credential refresh, then retries the call once. Any other error passes
// through untouched.
func (s *Syncer) retryAuth(ctx context.Context, gate *authGate, err error, retry func() (RemoteRecord, error)) error {
	var rerr *RemoteError
	if !errors.As(err, &rerr) || rerr.Class != ClassAuthExpired {
		return err
	}
	if gerr := gate.refresh(ctx); gerr != nil {
		return rerr
	}
	if _, err2 := retry(); err2 != nil {
		return err2
	}
	return nil
}

func (s *Syncer) applyEntry(ctx context.Context, e QueueEntry) (RemoteRecord, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return RemoteRecord{}, err
	}
	switch e.Op {
	case OpCreate:
		return s.remote.Insert(ctx, e.Store, e.IdempotencyKey, e.Payload)
	case OpUpdate:
		return s.remote.Update(ctx, e.Store, e.RecordID, e.IdempotencyKey, e.Payload)
	case OpDelete:
		return RemoteRecord{}, s.remote.Delete(ctx, e.Store, e.RecordID, e.IdempotencyKey)
	default:
		return RemoteRecord{}, &RemoteError{
			Class:   ClassPermanent,
			Op:      entryOp(e),
			Message: fmt.Sprintf("unknown op %q", e.Op),
		}
	}
}

// confirmEntry removes the entry from the queue the moment the backend
// accepted it, then settles the cache on the server-confirmed copy.
func (s *Syncer) confirmEntry(ctx context.Context, e QueueEntry, rec RemoteRecord) {
	if err := s.store.Dequeue(ctx, e.Seq); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("dequeue after confirm failed", "seq", e.Seq, "error", err)
	}

	switch e.Op {
	case OpDelete:
		if err := s.store.DeleteRecord(ctx, e.Store, e.RecordID); err != nil {
			s.logger.Warn("drop cached record failed", "store", e.Store, "id", e.RecordID, "error", err)
		}
	default:
		payload := rec.Data
		if len(payload) == 0 {
			payload = e.Payload
		}
		// The backend may assign its own id; retire the optimistic one.
		if rec.ID != "" && rec.ID != e.RecordID {
			if err := s.store.DeleteRecord(ctx, e.Store, e.RecordID); err != nil {
				s.logger.Warn("drop optimistic record failed", "store", e.Store, "id", e.RecordID, "error", err)
			}
		}
		id := rec.ID
		if id == "" {
			id = e.RecordID
		}
		cached := CachedRecord{
			Store:     e.Store,
			ID:        id,
			Payload:   payload,
			Version:   rec.Version,
			Origin:    OriginServer,
			UpdatedAt: rec.UpdatedAt,
		}
		if cached.UpdatedAt.IsZero() {
			cached.UpdatedAt = time.Now().UTC()
		}
		if err := s.store.PutRecord(ctx, cached); err != nil {
			s.logger.Warn("cache confirmed record failed", "store", e.Store, "id", id, "error", err)
		}
	}

	if s.confirmedEntry != nil {
		s.confirmedEntry(e, rec)
	}
	if e.Op == OpCreate && e.Store == StoreComments {
		s.notifyComment(ctx, e, rec)
	}
}

func (s *Syncer) notifyComment(ctx context.Context, e QueueEntry, rec RemoteRecord) {
	if s.notifier == nil {
		return
	}
	var p struct {
		PostID   string `json:"postId"`
		AuthorID string `json:"authorId"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		s.logger.Warn("comment payload did not decode for notify", "seq", e.Seq, "error", err)
		return
	}
	id := rec.ID
	if id == "" {
		id = e.RecordID
	}
	n := Notification{EntityID: id, PostID: p.PostID, ActorID: p.AuthorID, Content: p.Content}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notify failed", "entity", id, "error", err)
	}
}

func (s *Syncer) deadLetterEntry(ctx context.Context, e QueueEntry, rerr *RemoteError) error {
	return s.store.MoveToDeadLetter(ctx, DeadLetter{
		Seq:        e.Seq,
		Source:     DeadLetterMutations,
		Store:      e.Store,
		Op:         e.Op,
		RecordID:   e.RecordID,
		Payload:    e.Payload,
		Reason:     rerr.Error(),
		StatusCode: rerr.StatusCode,
		CreatedAt:  e.CreatedAt,
		FailedAt:   time.Now().UTC(),
	})
}

// pullChanges consumes the server change feed from the persisted cursor.
// The cursor advances page by page so a crash mid-catch-up resumes where
// it stopped; re-applying a page is safe because merges are idempotent.
func (s *Syncer) pullChanges(ctx context.Context) (int, error) {
	if s.apply == nil {
		return 0, nil
	}

	raw, err := s.store.Metadata(ctx, MetaChangesCursor)
	if err != nil {
		return 0, err
	}
	var cursor int64
	if raw != "" {
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn("changes cursor corrupt, restarting from zero", "value", raw)
			cursor = 0
		}
	}

	total := 0
	for {
		page, err := s.remote.Changes(ctx, cursor, s.pullPageSize)
		if err != nil {
			return total, err
		}
		for _, ev := range page.Events {
			if err := s.apply(ctx, ev); err != nil {
				// A single bad event must not wedge the cursor forever.
				s.logger.Warn("change event did not apply", "seq", ev.Seq, "store", ev.Store, "error", err)
				continue
			}
			total++
		}
		if page.Cursor > cursor {
			cursor = page.Cursor
			if err := s.store.SetMetadata(ctx, MetaChangesCursor, strconv.FormatInt(cursor, 10)); err != nil {
				return total, err
			}
		} else if page.HasMore {
			// A feed that claims more pages without moving its cursor
			// would hand out this page forever.
			s.logger.Warn("change feed cursor did not advance, stopping pull", "cursor", cursor)
			return total, nil
		}
		if !page.HasMore || len(page.Events) == 0 {
			return total, nil
		}
	}
}

func (s *Syncer) nextBackoff(failures int) time.Duration {
	d := float64(s.backoffBase) * math.Pow(2, float64(failures-1))
	if d > float64(s.backoffMax) {
		d = float64(s.backoffMax)
	}
	// 0.5x-1.5x jitter keeps reconnecting clients from thundering in step.
	return time.Duration(d * (0.5 + rand.Float64()))
}

func entryOp(e QueueEntry) string {
	return string(e.Op) + " " + e.Store
}

// authGate serializes the single credential refresh one drain pass may
// perform. Every lane that hits an auth failure funnels through it; the
// first does the refresh, the rest share the outcome.
type authGate struct {
	tokens TokenSource
	mu     sync.Mutex
	done   bool
	err    error
}

func (g *authGate) refresh(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.done = true
		_, g.err = g.tokens.Refresh(ctx)
	}
	return g.err
}
