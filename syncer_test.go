package huddlesync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	huddlesync "github.com/huddleapp/huddle-sync"
	"github.com/huddleapp/huddle-sync/huddletest"
)

// ============================================================================
// Drain pipeline against an in-process backend
// ============================================================================

type syncerFixture struct {
	srv     *huddletest.Server
	store   huddlesync.LocalStore
	monitor *huddlesync.SignalMonitor
	syncer  *huddlesync.Syncer
	applied *[]huddlesync.ChangeEvent
}

func newSyncerFixture(t *testing.T, mut func(*huddlesync.SyncerConfig)) *syncerFixture {
	t.Helper()
	srv := huddletest.New()
	t.Cleanup(srv.Close)

	store := huddlesync.NewMemoryStore()
	monitor := huddlesync.NewSignalMonitor(true)
	applied := &[]huddlesync.ChangeEvent{}

	cfg := huddlesync.SyncerConfig{
		Store:       store,
		Remote:      huddlesync.NewRemoteClient(srv.URL(), huddlesync.NewStaticTokenSource("user-1"), huddlesync.WithClientLogger(testLogger())),
		Monitor:     monitor,
		Logger:      testLogger(),
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  500 * time.Millisecond,
		Apply: func(_ context.Context, ev huddlesync.ChangeEvent) error {
			*applied = append(*applied, ev)
			return nil
		},
	}
	if mut != nil {
		mut(&cfg)
	}
	return &syncerFixture{
		srv:     srv,
		store:   store,
		monitor: monitor,
		syncer:  huddlesync.NewSyncer(cfg),
		applied: applied,
	}
}

func enqueueCreate(t *testing.T, store huddlesync.LocalStore, storeName, recordID, key string, payload json.RawMessage) int64 {
	t.Helper()
	seq, err := store.Enqueue(context.Background(), huddlesync.QueueEntry{
		Store: storeName, Op: huddlesync.OpCreate, RecordID: recordID,
		Payload: payload, IdempotencyKey: key, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return seq
}

func writesFor(srv *huddletest.Server, store string) []huddletest.WriteOp {
	var out []huddletest.WriteOp
	for _, w := range srv.Writes() {
		if w.Store == store {
			out = append(out, w)
		}
	}
	return out
}

func TestSyncer_ReplaysQueueInOrder(t *testing.T) {
	f := newSyncerFixture(t, nil)
	ctx := context.Background()

	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-1", json.RawMessage(`{"title":"first"}`))
	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-2", "k-2", json.RawMessage(`{"title":"second"}`))
	enqueueCreate(t, f.store, huddlesync.StoreTasks, "c-3", "k-3", json.RawMessage(`{"title":"laundry"}`))

	rep := f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 3, rep.Processed)
	assert.False(t, rep.Skipped)

	// Within a store the replay is strictly oldest-first.
	posts := writesFor(f.srv, huddlesync.StorePosts)
	require.Len(t, posts, 2)
	assert.Equal(t, "k-1", posts[0].IdempotencyKey)
	assert.Equal(t, "k-2", posts[1].IdempotencyKey)

	q, err := f.store.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)

	// The cache settled on the server copies: optimistic ids are gone,
	// server-assigned ids are in.
	recs, err := f.store.Records(ctx, huddlesync.StorePosts)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, huddlesync.OriginServer, rec.Origin)
		assert.EqualValues(t, 1, rec.Version)
	}
	for _, optimistic := range []string{"c-1", "c-2"} {
		_, ok, err := f.store.Record(ctx, huddlesync.StorePosts, optimistic)
		require.NoError(t, err)
		assert.False(t, ok, "optimistic id %s must be retired", optimistic)
	}
}

func TestSyncer_TransientFailureHaltsOnlyThatLane(t *testing.T) {
	f := newSyncerFixture(t, nil)
	ctx := context.Background()

	f.srv.FailNext(huddlesync.StorePosts, 503, 1)
	seq1 := enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-1", json.RawMessage(`{"title":"first"}`))
	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-2", "k-2", json.RawMessage(`{"title":"second"}`))
	enqueueCreate(t, f.store, huddlesync.StoreTasks, "c-3", "k-3", json.RawMessage(`{"title":"laundry"}`))

	rep := f.syncer.Drain(ctx)
	require.Error(t, rep.Err)
	assert.Equal(t, 1, rep.Processed, "the tasks lane must complete")
	assert.Positive(t, f.syncer.BackoffRemaining())

	// The posts lane halted with both entries still queued, in order; the
	// failed head carries one retry.
	q, err := f.store.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.Equal(t, seq1, q[0].Seq)
	assert.Equal(t, 1, q[0].Retries)
	assert.Equal(t, 0, q[1].Retries)
	assert.Empty(t, writesFor(f.srv, huddlesync.StorePosts))

	// The next pass replays the lane front to back.
	f.syncer.ResetBackoff()
	rep = f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 2, rep.Processed)

	posts := writesFor(f.srv, huddlesync.StorePosts)
	require.Len(t, posts, 2)
	assert.Equal(t, "k-1", posts[0].IdempotencyKey)
	assert.Equal(t, "k-2", posts[1].IdempotencyKey)
}

func TestSyncer_PermanentFailureDeadLetters(t *testing.T) {
	f := newSyncerFixture(t, nil)
	ctx := context.Background()

	f.srv.FailNext(huddlesync.StorePosts, 400, 1)
	seq1 := enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-1", json.RawMessage(`{"title":"rejected"}`))
	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-2", "k-2", json.RawMessage(`{"title":"fine"}`))

	rep := f.syncer.Drain(ctx)
	require.NoError(t, rep.Err, "a permanent failure is handled, not propagated")
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.Zero(t, f.syncer.BackoffRemaining())

	// The rejected entry is parked; its lane kept going.
	letters, err := f.store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, seq1, letters[0].Seq)
	assert.Equal(t, huddlesync.DeadLetterMutations, letters[0].Source)
	assert.Equal(t, 400, letters[0].StatusCode)
	assert.NotEmpty(t, letters[0].Reason)

	posts := writesFor(f.srv, huddlesync.StorePosts)
	require.Len(t, posts, 1)
	assert.Equal(t, "k-2", posts[0].IdempotencyKey)
}

func TestSyncer_RetryBudgetExhaustion(t *testing.T) {
	f := newSyncerFixture(t, func(cfg *huddlesync.SyncerConfig) {
		cfg.RetryBudget = 2
	})
	ctx := context.Background()

	f.srv.FailNext(huddlesync.StorePosts, 503, 2)
	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-1", json.RawMessage(`{"title":"unlucky"}`))

	// First pass: one retry accumulated, lane halted.
	rep := f.syncer.Drain(ctx)
	require.Error(t, rep.Err)
	q, _ := f.store.Queue(ctx)
	require.Len(t, q, 1)
	assert.Equal(t, 1, q[0].Retries)

	// Second pass: the budget is spent, the entry is parked.
	f.syncer.ResetBackoff()
	rep = f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.DeadLettered)

	q, _ = f.store.Queue(ctx)
	assert.Empty(t, q)
	n, err := f.store.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncer_RefreshesCredentialsMidPass(t *testing.T) {
	srv := huddletest.New()
	t.Cleanup(srv.Close)
	srv.Authenticate("tok-old", "user-1")
	srv.Authenticate("tok-new", "user-1")

	tokens := huddlesync.NewRefreshingTokenSource("tok-old", func(context.Context) (string, error) {
		return "tok-new", nil
	})
	store := huddlesync.NewMemoryStore()
	syncer := huddlesync.NewSyncer(huddlesync.SyncerConfig{
		Store:   store,
		Remote:  huddlesync.NewRemoteClient(srv.URL(), tokens, huddlesync.WithClientLogger(testLogger())),
		Monitor: huddlesync.NewSignalMonitor(true),
		Logger:  testLogger(),
	})

	enqueueCreate(t, store, huddlesync.StorePosts, "c-1", "k-1", json.RawMessage(`{"title":"after refresh"}`))
	srv.RevokeToken("tok-old")

	rep := syncer.Drain(context.Background())
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Processed)
	assert.Len(t, srv.Writes(), 1)
}

func TestSyncer_AuthExpiredWithoutRefreshHaltsLane(t *testing.T) {
	f := newSyncerFixture(t, nil)
	ctx := context.Background()

	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-1", json.RawMessage(`{"title":"locked out"}`))
	f.srv.RevokeToken("user-1")

	rep := f.syncer.Drain(ctx)
	require.Error(t, rep.Err)
	var rerr *huddlesync.RemoteError
	require.ErrorAs(t, rep.Err, &rerr)
	assert.Equal(t, huddlesync.ClassAuthExpired, rerr.Class)

	// The entry survives for the session that can log in again.
	q, _ := f.store.Queue(ctx)
	require.Len(t, q, 1)
	assert.Equal(t, 1, q[0].Retries)
}

func TestSyncer_BackoffSkipsImmediateRetry(t *testing.T) {
	f := newSyncerFixture(t, nil)
	ctx := context.Background()

	f.srv.FailNext(huddlesync.StorePosts, 503, 1)
	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-1", json.RawMessage(`{"title":"x"}`))

	rep := f.syncer.Drain(ctx)
	require.Error(t, rep.Err)

	rep = f.syncer.Drain(ctx)
	assert.True(t, rep.Skipped, "a pass inside the backoff window must not run")

	f.syncer.ResetBackoff()
	rep = f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Processed)
}

func TestSyncer_SkipsWhileOffline(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.monitor.SetOnline(false)

	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-1", json.RawMessage(`{"title":"x"}`))
	rep := f.syncer.Drain(context.Background())
	assert.True(t, rep.Skipped)
	assert.Empty(t, f.srv.Writes())
}

func TestSyncer_PullsChangeFeed(t *testing.T) {
	f := newSyncerFixture(t, func(cfg *huddlesync.SyncerConfig) {
		cfg.PullPageSize = 2
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.srv.InsertAs("peer-1", huddlesync.StorePosts, json.RawMessage(fmt.Sprintf(`{"title":"post %d"}`, i)))
	}

	rep := f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 3, rep.Pulled, "all pages are consumed in one pass")
	require.Len(t, *f.applied, 3)
	assert.Equal(t, "peer-1", (*f.applied)[0].ActorID)

	cursor, err := f.store.Metadata(ctx, huddlesync.MetaChangesCursor)
	require.NoError(t, err)
	assert.Equal(t, "3", cursor)

	// Caught up: the next pass pulls nothing.
	rep = f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Zero(t, rep.Pulled)
}

func TestSyncer_PullStopsWhenCursorStalls(t *testing.T) {
	// A misbehaving feed keeps claiming more pages without ever moving its
	// cursor; the pull must give up after one page instead of spinning.
	calls := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"events":[{"seq":7,"store":"posts","op":"create","record":{"id":"p-1","version":1},"actorId":"peer","at":"2026-08-26T10:00:00Z"}],"cursor":7,"hasMore":true}`)
	}))
	t.Cleanup(backend.Close)

	store := huddlesync.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SetMetadata(ctx, huddlesync.MetaChangesCursor, "7"))

	applied := 0
	syncer := huddlesync.NewSyncer(huddlesync.SyncerConfig{
		Store:   store,
		Remote:  huddlesync.NewRemoteClient(backend.URL, huddlesync.NewStaticTokenSource("user-1"), huddlesync.WithClientLogger(testLogger())),
		Monitor: huddlesync.NewSignalMonitor(true),
		Logger:  testLogger(),
		Apply: func(context.Context, huddlesync.ChangeEvent) error {
			applied++
			return nil
		},
	})

	rep := syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, calls, "a stalled cursor must end the pull after one page")
	assert.Equal(t, 1, applied, "re-merging the stalled page is harmless, looping on it is not")

	cursor, err := store.Metadata(ctx, huddlesync.MetaChangesCursor)
	require.NoError(t, err)
	assert.Equal(t, "7", cursor, "a cursor that did not advance must not be rewritten")
}

func TestSyncer_DeliversMessagesInOrder(t *testing.T) {
	f := newSyncerFixture(t, nil)
	ctx := context.Background()

	for i, content := range []string{"first", "second", "third"} {
		_, err := f.store.EnqueueMessage(ctx, huddlesync.QueuedMessage{
			ConversationID: "conv-1", SenderID: "user-1",
			ClientID: fmt.Sprintf("m-%d", i+1), Content: content,
			IdempotencyKey: fmt.Sprintf("mk-%d", i+1), CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	rep := f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 3, rep.Processed)

	writes := writesFor(f.srv, huddlesync.StoreMessages)
	require.Len(t, writes, 3)
	for i, want := range []string{"first", "second", "third"} {
		var p struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal(writes[i].Payload, &p))
		assert.Equal(t, want, p.Content, "messages must arrive in typing order")
	}

	q, _ := f.store.MessageQueue(ctx)
	assert.Empty(t, q)

	// Confirmed sends are cached under their server ids.
	recs, err := f.store.Records(ctx, huddlesync.StoreMessages)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, huddlesync.OriginServer, rec.Origin)
	}
}

func TestSyncer_MessagePermanentFailureDeadLetters(t *testing.T) {
	f := newSyncerFixture(t, nil)
	ctx := context.Background()

	f.srv.FailNext(huddlesync.StoreMessages, 400, 1)
	seq1, err := f.store.EnqueueMessage(ctx, huddlesync.QueuedMessage{
		ConversationID: "conv-1", SenderID: "user-1", ClientID: "m-1",
		Content: "rejected", IdempotencyKey: "mk-1", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = f.store.EnqueueMessage(ctx, huddlesync.QueuedMessage{
		ConversationID: "conv-1", SenderID: "user-1", ClientID: "m-2",
		Content: "delivered", IdempotencyKey: "mk-2", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	rep := f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.Equal(t, 1, rep.Processed)

	letters, _ := f.store.DeadLetters(ctx)
	require.Len(t, letters, 1)
	assert.Equal(t, huddlesync.DeadLetterChat, letters[0].Source)
	assert.Equal(t, seq1, letters[0].Seq)

	// The dead letter carries the full wire payload so a manual retry can
	// rebuild the send.
	var p struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(letters[0].Payload, &p))
	assert.Equal(t, "rejected", p.Content)
}

func TestSyncer_DuplicateReplayIsIdempotent(t *testing.T) {
	f := newSyncerFixture(t, nil)
	ctx := context.Background()

	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-dup", json.RawMessage(`{"title":"once"}`))
	rep := f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)

	// Simulate a crash after the backend accepted the write but before
	// the dequeue landed: the same entry replays with the same key.
	enqueueCreate(t, f.store, huddlesync.StorePosts, "c-1", "k-dup", json.RawMessage(`{"title":"once"}`))
	rep = f.syncer.Drain(ctx)
	require.NoError(t, rep.Err)

	assert.Len(t, f.srv.Writes(), 1, "the backend must apply the write once")
	assert.Len(t, f.srv.Records(huddlesync.StorePosts), 1)
}

func TestSyncer_ConfirmedCommentNotifies(t *testing.T) {
	srv := huddletest.New()
	t.Cleanup(srv.Close)

	store := huddlesync.NewMemoryStore()
	remote := huddlesync.NewRemoteClient(srv.URL(), huddlesync.NewStaticTokenSource("user-1"), huddlesync.WithClientLogger(testLogger()))
	syncer := huddlesync.NewSyncer(huddlesync.SyncerConfig{
		Store:    store,
		Remote:   remote,
		Monitor:  huddlesync.NewSignalMonitor(true),
		Logger:   testLogger(),
		Notifier: remote,
	})

	payload := json.RawMessage(`{"postId":"p-7","authorId":"user-1","content":"nice post"}`)
	enqueueCreate(t, store, huddlesync.StoreComments, "c-1", "k-1", payload)

	rep := syncer.Drain(context.Background())
	require.NoError(t, rep.Err)

	ns := srv.Notifications()
	require.Len(t, ns, 1)
	assert.Equal(t, "p-7", ns[0].PostID)
	assert.Equal(t, "user-1", ns[0].ActorID)
	assert.Equal(t, "nice post", ns[0].Content)
	assert.NotEmpty(t, ns[0].EntityID)
}
