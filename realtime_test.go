package huddlesync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	huddlesync "github.com/huddleapp/huddle-sync"
	"github.com/huddleapp/huddle-sync/huddletest"
)

// ============================================================================
// Realtime end-to-end: websocket sessions against the in-process backend
// ============================================================================

// peerMessagePayload builds the chat payload a remote peer would have sent.
func peerMessagePayload(conversationID, senderID, content string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"conversationId":%q,"senderId":%q,"content":%q,"createdAt":%q}`,
		conversationID, senderID, content, time.Now().UTC().Format(time.RFC3339Nano),
	))
}

// newRealtimeEngine brings up an engine with the managed websocket session
// enabled and waits for it to finish the handshake.
func newRealtimeEngine(t *testing.T, srv *huddletest.Server, userID string) *huddlesync.Engine {
	t.Helper()
	eng := newTestEngine(t, srv, userID, func(cfg *huddlesync.Config) {
		cfg.Realtime = true
	})
	require.NoError(t, eng.SetOnline(true))
	waitUntil(t, 5*time.Second, func() bool {
		return eng.RealtimeState() == huddlesync.StateConnected
	}, "websocket session never connected")
	return eng
}

func TestRealtime_PeerMessageAppearsInJoinedConversation(t *testing.T) {
	srv := huddletest.New()
	defer srv.Close()
	ctx := context.Background()

	eng := newRealtimeEngine(t, srv, "user-1")
	require.NoError(t, eng.JoinConversation(ctx, "conv-1"))

	srv.InsertAs("peer-2", huddlesync.StoreMessages,
		peerMessagePayload("conv-1", "peer-2", "anyone up for a ride?"))

	waitUntil(t, 5*time.Second, func() bool {
		msgs, err := eng.Messages(ctx, "conv-1")
		return err == nil && len(msgs) == 1
	}, "peer message never reached the joined engine")

	msgs, err := eng.Messages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "peer-2", msgs[0].SenderID)
	assert.Equal(t, "anyone up for a ride?", msgs[0].Content)
	assert.False(t, msgs[0].Pending)
}

func TestRealtime_UnjoinedConversationStaysQuiet(t *testing.T) {
	srv := huddletest.New()
	defer srv.Close()
	ctx := context.Background()

	eng := newTestEngine(t, srv, "user-1", func(cfg *huddlesync.Config) {
		cfg.Realtime = true
	})
	drains := watchDrains(eng)
	defer drains.cancel()
	require.NoError(t, eng.SetOnline(true))

	// Let the catch-up pull of the online transition finish first, so the
	// only remaining delivery path for the insert below is the socket.
	rep := drains.next(t)
	require.NoError(t, rep.Err)
	waitUntil(t, 5*time.Second, func() bool {
		return eng.RealtimeState() == huddlesync.StateConnected
	}, "websocket session never connected")

	require.NoError(t, eng.JoinConversation(ctx, "conv-1"))
	require.NoError(t, eng.LeaveConversation(ctx, "conv-1"))

	srv.InsertAs("peer-2", huddlesync.StoreMessages,
		peerMessagePayload("conv-1", "peer-2", "hello?"))

	time.Sleep(150 * time.Millisecond)
	msgs, err := eng.Messages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "message for a left conversation should not be pushed")
}

func TestRealtime_OwnSendIsNotDuplicatedByEcho(t *testing.T) {
	srv := huddletest.New()
	defer srv.Close()
	ctx := context.Background()

	eng := newRealtimeEngine(t, srv, "user-1")
	require.NoError(t, eng.JoinConversation(ctx, "conv-1"))

	drains := watchDrains(eng)
	defer drains.cancel()

	_, err := eng.SendMessage(ctx, "conv-1", "see you at the trailhead")
	require.NoError(t, err)

	rep := drains.next(t)
	require.NoError(t, rep.Err)
	require.Equal(t, 1, rep.Processed)

	// The server pushes the committed write back over the same socket. The
	// echo must collapse into the record the confirmation already settled.
	waitUntil(t, 5*time.Second, func() bool {
		msgs, err := eng.Messages(ctx, "conv-1")
		return err == nil && len(msgs) == 1 && !msgs[0].Pending
	}, "sent message never settled")

	time.Sleep(150 * time.Millisecond)
	msgs, err := eng.Messages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "websocket echo duplicated the sender's own message")
	assert.Equal(t, "see you at the trailhead", msgs[0].Content)
	assert.Equal(t, "user-1", msgs[0].SenderID)
}

func TestRealtime_PresenceAndTyping(t *testing.T) {
	srv := huddletest.New()
	defer srv.Close()
	ctx := context.Background()

	alpha := newRealtimeEngine(t, srv, "user-1")
	beta := newRealtimeEngine(t, srv, "user-2")
	require.NoError(t, alpha.JoinConversation(ctx, "conv-1"))
	require.NoError(t, beta.JoinConversation(ctx, "conv-1"))

	waitUntil(t, 5*time.Second, func() bool {
		return containsString(alpha.OnlineUsers(), "user-2")
	}, "first engine never saw the second come online")
	waitUntil(t, 5*time.Second, func() bool {
		return containsString(beta.OnlineUsers(), "user-1")
	}, "second engine never saw the first in the roster")

	require.NoError(t, beta.StartTyping(ctx, "conv-1"))
	waitUntil(t, 5*time.Second, func() bool {
		return containsString(alpha.TypingUsers("conv-1"), "user-2")
	}, "typing indicator never arrived")
	assert.Empty(t, beta.TypingUsers("conv-1"), "a user's own typing must not show locally")

	require.NoError(t, beta.StopTyping(ctx, "conv-1"))
	waitUntil(t, 5*time.Second, func() bool {
		return len(alpha.TypingUsers("conv-1")) == 0
	}, "typing indicator never cleared")

	require.NoError(t, beta.Close())
	waitUntil(t, 5*time.Second, func() bool {
		return !containsString(alpha.OnlineUsers(), "user-2")
	}, "closed engine still shows as online")
}

func TestRealtime_ManualConnectLifecycle(t *testing.T) {
	srv := huddletest.New()
	defer srv.Close()
	ctx := context.Background()

	eng := newTestEngine(t, srv, "user-1", nil)
	require.NoError(t, eng.SetOnline(true))

	require.Equal(t, huddlesync.StateDisconnected, eng.RealtimeState())
	require.NoError(t, eng.Connect(ctx))
	require.Equal(t, huddlesync.StateConnected, eng.RealtimeState())
	waitUntil(t, 5*time.Second, func() bool {
		return srv.SessionCount() == 1
	}, "server never registered the session")

	// A second connect on a live session is a no-op.
	require.NoError(t, eng.Connect(ctx))
	assert.Equal(t, 1, srv.SessionCount())

	require.NoError(t, eng.Disconnect())
	require.Equal(t, huddlesync.StateDisconnected, eng.RealtimeState())
	waitUntil(t, 5*time.Second, func() bool {
		return srv.SessionCount() == 0
	}, "server session lingered after disconnect")

	// An intentional disconnect must not trigger the auto-reconnect path.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, huddlesync.StateDisconnected, eng.RealtimeState())
	assert.Equal(t, 0, srv.SessionCount())
}

func TestRealtime_ThreadWatchDeliversComments(t *testing.T) {
	srv := huddletest.New()
	defer srv.Close()
	ctx := context.Background()

	eng := newRealtimeEngine(t, srv, "user-1")
	require.NoError(t, eng.WatchThread(ctx, "post-7"))

	payload := json.RawMessage(`{"postId":"post-7","authorId":"peer-2","content":"count me in"}`)
	srv.InsertAs("peer-2", huddlesync.StoreComments, payload)

	waitUntil(t, 5*time.Second, func() bool {
		thread, err := eng.Thread(ctx, "post-7")
		return err == nil && len(thread) == 1
	}, "watched thread never received the comment")

	thread, err := eng.Thread(ctx, "post-7")
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, huddlesync.StoreComments, thread[0].Store)
	assert.Equal(t, huddlesync.OriginServer, thread[0].Origin)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
