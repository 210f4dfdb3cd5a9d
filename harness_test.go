package huddlesync_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	huddlesync "github.com/huddleapp/huddle-sync"
	"github.com/huddleapp/huddle-sync/huddletest"
)

// ============================================================================
// End-to-end harness: engines wired to an in-process backend
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine against srv that starts OFFLINE, with the
// periodic timers pushed out of the test's way. Tests register observers
// first and then flip the monitor online, so no pass can slip by unseen.
func newTestEngine(t *testing.T, srv *huddletest.Server, userID string, mut func(*huddlesync.Config)) *huddlesync.Engine {
	t.Helper()
	cfg := huddlesync.Config{
		UserID:       userID,
		BaseURL:      srv.URL(),
		Tokens:       huddlesync.NewStaticTokenSource(userID),
		Store:        huddlesync.NewMemoryStore(),
		Monitor:      huddlesync.NewSignalMonitor(false),
		Logger:       testLogger(),
		SyncInterval: time.Hour,
		BackoffBase:  10 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	eng, err := huddlesync.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// drainWaiter collects drain reports as they are emitted.
type drainWaiter struct {
	ch     chan huddlesync.DrainReport
	cancel func()
}

func watchDrains(eng *huddlesync.Engine) *drainWaiter {
	w := &drainWaiter{ch: make(chan huddlesync.DrainReport, 64)}
	w.cancel = eng.OnDrain(func(rep huddlesync.DrainReport) {
		select {
		case w.ch <- rep:
		default:
		}
	})
	return w
}

// next blocks until the next drain pass finishes.
func (w *drainWaiter) next(t *testing.T) huddlesync.DrainReport {
	t.Helper()
	select {
	case rep := <-w.ch:
		return rep
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a drain pass")
		return huddlesync.DrainReport{}
	}
}

// waitUntil polls cond until it holds or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
