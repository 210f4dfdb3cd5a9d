package huddlesync

import (
	"context"
	"sync"
)

// ============================================================================
// Sync Status Model
// ============================================================================

// statusModel computes Status snapshots. Nothing here is stored state
// except the last snapshot handed out and the acknowledged-error flag;
// every Refresh recomputes from the store, the monitor, and the syncer's
// last run, so the snapshot can never drift from the queues.
type statusModel struct {
	store    LocalStore
	monitor  Monitor
	syncer   *Syncer
	degraded func() error // pinned storage failure, nil while healthy

	mu   sync.Mutex
	last Status
}

func newStatusModel(store LocalStore, monitor Monitor, syncer *Syncer, degraded func() error) *statusModel {
	return &statusModel{store: store, monitor: monitor, syncer: syncer, degraded: degraded}
}

// Refresh recomputes the snapshot.
func (m *statusModel) Refresh(ctx context.Context) (Status, error) {
	mutations, messages, err := m.store.QueueCounts(ctx)
	if err != nil {
		return Status{}, err
	}
	dead, err := m.store.DeadLetterCount(ctx)
	if err != nil {
		return Status{}, err
	}
	lastSyncRaw, err := m.store.Metadata(ctx, MetaLastSync)
	if err != nil {
		return Status{}, err
	}

	lastRun, lastErr := m.syncer.LastRun()

	s := Status{
		IsOnline:          m.monitor.Online(),
		IsSyncing:         m.syncer.Draining(),
		QueueCount:        mutations,
		MessageQueueCount: messages,
		DeadLetterCount:   dead,
		TotalItemsQueued:  mutations + messages,
		LastSyncTime:      parseTime(lastSyncRaw),
	}
	if s.LastSyncTime.IsZero() {
		// A degraded session has no persisted metadata; fall back to the
		// in-memory run time.
		s.LastSyncTime = lastRun
	}
	if lastErr != nil {
		s.LastSyncError = lastErr.Error()
	}
	// Storage degradation is persistent: it stays on the snapshot until
	// the process restarts with working storage, regardless of
	// ClearError.
	if m.degraded != nil {
		if derr := m.degraded(); derr != nil {
			s.LastSyncError = derr.Error()
		}
	}

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
	return s, nil
}

// Current returns the most recent snapshot without recomputing.
func (m *statusModel) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// ClearError acknowledges the last sync failure so the UI can dismiss it.
// A pinned storage degradation is not clearable.
func (m *statusModel) ClearError() {
	m.syncer.ClearError()
	m.mu.Lock()
	if m.degraded == nil || m.degraded() == nil {
		m.last.LastSyncError = ""
	}
	m.mu.Unlock()
}
