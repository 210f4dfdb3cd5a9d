package huddlesync

import (
	"sync"
	"time"
)

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler delivers periodic wake-ups. The engine never owns raw timers
// for its recurring work; it requests them here so hosts can substitute
// battery-aware or test-controlled scheduling.
type Scheduler interface {
	// Every runs fn on a fixed interval until the returned stop func is
	// called. fn runs on the scheduler's goroutine and must not block
	// for long.
	Every(interval time.Duration, fn func()) (stop func())
}

// TickerScheduler is the default Scheduler, one goroutine per registration.
type TickerScheduler struct {
	wg sync.WaitGroup
}

var _ Scheduler = (*TickerScheduler)(nil)

// NewTickerScheduler creates a ticker-backed scheduler.
func NewTickerScheduler() *TickerScheduler { return &TickerScheduler{} }

// Every starts a ticker goroutine for fn.
func (s *TickerScheduler) Every(interval time.Duration, fn func()) func() {
	done := make(chan struct{})
	var once sync.Once

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				fn()
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// Wait blocks until every registration has been stopped. Useful in
// shutdown paths and tests.
func (s *TickerScheduler) Wait() { s.wg.Wait() }
