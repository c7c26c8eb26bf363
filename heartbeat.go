package beamlink

import (
	"sync"
	"time"
)

// ============================================================================
// Heartbeat Monitor
// ============================================================================

// HeartbeatMonitor fires a caller-supplied callback once per interval until
// stopped. Start is restart-safe: the newest interval governs from the moment
// Start returns. Stop is idempotent and safe from any goroutine; the callback
// does not fire after Stop.
type HeartbeatMonitor struct {
	onBeat func()

	mu   sync.Mutex
	quit chan struct{}
}

// NewHeartbeatMonitor creates a stopped monitor around onBeat.
func NewHeartbeatMonitor(onBeat func()) *HeartbeatMonitor {
	return &HeartbeatMonitor{onBeat: onBeat}
}

// Start stops any running timer and begins a new repeating interval timer.
func (m *HeartbeatMonitor) Start(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quit != nil {
		close(m.quit)
	}
	quit := make(chan struct{})
	m.quit = quit

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				// Fire while holding the lock: a Stop or restart that raced
				// the tick wins, and Stop never returns mid-callback.
				m.mu.Lock()
				if m.quit != quit {
					m.mu.Unlock()
					return
				}
				m.onBeat()
				m.mu.Unlock()
			}
		}
	}()
}

// Stop invalidates the timer and clears its handle.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
}
