package beamlink

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeatMonitor_FiresOnInterval(t *testing.T) {
	var fires atomic.Int32
	m := NewHeartbeatMonitor(func() { fires.Add(1) })
	defer m.Stop()

	m.Start(100 * time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	if n := fires.Load(); n < 1 {
		t.Fatalf("expected at least one fire after 150ms, got %d", n)
	}
}

func TestHeartbeatMonitor_StopPreventsFire(t *testing.T) {
	var fires atomic.Int32
	m := NewHeartbeatMonitor(func() { fires.Add(1) })

	m.Start(100 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	m.Stop()
	time.Sleep(150 * time.Millisecond)

	if n := fires.Load(); n != 0 {
		t.Fatalf("expected zero fires after early Stop, got %d", n)
	}
}

func TestHeartbeatMonitor_RestartSupersedesPriorTimer(t *testing.T) {
	var fires atomic.Int32
	m := NewHeartbeatMonitor(func() { fires.Add(1) })
	defer m.Stop()

	m.Start(time.Hour)
	m.Start(50 * time.Millisecond)

	deadline := time.Now().Add(500 * time.Millisecond)
	for fires.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fires.Load() == 0 {
		t.Fatal("new interval did not take effect after restart")
	}
}

func TestHeartbeatMonitor_StopWaitsForInFlightCallback(t *testing.T) {
	var fires atomic.Int32
	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})

	m := NewHeartbeatMonitor(func() {
		fires.Add(1)
		once.Do(func() { close(entered) })
		<-release
	})
	m.Start(5 * time.Millisecond)
	<-entered

	stopDone := make(chan struct{})
	go func() {
		m.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while the callback was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}

	// Once Stop has returned the callback must never fire again.
	after := fires.Load()
	time.Sleep(50 * time.Millisecond)
	if n := fires.Load(); n != after {
		t.Fatalf("callback fired after Stop returned (%d -> %d)", after, n)
	}
}

func TestHeartbeatMonitor_StopIsIdempotent(t *testing.T) {
	m := NewHeartbeatMonitor(func() {})

	// Stop before any Start, then twice after.
	m.Stop()
	m.Start(time.Hour)
	m.Stop()
	m.Stop()
}
