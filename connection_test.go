package beamlink

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stateRec records connection callbacks for assertions.
type stateRec struct {
	mu       sync.Mutex
	statuses []StreamStatus
	messages []string
}

func (r *stateRec) onState(s StreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *stateRec) onMessage(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, content)
}

func (r *stateRec) hasState(state StreamState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s.State == state {
			return true
		}
	}
	return false
}

func (r *stateRec) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.statuses) - 1; i >= 0; i-- {
		if r.statuses[i].Err != nil {
			return r.statuses[i].Err
		}
	}
	return nil
}

func (r *stateRec) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func newTestConn(t *testing.T, tr *fakeTransport, autoReconnect bool, mutate func(*Config)) (*streamConn, *stateRec) {
	t.Helper()
	cfg := &Config{
		Transport:         tr,
		DeviceID:          "dev-test",
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		ReconnectDelay:    time.Hour,
		DialTimeout:       time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.defaults()

	rec := &stateRec{}
	c := newStreamConn(cfg, "bl-test-key", "sess-test", connHooks{
		onState:         rec.onState,
		onMessage:       rec.onMessage,
		shouldReconnect: func() bool { return autoReconnect },
		sessionSnapshot: func() (string, []string) { return "", nil },
	})
	t.Cleanup(c.Shutdown)
	return c, rec
}

// openAndAck drives the connection to the acknowledged state.
func openAndAck(t *testing.T, tr *fakeTransport, c *streamConn, idx int) *fakeCall {
	t.Helper()
	c.Open(nil)
	waitFor(t, "transport open", func() bool { return tr.opens() > idx })
	call := tr.call(idx)
	call.pushAck(t)
	waitFor(t, "connection ack", func() bool { return c.IsConnected() })
	return call
}

func TestConnection_OpenIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, false, nil)

	c.Open(nil)
	c.Open(nil)
	waitFor(t, "transport open", func() bool { return tr.opens() >= 1 })
	tr.call(0).pushAck(t)
	waitFor(t, "connection ack", func() bool { return c.IsConnected() })

	// Still connecting/connected: further opens must not issue a new call.
	c.Open(nil)
	time.Sleep(50 * time.Millisecond)
	if n := tr.opens(); n != 1 {
		t.Fatalf("expected exactly one transport call, got %d", n)
	}
}

func TestConnection_AckFlipsFlags(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, false, nil)

	openAndAck(t, tr, c, 0)

	c.mu.Lock()
	connected, connecting := c.connected, c.connecting
	c.mu.Unlock()
	if !connected || connecting {
		t.Fatalf("expected connected=true connecting=false, got %v/%v", connected, connecting)
	}
}

func TestConnection_OpenFrameSentImmediately(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, false, nil)

	c.Open(map[string]any{"locale": "en"})
	waitFor(t, "transport open", func() bool { return tr.opens() >= 1 })
	call := tr.call(0)

	waitFor(t, "open frame", func() bool { return len(call.sentOfType(t, frameOpen)) == 1 })
	var f OpenFrame
	if err := json.Unmarshal(call.sentOfType(t, frameOpen)[0].Payload, &f); err != nil {
		t.Fatalf("unmarshal open payload: %v", err)
	}
	if f.Metadata["locale"] != "en" {
		t.Fatalf("open frame missing initial metadata: %+v", f)
	}
	if call.sentOfType(t, frameOpen)[0].SessionID != "sess-test" {
		t.Fatal("open frame missing session token")
	}
	if call.opts.Token != "bl-test-key" {
		t.Fatalf("call opened without bearer token: %+v", call.opts)
	}
}

func TestConnection_TerminalErrorClearsFlagsAndSchedulesReconnect(t *testing.T) {
	tr := &fakeTransport{}
	c, rec := newTestConn(t, tr, true, nil)

	call := openAndAck(t, tr, c, 0)
	call.fail(errors.New("broken pipe"))

	waitFor(t, "disconnect", func() bool { return !c.IsConnected() })
	waitFor(t, "error state", func() bool { return rec.hasState(StateError) })

	var se *StreamError
	if err := rec.lastErr(); !errors.As(err, &se) || se.Code != ErrCodeConnectionLost {
		t.Fatalf("expected CONNECTION_LOST, got %v", rec.lastErr())
	}

	c.mu.Lock()
	connected, connecting := c.connected, c.connecting
	c.mu.Unlock()
	if connected || connecting {
		t.Fatalf("expected both flags false after terminal event, got %v/%v", connected, connecting)
	}
	if !c.hasPendingReconnect() {
		t.Fatal("expected one pending reconnect task")
	}
}

func TestConnection_ReconnectReopensAfterDelay(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, true, func(cfg *Config) {
		cfg.ReconnectDelay = 30 * time.Millisecond
	})

	call := openAndAck(t, tr, c, 0)
	call.fail(errors.New("broken pipe"))

	waitFor(t, "reconnect attempt", func() bool { return tr.opens() >= 2 })
	tr.call(1).pushAck(t)
	waitFor(t, "reconnected", func() bool { return c.IsConnected() })

	if c.hasPendingReconnect() {
		t.Fatal("reconnect task should be cancelled once acknowledged")
	}
}

func TestConnection_NoReconnectWhenIneligible(t *testing.T) {
	tr := &fakeTransport{}
	c, rec := newTestConn(t, tr, false, func(cfg *Config) {
		cfg.ReconnectDelay = 20 * time.Millisecond
	})

	call := openAndAck(t, tr, c, 0)
	call.fail(errors.New("broken pipe"))

	waitFor(t, "error state", func() bool { return rec.hasState(StateError) })
	time.Sleep(80 * time.Millisecond)
	if n := tr.opens(); n != 1 {
		t.Fatalf("expected no reconnect, got %d opens", n)
	}
}

func TestConnection_ServerInitiatedClose(t *testing.T) {
	tr := &fakeTransport{}
	c, rec := newTestConn(t, tr, false, nil)

	call := openAndAck(t, tr, c, 0)
	call.pushControl(t, "close")

	waitFor(t, "disconnect", func() bool { return !c.IsConnected() })
	waitFor(t, "disconnected state", func() bool { return rec.hasState(StateDisconnected) })

	// Local teardown must not answer with a close frame.
	if n := len(call.sentOfType(t, frameClose)); n != 0 {
		t.Fatalf("expected no close frame after server close, got %d", n)
	}
	if !call.wasClosed() {
		t.Fatal("expected the call handle to be dropped")
	}
}

func TestConnection_DataBatchAcksEveryItemInOrder(t *testing.T) {
	tr := &fakeTransport{}
	c, rec := newTestConn(t, tr, false, nil)

	call := openAndAck(t, tr, c, 0)
	call.pushBatch(t,
		DataItem{TraceID: "tr-1", Content: "first"},
		DataItem{TraceID: "tr-2", Content: "second"},
	)

	waitFor(t, "message delivery", func() bool { return len(rec.contents()) == 2 })
	got := rec.contents()
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("messages out of order: %v", got)
	}

	waitFor(t, "acks", func() bool { return len(call.sentOfType(t, frameAck)) == 2 })
	var traces []string
	for _, env := range call.sentOfType(t, frameAck) {
		var f AckFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			t.Fatalf("unmarshal ack: %v", err)
		}
		traces = append(traces, f.TraceIDs...)
	}
	if traces[0] != "tr-1" || traces[1] != "tr-2" {
		t.Fatalf("unexpected ack trace ids: %v", traces)
	}
}

func TestConnection_FramesDroppedWhileNotConnected(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, false, nil)

	c.RegisterTags([]string{"early"})
	c.SendCustomEvent("boot", nil)

	call := openAndAck(t, tr, c, 0)
	time.Sleep(50 * time.Millisecond)

	if n := len(call.sentOfType(t, frameTags)); n != 0 {
		t.Fatalf("pre-connect tags frame should be dropped, got %d", n)
	}
	if n := len(call.sentOfType(t, frameEvent)); n != 0 {
		t.Fatalf("pre-connect event frame should be dropped, got %d", n)
	}
}

func TestConnection_HeartbeatTimeoutIsSignalOnly(t *testing.T) {
	tr := &fakeTransport{}
	c, rec := newTestConn(t, tr, false, func(cfg *Config) {
		cfg.HeartbeatInterval = 30 * time.Millisecond
		cfg.HeartbeatTimeout = 60 * time.Millisecond
	})

	openAndAck(t, tr, c, 0)
	waitFor(t, "timeout signal", func() bool { return rec.hasState(StateTimeout) })

	// The monitor raises the signal; it never tears the call down itself.
	if !c.IsConnected() {
		t.Fatal("heartbeat timeout must not disconnect by itself")
	}
}

func TestConnection_HeartbeatFramesSuppressTimeout(t *testing.T) {
	tr := &fakeTransport{}
	c, rec := newTestConn(t, tr, false, func(cfg *Config) {
		cfg.HeartbeatInterval = 40 * time.Millisecond
		cfg.HeartbeatTimeout = 120 * time.Millisecond
	})

	call := openAndAck(t, tr, c, 0)
	for i := 0; i < 8; i++ {
		call.pushHeartbeat(t)
		time.Sleep(25 * time.Millisecond)
	}
	if rec.hasState(StateTimeout) {
		t.Fatal("unexpected timeout while heartbeats were flowing")
	}
}

func TestConnection_GracefulCloseNotifiesServer(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, false, nil)

	call := openAndAck(t, tr, c, 0)
	c.Close(false)

	waitFor(t, "close frame", func() bool { return len(call.sentOfType(t, frameClose)) == 1 })
	waitFor(t, "stream end", func() bool { return call.wasSendClosed() })
	if c.IsConnected() {
		t.Fatal("expected disconnected after Close")
	}
}

func TestConnection_GracefulCloseFrameGoesOutLast(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, false, nil)

	call := openAndAck(t, tr, c, 0)
	for i := 0; i < 16; i++ {
		c.SendCustomEvent("tick", map[string]any{"seq": i})
	}
	c.Close(false)

	waitFor(t, "stream end", func() bool { return call.wasSendClosed() })
	envs := call.sentEnvelopes(t)
	if envs[len(envs)-1].Type != frameClose {
		t.Fatalf("expected the close frame last on the wire, got %q", envs[len(envs)-1].Type)
	}
	events := 0
	for _, env := range envs {
		if env.Type == frameEvent {
			events++
		}
	}
	if events != 16 {
		t.Fatalf("expected every queued event out before the close frame, got %d", events)
	}
}

func TestConnection_ManualCloseDropsCallSilently(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, false, nil)

	call := openAndAck(t, tr, c, 0)
	c.Close(true)

	waitFor(t, "call dropped", func() bool { return call.wasClosed() })
	if n := len(call.sentOfType(t, frameClose)); n != 0 {
		t.Fatalf("manual close must not notify the server, got %d close frames", n)
	}
}

func TestConnection_CloseCancelsPendingReconnect(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, true, nil)

	call := openAndAck(t, tr, c, 0)
	call.fail(errors.New("broken pipe"))
	waitFor(t, "pending reconnect", func() bool { return c.hasPendingReconnect() })

	c.Close(true)
	if c.hasPendingReconnect() {
		t.Fatal("Close must cancel the pending reconnect task")
	}
}

func TestConnection_StaleDialIsDroppedAfterCloseAndReopen(t *testing.T) {
	tr := &fakeTransport{}
	var dials atomic.Int32
	gate := make(chan struct{})
	tr.openHook = func() {
		if dials.Add(1) == 1 {
			<-gate
		}
	}
	c, _ := newTestConn(t, tr, false, nil)

	// First attempt parks inside the transport.
	c.Open(nil)
	waitFor(t, "first dial", func() bool { return dials.Load() == 1 })

	// The caller closes and reopens while the first dial is still in flight.
	c.Close(false)
	c.Open(nil)
	waitFor(t, "second dial", func() bool { return tr.opens() == 1 })
	live := tr.call(0)
	live.pushAck(t)
	waitFor(t, "connection ack", func() bool { return c.IsConnected() })

	// Releasing the first dial must not install a second live call.
	close(gate)
	waitFor(t, "superseded call dropped", func() bool {
		stale := tr.call(1)
		return stale != nil && stale.wasClosed()
	})
	stale := tr.call(1)
	if n := len(stale.sentOfType(t, frameOpen)); n != 0 {
		t.Fatalf("superseded attempt sent %d open frame(s)", n)
	}
	if !c.IsConnected() {
		t.Fatal("live connection lost when the superseded attempt completed")
	}
	if n := len(live.sentOfType(t, frameOpen)); n != 1 {
		t.Fatalf("expected exactly one open frame on the live call, got %d", n)
	}
}

func TestConnection_DialFailureCodes(t *testing.T) {
	// A typed auth rejection from the transport passes through unchanged.
	tr := &fakeTransport{openErr: streamErr(ErrCodeNotAuthorized, "websocket dial: 401 Unauthorized")}
	c, rec := newTestConn(t, tr, false, nil)
	c.Open(nil)
	waitFor(t, "error state", func() bool { return rec.hasState(StateError) })

	var se *StreamError
	if err := rec.lastErr(); !errors.As(err, &se) || se.Code != ErrCodeNotAuthorized {
		t.Fatalf("expected NOT_AUTHORIZED to pass through, got %v", rec.lastErr())
	}
	if c.IsConnected() {
		t.Fatal("expected disconnected after a rejected dial")
	}

	// Anything else maps to a connection rejection.
	tr2 := &fakeTransport{openErr: errors.New("connection refused")}
	c2, rec2 := newTestConn(t, tr2, false, nil)
	c2.Open(nil)
	waitFor(t, "error state", func() bool { return rec2.hasState(StateError) })

	if err := rec2.lastErr(); !errors.As(err, &se) || se.Code != ErrCodeConnectionRejected {
		t.Fatalf("expected CONNECTION_REJECTED, got %v", rec2.lastErr())
	}
}

func TestConnection_ShutdownIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(t, tr, false, nil)

	openAndAck(t, tr, c, 0)
	c.Shutdown()
	c.Shutdown()

	if c.IsConnected() {
		t.Fatal("expected disconnected after Shutdown")
	}
	// And safe with no call at all.
	c2, _ := newTestConn(t, &fakeTransport{}, false, nil)
	c2.Shutdown()
}
