package beamlink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

const (
	sendTimeout  = 10 * time.Second
	shutdownWait = 5 * time.Second
)

// connHooks are the callbacks a streamConn fires into its owner. onState and
// onMessage may be invoked from transport goroutines; the owner is responsible
// for marshalling them onto its callback goroutine.
type connHooks struct {
	onState         func(StreamStatus)
	onMessage       func(content string)
	shouldReconnect func() bool
	// sessionSnapshot supplies the identity replayed in the open frame.
	sessionSnapshot func() (userID string, tags []string)
}

// outboundItem is one queued wire write, bound to the call that was live when
// it was issued. closeSend marks the final frame of a graceful close; the
// stream-end signal follows it.
type outboundItem struct {
	data      []byte
	call      StreamCall
	closeSend bool
}

// streamConn owns exactly one transport-level bidirectional call and its full
// lifecycle: dialing, the open handshake, inbound dispatch, outbound
// serialization and the debounced reconnect policy. State flags are guarded by
// mu; all sends funnel through one ordered send goroutine so frames issued by
// one caller go out in call order without blocking the caller.
//
// attempt counts connection attempts. Each dial carries the attempt it was
// started for and re-checks it before touching shared state, so a dial still
// in flight when the caller closes and reopens cannot install a second live
// call next to the current one.
type streamConn struct {
	cfg       *Config
	token     string
	sessionID string
	transport Transport
	hooks     connHooks
	hb        *HeartbeatMonitor

	mu            sync.Mutex
	attempt       uint64
	call          StreamCall
	callDone      chan struct{}
	connected     bool
	connecting    bool
	callerClosed  bool
	serverClosed  bool
	closed        bool
	lastHeartbeat time.Time
	reconnect     *time.Timer

	sendCh   chan outboundItem
	sendQuit chan struct{}
	sendOnce sync.Once
}

func newStreamConn(cfg *Config, token, sessionID string, hooks connHooks) *streamConn {
	c := &streamConn{
		cfg:       cfg,
		token:     token,
		sessionID: sessionID,
		transport: cfg.Transport,
		hooks:     hooks,
		sendCh:    make(chan outboundItem, cfg.SendQueueSize),
		sendQuit:  make(chan struct{}),
	}
	c.hb = NewHeartbeatMonitor(c.checkHeartbeat)
	go c.sendLoop()
	return c
}

// Open starts a connection attempt. It is a no-op while already connected or
// while an attempt is in progress; the check and the in-progress flag are one
// atomic step.
func (c *streamConn) Open(initialMetadata map[string]any) {
	c.mu.Lock()
	if c.closed || c.connected || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.callerClosed = false
	c.serverClosed = false
	c.attempt++
	attempt := c.attempt
	c.cancelReconnectLocked()
	c.mu.Unlock()

	go c.dial(attempt, initialMetadata)
}

func (c *streamConn) dial(attempt uint64, initialMetadata map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	call, err := c.transport.Open(ctx, CallOptions{
		BaseURL:    c.cfg.BaseURL,
		Token:      c.token,
		ClientType: clientType,
		AppID:      c.cfg.AppID,
		DeviceID:   c.cfg.DeviceID,
	})
	cancel()
	if err != nil {
		c.mu.Lock()
		stale := c.closed || c.callerClosed || attempt != c.attempt
		if !stale {
			c.connecting = false
		}
		c.mu.Unlock()
		if stale {
			return
		}
		var se *StreamError
		if !errors.As(err, &se) {
			se = streamErr(ErrCodeConnectionRejected, err.Error())
		}
		c.hooks.onState(StreamStatus{State: StateError, Err: se})
		if c.hooks.shouldReconnect() {
			c.scheduleReconnect()
		}
		return
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed || c.callerClosed || attempt != c.attempt {
		// A Close or a newer Open superseded this attempt while the transport
		// was dialing; drop the call without installing it.
		c.mu.Unlock()
		call.Close()
		return
	}
	c.call = call
	c.callDone = done
	c.mu.Unlock()

	userID, tags := c.hooks.sessionSnapshot()
	open, encErr := encodeOutbound(&OpenFrame{
		UserID:   userID,
		Tags:     tags,
		Metadata: initialMetadata,
	}, c.sessionID)
	if encErr == nil {
		c.enqueue(outboundItem{data: open, call: call})
	}

	go c.readLoop(call, done)
}

// ── Inbound dispatch ─────────────────────────────────────

func (c *streamConn) readLoop(call StreamCall, done chan struct{}) {
	defer close(done)
	for {
		data, err := call.Receive(context.Background())
		if err != nil {
			c.handleTermination(call, err)
			return
		}
		frame, err := decodeInbound(data)
		if err != nil {
			continue // undecodable frames are skipped, not fatal
		}

		switch f := frame.(type) {
		case *ConnectionAckFrame:
			c.mu.Lock()
			if call != c.call {
				// An ack racing a Close or a newer attempt must not flip the
				// current attempt's flags.
				c.mu.Unlock()
				continue
			}
			c.connected = true
			c.connecting = false
			c.lastHeartbeat = time.Now()
			c.cancelReconnectLocked()
			c.mu.Unlock()
			c.hb.Start(c.cfg.HeartbeatInterval)
			c.hooks.onState(StreamStatus{State: StateConnected})

		case *HeartbeatFrame:
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()

		case *ControlFrame:
			if f.Command == "close" {
				// Server-initiated close: tear down locally without sending a
				// close frame back.
				c.mu.Lock()
				if call == c.call {
					c.serverClosed = true
				}
				c.mu.Unlock()
				call.Close()
			}

		case *DataBatchFrame:
			c.mu.Lock()
			current := call == c.call
			c.mu.Unlock()
			if !current {
				continue
			}
			for _, item := range f.Items {
				c.Acknowledge(item.TraceID)
				c.hooks.onMessage(item.Content)
			}
		}
	}
}

// handleTermination runs once per call, when it reaches terminal status. Only
// the current call settles shared state; a call already replaced by Close,
// Shutdown or a newer attempt has had its state settled by whoever replaced it.
func (c *streamConn) handleTermination(call StreamCall, err error) {
	c.mu.Lock()
	if call != c.call {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.connecting = false
	c.call = nil
	serverClosed := c.serverClosed
	c.serverClosed = false
	c.mu.Unlock()

	c.hb.Stop()

	if serverClosed || errors.Is(err, io.EOF) {
		c.hooks.onState(StreamStatus{State: StateDisconnected})
	} else {
		c.hooks.onState(StreamStatus{
			State: StateError,
			Err:   streamErr(ErrCodeConnectionLost, err.Error()),
		})
	}

	if c.hooks.shouldReconnect() {
		c.scheduleReconnect()
	}
}

// ── Reconnect policy ─────────────────────────────────────

// scheduleReconnect arms a single fixed-delay reconnect task, cancelling any
// previously scheduled one first. Never more than one is outstanding.
func (c *streamConn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cancelReconnectLocked()
	c.reconnect = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.Open(nil)
	})
}

func (c *streamConn) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// ── Heartbeat ────────────────────────────────────────────

// checkHeartbeat raises a timeout signal when the server has been silent past
// the timeout window. It never tears the connection down itself; that is the
// delegate's decision.
func (c *streamConn) checkHeartbeat() {
	c.mu.Lock()
	stale := c.connected && time.Since(c.lastHeartbeat) > c.cfg.HeartbeatTimeout
	c.mu.Unlock()
	if stale {
		c.hooks.onState(StreamStatus{State: StateTimeout})
	}
}

// ── Outbound frames ──────────────────────────────────────

// send emits a frame only while connected; otherwise it is silently dropped.
// Frames are never queued across disconnects. The frame is bound to the call
// live at this moment, so a later reconnect never replays it.
func (c *streamConn) send(f OutboundFrame) {
	c.mu.Lock()
	call := c.call
	connected := c.connected
	c.mu.Unlock()
	if !connected || call == nil {
		return
	}
	data, err := encodeOutbound(f, c.sessionID)
	if err != nil {
		return
	}
	c.enqueue(outboundItem{data: data, call: call})
}

func (c *streamConn) enqueue(item outboundItem) {
	select {
	case c.sendCh <- item:
	case <-c.sendQuit:
	}
}

func (c *streamConn) sendLoop() {
	for {
		select {
		case <-c.sendQuit:
			return
		case item := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			_ = item.call.Send(ctx, item.data) // send failures surface via the read loop
			cancel()
			if item.closeSend {
				_ = item.call.CloseSend()
			}
		}
	}
}

func (c *streamConn) RegisterUserID(id string) {
	c.send(&UserIDFrame{UserID: id})
}

func (c *streamConn) RegisterTags(tags []string) {
	c.send(&TagsFrame{Tags: tags})
}

func (c *streamConn) SendCustomEvent(name string, metadata map[string]any) {
	c.send(&EventFrame{Name: name, Metadata: metadata})
}

// UpdateMetadata serializes the metadata value as a JSON string embedded in
// the frame. op is MetadataOpUpdate or MetadataOpClear.
func (c *streamConn) UpdateMetadata(op string, metadata map[string]any) {
	f := &MetadataFrame{Op: op}
	if op == MetadataOpUpdate {
		data, err := json.Marshal(metadata)
		if err != nil {
			return
		}
		f.Data = string(data)
	}
	c.send(f)
}

// Acknowledge emits a message acknowledgement. Best-effort, never surfaced.
func (c *streamConn) Acknowledge(traceID string) {
	c.send(&AckFrame{TraceIDs: []string{traceID}})
}

// ── Teardown ─────────────────────────────────────────────

// Close ends the current call. A non-manual close sends a close frame and a
// stream-end signal so the server observes a graceful close; the close frame
// rides the send queue behind anything already queued, and the stream-end
// signal follows it. A manual close drops the call handle without notifying
// the server and is the path used when the caller opts out of future
// auto-reconnection.
func (c *streamConn) Close(wasManual bool) {
	c.mu.Lock()
	c.cancelReconnectLocked()
	c.callerClosed = true
	call := c.call
	c.call = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	c.hb.Stop()
	if call == nil {
		return
	}
	if wasManual {
		call.Close()
		return
	}
	if data, err := encodeOutbound(&CloseFrame{}, c.sessionID); err == nil {
		c.enqueue(outboundItem{data: data, call: call, closeSend: true})
		return
	}
	_ = call.CloseSend()
}

// Shutdown is the terminal cleanup path: it cancels pending work, stops
// heartbeats, waits for an active call to report terminal status, then
// releases the send goroutine. Idempotent and safe from the owner's own
// destruction path.
func (c *streamConn) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelReconnectLocked()
	call := c.call
	done := c.callDone
	c.call = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	c.hb.Stop()
	if call != nil {
		_ = call.CloseSend()
		if done != nil {
			select {
			case <-done:
			case <-time.After(shutdownWait):
			}
		}
		_ = call.Close()
	}
	c.sendOnce.Do(func() { close(c.sendQuit) })
}

// ── Observers ────────────────────────────────────────────

func (c *streamConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *streamConn) hasPendingReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}
