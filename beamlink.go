// Package beamlink provides the official Go client SDK for the Beamlink
// message-streaming service.
//
// A Client keeps one long-lived bidirectional stream alive across network
// interruptions and application suspension, and exposes a minimal surface for
// sending typed control/data frames and receiving typed frames back. Delegate
// callbacks are always delivered on a single dedicated goroutine.
//
// Example:
//
//	client := beamlink.NewClient(beamlink.WithAppID("app-123"))
//	client.SetDelegate(beamlink.DelegateFuncs{
//		ConnectionStatusChanged: func(s beamlink.StreamStatus) { fmt.Println(s.State) },
//		MessageReceived:         func(content string) { fmt.Println(content) },
//	})
//	client.Configure("bl-live-...")
//	client.OpenStream(nil)
//	defer client.Close()
package beamlink

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://stream.beamlink.io"

	clientType = "go-sdk"
)

// ============================================================================
// Configuration
// ============================================================================

// Config holds the fixed operational parameters of a Client. Zero values are
// replaced by defaults.
type Config struct {
	BaseURL  string
	AppID    string
	DeviceID string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	SendQueueSize     int

	HTTPClient *http.Client
	Transport  Transport
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 64
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Transport == nil {
		c.Transport = newWSTransport(c.HTTPClient)
	}
}

// Option customizes a Client at construction time.
type Option func(*Config)

func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

func WithAppID(appID string) Option {
	return func(c *Config) { c.AppID = appID }
}

func WithDeviceID(deviceID string) Option {
	return func(c *Config) { c.DeviceID = deviceID }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatTimeout = d }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Config) { c.ReconnectDelay = d }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithTransport swaps the transport behind the stream. Used by tests and by
// hosts that bring their own call layer.
func WithTransport(t Transport) Option {
	return func(c *Config) { c.Transport = t }
}

// ============================================================================
// Stream State & Delegate
// ============================================================================

// StreamState is the observable connection state signal.
type StreamState string

const (
	StateConnected    StreamState = "connected"
	StateDisconnected StreamState = "disconnected"
	StateTimeout      StreamState = "timeout"
	StateError        StreamState = "error"
)

// StreamStatus is one transient per-notification signal. Err is set only for
// StateError.
type StreamStatus struct {
	State StreamState
	Err   error
}

// Delegate receives stream notifications. Both methods are always invoked on
// the Client's single callback goroutine, never concurrently.
type Delegate interface {
	OnConnectionStatusChanged(status StreamStatus)
	OnMessageReceived(content string)
}

// DelegateFuncs adapts plain functions to the Delegate interface. Nil fields
// are skipped.
type DelegateFuncs struct {
	ConnectionStatusChanged func(StreamStatus)
	MessageReceived         func(string)
}

func (d DelegateFuncs) OnConnectionStatusChanged(status StreamStatus) {
	if d.ConnectionStatusChanged != nil {
		d.ConnectionStatusChanged(status)
	}
}

func (d DelegateFuncs) OnMessageReceived(content string) {
	if d.MessageReceived != nil {
		d.MessageReceived(content)
	}
}

// ============================================================================
// Client
// ============================================================================

// clientEvent is one unit of work for the callback goroutine. Exactly one of
// the fields is set.
type clientEvent struct {
	status   *StreamStatus
	message  *string
	callback func()
}

// Client is the session facade: it owns configuration, cached session state
// that survives reconnects, the zero-or-one live connection, and delegate
// notification. Construct one per stream and inject it where needed; there is
// no package-level shared instance.
//
// All session mutation serializes through one exclusive lock, so calls from
// arbitrary goroutines never interleave destructively.
type Client struct {
	cfg       *Config
	sessionID string
	notifier  *AppStateNotifier

	mu               sync.Mutex
	apiKey           string
	configured       bool
	userID           string
	tags             []string
	metadata         map[string]any
	manualDisconnect bool
	conn             *streamConn
	bridge           *lifecycleBridge
	delegate         Delegate

	events    chan clientEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a Client and starts its callback goroutine. Call Configure
// before opening the stream and Close when done with the Client.
func NewClient(opts ...Option) *Client {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.defaults()

	c := &Client{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		notifier:  NewAppStateNotifier(),
		metadata:  make(map[string]any),
		events:    make(chan clientEvent, cfg.SendQueueSize),
		done:      make(chan struct{}),
	}
	go c.consumeEvents()
	return c
}

// SessionID returns the process-lifetime session token. It is reused across
// individual connections.
func (c *Client) SessionID() string {
	return c.sessionID
}

// SetDelegate registers the delegate that receives stream notifications.
func (c *Client) SetDelegate(d Delegate) {
	c.mu.Lock()
	c.delegate = d
	c.mu.Unlock()
}

// Configure tears down any existing connection and lifecycle bridge, stores
// the key, and constructs fresh ones bound to it. An empty key fails
// initialization and reports a not-configured error state to the delegate.
func (c *Client) Configure(apiKey string) error {
	c.mu.Lock()
	oldConn, oldBridge := c.conn, c.bridge
	c.conn, c.bridge = nil, nil
	c.configured = false
	c.mu.Unlock()

	if oldBridge != nil {
		oldBridge.Cleanup()
	}
	if oldConn != nil {
		oldConn.Shutdown()
	}

	if apiKey == "" {
		err := streamErr(ErrCodeNotConfigured, "api key is empty")
		c.post(clientEvent{status: &StreamStatus{State: StateError, Err: err}})
		return err
	}

	c.mu.Lock()
	c.apiKey = apiKey
	c.configured = true
	c.conn = c.newConnLocked()
	c.bridge = newLifecycleBridge(c, c.notifier)
	c.mu.Unlock()
	return nil
}

func (c *Client) newConnLocked() *streamConn {
	return newStreamConn(c.cfg, c.apiKey, c.sessionID, connHooks{
		onState:         c.handleConnState,
		onMessage:       c.handleConnMessage,
		shouldReconnect: c.autoReconnectEligible,
		sessionSnapshot: c.sessionSnapshot,
	})
}

// OpenStream starts the stream. It requires prior successful configuration,
// lazily reconstructs the connection if it was torn down, clears the
// manual-disconnect flag and merges the supplied metadata into stored session
// metadata. Once the connection is acknowledged, stored session state is
// replayed onto it and the delegate is notified of the connected state.
func (c *Client) OpenStream(metadata map[string]any) error {
	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		err := streamErr(ErrCodeNotConfigured, "configure the client before opening the stream")
		c.post(clientEvent{status: &StreamStatus{State: StateError, Err: err}})
		return err
	}
	c.manualDisconnect = false
	for k, v := range metadata {
		c.metadata[k] = v
	}
	if c.conn == nil {
		c.conn = c.newConnLocked()
	}
	if c.bridge == nil {
		c.bridge = newLifecycleBridge(c, c.notifier)
	}
	conn := c.conn
	c.mu.Unlock()

	conn.Open(cloneMetadata(metadata))
	return nil
}

// EndStream ends the stream and notifies the delegate of the disconnected
// state. With clearState true the manual-disconnect flag is set (suppressing
// auto-reconnect until the next OpenStream), the lifecycle bridge and the
// connection are torn down, and all stored session state is cleared.
func (c *Client) EndStream(clearState bool) {
	c.mu.Lock()
	conn := c.conn
	var bridge *lifecycleBridge
	if clearState {
		c.manualDisconnect = true
		c.userID = ""
		c.tags = nil
		c.metadata = make(map[string]any)
		bridge = c.bridge
		c.bridge = nil
		c.conn = nil
	}
	c.mu.Unlock()

	if bridge != nil {
		bridge.Cleanup()
	}
	if conn != nil {
		conn.Close(clearState)
		if clearState {
			conn.Shutdown()
		}
	}
	c.post(clientEvent{status: &StreamStatus{State: StateDisconnected}})
}

// ── Session mutation ─────────────────────────────────────

// RegisterUserID stores the user identifier and, if connected, registers it on
// the live stream. The value is retained while disconnected and replayed on
// the next connect.
func (c *Client) RegisterUserID(id string) {
	c.mu.Lock()
	c.userID = id
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.RegisterUserID(id)
	}
}

// RegisterTags replaces the stored tag set (last write wins) and, if
// connected, registers it on the live stream.
func (c *Client) RegisterTags(tags []string) {
	stored := append([]string(nil), tags...)
	c.mu.Lock()
	c.tags = stored
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.RegisterTags(stored)
	}
}

// SendCustomEvent reports a named event with optional metadata. Dropped while
// not connected.
func (c *Client) SendCustomEvent(name string, metadata map[string]any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.SendCustomEvent(name, cloneMetadata(metadata))
	}
}

// SetMetadata replaces all stored session metadata and, if connected, pushes
// the update to the stream.
func (c *Client) SetMetadata(metadata map[string]any) {
	stored := cloneMetadata(metadata)
	if stored == nil {
		stored = make(map[string]any)
	}
	c.mu.Lock()
	c.metadata = stored
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.UpdateMetadata(MetadataOpUpdate, stored)
	}
}

// ClearMetadata clears all stored session metadata and, if connected, pushes
// the clear to the stream.
func (c *Client) ClearMetadata() {
	c.mu.Lock()
	c.metadata = make(map[string]any)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.UpdateMetadata(MetadataOpClear, nil)
	}
}

// ── Observers ────────────────────────────────────────────

// IsConnected reports whether the stream is currently acknowledged live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

// NotifyAppState feeds a host application state transition to the lifecycle
// bridge.
func (c *Client) NotifyAppState(state AppState) {
	c.notifier.Notify(state)
}

// Notifier exposes the app-state notifier for hosts that register additional
// observers.
func (c *Client) Notifier() *AppStateNotifier {
	return c.notifier
}

// Close releases the Client: it tears down the connection and bridge and
// stops the callback goroutine. Terminal and idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	conn, bridge := c.conn, c.bridge
	c.conn, c.bridge = nil, nil
	c.configured = false
	c.mu.Unlock()

	if bridge != nil {
		bridge.Cleanup()
	}
	if conn != nil {
		conn.Shutdown()
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// ── Message parsing ──────────────────────────────────────

// ParseMessage decodes a message payload into T. Decoding runs off the
// callback goroutine; onSuccess and onFailure are both delivered on it.
// Malformed input is reported via onFailure with an invalid-message-format
// error, never panicked past the boundary.
func ParseMessage[T any](c *Client, content string, onSuccess func(T), onFailure func(error)) {
	go func() {
		var value T
		if err := json.Unmarshal([]byte(content), &value); err != nil {
			if onFailure != nil {
				failErr := streamErr(ErrCodeInvalidMessageFormat, err.Error())
				c.post(clientEvent{callback: func() { onFailure(failErr) }})
			}
			return
		}
		if onSuccess != nil {
			c.post(clientEvent{callback: func() { onSuccess(value) }})
		}
	}()
}

// ============================================================================
// Internal plumbing
// ============================================================================

// suspendStream is the lifecycle bridge's background/terminate intent: a
// non-manual end that leaves auto-reconnect eligible.
func (c *Client) suspendStream() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return
	}
	conn.Close(false)
	c.post(clientEvent{status: &StreamStatus{State: StateDisconnected}})
}

// resumeStream is the lifecycle bridge's foreground intent.
func (c *Client) resumeStream() {
	c.mu.Lock()
	eligible := c.configured && !c.manualDisconnect
	conn := c.conn
	c.mu.Unlock()
	if eligible && conn != nil {
		conn.Open(nil)
	}
}

func (c *Client) autoReconnectEligible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.manualDisconnect
}

func (c *Client) sessionSnapshot() (string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, append([]string(nil), c.tags...)
}

// handleConnState reacts to connection state transitions. Reaching connected
// replays stored session state (user id, then tags, then metadata) onto the
// live connection exactly once before the delegate hears about it.
func (c *Client) handleConnState(status StreamStatus) {
	if status.State == StateConnected {
		c.replaySession()
	}
	st := status
	c.post(clientEvent{status: &st})
}

func (c *Client) handleConnMessage(content string) {
	msg := content
	c.post(clientEvent{message: &msg})
}

func (c *Client) replaySession() {
	c.mu.Lock()
	conn := c.conn
	userID := c.userID
	tags := append([]string(nil), c.tags...)
	metadata := cloneMetadata(c.metadata)
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if userID != "" {
		conn.RegisterUserID(userID)
	}
	if len(tags) > 0 {
		conn.RegisterTags(tags)
	}
	if len(metadata) > 0 {
		conn.UpdateMetadata(MetadataOpUpdate, metadata)
	}
}

// post hands an event to the callback goroutine, preserving order.
func (c *Client) post(ev clientEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// consumeEvents is the single consumer loop behind every delegate call.
func (c *Client) consumeEvents() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			switch {
			case ev.callback != nil:
				ev.callback()
			case ev.status != nil:
				if d := c.currentDelegate(); d != nil {
					d.OnConnectionStatusChanged(*ev.status)
				}
			case ev.message != nil:
				if d := c.currentDelegate(); d != nil {
					d.OnMessageReceived(*ev.message)
				}
			}
		}
	}
}

func (c *Client) currentDelegate() Delegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	clone := make(map[string]any, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	return clone
}
