package beamlink

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport Boundary
// ============================================================================

// CallOptions carries the authentication material attached at call-open time.
type CallOptions struct {
	BaseURL    string
	Token      string
	ClientType string
	AppID      string
	DeviceID   string
}

// StreamCall is one live transport-level bidirectional call.
type StreamCall interface {
	// Send writes one outbound envelope.
	Send(ctx context.Context, data []byte) error
	// Receive blocks for the next inbound envelope. It returns an error once
	// the call reaches terminal status.
	Receive(ctx context.Context) ([]byte, error)
	// CloseSend signals a graceful end of the stream to the server.
	CloseSend() error
	// Close drops the call without notifying the server.
	Close() error
}

// Transport opens authenticated bidirectional calls.
type Transport interface {
	Open(ctx context.Context, opts CallOptions) (StreamCall, error)
}

// ============================================================================
// WebSocket Transport
// ============================================================================

// wsTransport carries frames over a WebSocket using nhooyr.io/websocket.
type wsTransport struct {
	httpClient *http.Client
}

func newWSTransport(client *http.Client) *wsTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &wsTransport{httpClient: client}
}

func (t *wsTransport) Open(ctx context.Context, opts CallOptions) (StreamCall, error) {
	wsURL := strings.Replace(opts.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/stream"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)
	header.Set("X-Beamlink-Client", opts.ClientType)
	if opts.AppID != "" {
		header.Set("X-Beamlink-App", opts.AppID)
	}
	if opts.DeviceID != "" {
		header.Set("X-Beamlink-Device", opts.DeviceID)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, streamErr(ErrCodeNotAuthorized, "websocket dial: "+resp.Status)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsCall{conn: conn}, nil
}

type wsCall struct {
	conn *websocket.Conn
}

func (c *wsCall) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsCall) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsCall) CloseSend() error {
	return c.conn.Close(websocket.StatusNormalClosure, "stream end")
}

func (c *wsCall) Close() error {
	return c.conn.Close(websocket.StatusGoingAway, "client teardown")
}
