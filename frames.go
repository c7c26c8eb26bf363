package beamlink

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// envelope is the wire format for every frame in either direction.
// Outbound envelopes always carry the process-lifetime session token.
type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	frameMessages  = "messages"
	frameControl   = "control"
	frameConnected = "connected"
	frameHeartbeat = "heartbeat"
)

// Outbound frame types.
const (
	frameOpen     = "open"
	frameClose    = "close"
	frameUser     = "user"
	frameTags     = "tags"
	frameAck      = "ack"
	frameEvent    = "event"
	frameMetadata = "metadata"
)

// Metadata operations.
const (
	MetadataOpUpdate = "update"
	MetadataOpClear  = "clear"
)

// ============================================================================
// Inbound Frames
// ============================================================================

// InboundFrame is the closed set of frames the server may send.
type InboundFrame interface{ inboundFrame() }

// DataItem is one delivered message inside a data batch. Every item must be
// acknowledged by its trace id.
type DataItem struct {
	TraceID string `json:"traceId"`
	Content string `json:"content"`
}

// DataBatchFrame carries one or more messages, in delivery order.
type DataBatchFrame struct {
	Items []DataItem `json:"items"`
}

// ControlFrame carries a server-side command, e.g. "close".
type ControlFrame struct {
	Command string `json:"command"`
}

// ConnectionAckFrame acknowledges that the stream is authenticated and live.
type ConnectionAckFrame struct{}

// HeartbeatFrame is the periodic liveness signal from the server.
type HeartbeatFrame struct{}

func (*DataBatchFrame) inboundFrame()     {}
func (*ControlFrame) inboundFrame()       {}
func (*ConnectionAckFrame) inboundFrame() {}
func (*HeartbeatFrame) inboundFrame()     {}

// decodeInbound parses a raw envelope into its typed frame. Unknown frame
// types and undecodable payloads return an invalid-message error so callers
// can skip them without tearing the stream down.
func decodeInbound(data []byte) (InboundFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &StreamError{Code: ErrCodeInvalidMessage, Message: err.Error()}
	}

	switch env.Type {
	case frameMessages:
		var f DataBatchFrame
		if env.Payload != nil {
			if err := json.Unmarshal(env.Payload, &f); err != nil {
				return nil, &StreamError{Code: ErrCodeInvalidMessage, Message: err.Error()}
			}
		}
		return &f, nil
	case frameControl:
		var f ControlFrame
		if env.Payload != nil {
			if err := json.Unmarshal(env.Payload, &f); err != nil {
				return nil, &StreamError{Code: ErrCodeInvalidMessage, Message: err.Error()}
			}
		}
		return &f, nil
	case frameConnected:
		return &ConnectionAckFrame{}, nil
	case frameHeartbeat:
		return &HeartbeatFrame{}, nil
	default:
		return nil, &StreamError{Code: ErrCodeInvalidMessage, Message: "unknown frame type: " + env.Type}
	}
}

// ============================================================================
// Outbound Frames
// ============================================================================

// OutboundFrame is the closed set of frames the client may send.
type OutboundFrame interface{ outboundFrame() }

// OpenFrame opens the logical stream and replays current session identity.
type OpenFrame struct {
	UserID   string         `json:"userId,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CloseFrame asks the server to observe a graceful close.
type CloseFrame struct{}

// UserIDFrame registers the caller-visible user identifier.
type UserIDFrame struct {
	UserID string `json:"userId"`
}

// TagsFrame replaces the registered tag set.
type TagsFrame struct {
	Tags []string `json:"tags"`
}

// AckFrame acknowledges received data items by trace id.
type AckFrame struct {
	TraceIDs []string `json:"traceIds"`
}

// EventFrame reports a named custom event.
type EventFrame struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MetadataFrame updates or clears session metadata. Data holds the metadata
// value serialized as a JSON string; it is empty for a clear operation.
type MetadataFrame struct {
	Op   string `json:"op"`
	Data string `json:"data,omitempty"`
}

func (*OpenFrame) outboundFrame()     {}
func (*CloseFrame) outboundFrame()    {}
func (*UserIDFrame) outboundFrame()   {}
func (*TagsFrame) outboundFrame()     {}
func (*AckFrame) outboundFrame()      {}
func (*EventFrame) outboundFrame()    {}
func (*MetadataFrame) outboundFrame() {}

func outboundType(f OutboundFrame) string {
	switch f.(type) {
	case *OpenFrame:
		return frameOpen
	case *CloseFrame:
		return frameClose
	case *UserIDFrame:
		return frameUser
	case *TagsFrame:
		return frameTags
	case *AckFrame:
		return frameAck
	case *EventFrame:
		return frameEvent
	case *MetadataFrame:
		return frameMetadata
	}
	return ""
}

// encodeOutbound wraps a frame in the wire envelope with the session token.
func encodeOutbound(f OutboundFrame, sessionID string) ([]byte, error) {
	typ := outboundType(f)
	if typ == "" {
		return nil, fmt.Errorf("unknown outbound frame %T", f)
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, SessionID: sessionID, Payload: payload})
}
