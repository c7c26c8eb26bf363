package beamlink

// ============================================================================
// Error Taxonomy
// ============================================================================

// ErrorCode classifies stream failures.
type ErrorCode string

const (
	ErrCodeNotConfigured        ErrorCode = "NOT_CONFIGURED"
	ErrCodeNotAuthorized        ErrorCode = "NOT_AUTHORIZED"
	ErrCodeConnectionLost       ErrorCode = "CONNECTION_LOST"
	ErrCodeInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	ErrCodeInvalidMessageFormat ErrorCode = "INVALID_MESSAGE_FORMAT"
	ErrCodeConnectionRejected   ErrorCode = "CONNECTION_REJECTED"
	ErrCodeCustom               ErrorCode = "CUSTOM"
)

// StreamError is the error type surfaced through delegate notifications and
// returned by the public API. Nothing in the SDK panics past its boundary.
type StreamError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *StreamError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// CustomError wraps remote-supplied detail that fits no fixed code.
func CustomError(message string) *StreamError {
	return &StreamError{Code: ErrCodeCustom, Message: message}
}

func streamErr(code ErrorCode, message string) *StreamError {
	return &StreamError{Code: code, Message: message}
}
