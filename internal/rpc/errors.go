// ABOUTME: Error taxonomy for gateway connections
// ABOUTME: Transport, handshake, timeout and application failures

package rpc

import (
	"errors"
	"fmt"

	"github.com/2389/clawlink/internal/protocol"
)

var (
	// ErrConnectionClosed rejects calls on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrClosedBeforeReady is returned when the socket closes during the handshake.
	ErrClosedBeforeReady = fmt.Errorf("%w before handshake completed", ErrConnectionClosed)

	// ErrHandshakeInProgress is returned by a second Handshake on the same Conn.
	ErrHandshakeInProgress = errors.New("handshake already in progress")

	// ErrTimeout is returned when no response arrives before the call deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrDuplicateRequest indicates a request ID collision on one connection.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// CallError is an ok:false response from the gateway.
type CallError struct {
	Method  string
	Code    string
	Message string
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed: %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

func newCallError(method string, perr *protocol.Error) *CallError {
	if perr == nil {
		return &CallError{Method: method, Message: "request failed"}
	}
	return &CallError{Method: method, Code: perr.Code, Message: perr.Message}
}

// HandshakeError is a rejected connect request. Code and Message are the
// gateway's own, unmodified.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("connect rejected: %s: %s", e.Code, e.Message)
	}
	return "connect rejected: " + e.Message
}

// IsConnectionError reports whether err is fatal to the connection rather
// than to a single call.
func IsConnectionError(err error) bool {
	var herr *HandshakeError
	return errors.Is(err, ErrConnectionClosed) || errors.As(err, &herr)
}
