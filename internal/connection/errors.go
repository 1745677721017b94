// ABOUTME: Error taxonomy and rolling error log for the connection manager
// ABOUTME: Failures are recorded as tagged ErrorState values instead of thrown

package connection

import (
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned by Send when the outbound queue is at capacity.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrNoCredential is returned when no usable credential is available.
	ErrNoCredential = errors.New("no valid credential")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection manager closed")
	// ErrUnauthorized means the gateway rejected the credential.
	ErrUnauthorized = errors.New("gateway rejected credential")
	// ErrClosedNormally means the peer closed the socket cleanly.
	ErrClosedNormally = errors.New("connection closed normally")
	// ErrAttemptsExhausted is recorded when automatic reconnection gives up.
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
	// ErrWrongThread is returned by Send for a message addressed to a thread
	// other than the one the open socket was authorised for.
	ErrWrongThread = errors.New("message is for another thread")
)

// ErrorType tags a recorded failure.
type ErrorType string

const (
	ErrorTransport     ErrorType = "transport"
	ErrorAuth          ErrorType = "auth"
	ErrorSerialization ErrorType = "serialization"
	ErrorQueueFull     ErrorType = "queue_full"
	ErrorCredential    ErrorType = "credential"
	ErrorHeartbeat     ErrorType = "heartbeat"
)

// ErrorState is one entry in the rolling error list.
type ErrorState struct {
	Type        ErrorType `json:"type"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	At          time.Time `json:"at"`
}

// errorLog keeps the most recent max entries, oldest first.
type errorLog struct {
	entries []ErrorState
	max     int
}

func (l *errorLog) add(e ErrorState) {
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
}

func (l *errorLog) snapshot() []ErrorState {
	return append([]ErrorState(nil), l.entries...)
}

func (l *errorLog) clear() {
	l.entries = nil
}
