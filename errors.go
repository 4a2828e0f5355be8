package khanasathi

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live socket.
	ErrNotConnected = errors.New("not connected")

	// ErrMalformedEvent marks inbound payloads that failed validation.
	// Such events are discarded and only logged.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrEmptyMessage is returned by Send for blank content.
	ErrEmptyMessage = errors.New("empty message")

	// ErrSessionClosed is returned by Open and Send on a closed session.
	// Sessions are single-use; mount a new one instead.
	ErrSessionClosed = errors.New("session closed")

	errEmptyTime = errors.New("empty timestamp")
)

func malformed(kind, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, kind, reason)
}

// TransportError reports a connection drop or a failed connect attempt.
// It is recovered by reconnecting and should only drive a passive indicator.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// HistoryFetchError reports a failed history load for a room. Live
// reconciliation continues while it is set.
type HistoryFetchError struct {
	Room RoomKey
	Err  error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("fetch history %s: %v", e.Room, e.Err)
}
func (e *HistoryFetchError) Unwrap() error { return e.Err }

// SendError reports a failed send. Draft holds the original input so the
// composer can restore it.
type SendError struct {
	Room  RoomKey
	Draft Draft
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Room, e.Err)
}
func (e *SendError) Unwrap() error { return e.Err }
