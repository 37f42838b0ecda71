package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrCredential    = errors.New("credential error")
	ErrMediaAccess   = errors.New("media access error")
	ErrNegotiation   = errors.New("negotiation error")
	ErrSessionActive = errors.New("a session is already active")
	ErrChannelClosed = errors.New("event channel closed by remote")
	ErrStopped       = errors.New("session stopped")
)

// RemoteError is an error event reported by the far end. It is surfaced to
// the user and does not end the session.
type RemoteError struct {
	SessionID string
	Type      string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("remote error: %s", e.Message)
	}
	return fmt.Sprintf("remote error (%s): %s", e.Type, e.Message)
}
