package server

import (
	"time"

	"github.com/sjawhar/ghost-voice/internal/rtc"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

// LineEvent carries the whole line on every render so clients can replace
// rather than patch.
type LineEvent struct {
	Event
	ID          string          `json:"id"`
	Role        transcript.Role `json:"role"`
	Text        string          `json:"text"`
	Topics      []string        `json:"topics"`
	Provisional bool            `json:"provisional"`
	Live        bool            `json:"live"`
}

type SessionStateEvent struct {
	Event
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	State     string `json:"state"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
}

type RemoteErrorEvent struct {
	Event
	SessionID string `json:"session_id"`
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message"`
}

// SnapshotEvent brings a newly connected client up to date with the current
// session and its transcript.
type SnapshotEvent struct {
	Event
	Session rtc.Status  `json:"session"`
	Lines   []LineEvent `json:"lines"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
