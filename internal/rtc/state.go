package rtc

import "time"

type State string

const (
	StateIdle                 State = "idle"
	StateRequestingCredential State = "requesting-credential"
	StateCapturingMedia       State = "capturing-media"
	StateNegotiating          State = "negotiating"
	StateConnected            State = "connected"
	StateClosing              State = "closing"
	StateError                State = "error"
)

// transitions lists the legal moves out of each state. A stop during the
// handshake goes straight to closing.
var transitions = map[State][]State{
	StateIdle:                 {StateRequestingCredential},
	StateRequestingCredential: {StateCapturingMedia, StateError, StateClosing},
	StateCapturingMedia:       {StateNegotiating, StateError, StateClosing},
	StateNegotiating:          {StateConnected, StateError, StateClosing},
	StateConnected:            {StateClosing, StateError},
	StateError:                {StateClosing},
	StateClosing:              {StateIdle},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether a session in this state still holds, or is
// acquiring, resources.
func (s State) Active() bool {
	switch s {
	case StateIdle, StateError:
		return false
	default:
		return true
	}
}

// StateChange is published on every transition.
type StateChange struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Model     string    `json:"model,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
