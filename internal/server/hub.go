package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/sjawhar/ghost-voice/internal/rtc"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

// Hub fans events out to websocket subscribers. It is both a
// transcript.Renderer and an rtc.Observer.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) RenderLine(line transcript.Line) {
	h.broadcastEvent(newLineEvent(line))
}

func newLineEvent(line transcript.Line) LineEvent {
	topics := line.Topics
	if topics == nil {
		topics = []string{}
	}
	at := line.StartedAt
	if !line.FinalizedAt.IsZero() {
		at = line.FinalizedAt
	}
	return LineEvent{
		Event:       newEvent("transcript_line", at),
		ID:          line.ID,
		Role:        line.Role,
		Text:        line.Text,
		Topics:      topics,
		Provisional: line.Provisional,
		Live:        line.Live,
	}
}

func (h *Hub) SessionStateChanged(change rtc.StateChange) {
	h.broadcastEvent(SessionStateEvent{
		Event:     newEvent("session_state", change.At),
		SessionID: change.SessionID,
		From:      string(change.From),
		State:     string(change.To),
		Model:     change.Model,
		Error:     change.Error,
	})
}

func (h *Hub) RemoteErrorReported(err *rtc.RemoteError) {
	h.broadcastEvent(RemoteErrorEvent{
		Event:     newEvent("remote_error", time.Now().UTC()),
		SessionID: err.SessionID,
		ErrorType: err.Type,
		Message:   err.Message,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
