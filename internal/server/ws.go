package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sjawhar/ghost-voice/internal/rtc"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerWSRoute(mux *http.ServeMux, hub *Hub, controls ControlHooks) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("ws upgrade error: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		// Subscribe before the snapshot so nothing rendered in between is
		// missed; clients replace lines by id, so repeats are harmless.
		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		now := time.Now().UTC()
		if !send(conn, ConnectionEvent{Event: newEvent("connection", now), Connected: true}) {
			return
		}
		if !send(conn, snapshot(controls, now)) {
			return
		}

		// The client never sends anything we act on; reading only notices
		// when it goes away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	})
}

func snapshot(controls ControlHooks, now time.Time) SnapshotEvent {
	status := rtc.Status{State: rtc.StateIdle}
	if controls.Status != nil {
		status = controls.Status()
	}
	lines := []LineEvent{}
	if controls.Lines != nil {
		for _, line := range controls.Lines() {
			lines = append(lines, newLineEvent(line))
		}
	}
	return SnapshotEvent{
		Event:   newEvent("snapshot", now),
		Session: status,
		Lines:   lines,
	}
}

func send(conn *websocket.Conn, event any) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}
