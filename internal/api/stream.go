package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridepool/internal/model"
)

const heartbeatEvery = 15 * time.Second

// TourStreamHandler handles GET /v1/tours/{id}/events/stream as server-sent events.
func (s *Server) TourStreamHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tour(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(t.ID)
	defer s.Broker.Unsubscribe(t.ID, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"tourId\":%q,\"ts\":%q}\n\n", t.ID, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			b, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %s\n", ev.ID)
			fmt.Fprintf(w, "event: %s\n", ev.Kind)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string       `json:"type"`
	TourID  string       `json:"tourId,omitempty"`
	Payload *model.Event `json:"payload,omitempty"`
}

// TourWSHandler handles GET /v1/tours/{id}/ws. After the upgrade the server sends
// connection_ack, then one "event" message per tour event; a client "ping" is answered with
// "pong".
func (s *Server) TourWSHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tour(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(m wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(m)
	}

	ch := s.Broker.Subscribe(t.ID)
	done := make(chan struct{})
	defer func() {
		close(done)
		s.Broker.Unsubscribe(t.ID, ch)
	}()

	if err := write(wsMessage{Type: "connection_ack", TourID: t.ID}); err != nil {
		return
	}
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case ev, open := <-ch:
				if !open {
					_ = write(wsMessage{Type: "complete", TourID: t.ID})
					return
				}
				if err := write(wsMessage{Type: "event", TourID: t.ID, Payload: &ev}); err != nil {
					return
				}
			case <-ticker.C:
				wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				wmu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if msg.Type == "ping" {
			if err := write(wsMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}
