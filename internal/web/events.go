package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBufferSize = 64
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth already ran in middleware; the socket serves any authorized
	// origin, including LAN dashboards.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams the progress event bus over a websocket. Every
// turn's events appear here regardless of which HTTP request started
// the turn, so dashboards can watch the whole household.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := s.bus.Subscribe(eventBufferSize)
	defer s.bus.Unsubscribe(events)

	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr)

	// Reader goroutine drains control frames and signals disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event subscriber write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
