package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Event stream is read-only observability data; allow dashboards on
	// other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const eventWriteTimeout = 10 * time.Second

// handleEvents streams lifecycle events over a WebSocket, one JSON
// object per message. Events published while the client is too slow to
// read are dropped, not queued without bound.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	// Reader goroutine: we never expect client frames, but reading is
	// what surfaces close frames and connection loss.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
