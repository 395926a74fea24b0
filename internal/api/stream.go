package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The admin token already gates this route.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	// Must be shorter than streamPongWait.
	streamPingPeriod = 30 * time.Second
)

// handleEventStream upgrades to a WebSocket and forwards every bus event as
// JSON until the client goes away. Event types to watch can be narrowed with
// repeated ?type= parameters.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable", "NO_EVENT_BUS")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	types := r.URL.Query()["type"]
	ch := s.bus.Subscribe(types...)
	if s.metrics != nil {
		s.metrics.StreamClients.Inc()
	}
	s.logger.Info("event stream client connected", "remote", clientIP(r), "types", types)

	defer func() {
		s.bus.Unsubscribe(ch)
		conn.Close()
		if s.metrics != nil {
			s.metrics.StreamClients.Dec()
		}
	}()

	// Reader: only there to notice the close and answer pings.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
