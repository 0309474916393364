package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsHandler streams the same telemetry snapshots as the SSE route over
// a websocket. Both transports share the broadcaster's subscriber cap.
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.broadcaster == nil {
			writeError(w, http.StatusServiceUnavailable, "telemetry not available")
			return
		}

		sub, err := s.broadcaster.Subscribe()
		if err != nil {
			var ce *domain.CapacityError
			if errors.As(err, &ce) {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Close()
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		s.logger.Debug("telemetry stream opened", "transport", "websocket", "subscribers", s.broadcaster.Count())
		go s.wsWritePump(conn, sub)
		s.wsReadPump(conn, sub)
	}
}

// wsReadPump discards client frames and tears the subscription down
// when the peer goes away
func (s *Server) wsReadPump(conn *websocket.Conn, sub *stream.Subscriber) {
	defer sub.Close()
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, sub *stream.Subscriber) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case snap, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
