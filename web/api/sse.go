package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
)

// sseHandler streams live telemetry snapshots as server-sent events.
// When the subscriber cap is reached the connection is refused with
// 503 rather than queued.
func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.broadcaster == nil {
			writeError(w, http.StatusServiceUnavailable, "telemetry not available")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
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
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		s.logger.Debug("telemetry stream opened", "transport", "sse", "subscribers", s.broadcaster.Count())

		for {
			select {
			case <-r.Context().Done():
				return
			case snap, ok := <-sub.Events():
				if !ok {
					return
				}
				data, err := json.Marshal(snap)
				if err != nil {
					s.logger.Error("encoding snapshot", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: snapshot\n")
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
