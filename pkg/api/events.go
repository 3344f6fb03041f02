package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cuemby/labfleet/pkg/relay"
)

// streamEvents serves the live event feed as Server-Sent Events. Query
// parameters worker_id and type may repeat to narrow the subscription;
// absent parameters match everything. Slow consumers lose events rather
// than slowing the relay down.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter := relay.Filter{
		WorkerIDs:  r.URL.Query()["worker_id"],
		EventTypes: r.URL.Query()["type"],
	}
	sub := s.manager.Relay().Subscribe(filter)
	defer s.manager.Relay().Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-sub.Chan():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
