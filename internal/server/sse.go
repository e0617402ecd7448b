package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/retry"
)

// SSEHeartbeatInterval is the interval for SSE heartbeats.
const SSEHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeEvent writes one SSE event and flushes.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// conversationEvents streams the conversation's event feed. Slow clients
// get events dropped rather than stalling the orchestrator.
func (s *Server) conversationEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	sseHeaders(w)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	ch := make(chan event.Event, 10)
	unsubscribe := s.bus.Subscribe(conversationID, event.Subscriber{
		Callback: func(evt event.Event) {
			select {
			case ch <- evt:
			default:
				s.log.Debug().Str("conversation", conversationID).Msg("dropping event for slow SSE client")
			}
		},
	})
	defer unsubscribe()

	s.log.Debug().Str("conversation", conversationID).Msg("SSE client connected")

	heartbeat := time.NewTicker(SSEHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if err := sse.writeEvent(string(evt.Type), evt); err != nil {
				return
			}
		case <-heartbeat.C:
			sse.writeHeartbeat()
		}
	}
}

// notificationEvents streams out-of-band notifications for a user. Parked
// notifications flush as soon as the connection registers.
func (s *Server) notificationEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sseHeaders(w)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	ch := make(chan retry.Event, 16)
	remove := s.notifier.AddWriter(userID, func(evt retry.Event) bool {
		select {
		case ch <- evt:
			return true
		default:
			return false
		}
	})
	defer remove()

	heartbeat := time.NewTicker(SSEHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if err := sse.writeEvent(evt.Type, evt); err != nil {
				return
			}
		case <-heartbeat.C:
			sse.writeHeartbeat()
		}
	}
}
