package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sunbk201/reqhdr/internal/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream delivers messages from ch until the client goes away.
//   - WebSocket clients: one text message per item.
//   - Plain HTTP clients: chunked text/plain, flushed per item.
func stream[T any](w http.ResponseWriter, r *http.Request, ch <-chan T, encode func(T) []byte) {
	if websocket.IsWebSocketUpgrade(r) {
		streamWS(w, r, ch, encode)
		return
	}
	streamHTTP(w, r, ch, encode)
}

func streamWS[T any](w http.ResponseWriter, r *http.Request, ch <-chan T, encode func(T) []byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	// Read pump, only to detect client close.
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
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, encode(msg)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func streamHTTP[T any](w http.ResponseWriter, r *http.Request, ch <-chan T, encode func(T) []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(encode(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.LogBroadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming is not available")
		return
	}
	ch := s.deps.LogBroadcaster.Subscribe()
	defer s.deps.LogBroadcaster.Unsubscribe(ch)
	stream(w, r, ch, func(line []byte) []byte { return line })
}

// handleInspections returns the recent inspections as JSON, or streams new
// ones when the client upgrades to WebSocket or asks with ?follow=1.
func (s *APIServer) handleInspections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "inspection is not available")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) && r.URL.Query().Get("follow") == "" {
		writeJSON(w, http.StatusOK, s.deps.Hub.History())
		return
	}

	ch := s.deps.Hub.Subscribe()
	defer s.deps.Hub.Unsubscribe(ch)
	stream(w, r, ch, func(i *engine.Inspection) []byte {
		data, err := json.Marshal(i)
		if err != nil {
			return []byte(i.Report + "\n")
		}
		return append(data, '\n')
	})
}
