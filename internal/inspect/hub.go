package inspect

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/sunbk201/reqhdr/internal/engine"
	"github.com/sunbk201/reqhdr/internal/log"
)

const defaultHistory = 32

const redacted = "<redacted>"

// credentialHeaders carry secrets and never reach the log.
var credentialHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
}

// Redact returns a copy of headers with credential values replaced.
func Redact(headers []engine.Header) []engine.Header {
	out := make([]engine.Header, len(headers))
	for i, h := range headers {
		out[i] = h
		if _, ok := credentialHeaders[strings.ToLower(h.Name)]; ok && h.Value != "" {
			out[i].Value = redacted
		}
	}
	return out
}

// Hub is the engine's inspector. Every inspection is logged, kept in a short
// history and published to subscribers.
type Hub struct {
	mu      sync.RWMutex
	history []*engine.Inspection
	limit   int

	broadcaster *log.Broadcaster[*engine.Inspection]
}

func NewHub(history int) *Hub {
	if history <= 0 {
		history = defaultHistory
	}
	return &Hub{
		limit:       history,
		broadcaster: log.NewBroadcaster[*engine.Inspection](64),
	}
}

// Inspect implements engine.Inspector.
func (h *Hub) Inspect(i *engine.Inspection) {
	slog.Info("Inspection",
		slog.String("url", i.URL),
		slog.String("initiator", i.Initiator),
		slog.Int("headers", len(i.Headers)))
	slog.Debug("Inspection headers",
		slog.String("url", i.URL),
		slog.Any("headers", Redact(i.Headers)))

	h.mu.Lock()
	h.history = append(h.history, i)
	if len(h.history) > h.limit {
		h.history = h.history[len(h.history)-h.limit:]
	}
	h.mu.Unlock()

	h.broadcaster.Publish(i)
}

func (h *Hub) Subscribe() chan *engine.Inspection {
	return h.broadcaster.Subscribe()
}

func (h *Hub) Unsubscribe(ch chan *engine.Inspection) {
	h.broadcaster.Unsubscribe(ch)
}

// History returns the most recent inspections, oldest first.
func (h *Hub) History() []*engine.Inspection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*engine.Inspection(nil), h.history...)
}

// Last returns the most recent inspection, or nil.
func (h *Hub) Last() *engine.Inspection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.history) == 0 {
		return nil
	}
	return h.history[len(h.history)-1]
}

// Await blocks until an inspection carrying initiator arrives or ctx is done.
// Call Watch before issuing the request so the inspection cannot be missed.
func (h *Hub) Await(ctx context.Context, w *Watch) (*engine.Inspection, error) {
	defer w.Stop()
	for {
		select {
		case i, ok := <-w.ch:
			if !ok {
				return nil, context.Canceled
			}
			if i.Initiator == w.initiator {
				return i, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Watch is a subscription filtered to one initiator.
type Watch struct {
	hub       *Hub
	initiator string
	ch        chan *engine.Inspection
	once      sync.Once
}

func (h *Hub) Watch(initiator string) *Watch {
	return &Watch{hub: h, initiator: initiator, ch: h.Subscribe()}
}

func (w *Watch) Stop() {
	w.once.Do(func() {
		w.hub.Unsubscribe(w.ch)
	})
}

var _ engine.Inspector = (*Hub)(nil)
