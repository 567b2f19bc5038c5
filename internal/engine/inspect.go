package engine

import (
	"strings"
	"time"
)

// Inspection is the header list of a self-initiated request as it leaves the engine.
type Inspection struct {
	URL       string    `json:"url"`
	Initiator string    `json:"initiator"`
	Headers   []Header  `json:"headers"`
	Report    string    `json:"report"`
	Time      time.Time `json:"time"`
}

// Inspector receives inspections. Inspect is called on the request path and
// must not block.
type Inspector interface {
	Inspect(inspection *Inspection)
}

type InspectorFunc func(inspection *Inspection)

func (f InspectorFunc) Inspect(inspection *Inspection) {
	f(inspection)
}

// SelfInitiated reports whether initiator carries the engine's sentinel.
func (e *Engine) SelfInitiated(initiator string) bool {
	return initiator != "" && strings.Contains(initiator, e.initiator)
}

func (e *Engine) maybeInspect(url string, headers []Header, initiator string) {
	if e.inspector == nil || !e.SelfInitiated(initiator) {
		return
	}
	e.recorder.ObserveInspection()
	e.inspector.Inspect(&Inspection{
		URL:       url,
		Initiator: initiator,
		Headers:   append([]Header(nil), headers...),
		Report:    FormatHeaders(headers),
		Time:      time.Now(),
	})
}

// FormatHeaders renders headers as "name: value" lines joined by newlines.
func FormatHeaders(headers []Header) string {
	var b strings.Builder
	for i, h := range headers {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
	}
	return b.String()
}
