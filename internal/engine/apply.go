package engine

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/sunbk201/reqhdr/internal/rule"
	"github.com/sunbk201/reqhdr/internal/statistics"
)

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (h Header) LogValue() slog.Value {
	return slog.GroupValue(slog.String("name", h.Name), slog.String("value", h.Value))
}

// Request is one outgoing request event delivered by the host before the
// request is sent.
type Request struct {
	URL       string
	Headers   []Header
	Initiator string
}

// Handle applies the active rules to the request and, for self-initiated
// requests, hands the resulting headers to the inspector. It always returns a
// header list: if mutation fails the original headers are returned.
func (e *Engine) Handle(req *Request) (headers []Header) {
	if req == nil {
		return nil
	}
	headers = req.Headers
	applied := false
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Header engine panic", slog.String("url", req.URL), slog.Any("panic", r))
			if !applied {
				e.inspectSafely(req.URL, req.Headers, req.Initiator)
			}
		}
	}()

	headers = e.Apply(req.URL, req.Headers)
	applied = true
	e.maybeInspect(req.URL, headers, req.Initiator)
	return headers
}

// inspectSafely reports the unmodified headers after a failed mutation. A
// panicking inspector is logged and otherwise ignored.
func (e *Engine) inspectSafely(url string, headers []Header, initiator string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Inspector panic", slog.String("url", url), slog.Any("panic", r))
		}
	}()
	e.maybeInspect(url, headers, initiator)
}

// Apply returns headers mutated by every rule matching url, in rule order.
// The input slice is never modified. When no rule applies the input is
// returned as is.
func (e *Engine) Apply(url string, headers []Header) []Header {
	g := e.gen.Load()
	if len(g.rules) == 0 {
		e.recorder.ObserveRequest("passthrough")
		return headers
	}

	matched := e.match(g, url)
	if len(matched) == 0 {
		e.recorder.ObserveRequest("unmatched")
		e.recorder.AddPassThroughRecord(&statistics.PassThroughRecord{Host: hostOf(url), URL: url})
		return headers
	}
	e.recorder.ObserveRequest("matched")

	m := mutator{
		url:      url,
		headers:  slices.Clone(headers),
		recorder: e.recorder,
	}
	for _, r := range matched {
		for _, h := range r.Headers() {
			m.apply(h)
		}
	}
	return m.headers
}

type mutator struct {
	url      string
	host     string
	headers  []Header
	recorder *statistics.Recorder
}

func (m *mutator) apply(h rule.HeaderRule) {
	idx := m.index(h.Name)
	switch {
	case idx >= 0 && h.Value == "":
		original := m.headers[idx].Value
		m.headers = slices.Delete(m.headers, idx, idx+1)
		m.record(statistics.MutationDelete, h.Name, original, "")
	case idx >= 0:
		original := m.headers[idx].Value
		m.headers[idx].Value = h.Value
		m.record(statistics.MutationOverwrite, h.Name, original, h.Value)
	case h.Value != "":
		m.headers = append(m.headers, Header{Name: h.Name, Value: h.Value})
		m.record(statistics.MutationAppend, h.Name, "", h.Value)
	}
}

// index finds the first header whose name equals name case-insensitively.
// Entries with an empty name never match.
func (m *mutator) index(name string) int {
	if name == "" {
		return -1
	}
	for i, h := range m.headers {
		if h.Name != "" && strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

func (m *mutator) record(op statistics.MutationOp, name, original, value string) {
	if m.recorder == nil {
		return
	}
	if m.host == "" {
		m.host = hostOf(m.url)
	}
	m.recorder.AddRewriteRecord(&statistics.RewriteRecord{
		Host:     m.host,
		Header:   name,
		Op:       op,
		Original: original,
		Value:    value,
	})
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
