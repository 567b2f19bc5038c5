package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/engine"
	"github.com/sunbk201/reqhdr/internal/probe"
	"github.com/sunbk201/reqhdr/internal/rule"
	"github.com/sunbk201/reqhdr/internal/statistics"
)

const maxRulesBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}

type rulesResponse struct {
	Generation uint64        `json:"generation"`
	Elevated   bool          `json:"elevated"`
	Raw        []config.Rule `json:"raw"`
	Active     []*rule.Rule  `json:"active"`
}

func (s *APIServer) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rulesResponse{
		Generation: s.deps.Engine.Generation(),
		Elevated:   s.deps.Engine.Elevated(),
		Raw:        s.deps.Store.Raw(),
		Active:     s.deps.Engine.Current(),
	})
}

type warningResponse struct {
	Index  int    `json:"index"`
	Domain string `json:"domain,omitempty"`
	Error  string `json:"error"`
}

// decodeRules accepts a bare rule list or an object with a "rules" key.
func decodeRules(body []byte) ([]config.Rule, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var raw []config.Rule
		err := json.Unmarshal(body, &raw)
		return raw, err
	}
	var doc struct {
		Rules []config.Rule `json:"rules"`
	}
	err := json.Unmarshal(body, &doc)
	return doc.Rules, err
}

func (s *APIServer) handlePutRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRulesBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw, err := decodeRules(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rules: "+err.Error())
		return
	}

	warnings, err := s.deps.Store.Set(raw)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := struct {
		Generation uint64            `json:"generation"`
		Active     int               `json:"active"`
		Warnings   []warningResponse `json:"warnings"`
	}{
		Generation: s.deps.Engine.Generation(),
		Active:     len(s.deps.Engine.Current()),
		Warnings:   make([]warningResponse, 0, len(warnings)),
	}
	for _, cerr := range warnings {
		resp.Warnings = append(resp.Warnings, warningResponse{Index: cerr.Index, Domain: cerr.Domain, Error: cerr.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleListener(w http.ResponseWriter, r *http.Request) {
	spec := s.deps.Engine.ListenerSpec()
	if s.deps.Listener != nil {
		spec = s.deps.Listener.Listener()
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	rewrites := s.deps.Recorder.RewriteRecords()
	if rewrites == nil {
		rewrites = []statistics.RewriteRecord{}
	}
	passes := s.deps.Recorder.PassThroughRecords()
	if passes == nil {
		passes = []statistics.PassThroughRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cache_entries": s.deps.Engine.CacheLen(),
		"rewrites":      rewrites,
		"pass_through":  passes,
	})
}

type probeRequest struct {
	Target string `json:"target"`
}

type probeResponse struct {
	Target     string             `json:"target"`
	Status     int                `json:"status"`
	Inspection *engine.Inspection `json:"inspection"`
}

func (s *APIServer) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid probe request: "+err.Error())
		return
	}
	target, err := probe.Normalize(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Prober == nil || s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "probing is not available")
		return
	}
	if !s.allowProbe(time.Now()) {
		writeError(w, http.StatusTooManyRequests, "probe throttled")
		return
	}

	timeout := s.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	initiator := s.deps.Prober.NewInitiator()
	watch := s.deps.Hub.Watch(initiator)
	defer watch.Stop()

	res, err := s.deps.Prober.Do(ctx, target, initiator)
	if err != nil {
		s.deps.Recorder.ObserveProbeFailure()
		var terr *probe.TransientError
		if errors.As(err, &terr) {
			writeError(w, http.StatusBadGateway, terr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inspection, err := s.deps.Hub.Await(ctx, watch)
	if err != nil {
		s.deps.Recorder.ObserveProbeFailure()
		writeError(w, http.StatusGatewayTimeout, (&probe.TransientError{Target: target, Err: err}).Error())
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{
		Target:     res.Target,
		Status:     res.Status,
		Inspection: inspection,
	})
}
