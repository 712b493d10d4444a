package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vjranagit/anomalyd/pkg/detector"
	"github.com/vjranagit/anomalyd/pkg/promclient"
	"github.com/vjranagit/anomalyd/pkg/tracker"
	"github.com/vjranagit/anomalyd/pkg/types"
)

const maxBodyBytes = 1 << 20

// Response is the envelope of every JSON reply
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: false, Error: message})
}

// decodeBody decodes an optional JSON body. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// EvaluateRequest carries context variables for an evaluation
type EvaluateRequest struct {
	Variables map[string]string `json:"variables,omitempty"`
}

// EventRequest reports one observed value on a stream
type EventRequest struct {
	Stream    string            `json:"stream"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// EventResponse is the result of ingesting an event
type EventResponse struct {
	Observation tracker.Observation `json:"observation"`
	Verdicts    []types.Verdict     `json:"verdicts"`
	Anomalous   bool                `json:"anomalous"`
}

// StatusResponse describes the running service
type StatusResponse struct {
	Version string                   `json:"version,omitempty"`
	Uptime  string                   `json:"uptime"`
	Rules   int                      `json:"rules"`
	Streams int                      `json:"streams"`
	Breaker *promclient.BreakerState `json:"breaker,omitempty"`
	Cache   *promclient.CacheStats   `json:"cache,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{
		Version: s.cfg.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Rules:   s.engine.Len(),
		Streams: len(s.tracker.Streams()),
	}
	if s.client != nil {
		st := s.client.State()
		status.Breaker = &st
	}
	if s.cache != nil {
		cs := s.cache.Stats()
		status.Cache = &cs
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotImplemented, "query cache is not enabled")
		return
	}
	s.cache.Clear()
	s.logger.Info("query cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

// handleQuery forwards an instant query through the resilient client and
// returns the backend body unchanged
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.client == nil {
		writeError(w, http.StatusNotImplemented, "query passthrough is not configured")
		return
	}
	expr := r.URL.Query().Get("query")
	if expr == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter")
		return
	}

	body, err := s.client.Query(r.Context(), expr)
	if err != nil {
		status := http.StatusBadGateway
		if promclient.IsCircuitOpen(err) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.ListRules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule types.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.AddRule(rule); err != nil {
		writeError(w, ruleErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rule, ok := s.engine.GetRule(name)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var rule types.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rule.Name == "" {
		rule.Name = name
	}
	if rule.Name != name {
		writeError(w, http.StatusBadRequest, "rule name does not match path")
		return
	}

	if err := s.engine.UpdateRule(rule); err != nil {
		writeError(w, ruleErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.engine.RemoveRule(name) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req EvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	verdict, err := s.engine.Evaluate(r.Context(), name, req.Variables)
	if err != nil {
		writeError(w, ruleErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	verdicts := s.engine.EvaluateAll(r.Context(), req.Variables)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verdicts":  verdicts,
		"anomalous": anyAnomalous(verdicts),
	})
}

// handleEvent records the value on its stream and evaluates every rule with
// the event's variables. The response is what an alerting consumer needs.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	obs, err := s.tracker.Observe(req.Stream, req.Timestamp, req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	vars := make(map[string]string, len(req.Variables)+1)
	vars["stream"] = req.Stream
	for k, v := range req.Variables {
		vars[k] = v
	}
	verdicts := s.engine.EvaluateAll(r.Context(), vars)

	if obs.Breach != nil {
		s.logger.Info("event breached baseline",
			zap.String("stream", req.Stream),
			zap.Float64("value", req.Value),
			zap.Float64("threshold", obs.Breach.Threshold))
	}

	writeJSON(w, http.StatusOK, EventResponse{
		Observation: obs,
		Verdicts:    verdicts,
		Anomalous:   obs.Breach != nil || anyAnomalous(verdicts),
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams := s.tracker.Streams()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": streams,
		"count":   len(streams),
	})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tracker.Stats(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	ok, err := s.tracker.Forget(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportWindow streams the binary window encoding
func (s *Server) handleExportWindow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.tracker.Stats(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".window"))
	if err := s.tracker.WriteWindow(name, w); err != nil {
		s.logger.Warn("window export failed", zap.String("stream", name), zap.Error(err))
	}
}

func ruleErrorStatus(err error) int {
	switch {
	case errors.Is(err, detector.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, detector.ErrDuplicateRule):
		return http.StatusConflict
	case errors.Is(err, detector.ErrInvalidRule):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func anyAnomalous(verdicts []types.Verdict) bool {
	for _, v := range verdicts {
		if v.IsAnomaly {
			return true
		}
	}
	return false
}
