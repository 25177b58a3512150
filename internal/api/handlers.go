package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/hass-insights/internal/config"
	"github.com/nugget/hass-insights/internal/insight"
	"github.com/nugget/hass-insights/internal/options"
)

// InsightsResponse is the body of GET /v1/insights.
type InsightsResponse struct {
	Insights   string         `json:"insights"`
	Alerts     string         `json:"alerts"`
	Summary    string         `json:"summary"`
	Raw        string         `json:"raw_response"`
	Status     insight.Status `json:"status,omitempty"`
	Message    string         `json:"message,omitempty"`
	LastSynced *time.Time     `json:"last_synced"`
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	res := s.coord.Current()
	resp := InsightsResponse{
		Insights: res.Insights,
		Alerts:   res.Alerts,
		Summary:  res.Summary,
		Raw:      res.Raw,
		Status:   res.Status,
		Message:  res.Message,
	}
	if !res.SyncedAt.IsZero() {
		t := res.SyncedAt.UTC()
		resp.LastSynced = &t
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"coordinator": s.coord.Status()}
	if s.health != nil {
		resp["services"] = s.health.Services()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found", "cycle log not configured")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 || parsed > 500 {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	entries, err := s.log.Recent(limit)
	if err != nil {
		s.logger.Error("failed to read cycle log", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "failed to read cycle log")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"cycles": entries, "count": len(entries)}, s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Refresh(); err != nil {
		if errors.Is(err, insight.ErrBusy) {
			s.errorResponse(w, http.StatusConflict, "busy", "a cycle is already running")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "accepted"}, s.logger)
}

// OptionsResponse is the body of the /v1/options endpoints.
type OptionsResponse struct {
	Overrides config.Overrides `json:"overrides"`
	Effective EffectiveOptions `json:"effective"`
}

// EffectiveOptions is the monitoring configuration in force.
type EffectiveOptions struct {
	Entities       []string `json:"entities"`
	History        string   `json:"history"`
	UpdateInterval int      `json:"update_interval"`
	Prompt         string   `json:"prompt"`
}

func (s *Server) optionsResponse(eff *config.Config) OptionsResponse {
	return OptionsResponse{
		Overrides: s.options.Overrides(),
		Effective: EffectiveOptions{
			Entities:       s.options.Entities(),
			History:        eff.Insights.History,
			UpdateInterval: eff.Insights.UpdateInterval,
			Prompt:         eff.Insights.Prompt,
		},
	}
}

func (s *Server) handleOptionsGet(w http.ResponseWriter, r *http.Request) {
	if s.options == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found", "options not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.optionsResponse(s.options.Effective()), s.logger)
}

func (s *Server) handleOptionsPut(w http.ResponseWriter, r *http.Request) {
	if s.options == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found", "options not configured")
		return
	}

	var o config.Overrides
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if o.IsZero() {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "no options given")
		return
	}

	eff, err := s.options.Apply(r.Context(), o)
	if err != nil {
		s.optionsError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.optionsResponse(eff), s.logger)
}

func (s *Server) handleOptionsDelete(w http.ResponseWriter, r *http.Request) {
	if s.options == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found", "options not configured")
		return
	}
	eff, err := s.options.Reset(r.Context())
	if err != nil {
		s.optionsError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.optionsResponse(eff), s.logger)
}

func (s *Server) optionsError(w http.ResponseWriter, err error) {
	if errors.Is(err, options.ErrInvalid) {
		s.errorResponse(w, http.StatusBadRequest, "invalid_options", err.Error())
		return
	}
	s.logger.Error("failed to apply options", "error", err)
	s.errorResponse(w, http.StatusBadGateway, "upstream_error", err.Error())
}
