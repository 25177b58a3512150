package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/hass-insights/internal/buildinfo"
	"github.com/nugget/hass-insights/internal/connwatch"
	"github.com/nugget/hass-insights/internal/insight"
	"github.com/nugget/hass-insights/internal/resultlog"
)

// DashboardData is the template context for the overview page.
type DashboardData struct {
	ActiveNav string
	Result    insight.Result
	Status    insight.Snapshot
	Services  []connwatch.ServiceStatus
	Version   string
	Uptime    time.Duration
}

// HistoryData is the template context for the cycle log page.
type HistoryData struct {
	ActiveNav string
	Cycles    []resultlog.Entry
	Error     string
	Version   string
}

// handleDashboard renders the current result and service status.
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		ActiveNav: "overview",
		Version:   buildinfo.Version,
		Uptime:    buildinfo.Uptime(),
	}

	if s.resultFunc != nil {
		data.Result = s.resultFunc()
	}
	if s.statusFunc != nil {
		data.Status = s.statusFunc()
	}
	if s.healthFunc != nil {
		data.Services = s.healthFunc()
	}

	s.render(w, r, "dashboard.html", data)
}

// handleHistory renders the most recent cycles, newest first.
func (s *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	data := HistoryData{ActiveNav: "history", Version: buildinfo.Version}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	if s.historyFunc != nil {
		cycles, err := s.historyFunc(limit)
		if err != nil {
			s.logger.Error("failed to read cycle log", "error", err)
			data.Error = "The cycle log could not be read."
		}
		data.Cycles = cycles
	}

	s.render(w, r, "history.html", data)
}
