// Package web serves the hass-insights dashboard: the current result
// rendered as HTML, coordinator and dependency status, and the recent
// cycle log. Pages support htmx partial requests.
package web

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/nugget/hass-insights/internal/connwatch"
	"github.com/nugget/hass-insights/internal/insight"
	"github.com/nugget/hass-insights/internal/resultlog"
)

// Config supplies the data sources for the pages. Every func is
// optional; a nil source renders as empty.
type Config struct {
	ResultFunc  func() insight.Result
	StatusFunc  func() insight.Snapshot
	HealthFunc  func() []connwatch.ServiceStatus
	HistoryFunc func(limit int) ([]resultlog.Entry, error)
	Logger      *slog.Logger
}

// WebServer renders the dashboard pages.
type WebServer struct {
	templates   map[string]*template.Template
	resultFunc  func() insight.Result
	statusFunc  func() insight.Snapshot
	healthFunc  func() []connwatch.ServiceStatus
	historyFunc func(limit int) ([]resultlog.Entry, error)
	logger      *slog.Logger
}

// NewWebServer parses the templates and returns a server. It panics on
// a template syntax error.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebServer{
		templates:   loadTemplates(),
		resultFunc:  cfg.ResultFunc,
		statusFunc:  cfg.StatusFunc,
		healthFunc:  cfg.HealthFunc,
		historyFunc: cfg.HistoryFunc,
		logger:      logger.With("component", "web"),
	}
}

// RegisterRoutes adds the dashboard pages to mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /insights", s.handleDashboard)
	mux.HandleFunc("GET /history", s.handleHistory)
}
