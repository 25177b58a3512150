// Package api implements the hass-insights HTTP status API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/hass-insights/internal/buildinfo"
	"github.com/nugget/hass-insights/internal/config"
	"github.com/nugget/hass-insights/internal/connwatch"
	"github.com/nugget/hass-insights/internal/insight"
	"github.com/nugget/hass-insights/internal/metrics"
	"github.com/nugget/hass-insights/internal/resultlog"
	"github.com/nugget/hass-insights/internal/web"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Coordinator is the part of insight.Coordinator the API reads and
// triggers.
type Coordinator interface {
	Current() insight.Result
	Status() insight.Snapshot
	Refresh() error
}

// CycleLog lists recent cycles. Implemented by resultlog.Store.
type CycleLog interface {
	Recent(limit int) ([]resultlog.Entry, error)
}

// Health reports dependency readiness. Implemented by connwatch.Manager.
type Health interface {
	Services() []connwatch.ServiceStatus
	AllReady() bool
}

// Options reads and changes the runtime options. Implemented by
// options.Manager.
type Options interface {
	Overrides() config.Overrides
	Effective() *config.Config
	Entities() []string
	Apply(ctx context.Context, o config.Overrides) (*config.Config, error)
	Reset(ctx context.Context) (*config.Config, error)
}

// Config holds the listener and admin settings.
type Config struct {
	Address string
	Port    int
	// AdminTokenHash is a bcrypt hash of the bearer token required by
	// mutating endpoints. Empty disables them.
	AdminTokenHash string
	// RefreshPerMinute limits POST /v1/refresh. Zero means unlimited.
	RefreshPerMinute float64
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	coord   Coordinator
	log     CycleLog
	health  Health
	options Options
	metrics *metrics.Metrics
	web     *web.WebServer
	limiter *rate.Limiter
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a server over the coordinator. The optional parts
// are attached with the Set methods before Start.
func NewServer(cfg Config, coord Coordinator, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		coord:  coord,
		logger: logger.With("component", "api"),
	}
	if cfg.RefreshPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RefreshPerMinute/60), 1)
	}
	return s
}

// SetCycleLog enables GET /v1/history.
func (s *Server) SetCycleLog(l CycleLog) { s.log = l }

// SetHealth adds dependency status to /health and /v1/status.
func (s *Server) SetHealth(h Health) { s.health = h }

// SetOptions enables the /v1/options endpoints.
func (s *Server) SetOptions(o Options) { s.options = o }

// SetMetrics enables GET /metrics and request instrumentation.
func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetWebServer mounts the HTML dashboard at "/".
func (s *Server) SetWebServer(ws *web.WebServer) { s.web = ws }

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/insights", s.handleInsights)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/options", s.handleOptionsGet)

	mux.Handle("POST /v1/refresh", s.requireAdmin(s.rateLimited(http.HandlerFunc(s.handleRefresh))))
	mux.Handle("PUT /v1/options", s.requireAdmin(http.HandlerFunc(s.handleOptionsPut)))
	mux.Handle("DELETE /v1/options", s.requireAdmin(http.HandlerFunc(s.handleOptionsDelete)))

	if s.web != nil {
		s.web.RegisterRoutes(mux)
	}

	var h http.Handler = mux
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
		h = s.metrics.Middleware(h)
	}
	return s.withLogging(h)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth returns 200 when every watched dependency is ready and
// 503 otherwise. The service keeps serving the last result while
// degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	code := http.StatusOK
	if s.health != nil {
		resp["services"] = s.health.Services()
		if !s.health.AllReady() {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}
