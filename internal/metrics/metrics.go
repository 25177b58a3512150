// Package metrics exposes cycle and HTTP metrics in the Prometheus
// text format. Collectors live on a private registry so tests can build
// as many instances as they need.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/hass-insights/internal/insight"
)

const namespace = "insights"

// Metrics holds the service collectors. It implements insight.Observer.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	skipped       prometheus.Counter
	cycleDuration prometheus.Histogram
	points        prometheus.Gauge
	records       prometheus.Gauge
	promptChars   prometheus.Gauge
	lastSuccess   prometheus.Gauge
	generation    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Finished insight cycles by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_failures_total",
			Help:      "Generative API failures by kind.",
		}, []string{"kind"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Ticks dropped because a cycle was still running.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of insight cycles.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),
		points: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "points",
			Help:      "Entities collected in the last cycle.",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_records",
			Help:      "Significant history records sent in the last cycle.",
		}),
		promptChars: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prompt_chars",
			Help:      "Size of the last prompt in characters.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that published new text.",
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_generation",
			Help:      "Configuration generation of the last cycle.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.failures, m.skipped, m.cycleDuration,
		m.points, m.records, m.promptChars, m.lastSuccess, m.generation,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CycleFinished records a finished cycle.
func (m *Metrics) CycleFinished(rep insight.CycleReport) {
	m.cycles.WithLabelValues(string(rep.Outcome)).Inc()
	m.generation.Set(float64(rep.Generation))

	switch rep.Outcome {
	case insight.OutcomeNoop, insight.OutcomeBlocked, insight.OutcomeCancelled:
		return
	}

	m.cycleDuration.Observe(rep.Duration.Seconds())
	m.points.Set(float64(rep.Points))
	m.records.Set(float64(rep.Records))
	m.promptChars.Set(float64(rep.PromptChars))
	if rep.FailureKind != "" {
		m.failures.WithLabelValues(string(rep.FailureKind)).Inc()
	}
	if rep.Outcome == insight.OutcomeSuccess || rep.Outcome == insight.OutcomePartial {
		m.lastSuccess.Set(float64(rep.Started.Add(rep.Duration).Unix()))
	}
}

// TickSkipped records a tick dropped by the overlap guard.
func (m *Metrics) TickSkipped(time.Time) {
	m.skipped.Inc()
}

// Middleware records request counts and durations. The path label is
// the matched route pattern, not the raw URL, to bound cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
