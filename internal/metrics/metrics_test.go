package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/hass-insights/internal/insight"
	"github.com/nugget/hass-insights/internal/llm"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestCycleMetrics(t *testing.T) {
	m := New()
	started := time.Unix(1_800_000_000, 0)

	m.CycleFinished(insight.CycleReport{
		Generation:  3,
		Started:     started,
		Duration:    2 * time.Second,
		Outcome:     insight.OutcomeSuccess,
		Points:      4,
		Records:     17,
		PromptChars: 1234,
	})
	m.CycleFinished(insight.CycleReport{
		Generation:  3,
		Outcome:     insight.OutcomeFailed,
		FailureKind: llm.KindRateLimited,
	})
	m.CycleFinished(insight.CycleReport{Outcome: insight.OutcomeBlocked, FailureKind: llm.KindAuth})
	m.TickSkipped(time.Now())

	out := scrape(t, m)
	for _, want := range []string{
		`insights_cycles_total{outcome="success"} 1`,
		`insights_cycles_total{outcome="failed"} 1`,
		`insights_cycles_total{outcome="blocked"} 1`,
		`insights_llm_failures_total{kind="rate_limited"} 1`,
		`insights_ticks_skipped_total 1`,
		`insights_last_success_timestamp_seconds 1.800000002e+09`,
		`insights_cycle_duration_seconds_count 2`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
	if strings.Contains(out, `kind="auth"`) {
		t.Error("blocked cycles must not count as new failures")
	}
}

func TestMiddleware(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/insights", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := m.Middleware(mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/insights", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	out := scrape(t, m)
	if !strings.Contains(out, `insights_http_requests_total{method="GET",path="GET /v1/insights",status="418"} 1`) {
		t.Errorf("matched route not recorded:\n%s", out)
	}
	if !strings.Contains(out, `path="unmatched",status="404"`) {
		t.Error("unmatched route should be recorded under a fixed label")
	}
}
