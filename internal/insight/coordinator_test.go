package insight

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/hass-insights/internal/homeassistant"
	"github.com/nugget/hass-insights/internal/llm"
)

const wellFormed = "1. General insights\nLights used more today.\n2. Alerts\nNone.\n3. Summary\nAll normal."

type harness struct {
	coord    *Coordinator
	states   *fakeStates
	history  *fakeHistory
	client   *fakeClient
	sink     *recordingSink
	observer *recordingObserver
	store    *memStore
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		states: &fakeStates{states: map[string]homeassistant.State{
			"sensor.a": {State: "1"},
			"sensor.b": {State: "2"},
		}},
		history:  &fakeHistory{},
		client:   &fakeClient{},
		sink:     &recordingSink{},
		observer: &recordingObserver{},
		store:    &memStore{},
	}
	coord, err := NewCoordinator(cfg, h.states, h.history, h.client, discardLogger())
	if err != nil {
		t.Fatalf("NewCoordinator() = %v", err)
	}
	coord.AddSink(h.sink)
	coord.AddObserver(h.observer)
	coord.SetStore(h.store)
	h.coord = coord
	return h
}

func testConfig() Config {
	return Config{
		Entities: []string{"sensor.a", "sensor.b"},
		History:  HistoryNone,
		Template: "Data: {entity_data}",
		Interval: time.Hour,
	}
}

func TestNewCoordinator_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Template = "no placeholder"
	_, err := NewCoordinator(cfg, &fakeStates{}, &fakeHistory{}, &fakeClient{}, nil)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("NewCoordinator() = %v, want *ConfigError", err)
	}
}

func TestRunOnce_Success(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.replies = []fakeReply{{text: wellFormed}}

	before := time.Now()
	res, rep, err := h.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() = %v", err)
	}

	if res.Insights != "Lights used more today." || res.Alerts != "None." || res.Summary != "All normal." {
		t.Errorf("result = %+v", res)
	}
	if res.Status != StatusOK || res.Raw != wellFormed {
		t.Errorf("status/raw = %s / %q", res.Status, res.Raw)
	}
	if res.SyncedAt.Before(before) {
		t.Errorf("SyncedAt = %v, want set by the coordinator", res.SyncedAt)
	}
	if rep.Outcome != OutcomeSuccess || rep.Points != 2 {
		t.Errorf("report = %+v", rep)
	}

	if !strings.Contains(h.client.prompts[0], `"id":"sensor.a"`) {
		t.Errorf("prompt missing entity data: %s", h.client.prompts[0])
	}
	if h.sink.count() != 1 || len(h.store.saved) != 1 {
		t.Errorf("sink got %d results, store got %d", h.sink.count(), len(h.store.saved))
	}
	if h.coord.Current() != res {
		t.Error("Current() should equal the published result")
	}
	if h.history.calls != 0 {
		t.Errorf("history reader called %d times with window none", h.history.calls)
	}
}

func TestRunOnce_AuthFailureKeepsPreviousText(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.replies = []fakeReply{
		{text: wellFormed},
		{err: &llm.Failure{Kind: llm.KindAuth, Provider: "gemini", StatusCode: 401, Message: "API key not valid"}},
	}

	first, _, err := h.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	got, rep, err := h.coord.RunOnce(context.Background())
	if llm.KindOf(err) != llm.KindAuth {
		t.Fatalf("RunOnce() err = %v, want auth failure", err)
	}
	if got.Insights != first.Insights || got.Alerts != first.Alerts || got.Summary != first.Summary || got.Raw != first.Raw {
		t.Errorf("text fields changed after auth failure: %+v", got)
	}
	if !got.SyncedAt.Equal(first.SyncedAt) {
		t.Errorf("SyncedAt changed on failure")
	}
	if got.Status != StatusError {
		t.Errorf("Status = %s, want ERROR", got.Status)
	}
	if got.Message == "" {
		t.Error("Message must be non-empty on failure")
	}
	if rep.Outcome != OutcomeFailed || rep.FailureKind != llm.KindAuth {
		t.Errorf("report = %+v", rep)
	}

	st := h.coord.Status()
	if !st.Blocked || st.LastErrorKind != llm.KindAuth || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestRunOnce_PersistentFailureBlocksUntilConfigChanges(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.replies = []fakeReply{
		{err: &llm.Failure{Kind: llm.KindPayloadTooLarge, StatusCode: 413}},
	}

	if _, _, err := h.coord.RunOnce(context.Background()); llm.KindOf(err) != llm.KindPayloadTooLarge {
		t.Fatalf("first RunOnce() = %v", err)
	}

	_, rep, _ := h.coord.RunOnce(context.Background())
	if rep.Outcome != OutcomeBlocked {
		t.Fatalf("second cycle outcome = %s, want blocked", rep.Outcome)
	}
	if n := h.client.callCount(); n != 1 {
		t.Fatalf("client called %d times while blocked, want 1", n)
	}

	cfg := testConfig()
	cfg.Entities = []string{"sensor.a"}
	if err := h.coord.UpdateConfig(cfg); err != nil {
		t.Fatal(err)
	}

	res, rep, err := h.coord.RunOnce(context.Background())
	if err != nil || rep.Outcome != OutcomeSuccess || res.Status != StatusOK {
		t.Fatalf("after config change: %+v, %v", rep, err)
	}
	if h.coord.Status().Blocked {
		t.Error("block should be lifted after a successful cycle")
	}
	if rep.Generation != 2 {
		t.Errorf("generation = %d, want 2", rep.Generation)
	}
}

func TestRunOnce_TransientFailureRetriesNextCycle(t *testing.T) {
	for _, kind := range []llm.Kind{llm.KindRateLimited, llm.KindUnavailable, llm.KindMalformed} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.client.replies = []fakeReply{{err: &llm.Failure{Kind: kind}}, {text: wellFormed}}

			res, rep, _ := h.coord.RunOnce(context.Background())
			if rep.Outcome != OutcomeFailed || res.Status != StatusError || res.Message == "" {
				t.Fatalf("first cycle = %+v / %+v", rep, res)
			}
			if h.coord.Status().Blocked {
				t.Fatal("transient failure must not block")
			}

			res, rep, err := h.coord.RunOnce(context.Background())
			if err != nil || rep.Outcome != OutcomeSuccess || res.Status != StatusOK {
				t.Fatalf("retry = %+v, %v", rep, err)
			}
			if res.Message != "" {
				t.Errorf("error message should clear on success, got %q", res.Message)
			}
		})
	}
}

func TestRunOnce_PartialReplacesWholeResult(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.replies = []fakeReply{
		{text: wellFormed},
		{text: "1. General insights\nNew insight.\n3. Summary\nNew summary."},
	}

	h.coord.RunOnce(context.Background())
	res, rep, err := h.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != OutcomePartial || res.Status != StatusParseIncomplete {
		t.Errorf("outcome/status = %s / %s", rep.Outcome, res.Status)
	}
	if res.Alerts != "" {
		t.Errorf("Alerts = %q, previous section text must not be retained", res.Alerts)
	}
	if res.Insights != "New insight." || res.Summary != "New summary." {
		t.Errorf("result = %+v", res)
	}
}

func TestRunOnce_HistoryFailureIsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.History = History24h
	h := newHarness(t, cfg)
	h.history.err = errors.New("recorder unavailable")

	res, rep, err := h.coord.RunOnce(context.Background())
	if err == nil || rep.Outcome != OutcomeFailed || res.Status != StatusError {
		t.Fatalf("cycle = %+v, %v", rep, err)
	}
	if h.client.callCount() != 0 {
		t.Error("client must not be called when history fails")
	}
	if h.coord.Status().Blocked {
		t.Error("history failure must not block")
	}
}

func TestRunOnce_ClientTimeoutIsUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.ClientTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.client.block = make(chan struct{})
	defer close(h.client.block)

	_, rep, err := h.coord.RunOnce(context.Background())
	if rep.Outcome != OutcomeFailed || rep.FailureKind != llm.KindUnavailable {
		t.Fatalf("report = %+v, err = %v", rep, err)
	}
}

func TestRunOnce_CancelledPublishesNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.block = make(chan struct{})
	h.client.started = make(chan struct{}, 1)
	defer close(h.client.block)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CycleReport, 1)
	go func() {
		_, rep, _ := h.coord.RunOnce(ctx)
		done <- rep
	}()

	<-h.client.started
	cancel()

	select {
	case rep := <-done:
		if rep.Outcome != OutcomeCancelled {
			t.Errorf("outcome = %s, want cancelled", rep.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not abandon promptly")
	}

	if h.sink.count() != 0 || !h.coord.Current().IsZero() {
		t.Error("a cancelled cycle must not publish")
	}
	if h.coord.Status().Phase != PhaseIdle {
		t.Error("coordinator should return to idle")
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.block = make(chan struct{})
	h.client.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !h.coord.tick(ctx) {
		t.Fatal("first tick should start a cycle")
	}
	<-h.client.started

	if h.coord.tick(ctx) {
		t.Error("tick while running must be skipped")
	}
	if _, _, err := h.coord.RunOnce(ctx); !errors.Is(err, ErrBusy) {
		t.Errorf("RunOnce while running = %v, want ErrBusy", err)
	}
	if err := h.coord.Refresh(); !errors.Is(err, ErrBusy) {
		t.Errorf("Refresh while running = %v, want ErrBusy", err)
	}
	if st := h.coord.Status(); st.Phase != PhaseRunning || st.Skipped != 1 {
		t.Errorf("status = %+v", st)
	}

	close(h.client.block)
	h.coord.wg.Wait()

	if h.client.callCount() != 1 {
		t.Errorf("client called %d times, want 1", h.client.callCount())
	}
	h.observer.mu.Lock()
	skips := h.observer.skips
	h.observer.mu.Unlock()
	if skips != 1 {
		t.Errorf("observer saw %d skips, want 1", skips)
	}
}

func TestAtMostOneCycleRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.block = make(chan struct{})
	h.client.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.coord.tick(ctx) {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if started != 1 {
		t.Errorf("%d cycles started concurrently, want 1", started)
	}
	close(h.client.block)
	h.coord.wg.Wait()
}

func TestRun_TicksImmediatelyAndStops(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sink.published = make(chan Result, 4)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.coord.Run(ctx) }()

	select {
	case r := <-h.sink.published:
		if r.Status != StatusOK {
			t.Errorf("first result status = %s", r.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not start a cycle immediately")
	}

	waitIdle(t, h.coord)
	if err := h.coord.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	select {
	case <-h.sink.published:
	case <-time.After(2 * time.Second):
		t.Fatal("Refresh did not trigger a cycle")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// waitIdle waits for the running flag to clear after a cycle publishes.
func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Status().Phase != PhaseIdle {
		if time.Now().After(deadline) {
			t.Fatal("coordinator did not return to idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t, testConfig())
	prev := Result{Insights: "old", Raw: "old raw", Status: StatusOK, SyncedAt: time.Now()}

	h.coord.Restore(Result{})
	if !h.coord.Current().IsZero() {
		t.Fatal("restoring a zero result should be a no-op")
	}
	h.coord.Restore(prev)
	if h.coord.Current().Insights != "old" {
		t.Fatalf("Current() = %+v", h.coord.Current())
	}

	h.client.replies = []fakeReply{{err: &llm.Failure{Kind: llm.KindUnavailable}}}
	res, _, _ := h.coord.RunOnce(context.Background())
	if res.Insights != "old" || res.Status != StatusError {
		t.Errorf("failure after restore = %+v", res)
	}

	h.coord.Restore(Result{Insights: "newer", Status: StatusOK})
	if h.coord.Current().Insights != "old" {
		t.Error("Restore must not replace an existing result")
	}
}

func TestUpdateConfig_Invalid(t *testing.T) {
	h := newHarness(t, testConfig())
	bad := testConfig()
	bad.Entities = nil
	if err := h.coord.UpdateConfig(bad); err == nil {
		t.Fatal("UpdateConfig should reject an empty entity set")
	}
	if h.coord.Generation() != 1 {
		t.Errorf("generation = %d, rejected config must not bump it", h.coord.Generation())
	}
}

func TestUpdateConfig_DoesNotAffectRunningCycle(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.block = make(chan struct{})
	h.client.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.coord.tick(ctx)
	<-h.client.started

	next := testConfig()
	next.Entities = []string{"sensor.b"}
	next.Template = "Changed: {entity_data}"
	if err := h.coord.UpdateConfig(next); err != nil {
		t.Fatal(err)
	}
	close(h.client.block)
	h.coord.wg.Wait()

	if rep := h.observer.last(); rep.Generation != 1 || rep.Points != 2 {
		t.Errorf("running cycle should keep its generation-1 config: %+v", rep)
	}

	h.coord.RunOnce(context.Background())
	if p := h.client.prompts[1]; !strings.HasPrefix(p, "Changed: ") || strings.Contains(p, "sensor.a") {
		t.Errorf("next cycle prompt = %s", p)
	}
}
