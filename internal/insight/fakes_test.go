package insight

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/hass-insights/internal/homeassistant"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStates serves states from a map. Unknown IDs are ErrNotFound
// unless listed in errs.
type fakeStates struct {
	mu     sync.Mutex
	states map[string]homeassistant.State
	errs   map[string]error
	calls  int
}

func (f *fakeStates) GetState(ctx context.Context, id string) (*homeassistant.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	st, ok := f.states[id]
	if !ok {
		return nil, homeassistant.ErrNotFound
	}
	st.EntityID = id
	return &st, nil
}

// fakeHistory returns canned history and records the requested window.
type fakeHistory struct {
	mu         sync.Mutex
	history    map[string][]homeassistant.State
	err        error
	calls      int
	start, end time.Time
	ids        []string
}

func (f *fakeHistory) GetHistory(ctx context.Context, ids []string, start, end time.Time) (map[string][]homeassistant.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ids, f.start, f.end = ids, start, end
	if f.err != nil {
		return nil, f.err
	}
	return f.history, nil
}

// fakeClient replies from a queue of scripted responses. When block is
// set, Send waits on it (or on ctx) before replying.
type fakeClient struct {
	mu      sync.Mutex
	replies []fakeReply
	prompts []string
	block   chan struct{}
	started chan struct{}
}

type fakeReply struct {
	text string
	err  error
}

func (f *fakeClient) Send(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return "1. General insights\nI\n2. Alerts\nA\n3. Summary\nS", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.text, r.err
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// recordingSink captures published results.
type recordingSink struct {
	mu        sync.Mutex
	results   []Result
	published chan Result
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, r Result) error {
	s.mu.Lock()
	s.results = append(s.results, r)
	ch := s.published
	s.mu.Unlock()
	if ch != nil {
		ch <- r
	}
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// recordingObserver captures cycle reports and skipped ticks.
type recordingObserver struct {
	mu      sync.Mutex
	reports []CycleReport
	skips   int
}

func (o *recordingObserver) CycleFinished(rep CycleReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, rep)
}

func (o *recordingObserver) TickSkipped(time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skips++
}

func (o *recordingObserver) last() CycleReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.reports) == 0 {
		return CycleReport{}
	}
	return o.reports[len(o.reports)-1]
}

// memStore keeps the last saved result.
type memStore struct {
	mu    sync.Mutex
	saved []Result
}

func (m *memStore) SaveResult(r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, r)
	return nil
}
