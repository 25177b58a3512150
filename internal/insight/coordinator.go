package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/hass-insights/internal/llm"
)

// ErrBusy is returned when a cycle is requested while one is running.
var ErrBusy = errors.New("previous cycle still active")

// Phase is the coordinator's run state.
type Phase string

// Phases.
const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

// Outcome is how a cycle ended.
type Outcome string

// Cycle outcomes.
const (
	OutcomeSuccess   Outcome = "success"   // all three sections parsed
	OutcomePartial   Outcome = "partial"   // reply parsed with missing sections
	OutcomeFailed    Outcome = "failed"    // no new text; previous result kept with ERROR status
	OutcomeBlocked   Outcome = "blocked"   // persistent failure awaiting a configuration change
	OutcomeNoop      Outcome = "noop"      // nothing to monitor
	OutcomeCancelled Outcome = "cancelled" // abandoned on shutdown; nothing published
)

// CycleReport describes one finished cycle.
type CycleReport struct {
	Generation  uint64
	Started     time.Time
	Duration    time.Duration
	Outcome     Outcome
	Points      int
	Records     int
	PromptChars int
	FailureKind llm.Kind
	Err         error
	Result      Result // the result published by this cycle, if any
}

// Sink receives each published result. Sink errors are logged and do
// not affect the cycle.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r Result) error
}

// Store persists the current result so it survives restarts.
type Store interface {
	SaveResult(r Result) error
}

// Observer is notified of finished cycles and skipped ticks.
type Observer interface {
	CycleFinished(rep CycleReport)
	TickSkipped(at time.Time)
}

// Snapshot is a point-in-time view of coordinator state.
type Snapshot struct {
	Phase         Phase     `json:"phase"`
	Generation    uint64    `json:"generation"`
	Entities      int       `json:"entities"`
	Interval      string    `json:"interval"`
	History       string    `json:"history"`
	LastOutcome   Outcome   `json:"last_outcome,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorKind llm.Kind  `json:"last_error_kind,omitempty"`
	Blocked       bool      `json:"blocked"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitzero"`
	LastDuration  string    `json:"last_duration,omitempty"`
	Cycles        uint64    `json:"cycles"`
	Skipped       uint64    `json:"skipped"`
}

// Coordinator runs the collection, prompt, and parse pipeline on an
// interval. At most one cycle runs at any time: a tick that arrives
// while a cycle is running is dropped, not queued.
type Coordinator struct {
	collector  *Collector
	aggregator *Aggregator
	client     llm.Client
	logger     *slog.Logger
	nowFunc    func() time.Time

	cfg        atomic.Pointer[Config]
	generation atomic.Uint64
	running    atomic.Bool
	current    atomic.Pointer[Result]

	mu           sync.Mutex
	blocked      bool
	blockedGen   uint64
	lastOutcome  Outcome
	lastErr      string
	lastKind     llm.Kind
	lastCycleAt  time.Time
	lastDuration time.Duration
	cycles       uint64
	skipped      uint64

	// Set before Run; not modified afterwards.
	sinks     []Sink
	store     Store
	observers []Observer

	refresh      chan struct{}
	reconfigured chan struct{}
	wg           sync.WaitGroup
}

// NewCoordinator creates a coordinator for cfg, which must be valid.
func NewCoordinator(cfg Config, states StateReader, history HistoryReader, client llm.Client, logger *slog.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")

	c := &Coordinator{
		collector:    NewCollector(states, logger),
		aggregator:   NewAggregator(history, logger),
		client:       client,
		logger:       logger,
		nowFunc:      time.Now,
		refresh:      make(chan struct{}, 1),
		reconfigured: make(chan struct{}, 1),
	}
	c.cfg.Store(cloneConfig(cfg))
	c.generation.Store(1)
	return c, nil
}

// AddSink registers a result sink. Call before Run.
func (c *Coordinator) AddSink(s Sink) {
	c.sinks = append(c.sinks, s)
}

// SetStore sets where published results are persisted. Call before Run.
func (c *Coordinator) SetStore(s Store) {
	c.store = s
}

// AddObserver registers a cycle observer. Call before Run.
func (c *Coordinator) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Config returns the active configuration.
func (c *Coordinator) Config() Config {
	return *c.cfg.Load()
}

// Generation increments on every configuration change.
func (c *Coordinator) Generation() uint64 {
	return c.generation.Load()
}

// UpdateConfig validates cfg and makes it active from the next cycle.
// A cycle already running keeps the configuration it started with. A
// new configuration lifts any persistent-failure block.
func (c *Coordinator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg.Store(cloneConfig(cfg))
	gen := c.generation.Add(1)

	c.logger.Info("configuration updated",
		"generation", gen,
		"entities", len(cfg.Entities),
		"history", cfg.History,
		"interval", cfg.Interval,
	)

	select {
	case c.reconfigured <- struct{}{}:
	default:
	}
	return nil
}

// Restore installs r as the current result if none exists yet. It is
// used at startup to republish the last persisted result.
func (c *Coordinator) Restore(r Result) {
	if r.IsZero() {
		return
	}
	c.current.CompareAndSwap(nil, &r)
}

// Current returns the current result, or a zero Result before the
// first cycle.
func (c *Coordinator) Current() Result {
	if r := c.current.Load(); r != nil {
		return *r
	}
	return Result{}
}

// Status returns a snapshot of coordinator state.
func (c *Coordinator) Status() Snapshot {
	cfg := c.cfg.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Phase:         PhaseIdle,
		Generation:    c.generation.Load(),
		Entities:      len(cfg.Entities),
		Interval:      cfg.Interval.String(),
		History:       string(cfg.History),
		LastOutcome:   c.lastOutcome,
		LastError:     c.lastErr,
		LastErrorKind: c.lastKind,
		Blocked:       c.blocked && c.blockedGen == c.generation.Load(),
		LastCycleAt:   c.lastCycleAt,
		Cycles:        c.cycles,
		Skipped:       c.skipped,
	}
	if c.running.Load() {
		s.Phase = PhaseRunning
	}
	if c.lastDuration > 0 {
		s.LastDuration = c.lastDuration.Round(time.Millisecond).String()
	}
	return s
}

// Run starts a cycle immediately and then on every interval tick until
// ctx is cancelled. Cancellation abandons any running cycle; Run waits
// for it to unwind before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Config().Interval)
	defer ticker.Stop()
	defer c.wg.Wait()

	c.logger.Info("coordinator started", "interval", c.Config().Interval, "entities", len(c.Config().Entities))
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return nil
		case <-ticker.C:
			c.tick(ctx)
		case <-c.refresh:
			c.logger.Info("manual refresh requested")
			c.tick(ctx)
		case <-c.reconfigured:
			ticker.Reset(c.Config().Interval)
		}
	}
}

// Refresh asks a running coordinator to start a cycle now. It returns
// ErrBusy if a cycle is already running or a refresh is pending.
func (c *Coordinator) Refresh() error {
	if c.running.Load() {
		return ErrBusy
	}
	select {
	case c.refresh <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

// RunOnce executes a single cycle synchronously and returns the
// resulting current result. It shares the overlap guard with Run.
func (c *Coordinator) RunOnce(ctx context.Context) (Result, CycleReport, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, CycleReport{}, ErrBusy
	}
	defer c.running.Store(false)

	rep := c.cycle(ctx)
	return c.Current(), rep, rep.Err
}

// tick starts a cycle in the background unless one is running.
func (c *Coordinator) tick(ctx context.Context) bool {
	if !c.running.CompareAndSwap(false, true) {
		now := c.nowFunc()
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
		c.logger.Info("skipped: previous cycle still active")
		for _, o := range c.observers {
			o.TickSkipped(now)
		}
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		c.cycle(ctx)
	}()
	return true
}

// cycle runs the pipeline once. The caller holds the running flag.
func (c *Coordinator) cycle(ctx context.Context) CycleReport {
	cfg := c.cfg.Load()
	gen := c.generation.Load()
	rep := CycleReport{Generation: gen, Started: c.nowFunc()}
	log := c.logger.With("generation", gen)

	if c.isBlocked(gen) {
		log.Warn("cycle refused until configuration changes", "reason", c.Status().LastError)
		rep.Outcome = OutcomeBlocked
		rep.FailureKind = c.Status().LastErrorKind
		return c.finish(rep)
	}

	if len(cfg.Entities) == 0 {
		log.Info("no entities configured, skipping cycle")
		rep.Outcome = OutcomeNoop
		return c.finish(rep)
	}

	log.Debug("cycle started", "entities", len(cfg.Entities), "history", cfg.History)

	points, err := c.collector.Collect(ctx, cfg.Entities)
	if err != nil {
		return c.cancelled(rep, err)
	}
	rep.Points = len(points)

	history, err := c.aggregator.Aggregate(ctx, cfg.Entities, cfg.History, cfg.maxRecords(), rep.Started)
	if err != nil {
		if ctx.Err() != nil {
			return c.cancelled(rep, ctx.Err())
		}
		return c.fail(ctx, rep, "", fmt.Sprintf("history collection failed: %v", err), err)
	}
	for _, recs := range history {
		rep.Records += len(recs)
	}

	prompt, err := BuildPrompt(cfg.Template, points, history)
	if err != nil {
		return c.fail(ctx, rep, "", fmt.Sprintf("prompt build failed: %v", err), err)
	}
	rep.PromptChars = len(prompt)
	if payload := len(prompt) - len(cfg.Template) + len(Placeholder); payload > LargePayloadChars {
		log.Warn("entity data is very large; the API may reject or truncate it",
			"chars", payload,
			"limit", LargePayloadChars,
		)
	}
	log.Log(ctx, llm.LevelTrace, "prompt", "text", prompt)

	callCtx, cancel := context.WithTimeout(ctx, cfg.clientTimeout())
	text, err := c.client.Send(callCtx, prompt)
	cancel()
	if ctx.Err() != nil {
		return c.cancelled(rep, ctx.Err())
	}
	if err != nil {
		kind := llm.KindOf(err)
		if kind.Persistent() {
			c.mu.Lock()
			c.blocked = true
			c.blockedGen = gen
			c.mu.Unlock()
		}
		return c.fail(ctx, rep, kind, fmt.Sprintf("%s (%v)", failureMessage(kind), err), err)
	}

	result := Parse(text)
	result.SyncedAt = c.nowFunc()

	c.mu.Lock()
	c.blocked = false
	c.mu.Unlock()

	c.publish(ctx, result)
	rep.Result = result
	rep.Outcome = OutcomeSuccess
	if result.Status == StatusParseIncomplete {
		rep.Outcome = OutcomePartial
		log.Warn("response parsed incompletely", "detail", result.Message)
	}
	return c.finish(rep)
}

func (c *Coordinator) isBlocked(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked && c.blockedGen == gen
}

// fail publishes the previous result's text with ERROR status.
func (c *Coordinator) fail(ctx context.Context, rep CycleReport, kind llm.Kind, msg string, err error) CycleReport {
	r := c.Current()
	r.Status = StatusError
	r.Message = msg

	c.logger.Error("cycle failed",
		"generation", rep.Generation,
		"kind", kind,
		"persistent", kind.Persistent(),
		"error", err,
	)

	c.publish(ctx, r)
	rep.Outcome = OutcomeFailed
	rep.FailureKind = kind
	rep.Err = err
	rep.Result = r
	return c.finish(rep)
}

func (c *Coordinator) cancelled(rep CycleReport, err error) CycleReport {
	c.logger.Info("cycle abandoned", "generation", rep.Generation, "error", err)
	rep.Outcome = OutcomeCancelled
	rep.Err = err
	return c.finish(rep)
}

// publish replaces the current result and hands it to the store and
// sinks.
func (c *Coordinator) publish(ctx context.Context, r Result) {
	c.current.Store(&r)

	if c.store != nil {
		if err := c.store.SaveResult(r); err != nil {
			c.logger.Warn("failed to persist result", "error", err)
		}
	}
	for _, s := range c.sinks {
		if err := s.Publish(ctx, r); err != nil {
			c.logger.Warn("sink publish failed", "sink", s.Name(), "error", err)
		}
	}
}

func (c *Coordinator) finish(rep CycleReport) CycleReport {
	rep.Duration = c.nowFunc().Sub(rep.Started)

	c.mu.Lock()
	c.cycles++
	c.lastOutcome = rep.Outcome
	c.lastCycleAt = rep.Started
	c.lastDuration = rep.Duration
	switch rep.Outcome {
	case OutcomeFailed:
		c.lastErr = rep.Result.Message
		c.lastKind = rep.FailureKind
	case OutcomeSuccess, OutcomePartial:
		c.lastErr = ""
		c.lastKind = ""
	}
	c.mu.Unlock()

	if rep.Outcome != OutcomeCancelled {
		c.logger.Info("cycle finished",
			"generation", rep.Generation,
			"outcome", rep.Outcome,
			"points", rep.Points,
			"records", rep.Records,
			"prompt_chars", rep.PromptChars,
			"duration", rep.Duration.Round(time.Millisecond),
		)
	}

	for _, o := range c.observers {
		o.CycleFinished(rep)
	}
	return rep
}

func failureMessage(kind llm.Kind) string {
	switch kind {
	case llm.KindAuth:
		return "authentication failed; check the API key"
	case llm.KindPayloadTooLarge:
		return "request too large; reduce the entity selection or history window"
	case llm.KindRateLimited:
		return "rate limited by the API; retrying next cycle"
	case llm.KindMalformed:
		return "unexpected API response; retrying next cycle"
	default:
		return "API unavailable; retrying next cycle"
	}
}

func cloneConfig(cfg Config) *Config {
	cfg.Entities = append([]string(nil), cfg.Entities...)
	return &cfg
}
