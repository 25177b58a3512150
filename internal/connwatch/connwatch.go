// Package connwatch tracks the reachability of the services a cycle
// depends on (Home Assistant, the generative API, the MQTT broker) so
// the status API can report them and start-up can wait for them.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second dial errors. connwatch handles outages that last seconds
// to minutes: service restarts, network partitions, broker reboots.
//
// Each Watcher probes a single service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s) with change callbacks
//
// A probe error that the Halt classifier accepts (a rejected API key,
// for example) stops the watcher: polling again cannot fix it.
package connwatch

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay (default 2s)
	MaxDelay     time.Duration // backoff ceiling (default 60s)
	Multiplier   float64       // growth per retry (default 2.0)
	MaxRetries   int           // startup attempts (default 10)
	PollInterval time.Duration // background check interval (default 60s)
	ProbeTimeout time.Duration // per-probe limit (default 10s)
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status output.
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Halt, if set, reports whether a probe error is permanent. A
	// permanent error stops the watcher with the service marked down.
	Halt func(error) bool

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnChange is called when readiness flips, with the probe error
	// when going down. Called in its own goroutine. Optional.
	OnChange func(ready bool, err error)

	// Logger uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Halted    bool      `json:"halted,omitempty"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	since     time.Time
	halted    bool
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Halted:    w.halted,
		Since:     w.since,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("service", w.config.Name)

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			logger.Info("service connected", "after_attempts", attempt)
			break
		}
		if w.isHalted() {
			logger.Error("service check failed permanently, not retrying", "error", err)
			return
		}
		if attempt == cfg.MaxRetries {
			logger.Info("startup connection failed, entering background polling",
				"attempts", attempt, "error", err)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasReady := w.ready.Load()
			err := w.check(ctx)
			switch {
			case w.isHalted():
				logger.Error("service check failed permanently, not retrying", "error", err)
				return
			case wasReady && err != nil:
				logger.Info("service became unreachable", "error", err)
			case !wasReady && err == nil:
				logger.Info("service recovered")
			case !wasReady && err != nil:
				logger.Debug("service still unreachable", "error", err)
			}
		}
	}
}

// check probes once, records the outcome, and fires OnChange when
// readiness flips.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return err
	}

	ready := err == nil
	changed := w.ready.Swap(ready) != ready

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if changed || w.since.IsZero() {
		w.since = w.lastCheck
	}
	if err != nil && w.config.Halt != nil && w.config.Halt(err) {
		w.halted = true
	}
	w.mu.Unlock()

	if changed && w.config.OnChange != nil {
		go w.config.OnChange(ready, err)
	}
	return err
}

func (w *Watcher) isHalted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch registers and starts a new service watcher. The watcher runs in
// a background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Services returns the status of every watched service, sorted by name.
func (m *Manager) Services() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	slices.SortFunc(out, func(a, b ServiceStatus) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// AllReady reports whether every watched service is reachable. A
// manager with no watchers is ready.
func (m *Manager) AllReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
