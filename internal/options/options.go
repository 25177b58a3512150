// Package options owns the effective monitoring configuration: the file
// configuration with runtime overrides layered on top. Changes are
// validated, resolved against the Home Assistant registry, pushed to the
// coordinator, and persisted so they survive a restart.
package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/hass-insights/internal/config"
	"github.com/nugget/hass-insights/internal/homeassistant"
	"github.com/nugget/hass-insights/internal/insight"
)

// ErrInvalid wraps every rejection caused by the options themselves, as
// opposed to a registry or storage failure.
var ErrInvalid = errors.New("invalid options")

// RegistryFunc fetches a snapshot of the HA area, device, and entity
// registries.
type RegistryFunc func(ctx context.Context) (*homeassistant.Registry, error)

// Store persists overrides. Implemented by opstate.Insights.
type Store interface {
	SaveOverrides(config.Overrides) error
	LoadOverrides() (config.Overrides, bool, error)
	ClearOverrides() error
}

// Target receives the resolved configuration. Implemented by
// insight.Coordinator.
type Target interface {
	UpdateConfig(insight.Config) error
}

// Selection returns the entity selection described by cfg.
func Selection(cfg *config.Config) homeassistant.Selection {
	return homeassistant.Selection{
		Entities: cfg.Insights.Entities,
		Domains:  cfg.Insights.Domains,
		Areas:    cfg.Insights.Areas,
		Include:  cfg.Insights.Include,
		Exclude:  cfg.Insights.Exclude,
	}
}

// Resolve expands the selection in cfg to entity IDs. The registry is
// only fetched when the selection needs it.
func Resolve(ctx context.Context, cfg *config.Config, registry RegistryFunc, logger *slog.Logger) ([]string, error) {
	sel := Selection(cfg)
	var reg *homeassistant.Registry
	if sel.NeedsRegistry() {
		if registry == nil {
			return nil, errors.New("selection needs the HA registry but none is available")
		}
		var err error
		if reg, err = registry(ctx); err != nil {
			return nil, fmt.Errorf("fetch registry: %w", err)
		}
	}
	return sel.Resolve(reg, logger), nil
}

// Manager serializes option changes.
type Manager struct {
	mu        sync.Mutex
	base      *config.Config
	overrides config.Overrides
	effective *config.Config
	entities  []string

	store    Store
	registry RegistryFunc
	target   Target
	logger   *slog.Logger
}

// NewManager creates a manager over the file configuration base. Call
// Load before anything else.
func NewManager(base *config.Config, store Store, registry RegistryFunc, target Target, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		base:      base,
		effective: base,
		store:     store,
		registry:  registry,
		target:    target,
		logger:    logger.With("component", "options"),
	}
}

// SetTarget sets the receiver of applied configurations. The
// coordinator is built from the result of Load, so it is attached
// afterwards.
func (m *Manager) SetTarget(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = t
}

// Load reads persisted overrides and returns the effective insight
// configuration without pushing it anywhere. Overrides that no longer
// validate against the file configuration are discarded with a
// warning rather than blocking startup.
func (m *Manager) Load(ctx context.Context) (insight.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		o, ok, err := m.store.LoadOverrides()
		if err != nil {
			m.logger.Warn("failed to load option overrides", "error", err)
		} else if ok {
			if eff, ents, err := m.build(ctx, o); err == nil {
				m.overrides, m.effective, m.entities = o, eff, ents
				m.logger.Info("option overrides restored", "entities", len(ents))
				return eff.InsightConfig(ents), nil
			} else if errors.Is(err, ErrInvalid) {
				m.logger.Warn("discarding stored option overrides", "error", err)
			} else {
				return insight.Config{}, err
			}
		}
	}

	eff, ents, err := m.build(ctx, config.Overrides{})
	if err != nil {
		return insight.Config{}, err
	}
	m.overrides, m.effective, m.entities = config.Overrides{}, eff, ents
	return eff.InsightConfig(ents), nil
}

// Overrides returns the active overrides.
func (m *Manager) Overrides() config.Overrides {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overrides
}

// Effective returns the file configuration with overrides applied.
func (m *Manager) Effective() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effective
}

// Entities returns the resolved entity IDs of the active configuration.
func (m *Manager) Entities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entities...)
}

// Apply merges o into the active overrides. The merged result is
// validated and resolved before anything changes; on success the
// coordinator is reconfigured and the overrides are persisted.
func (m *Manager) Apply(ctx context.Context, o config.Overrides) (*config.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := m.overrides.Merge(o)
	eff, ents, err := m.build(ctx, merged)
	if err != nil {
		return nil, err
	}
	if err := m.commit(merged, eff, ents); err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.SaveOverrides(merged); err != nil {
			m.logger.Error("failed to persist option overrides", "error", err)
		}
	}
	return eff, nil
}

// Reset drops all overrides and returns to the file configuration.
func (m *Manager) Reset(ctx context.Context) (*config.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eff, ents, err := m.build(ctx, config.Overrides{})
	if err != nil {
		return nil, err
	}
	if err := m.commit(config.Overrides{}, eff, ents); err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.ClearOverrides(); err != nil {
			m.logger.Error("failed to clear option overrides", "error", err)
		}
	}
	return eff, nil
}

func (m *Manager) build(ctx context.Context, o config.Overrides) (*config.Config, []string, error) {
	eff := m.base.Apply(o)
	if err := eff.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	ents, err := Resolve(ctx, eff, m.registry, m.logger)
	if err != nil {
		return nil, nil, err
	}
	ic := eff.InsightConfig(ents)
	if err := ic.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return eff, ents, nil
}

func (m *Manager) commit(o config.Overrides, eff *config.Config, ents []string) error {
	if m.target != nil {
		if err := m.target.UpdateConfig(eff.InsightConfig(ents)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	m.overrides, m.effective, m.entities = o, eff, ents
	m.logger.Info("options applied", "entities", len(ents), "history", eff.Insights.History, "interval", eff.Insights.UpdateInterval)
	return nil
}
