package options

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/nugget/hass-insights/internal/config"
	"github.com/nugget/hass-insights/internal/homeassistant"
	"github.com/nugget/hass-insights/internal/insight"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.HomeAssistant.URL = "http://ha.local:8123"
	cfg.HomeAssistant.Token = "token"
	cfg.Gemini.APIKey = "key"
	cfg.Insights.Entities = []string{"sensor.kitchen_temperature"}
	return cfg
}

type memStore struct {
	mu      sync.Mutex
	o       config.Overrides
	ok      bool
	saves   int
	cleared bool
}

func (s *memStore) SaveOverrides(o config.Overrides) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.o, s.ok = o, true
	s.saves++
	return nil
}

func (s *memStore) LoadOverrides() (config.Overrides, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.o, s.ok, nil
}

func (s *memStore) ClearOverrides() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.o, s.ok, s.cleared = config.Overrides{}, false, true
	return nil
}

type recordingTarget struct {
	mu      sync.Mutex
	applied []insight.Config
}

func (r *recordingTarget) UpdateConfig(c insight.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := c.Validate(); err != nil {
		return err
	}
	r.applied = append(r.applied, c)
	return nil
}

func testRegistry(calls *int) RegistryFunc {
	return func(context.Context) (*homeassistant.Registry, error) {
		*calls++
		return &homeassistant.Registry{
			Areas: []homeassistant.Area{{AreaID: "kitchen", Name: "Kitchen"}},
			Entities: []homeassistant.EntityRegistryEntry{
				{EntityID: "light.kitchen", AreaID: "kitchen"},
				{EntityID: "sensor.kitchen_humidity", AreaID: "kitchen"},
				{EntityID: "light.garage"},
			},
		}, nil
	}
}

func ptr[T any](v T) *T { return &v }

func TestResolve_ExplicitSkipsRegistry(t *testing.T) {
	calls := 0
	got, err := Resolve(t.Context(), baseConfig(), testRegistry(&calls), discardLogger())
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if calls != 0 {
		t.Errorf("registry fetched %d times for an explicit list", calls)
	}
	if !slices.Equal(got, []string{"sensor.kitchen_temperature"}) {
		t.Errorf("Resolve() = %v", got)
	}
}

func TestResolve_NoRegistry(t *testing.T) {
	cfg := baseConfig()
	cfg.Insights.Domains = []string{"light"}
	if _, err := Resolve(t.Context(), cfg, nil, discardLogger()); err == nil {
		t.Fatal("Resolve() without a registry should fail for a domain selection")
	}
}

func TestManager_LoadWithoutOverrides(t *testing.T) {
	m := NewManager(baseConfig(), &memStore{}, nil, nil, discardLogger())
	ic, err := m.Load(t.Context())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !slices.Equal(ic.Entities, []string{"sensor.kitchen_temperature"}) {
		t.Errorf("entities = %v", ic.Entities)
	}
	if !m.Overrides().IsZero() {
		t.Errorf("Overrides() = %+v, want zero", m.Overrides())
	}
}

func TestManager_LoadRestoresOverrides(t *testing.T) {
	store := &memStore{o: config.Overrides{History: ptr("24h")}, ok: true}
	m := NewManager(baseConfig(), store, nil, nil, discardLogger())

	ic, err := m.Load(t.Context())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ic.History != insight.History24h {
		t.Errorf("History = %q, want 24h", ic.History)
	}
}

func TestManager_LoadDiscardsInvalidOverrides(t *testing.T) {
	store := &memStore{o: config.Overrides{Prompt: ptr("no placeholder")}, ok: true}
	m := NewManager(baseConfig(), store, nil, nil, discardLogger())

	ic, err := m.Load(t.Context())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ic.Template != config.DefaultPromptTemplate {
		t.Error("invalid stored prompt should fall back to the file configuration")
	}
}

func TestManager_Apply(t *testing.T) {
	calls := 0
	store := &memStore{}
	target := &recordingTarget{}
	m := NewManager(baseConfig(), store, testRegistry(&calls), target, discardLogger())
	if _, err := m.Load(t.Context()); err != nil {
		t.Fatal(err)
	}

	eff, err := m.Apply(t.Context(), config.Overrides{Areas: []string{"Kitchen"}, UpdateInterval: ptr(600)})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if eff.Insights.UpdateInterval != 600 {
		t.Errorf("UpdateInterval = %d", eff.Insights.UpdateInterval)
	}
	want := []string{"light.kitchen", "sensor.kitchen_humidity", "sensor.kitchen_temperature"}
	if got := m.Entities(); !slices.Equal(got, want) {
		t.Errorf("Entities() = %v, want %v", got, want)
	}
	if len(target.applied) != 1 {
		t.Fatalf("UpdateConfig called %d times, want 1", len(target.applied))
	}
	if store.saves != 1 || store.o.UpdateInterval == nil {
		t.Errorf("overrides not persisted: %+v", store.o)
	}

	// A second change keeps the first.
	if _, err := m.Apply(t.Context(), config.Overrides{History: ptr("1h")}); err != nil {
		t.Fatal(err)
	}
	if o := m.Overrides(); o.UpdateInterval == nil || *o.UpdateInterval != 600 || len(o.Areas) != 1 {
		t.Errorf("merged overrides lost earlier fields: %+v", o)
	}
}

func TestManager_ApplyInvalid(t *testing.T) {
	target := &recordingTarget{}
	store := &memStore{}
	m := NewManager(baseConfig(), store, nil, target, discardLogger())
	m.Load(t.Context())

	tests := []struct {
		name string
		o    config.Overrides
	}{
		{"interval too short", config.Overrides{UpdateInterval: ptr(5)}},
		{"bad history", config.Overrides{History: ptr("2w")}},
		{"placeholder twice", config.Overrides{Prompt: ptr("{entity_data} {entity_data}")}},
		{"empty selection", config.Overrides{Entities: []string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(t.Context(), tt.o)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Apply() = %v, want ErrInvalid", err)
			}
		})
	}
	if len(target.applied) != 0 || store.saves != 0 {
		t.Error("rejected options must not reach the coordinator or the store")
	}
	if !m.Overrides().IsZero() {
		t.Error("rejected options must not change the active overrides")
	}
}

func TestManager_ApplyRegistryFailure(t *testing.T) {
	fail := func(context.Context) (*homeassistant.Registry, error) {
		return nil, errors.New("websocket closed")
	}
	m := NewManager(baseConfig(), nil, fail, nil, discardLogger())
	m.Load(t.Context())

	_, err := m.Apply(t.Context(), config.Overrides{Domains: []string{"light"}})
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("Apply() = %v, want a non-validation error", err)
	}
}

func TestManager_Reset(t *testing.T) {
	store := &memStore{o: config.Overrides{History: ptr("6h")}, ok: true}
	target := &recordingTarget{}
	m := NewManager(baseConfig(), store, nil, target, discardLogger())
	m.Load(t.Context())

	eff, err := m.Reset(t.Context())
	if err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if eff.Insights.History != "none" {
		t.Errorf("History = %q after reset", eff.Insights.History)
	}
	if !store.cleared || !m.Overrides().IsZero() {
		t.Error("Reset() should clear stored and active overrides")
	}
	if len(target.applied) != 1 {
		t.Errorf("UpdateConfig called %d times, want 1", len(target.applied))
	}
}
