package opstate

import (
	"github.com/nugget/hass-insights/internal/config"
	"github.com/nugget/hass-insights/internal/insight"
)

const (
	insightsNamespace = "insights"
	resultKey         = "last_result"
	overridesKey      = "options"
)

// Insights persists the coordinator's result and the runtime options
// overrides in a Store. It implements insight.Store.
type Insights struct {
	store *Store
}

// NewInsights wraps store.
func NewInsights(store *Store) *Insights {
	return &Insights{store: store}
}

// SaveResult persists r as the last published result.
func (i *Insights) SaveResult(r insight.Result) error {
	return i.store.SetJSON(insightsNamespace, resultKey, r)
}

// LoadResult returns the last persisted result, or a zero Result when
// none was saved.
func (i *Insights) LoadResult() (insight.Result, error) {
	var r insight.Result
	_, err := i.store.GetJSON(insightsNamespace, resultKey, &r)
	return r, err
}

// SaveOverrides persists options overrides.
func (i *Insights) SaveOverrides(o config.Overrides) error {
	return i.store.SetJSON(insightsNamespace, overridesKey, o)
}

// LoadOverrides returns the persisted overrides. ok is false when none
// were saved.
func (i *Insights) LoadOverrides() (o config.Overrides, ok bool, err error) {
	ok, err = i.store.GetJSON(insightsNamespace, overridesKey, &o)
	return o, ok, err
}

// ClearOverrides removes persisted overrides so the file configuration
// applies again.
func (i *Insights) ClearOverrides() error {
	return i.store.Delete(insightsNamespace, overridesKey)
}
