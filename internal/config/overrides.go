package config

import (
	"slices"
	"time"

	"github.com/nugget/hass-insights/internal/insight"
)

// Overrides are options changed at runtime through the API. A nil field
// leaves the file configuration untouched; an empty (non-nil) list
// clears it.
type Overrides struct {
	Entities       []string `json:"entities"`
	Domains        []string `json:"domains"`
	Areas          []string `json:"areas"`
	Include        []string `json:"include"`
	Exclude        []string `json:"exclude"`
	History        *string  `json:"history,omitempty"`
	Prompt         *string  `json:"prompt,omitempty"`
	UpdateInterval *int     `json:"update_interval,omitempty"`
}

// IsZero reports whether o changes nothing.
func (o Overrides) IsZero() bool {
	return o.Entities == nil && o.Domains == nil && o.Areas == nil &&
		o.Include == nil && o.Exclude == nil &&
		o.History == nil && o.Prompt == nil && o.UpdateInterval == nil
}

// Merge returns o with every field set in next replacing its counterpart.
func (o Overrides) Merge(next Overrides) Overrides {
	if next.Entities != nil {
		o.Entities = next.Entities
	}
	if next.Domains != nil {
		o.Domains = next.Domains
	}
	if next.Areas != nil {
		o.Areas = next.Areas
	}
	if next.Include != nil {
		o.Include = next.Include
	}
	if next.Exclude != nil {
		o.Exclude = next.Exclude
	}
	if next.History != nil {
		o.History = next.History
	}
	if next.Prompt != nil {
		o.Prompt = next.Prompt
	}
	if next.UpdateInterval != nil {
		o.UpdateInterval = next.UpdateInterval
	}
	return o
}

// Apply returns a copy of c with the overrides applied. The receiver
// is not modified. Callers validate the result.
func (c *Config) Apply(o Overrides) *Config {
	out := *c
	ins := c.Insights
	ins.Entities = slices.Clone(ins.Entities)
	ins.Domains = slices.Clone(ins.Domains)
	ins.Areas = slices.Clone(ins.Areas)
	ins.Include = slices.Clone(ins.Include)
	ins.Exclude = slices.Clone(ins.Exclude)

	if o.Entities != nil {
		ins.Entities = slices.Clone(o.Entities)
	}
	if o.Domains != nil {
		ins.Domains = slices.Clone(o.Domains)
	}
	if o.Areas != nil {
		ins.Areas = slices.Clone(o.Areas)
	}
	if o.Include != nil {
		ins.Include = slices.Clone(o.Include)
	}
	if o.Exclude != nil {
		ins.Exclude = slices.Clone(o.Exclude)
	}
	if o.History != nil {
		ins.History = *o.History
	}
	if o.Prompt != nil {
		ins.Prompt = *o.Prompt
	}
	if o.UpdateInterval != nil {
		ins.UpdateInterval = *o.UpdateInterval
	}

	out.Insights = ins
	return &out
}

// InsightConfig builds the coordinator configuration for the resolved
// entity set. The history window is assumed valid.
func (c *Config) InsightConfig(entities []string) insight.Config {
	window, _ := insight.ParseHistoryWindow(c.Insights.History)
	return insight.Config{
		Entities:           entities,
		History:            window,
		Template:           c.Insights.Prompt,
		Interval:           time.Duration(c.Insights.UpdateInterval) * time.Second,
		MaxRecordsPerPoint: c.Insights.MaxHistoryPerEntity,
		ClientTimeout:      time.Duration(c.Insights.RequestTimeout) * time.Second,
	}
}
