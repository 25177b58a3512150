// Package insight is the core of hass-insights: it collects entity
// snapshots and history from Home Assistant, builds a prompt, sends it
// to a generative-text client, parses the reply into insights, alerts,
// and a summary, and holds the current result.
//
// A Coordinator drives the pipeline on an interval. It never runs two
// cycles at once and keeps the last good result when a cycle fails.
package insight

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Point is the current value of one monitored entity. It is not
// modified after collection.
type Point struct {
	ID          string
	State       string
	Attributes  map[string]any
	LastChanged time.Time
}

// ChangeRecord is one recorded state of an entity within the history
// window.
type ChangeRecord struct {
	EntityID   string
	State      string
	Attributes map[string]any
	ChangedAt  time.Time
	RecordedAt time.Time
}

// HistoryWindow selects how far back to request change records.
type HistoryWindow string

// History windows. HistoryNone sends only current values.
const (
	HistoryNone HistoryWindow = "none"
	History1h   HistoryWindow = "1h"
	History6h   HistoryWindow = "6h"
	History12h  HistoryWindow = "12h"
	History24h  HistoryWindow = "24h"
	History3d   HistoryWindow = "3d"
	History7d   HistoryWindow = "7d"
)

var windowDurations = map[HistoryWindow]time.Duration{
	HistoryNone: 0,
	History1h:   time.Hour,
	History6h:   6 * time.Hour,
	History12h:  12 * time.Hour,
	History24h:  24 * time.Hour,
	History3d:   3 * 24 * time.Hour,
	History7d:   7 * 24 * time.Hour,
}

// windowAliases are the option keys used by the Home Assistant
// integration's options form.
var windowAliases = map[string]HistoryWindow{
	"latest_only": HistoryNone,
	"1_hour":      History1h,
	"6_hours":     History6h,
	"12_hours":    History12h,
	"24_hours":    History24h,
	"3_days":      History3d,
	"7_days":      History7d,
}

// ParseHistoryWindow accepts a window name or one of its aliases,
// case-insensitively. The empty string is HistoryNone.
func ParseHistoryWindow(s string) (HistoryWindow, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return HistoryNone, nil
	}
	if _, ok := windowDurations[HistoryWindow(s)]; ok {
		return HistoryWindow(s), nil
	}
	if w, ok := windowAliases[s]; ok {
		return w, nil
	}
	return "", fmt.Errorf("unknown history window %q (valid: none, 1h, 6h, 12h, 24h, 3d, 7d)", s)
}

// Duration returns the look-back span, zero for HistoryNone.
func (w HistoryWindow) Duration() time.Duration {
	return windowDurations[w]
}

// Default limits.
const (
	DefaultMaxRecordsPerPoint = 200
	DefaultClientTimeout      = 120 * time.Second
	DefaultInterval           = 30 * time.Minute
)

// Config is the monitoring configuration for one cycle. A Config value
// is never mutated once handed to a Coordinator; updates replace it.
type Config struct {
	// Entities are the resolved entity IDs to monitor.
	Entities []string
	History  HistoryWindow
	// Template is the prompt text; it must contain Placeholder once.
	Template string
	Interval time.Duration
	// MaxRecordsPerPoint caps change records per entity, keeping the
	// most recent.
	MaxRecordsPerPoint int
	// ClientTimeout bounds the generative API call.
	ClientTimeout time.Duration
}

// ConfigError reports a configuration that cannot be activated.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate reports every problem with c as a joined set of
// *ConfigError values.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Entities) == 0 {
		errs = append(errs, &ConfigError{Field: "entities", Reason: "no entities selected"})
	}
	if _, ok := windowDurations[c.History]; !ok {
		errs = append(errs, &ConfigError{Field: "history", Reason: fmt.Sprintf("unknown window %q", c.History)})
	}
	if err := ValidateTemplate(c.Template); err != nil {
		errs = append(errs, &ConfigError{Field: "template", Reason: err.Error()})
	}
	if c.Interval <= 0 {
		errs = append(errs, &ConfigError{Field: "interval", Reason: "must be positive"})
	}
	if c.MaxRecordsPerPoint < 0 {
		errs = append(errs, &ConfigError{Field: "max records per point", Reason: "must not be negative"})
	}
	if c.ClientTimeout < 0 {
		errs = append(errs, &ConfigError{Field: "client timeout", Reason: "must not be negative"})
	}
	return errors.Join(errs...)
}

func (c *Config) maxRecords() int {
	if c.MaxRecordsPerPoint <= 0 {
		return DefaultMaxRecordsPerPoint
	}
	return c.MaxRecordsPerPoint
}

func (c *Config) clientTimeout() time.Duration {
	if c.ClientTimeout <= 0 {
		return DefaultClientTimeout
	}
	return c.ClientTimeout
}

// Status is the published state of the current result.
type Status string

// Result statuses.
const (
	StatusOK              Status = "OK"
	StatusParseIncomplete Status = "PARSE_INCOMPLETE"
	StatusError           Status = "ERROR"
)

// Result is the outcome of the most recent cycle that produced text.
// When a later cycle fails, the text fields are carried over and only
// Status and Message change.
type Result struct {
	Insights string    `json:"insights"`
	Alerts   string    `json:"alerts"`
	Summary  string    `json:"summary"`
	Raw      string    `json:"raw"`
	SyncedAt time.Time `json:"synced_at"`
	Status   Status    `json:"status"`
	Message  string    `json:"message,omitempty"`
}

// IsZero reports whether no cycle has produced a result yet.
func (r Result) IsZero() bool {
	return r.Status == "" && r.Raw == "" && r.SyncedAt.IsZero()
}
