package insight

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/nugget/hass-insights/internal/homeassistant"
)

// HistoryReader reads recorded state changes. *homeassistant.Client
// satisfies it.
type HistoryReader interface {
	GetHistory(ctx context.Context, entityIDs []string, start, end time.Time) (map[string][]homeassistant.State, error)
}

// Aggregator reads a bounded window of significant changes per entity.
type Aggregator struct {
	history HistoryReader
	logger  *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(history HistoryReader, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{history: history, logger: logger}
}

// Aggregate returns the significant change records for each entity in
// [now-window, now], oldest first, with at most maxRecords per entity.
// HistoryNone returns an empty map without reading anything.
func (a *Aggregator) Aggregate(ctx context.Context, ids []string, window HistoryWindow, maxRecords int, now time.Time) (map[string][]ChangeRecord, error) {
	result := make(map[string][]ChangeRecord)
	span := window.Duration()
	if span == 0 || len(ids) == 0 {
		return result, nil
	}

	raw, err := a.history.GetHistory(ctx, ids, now.Add(-span), now)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	for _, id := range ids {
		states := raw[id]
		if len(states) == 0 {
			continue
		}
		records := significant(id, states)
		if maxRecords > 0 && len(records) > maxRecords {
			a.logger.Debug("history capped",
				"entity_id", id,
				"records", len(records),
				"kept", maxRecords,
			)
			records = records[len(records)-maxRecords:]
		}
		result[id] = records
	}
	return result, nil
}

// significant keeps each state that differs in value or attributes
// from the one recorded immediately before it. The first state is
// always kept.
func significant(id string, states []homeassistant.State) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(states))
	for i, st := range states {
		if i > 0 {
			prev := states[i-1]
			if prev.State == st.State && reflect.DeepEqual(normalizeAttrs(prev.Attributes), normalizeAttrs(st.Attributes)) {
				continue
			}
		}
		out = append(out, ChangeRecord{
			EntityID:   id,
			State:      st.State,
			Attributes: st.Attributes,
			ChangedAt:  st.LastChanged,
			RecordedAt: st.LastUpdated,
		})
	}
	return out
}

// normalizeAttrs treats a nil attribute map as empty.
func normalizeAttrs(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
