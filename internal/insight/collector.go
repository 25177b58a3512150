package insight

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nugget/hass-insights/internal/homeassistant"
)

// StateReader reads current entity states. *homeassistant.Client
// satisfies it.
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// Collector reads the current snapshot of each monitored entity.
type Collector struct {
	states StateReader
	logger *slog.Logger
}

// NewCollector creates a Collector.
func NewCollector(states StateReader, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{states: states, logger: logger}
}

// Collect returns the current Point for each ID. Entities that HA does
// not know, or that fail to read, are skipped with a warning. The only
// error returned is the context's, when collection is abandoned.
func (c *Collector) Collect(ctx context.Context, ids []string) (map[string]Point, error) {
	points := make(map[string]Point, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st, err := c.states.GetState(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, homeassistant.ErrNotFound) {
				c.logger.Warn("entity has no state, skipping", "entity_id", id)
			} else {
				c.logger.Warn("failed to read entity state, skipping", "entity_id", id, "error", err)
			}
			continue
		}

		points[id] = Point{
			ID:          id,
			State:       st.State,
			Attributes:  st.Attributes,
			LastChanged: st.LastChanged,
		}
	}
	return points, nil
}
