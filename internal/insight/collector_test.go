package insight

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/hass-insights/internal/homeassistant"
)

func TestCollect(t *testing.T) {
	changed := time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC)
	states := &fakeStates{
		states: map[string]homeassistant.State{
			"sensor.temp": {State: "20", Attributes: map[string]any{"unit_of_measurement": "°C"}, LastChanged: changed},
			"light.hall":  {State: "off"},
		},
		errs: map[string]error{"sensor.flaky": errors.New("connection reset")},
	}

	c := NewCollector(states, discardLogger())
	got, err := c.Collect(context.Background(), []string{"sensor.temp", "sensor.missing", "sensor.flaky", "light.hall"})
	if err != nil {
		t.Fatalf("Collect() = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Collect() returned %d points, want 2: %v", len(got), got)
	}
	p := got["sensor.temp"]
	if p.ID != "sensor.temp" || p.State != "20" || !p.LastChanged.Equal(changed) || p.Attributes["unit_of_measurement"] != "°C" {
		t.Errorf("sensor.temp = %+v", p)
	}
	if _, ok := got["sensor.missing"]; ok {
		t.Error("missing entity should be skipped")
	}
	if states.calls != 4 {
		t.Errorf("GetState called %d times, want 4", states.calls)
	}
}

func TestCollect_Cancelled(t *testing.T) {
	states := &fakeStates{states: map[string]homeassistant.State{"a.b": {State: "1"}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCollector(states, discardLogger()).Collect(ctx, []string{"a.b", "c.d"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Collect() = %v, want context.Canceled", err)
	}
}
