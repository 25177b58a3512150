package insight

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		name      string
		template  string
		wantCount int
		wantErr   bool
	}{
		{"once", "Data: {entity_data}", 0, false},
		{"missing", "Data: none", 0, true},
		{"twice", "{entity_data} and {entity_data}", 2, true},
		{"different token", "Data: {entities}", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTemplate(tt.template)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTemplate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var te *TemplateError
			if !errors.As(err, &te) {
				t.Fatalf("error %T is not *TemplateError", err)
			}
			if te.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", te.Count, tt.wantCount)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	changed := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	points := map[string]Point{
		"sensor.b": {ID: "sensor.b", State: "21.5", Attributes: map[string]any{"unit": "°C", "friendly_name": "B"}, LastChanged: changed},
		"light.a":  {ID: "light.a", State: "on"},
	}
	history := map[string][]ChangeRecord{
		"light.a": {
			{EntityID: "light.a", State: "off", ChangedAt: changed.Add(-time.Hour), RecordedAt: changed.Add(-time.Hour)},
		},
	}

	got, err := BuildPrompt("Analyze:\n{entity_data}\nEnd.", points, history)
	if err != nil {
		t.Fatalf("BuildPrompt() = %v", err)
	}

	want := "Analyze:\n" +
		`[{"id":"light.a","state":"on","attributes":{},"history":[{"state":"off","attributes":{},"last_changed":"2026-10-15T07:00:00Z","last_updated":"2026-10-15T07:00:00Z"}]},` +
		`{"id":"sensor.b","state":"21.5","attributes":{"friendly_name":"B","unit":"°C"},"last_changed":"2026-10-15T08:00:00Z","history":[]}]` +
		"\nEnd."
	if got != want {
		t.Errorf("BuildPrompt() =\n%s\nwant\n%s", got, want)
	}

	again, _ := BuildPrompt("Analyze:\n{entity_data}\nEnd.", points, history)
	if again != got {
		t.Error("BuildPrompt is not deterministic")
	}
}

func TestBuildPrompt_HistoryWithoutSnapshot(t *testing.T) {
	history := map[string][]ChangeRecord{
		"switch.pump": {{EntityID: "switch.pump", State: "on"}},
	}
	got, err := BuildPrompt("{entity_data}", nil, history)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `"id":"switch.pump","state":"unknown"`) {
		t.Errorf("history-only entity should be unknown: %s", got)
	}
}

func TestBuildPrompt_LiteralSubstitution(t *testing.T) {
	points := map[string]Point{"input_text.x": {ID: "input_text.x", State: "$1 & <b>"}}
	got, err := BuildPrompt("[{entity_data}]", points, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `"state":"$1 & <b>"`) {
		t.Errorf("state should be inserted literally without HTML escaping: %s", got)
	}
}

func TestBuildPrompt_TemplateError(t *testing.T) {
	_, err := BuildPrompt("no placeholder", map[string]Point{"a.b": {ID: "a.b"}}, nil)
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("BuildPrompt() = %v, want *TemplateError", err)
	}
}

func TestBuildPrompt_LargePayload(t *testing.T) {
	points := make(map[string]Point)
	big := strings.Repeat("x", 1000)
	for i := range 200 {
		id := "sensor.s" + strings.Repeat("a", i%7) + string(rune('a'+i%26)) + string(rune('a'+i/26))
		points[id] = Point{ID: id, State: big}
	}
	got, err := BuildPrompt("{entity_data}", points, nil)
	if err != nil {
		t.Fatalf("BuildPrompt() = %v", err)
	}
	if len(got) <= LargePayloadChars {
		t.Errorf("len = %d, expected a payload above the warning threshold", len(got))
	}
}
