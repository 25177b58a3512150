package insight

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Placeholder is replaced by the serialized entity data.
const Placeholder = "{entity_data}"

// LargePayloadChars is the payload size above which a cycle logs a
// warning. Most generative APIs will reject or truncate far earlier
// than the request size limit.
const LargePayloadChars = 100000

// TemplateError reports a prompt template that does not contain
// Placeholder exactly once.
type TemplateError struct {
	Count int
}

func (e *TemplateError) Error() string {
	if e.Count == 0 {
		return fmt.Sprintf("template does not contain %s", Placeholder)
	}
	return fmt.Sprintf("template contains %s %d times, want exactly once", Placeholder, e.Count)
}

// ValidateTemplate returns a *TemplateError unless template contains
// Placeholder exactly once.
func ValidateTemplate(template string) error {
	if n := strings.Count(template, Placeholder); n != 1 {
		return &TemplateError{Count: n}
	}
	return nil
}

type pointPayload struct {
	ID          string           `json:"id"`
	State       string           `json:"state"`
	Attributes  map[string]any   `json:"attributes"`
	LastChanged string           `json:"last_changed,omitempty"`
	History     []historyPayload `json:"history"`
}

type historyPayload struct {
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// EncodeEntityData serializes points and their history as a compact
// JSON array sorted by entity ID. Map keys are sorted by the encoder,
// so equal inputs always produce equal output. An entity with history
// but no current snapshot is included with state "unknown".
func EncodeEntityData(points map[string]Point, history map[string][]ChangeRecord) (string, error) {
	ids := make([]string, 0, len(points)+len(history))
	for id := range points {
		ids = append(ids, id)
	}
	for id := range history {
		if _, ok := points[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	payload := make([]pointPayload, 0, len(ids))
	for _, id := range ids {
		p, ok := points[id]
		entry := pointPayload{
			ID:         id,
			State:      "unknown",
			Attributes: normalizeAttrs(nil),
			History:    []historyPayload{},
		}
		if ok {
			entry.State = p.State
			entry.Attributes = normalizeAttrs(p.Attributes)
			entry.LastChanged = formatTime(p.LastChanged)
		}
		for _, rec := range history[id] {
			entry.History = append(entry.History, historyPayload{
				State:       rec.State,
				Attributes:  normalizeAttrs(rec.Attributes),
				LastChanged: formatTime(rec.ChangedAt),
				LastUpdated: formatTime(rec.RecordedAt),
			})
		}
		payload = append(payload, entry)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("encode entity data: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// BuildPrompt substitutes the serialized entity data into template.
func BuildPrompt(template string, points map[string]Point, history map[string][]ChangeRecord) (string, error) {
	if err := ValidateTemplate(template); err != nil {
		return "", err
	}
	data, err := EncodeEntityData(points, history)
	if err != nil {
		return "", err
	}
	return strings.Replace(template, Placeholder, data, 1), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
