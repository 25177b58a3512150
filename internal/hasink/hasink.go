// Package hasink publishes insight results back into Home Assistant over
// its REST API: as entity states under a configured prefix, and as a
// notification through a notify service.
package hasink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/hass-insights/internal/insight"
	"github.com/nugget/hass-insights/internal/render"
)

// StateWriter writes entity states. Implemented by homeassistant.Client.
type StateWriter interface {
	SetState(ctx context.Context, entityID, state string, attributes map[string]any) error
}

// ServiceCaller calls HA services. Implemented by homeassistant.Client.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// StateSink writes each result to <prefix>_insights, _alerts, _summary,
// and _raw. States are plain text capped at 255 characters; the full
// text is in the "text" attribute.
type StateSink struct {
	ha     StateWriter
	prefix string
	logger *slog.Logger
}

// NewStateSink creates a sink writing entities named prefix_*. The
// prefix must include the domain, e.g. "sensor.home_insights".
func NewStateSink(ha StateWriter, prefix string, logger *slog.Logger) *StateSink {
	return &StateSink{ha: ha, prefix: prefix, logger: logger.With("component", "hasink")}
}

// Name identifies the sink in logs.
func (s *StateSink) Name() string { return "ha_state" }

// Publish writes all four entities. Every write is attempted; the
// errors are joined.
func (s *StateSink) Publish(ctx context.Context, r insight.Result) error {
	attrs := func(text, icon, friendly string) map[string]any {
		a := map[string]any{
			"text":               text,
			"raw_data":           r.Raw,
			"status":             string(r.Status),
			"last_update_status": string(r.Status),
			"icon":               icon,
			"friendly_name":      friendly,
		}
		if !r.SyncedAt.IsZero() {
			a["last_synced"] = r.SyncedAt.UTC().Format(time.RFC3339)
		}
		if r.Message != "" {
			a["message"] = r.Message
		}
		return a
	}

	writes := []struct {
		suffix, text, icon, friendly string
	}{
		{"insights", r.Insights, "mdi:lightbulb-on-outline", "Insights"},
		{"alerts", r.Alerts, "mdi:alert-outline", "Alerts"},
		{"summary", r.Summary, "mdi:text-box-outline", "Summary"},
		{"raw", r.Raw, "mdi:code-json", "Raw Response"},
	}

	var errs []error
	for _, w := range writes {
		id := s.prefix + "_" + w.suffix
		if err := s.ha.SetState(ctx, id, render.StateText(w.text), attrs(w.text, w.icon, w.friendly)); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", id, err))
		}
	}
	if len(errs) == 0 {
		s.logger.Debug("result written to HA states", "prefix", s.prefix)
	}
	return errors.Join(errs...)
}

// NotifySink sends the raw response text through a notify service. It
// only sends results that carry new text, so a failed cycle does not
// repeat the previous notification.
type NotifySink struct {
	ha      ServiceCaller
	domain  string
	service string
	logger  *slog.Logger
}

// NewNotifySink creates a sink for a "domain.service" name such as
// "notify.mobile_app_phone".
func NewNotifySink(ha ServiceCaller, fullService string, logger *slog.Logger) (*NotifySink, error) {
	domain, service, ok := strings.Cut(fullService, ".")
	if !ok || domain == "" || service == "" {
		return nil, fmt.Errorf("notify service %q must be domain.service", fullService)
	}
	return &NotifySink{
		ha:      ha,
		domain:  domain,
		service: service,
		logger:  logger.With("component", "hasink"),
	}, nil
}

// Name identifies the sink in logs.
func (n *NotifySink) Name() string { return "ha_notify" }

// Publish sends r.Raw as the notification message.
func (n *NotifySink) Publish(ctx context.Context, r insight.Result) error {
	if r.Status == insight.StatusError || strings.TrimSpace(r.Raw) == "" {
		return nil
	}
	data := map[string]any{
		"title":   "Home insights",
		"message": render.PlainText(r.Raw),
	}
	if err := n.ha.CallService(ctx, n.domain, n.service, data); err != nil {
		return fmt.Errorf("call %s.%s: %w", n.domain, n.service, err)
	}
	n.logger.Debug("insight notification sent", "service", n.domain+"."+n.service)
	return nil
}
