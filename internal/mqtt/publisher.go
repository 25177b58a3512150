package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hass-insights/internal/config"
	"github.com/nugget/hass-insights/internal/insight"
	"github.com/nugget/hass-insights/internal/render"
)

// StatusSource provides coordinator state for the diagnostic sensors.
type StatusSource interface {
	Status() insight.Snapshot
}

// Result sensor suffixes.
const (
	EntityInsights = "insights"
	EntityAlerts   = "alerts"
	EntitySummary  = "summary"
	EntityRaw      = "raw_response"
	EntityStatus   = "status"
)

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, pushes result sensors whenever a cycle
// publishes, and runs a periodic loop for the diagnostic sensors. It
// implements insight.Sink.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	daily      *DailyCycles
	status     StatusSource
	refresher  Refresher
	logger     *slog.Logger

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	last    insight.Result
	hasLast bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, daily *DailyCycles, status StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		daily:      daily,
		status:     status,
		logger:     logger.With("component", "mqtt"),
	}
}

// SetRefresher wires the refresh button. Must be called before Start.
func (p *Publisher) SetRefresher(r Refresher) {
	p.refresher = r
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "mqtt" }

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	limiter := newMessageRateLimiter(5, time.Minute, p.logger)
	go limiter.start(ctx)
	handle := commandHandler(p.commandTopic("refresh"), p.refresher, limiter, p.logger)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
			if r, ok := p.lastResult(); ok {
				if err := p.publishResult(ctx, cm, r); err != nil {
					p.logger.Warn("mqtt result republish failed", "error", err)
				}
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hass-insights-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					handle(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" availability and closes the connection.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used as a connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Publish pushes r to the result sensors. When the broker is not yet
// connected the result is kept and sent on the next connect.
func (p *Publisher) Publish(ctx context.Context, r insight.Result) error {
	p.mu.Lock()
	p.last = r
	p.hasLast = true
	cm := p.cm
	p.mu.Unlock()

	if cm == nil {
		p.logger.Debug("mqtt not started, result queued for connect")
		return nil
	}
	return p.publishResult(ctx, cm, r)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) lastResult() (insight.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "hass-insights/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) commandTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/set"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(suffix, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	result := func(suffix, name, icon string) sensorDef {
		c := p.sensor(suffix, name, icon)
		c.JsonAttributesTopic = p.attributesTopic(suffix)
		return sensorDef{entitySuffix: suffix, config: c}
	}
	diagnostic := func(suffix, name, icon string) sensorDef {
		c := p.sensor(suffix, name, icon)
		c.EntityCategory = "diagnostic"
		return sensorDef{entitySuffix: suffix, config: c}
	}
	counter := func(suffix, name string) sensorDef {
		d := diagnostic(suffix, name, "mdi:counter")
		d.config.StateClass = "total_increasing"
		return d
	}

	lastCycle := diagnostic("last_cycle", "Last Cycle", "mdi:clock-check")
	lastCycle.config.DeviceClass = "timestamp"

	return []sensorDef{
		result(EntityInsights, "Insights", "mdi:lightbulb-on-outline"),
		result(EntityAlerts, "Alerts", "mdi:alert-outline"),
		result(EntitySummary, "Summary", "mdi:text-box-outline"),
		result(EntityRaw, "Raw Response", "mdi:code-json"),
		result(EntityStatus, "Status", "mdi:list-status"),
		diagnostic("phase", "Phase", "mdi:state-machine"),
		lastCycle,
		counter("cycles_today", "Cycles Today"),
		counter("failures_today", "Failures Today"),
		counter("skipped_today", "Skipped Today"),
	}
}

func (p *Publisher) buttonDefinition() ButtonConfig {
	return ButtonConfig{
		Name:              "Refresh",
		ObjectID:          "refresh",
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_refresh",
		CommandTopic:      p.commandTopic("refresh"),
		PayloadPress:      PayloadPress,
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              "mdi:refresh",
	}
}

type message struct {
	topic   string
	payload []byte
}

func (p *Publisher) discoveryMessages() ([]message, error) {
	var msgs []message
	for _, s := range p.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			return nil, fmt.Errorf("marshal discovery for %s: %w", s.entitySuffix, err)
		}
		msgs = append(msgs, message{p.discoveryTopic("sensor", s.entitySuffix), payload})
	}
	payload, err := json.Marshal(p.buttonDefinition())
	if err != nil {
		return nil, fmt.Errorf("marshal discovery for refresh: %w", err)
	}
	return append(msgs, message{p.discoveryTopic("button", "refresh"), payload}), nil
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	msgs, err := p.discoveryMessages()
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "error", err)
		return
	}
	for _, m := range msgs {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "topic", m.topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published", "topic", m.topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.commandTopic("refresh")
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
	}
}

// --- Result sensors ---

// resultAttributes is the JSON attributes payload shared by the result
// sensors. Text carries the full section, since entity states are
// capped at 255 characters.
type resultAttributes struct {
	Text             string `json:"text"`
	LastSynced       string `json:"last_synced,omitempty"`
	RawData          string `json:"raw_data"`
	Status           string `json:"status"`
	LastUpdateStatus string `json:"last_update_status"`
	Message          string `json:"message,omitempty"`
}

func (p *Publisher) resultMessages(r insight.Result) ([]message, error) {
	var synced string
	if !r.SyncedAt.IsZero() {
		synced = r.SyncedAt.UTC().Format(time.RFC3339)
	}

	sections := []struct {
		entity string
		text   string
	}{
		{EntityInsights, r.Insights},
		{EntityAlerts, r.Alerts},
		{EntitySummary, r.Summary},
		{EntityRaw, r.Raw},
		{EntityStatus, string(r.Status)},
	}

	var msgs []message
	for _, s := range sections {
		attrs, err := json.Marshal(resultAttributes{
			Text:             s.text,
			LastSynced:       synced,
			RawData:          r.Raw,
			Status:           string(r.Status),
			LastUpdateStatus: string(r.Status),
			Message:          r.Message,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal attributes for %s: %w", s.entity, err)
		}
		msgs = append(msgs,
			message{p.stateTopic(s.entity), []byte(render.StateText(s.text))},
			message{p.attributesTopic(s.entity), attrs},
		)
	}
	return msgs, nil
}

func (p *Publisher) publishResult(ctx context.Context, cm *autopaho.ConnectionManager, r insight.Result) error {
	msgs, err := p.resultMessages(r)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range msgs {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", m.topic, err))
		}
	}
	if len(errs) == 0 {
		p.logger.Debug("mqtt result published", "status", r.Status)
	}
	return errors.Join(errs...)
}

// --- Periodic diagnostic loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishDiagnostics(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishDiagnostics(ctx)
		}
	}
}

func (p *Publisher) diagnosticStates() map[string]string {
	states := make(map[string]string)
	if p.status != nil {
		snap := p.status.Status()
		states["phase"] = string(snap.Phase)
		if !snap.LastCycleAt.IsZero() {
			states["last_cycle"] = snap.LastCycleAt.UTC().Format(time.RFC3339)
		}
	}
	if p.daily != nil {
		cycles, failures, skipped := p.daily.Snapshot()
		states["cycles_today"] = strconv.FormatInt(cycles, 10)
		states["failures_today"] = strconv.FormatInt(failures, 10)
		states["skipped_today"] = strconv.FormatInt(skipped, 10)
	}
	return states
}

func (p *Publisher) publishDiagnostics(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}

	states := p.diagnosticStates()
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt diagnostic states published", "entities", len(states))
}
