// Package config handles hass-insights configuration loading,
// defaulting, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/hass-insights/internal/insight"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config path is given: ./config.yaml, then the user config
// directory, then /etc.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hass-insights", "config.yaml"))
	}

	paths = append(paths, "/etc/hass-insights/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Provider names accepted in the provider field.
const (
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// Update interval bounds, in seconds.
const (
	DefaultUpdateInterval = 1800
	MinUpdateInterval     = 60
	MaxUpdateInterval     = 86400
)

// DefaultPromptTemplate is used when insights.prompt is empty. It asks
// for the three numbered sections the response parser recognizes.
const DefaultPromptTemplate = `Analyze the following Home Assistant data, provided as a JSON array.
Each element has the entity id, its current state and attributes, and
optionally a history of significant changes (oldest first).

Data:
{entity_data}

Respond in plain text with exactly these three sections, in this order:

1. General insights
Concise insights about trends or patterns.

2. Alerts
Unusual or noteworthy activity that needs attention. Write "None." if
there is nothing to report.

3. Summary
A one or two sentence overall summary.
`

// Config holds all hass-insights configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Provider      string              `yaml:"provider"`
	Gemini        GeminiConfig        `yaml:"gemini"`
	Ollama        OllamaConfig        `yaml:"ollama"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	Insights      InsightsConfig      `yaml:"insights"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the status API listener.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether both URL and token are present.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// GeminiConfig defines the Google Gemini generative API settings.
type GeminiConfig struct {
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	BaseURL         string  `yaml:"base_url"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
}

// OllamaConfig defines a local Ollama server used instead of Gemini.
type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// AnthropicConfig defines the Anthropic Messages API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// InsightsConfig is the monitoring configuration: which entities to
// watch, how much history to send, and how often.
type InsightsConfig struct {
	// Entities lists explicit entity IDs to monitor.
	Entities []string `yaml:"entities"`
	// Domains, Areas, Include, and Exclude select additional entities
	// from the HA entity registry. Include and Exclude are glob
	// patterns matched against the entity ID.
	Domains []string `yaml:"domains"`
	Areas   []string `yaml:"areas"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`

	// History is the look-back window: none, 1h, 6h, 12h, 24h, 3d, 7d.
	History string `yaml:"history"`
	// Prompt is the template; it must contain {entity_data} exactly once.
	Prompt string `yaml:"prompt"`
	// UpdateInterval is the cycle period in seconds (60..86400).
	UpdateInterval int `yaml:"update_interval"`
	// MaxHistoryPerEntity caps change records per entity (most recent kept).
	MaxHistoryPerEntity int `yaml:"max_history_per_entity"`
	// RequestTimeout bounds each generative API call, in seconds.
	RequestTimeout int `yaml:"request_timeout"`
	// RequestsPerMinute limits outbound generative API calls. Zero
	// means unlimited.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`

	// NotifyService, when set (e.g. "notify.mobile_app_phone"), sends
	// the raw response text through that HA service after each cycle.
	NotifyService string `yaml:"notify_service"`
	// StateEntityPrefix, when set (e.g. "sensor.insights"), writes
	// results directly to HA states <prefix>_insights, _alerts, _summary.
	StateEntityPrefix string `yaml:"state_entity_prefix"`
}

// HasSelection reports whether any entity selector is configured.
func (c InsightsConfig) HasSelection() bool {
	return len(c.Entities)+len(c.Domains)+len(c.Areas)+len(c.Include) > 0
}

// MQTTConfig defines the MQTT broker used to publish result sensors via
// HA MQTT discovery.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishInterval is how often diagnostic sensors are refreshed, in
	// seconds. Result sensors are published as each cycle ends.
	PublishInterval int `yaml:"publish_interval"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// APIConfig defines status API settings.
type APIConfig struct {
	// AdminTokenHash is a bcrypt hash of the bearer token required by
	// mutating endpoints (refresh, options). Empty disables them.
	AdminTokenHash string `yaml:"admin_token_hash"`
	// RefreshPerMinute limits manual refresh requests.
	RefreshPerMinute float64 `yaml:"refresh_per_minute"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// connection settings.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8086
	}
	c.HomeAssistant.URL = strings.TrimRight(c.HomeAssistant.URL, "/")
	if c.Provider == "" {
		c.Provider = ProviderGemini
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-1.5-flash"
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.Gemini.MaxOutputTokens == 0 {
		c.Gemini.MaxOutputTokens = 2048
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 2048
	}
	if c.Insights.History == "" {
		c.Insights.History = "none"
	}
	if c.Insights.Prompt == "" {
		c.Insights.Prompt = DefaultPromptTemplate
	}
	if c.Insights.UpdateInterval == 0 {
		c.Insights.UpdateInterval = DefaultUpdateInterval
	}
	if c.Insights.MaxHistoryPerEntity == 0 {
		c.Insights.MaxHistoryPerEntity = 200
	}
	if c.Insights.RequestTimeout == 0 {
		c.Insights.RequestTimeout = 120
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "hass-insights"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60
	}
	if c.API.RefreshPerMinute == 0 {
		c.API.RefreshPerMinute = 2
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
}

// Validate checks the configuration for problems that would prevent
// the service from starting. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.HomeAssistant.URL == "" {
		errs = append(errs, errors.New("homeassistant.url is required"))
	}
	if c.HomeAssistant.Token == "" {
		errs = append(errs, errors.New("homeassistant.token is required"))
	}

	switch c.Provider {
	case ProviderGemini:
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("gemini.api_key is required when provider is gemini"))
		}
	case ProviderOllama:
		if c.Ollama.Model == "" {
			errs = append(errs, errors.New("ollama.model is required when provider is ollama"))
		}
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("anthropic.api_key is required when provider is anthropic"))
		}
		if c.Anthropic.Model == "" {
			errs = append(errs, errors.New("anthropic.model is required when provider is anthropic"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider %q is not supported (valid: gemini, ollama, anthropic)", c.Provider))
	}

	if !c.Insights.HasSelection() {
		errs = append(errs, errors.New("insights: at least one of entities, domains, areas, or include must be set"))
	}
	if _, err := insight.ParseHistoryWindow(c.Insights.History); err != nil {
		errs = append(errs, fmt.Errorf("insights.history: %w", err))
	}
	if err := insight.ValidateTemplate(c.Insights.Prompt); err != nil {
		errs = append(errs, fmt.Errorf("insights.prompt: %w", err))
	}
	if n := c.Insights.UpdateInterval; n < MinUpdateInterval || n > MaxUpdateInterval {
		errs = append(errs, fmt.Errorf("insights.update_interval %d out of range [%d, %d]", n, MinUpdateInterval, MaxUpdateInterval))
	}
	if c.Insights.MaxHistoryPerEntity < 0 {
		errs = append(errs, errors.New("insights.max_history_per_entity must not be negative"))
	}
	if c.Insights.RequestTimeout < 0 {
		errs = append(errs, errors.New("insights.request_timeout must not be negative"))
	}
	if c.Insights.NotifyService != "" && !strings.Contains(c.Insights.NotifyService, ".") {
		errs = append(errs, fmt.Errorf("insights.notify_service %q must be domain.service", c.Insights.NotifyService))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
