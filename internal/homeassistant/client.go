// Package homeassistant provides REST and WebSocket clients for the
// parts of the Home Assistant API that hass-insights reads from and
// writes to: entity states, recorded history, the entity/device/area
// registries, and service calls.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/hass-insights/internal/httpkit"
)

// ErrNotFound is returned when Home Assistant has no state for the
// requested entity.
var ErrNotFound = errors.New("entity not found")

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Home Assistant client. Dial failures are
// retried a few times with a short delay, which covers HA restarts and
// transient LAN routing hiccups.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// Config is the subset of the HA configuration that hass-insights logs
// at startup.
type Config struct {
	LocationName string `json:"location_name"`
	TimeZone     string `json:"time_zone"`
	Version      string `json:"version"`
}

// Ping checks if the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the Home Assistant configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetState retrieves a single entity state. It returns an error
// wrapping [ErrNotFound] when HA does not know the entity.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+url.PathEscape(entityID), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetState writes a state and attributes for an entity. HA creates the
// entity if it does not exist. The state string is limited to 255
// characters by HA; callers are expected to truncate.
func (c *Client) SetState(ctx context.Context, entityID, state string, attributes map[string]any) error {
	body := map[string]any{
		"state":      state,
		"attributes": attributes,
	}
	return c.post(ctx, "/api/states/"+url.PathEscape(entityID), body, nil)
}

// CallService calls a Home Assistant service.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	return c.post(ctx, path, data, nil)
}

// GetHistory returns the recorded state changes for each entity within
// [start, end], oldest first. Entities with no recorded changes in the
// window are absent from the result.
func (c *Client) GetHistory(ctx context.Context, entityIDs []string, start, end time.Time) (map[string][]State, error) {
	if len(entityIDs) == 0 {
		return map[string][]State{}, nil
	}

	q := url.Values{}
	q.Set("filter_entity_id", strings.Join(entityIDs, ","))
	q.Set("end_time", end.UTC().Format(time.RFC3339))
	path := "/api/history/period/" + start.UTC().Format(time.RFC3339) + "?" + q.Encode()

	// HA answers with one array per entity. Every element in a full
	// (non-minimal) response carries its entity_id.
	var groups [][]State
	if err := c.get(ctx, path, &groups); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	result := make(map[string][]State, len(groups))
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		id := g[0].EntityID
		for i := range g {
			if g[i].EntityID == "" {
				g[i].EntityID = id
			}
		}
		result[id] = append(result[id], g...)
	}
	return result, nil
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// post performs a POST request with a JSON body.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		return fmt.Errorf("API error on %s: %w", path, err)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
