package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Registry listings are only available over the WebSocket API, so
// entity selection by domain and area goes through WSClient.

// Area is an entry in the HA area registry.
type Area struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// Device is an entry in the HA device registry. Entities without their
// own area inherit the area of their device.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	AreaID string `json:"area_id"`
}

// EntityRegistryEntry is an entry in the HA entity registry.
type EntityRegistryEntry struct {
	EntityID   string `json:"entity_id"`
	Name       string `json:"name"`
	AreaID     string `json:"area_id"`
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	DisabledBy string `json:"disabled_by"`
}

// IsDisabled reports whether the entity is disabled in Home Assistant.
func (e EntityRegistryEntry) IsDisabled() bool {
	return e.DisabledBy != ""
}

// Registry is a snapshot of the three registries used for entity
// selection.
type Registry struct {
	Entities []EntityRegistryEntry
	Devices  []Device
	Areas    []Area
}

// WSClient is a request/response client for the Home Assistant
// WebSocket API.
type WSClient struct {
	baseURL string
	token   string
	timeout time.Duration
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	msgID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsMessage
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWSClient creates a WebSocket client. Call Connect before issuing
// requests.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		timeout: 30 * time.Second,
		logger:  logger,
		pending: make(map[int64]chan wsMessage),
	}
}

// wsURL converts the HA base URL to its WebSocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// Connect dials the WebSocket endpoint and performs the auth handshake.
func (c *WSClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	endpoint, err := wsURL(c.baseURL)
	if err != nil {
		return err
	}

	// Registry listings on large installs run to several megabytes.
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  64 << 10,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(64 << 20)

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.logger.Debug("websocket authenticated", "url", endpoint)

	go c.readLoop(conn)
	return nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", msg.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return errors.New("websocket authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", msg.Type)
	}
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// GetAreaRegistry retrieves the area registry.
func (c *WSClient) GetAreaRegistry(ctx context.Context) ([]Area, error) {
	var areas []Area
	if err := c.call(ctx, "config/area_registry/list", &areas); err != nil {
		return nil, fmt.Errorf("get area registry: %w", err)
	}
	return areas, nil
}

// GetDeviceRegistry retrieves the device registry.
func (c *WSClient) GetDeviceRegistry(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.call(ctx, "config/device_registry/list", &devices); err != nil {
		return nil, fmt.Errorf("get device registry: %w", err)
	}
	return devices, nil
}

// GetEntityRegistry retrieves the entity registry.
func (c *WSClient) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.call(ctx, "config/entity_registry/list", &entries); err != nil {
		return nil, fmt.Errorf("get entity registry: %w", err)
	}
	return entries, nil
}

// GetRegistry fetches entities, devices, and areas in sequence.
func (c *WSClient) GetRegistry(ctx context.Context) (*Registry, error) {
	entities, err := c.GetEntityRegistry(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := c.GetDeviceRegistry(ctx)
	if err != nil {
		return nil, err
	}
	areas, err := c.GetAreaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return &Registry{Entities: entities, Devices: devices, Areas: areas}, nil
}

// call sends a command and decodes its result into out.
func (c *WSClient) call(ctx context.Context, msgType string, out any) error {
	id := c.msgID.Add(1)
	respCh := make(chan wsMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return errors.New("websocket not connected")
	}
	err := c.conn.WriteJSON(map[string]any{"id": id, "type": msgType})
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return errors.New("request failed")
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", msgType, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s", msgType)
	}
}

// readLoop routes result messages to their waiting callers until the
// connection closes.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read loop ended", "error", err)
			}
			return
		}

		if msg.Type != "result" {
			c.logger.Debug("ignoring websocket message", "type", msg.Type)
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			ch <- msg
		}
		c.pendingMu.Unlock()
	}
}
