package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by requests issued while the connection is down
var ErrNotConnected = errors.New("not connected")

const requestTimeout = 10 * time.Second

// HAClient defines the interface for Home Assistant WebSocket client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetAllStates() ([]*State, error)
	GetConfig() (*Config, error)
	ListEntityRegistry() ([]EntityRegistryEntry, error)
	ListDeviceRegistry() ([]DeviceRegistryEntry, error)
	ListAreaRegistry() ([]AreaRegistryEntry, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SubscribeEvents(eventType string, handler EventHandler) (Subscription, error)
}

// subscribedEventTypes are requested from Home Assistant on every (re)connect
var subscribedEventTypes = []string{
	EventStateChanged,
	EventEntityRegistryUpdated,
	EventDeviceRegistryUpdated,
	EventAreaRegistryUpdated,
	EventHomeAssistantStarted,
}

type stateEntry struct {
	subID   int
	handler StateChangeHandler
}

type eventEntry struct {
	subID   int
	handler EventHandler
}

// Client implements HAClient interface
type Client struct {
	url       string
	token     string
	logger    *zap.Logger
	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	msgID     int
	msgIDMu   sync.Mutex
	pending   map[int]chan Message
	pendingMu sync.Mutex

	// state change handlers keyed by entity ID (or AllEntities), event
	// handlers keyed by event type
	stateSubs map[string][]stateEntry
	eventSubs map[string][]eventEntry
	subsMu    sync.RWMutex
	nextSubID int

	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
	writeMu   sync.Mutex // Protects websocket writes
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		logger:    logger.Named("ha"),
		pending:   make(map[int]chan Message),
		stateSubs: make(map[string][]stateEntry),
		eventSubs: make(map[string][]eventEntry),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

// Connect establishes WebSocket connection, authenticates and subscribes to
// the event types the service consumes. Handlers registered before a
// reconnect stay registered.
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages(c.ctx, conn)

	// Release lock before subscribing; sendMessage takes the read lock
	c.connMu.Unlock()

	for _, eventType := range subscribedEventTypes {
		if err := c.subscribeToEvents(eventType); err != nil {
			c.logger.Warn("Failed to subscribe to events",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	return nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the WebSocket connection and stops reconnecting
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()

	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a message and waits for its result
func (c *Client) sendMessage(ctx context.Context, msg any) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	clientCtx := c.ctx
	c.connMu.RUnlock()

	var msgID int
	switch m := msg.(type) {
	case *Request:
		msgID = m.ID
	case *CallServiceRequest:
		msgID = m.ID
	case *SubscribeEventsRequest:
		msgID = m.ID
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response to message %d", msgID)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-clientCtx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// query sends a parameterless command and decodes its result into out
func (c *Client) query(msgType string, out any) error {
	resp, err := c.sendMessage(context.Background(), &Request{ID: c.nextMsgID(), Type: msgType})
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", msgType, err)
	}
	return nil
}

// receiveMessages handles incoming messages for one connection
func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Failed to read message", zap.Error(err))
				c.handleDisconnect()
			}
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent routes an event to its handlers. state_changed additionally
// goes to per-entity and wildcard state handlers.
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	c.subsMu.RLock()
	events := append([]eventEntry(nil), c.eventSubs[msg.Event.EventType]...)
	c.subsMu.RUnlock()

	for _, entry := range events {
		entry.handler(msg.Event)
	}

	if msg.Event.EventType != EventStateChanged {
		return
	}

	var eventData StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &eventData); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	entries := append([]stateEntry(nil), c.stateSubs[eventData.EntityID]...)
	entries = append(entries, c.stateSubs[AllEntities]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(eventData.EntityID, eventData.OldState, eventData.NewState)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		c.connMu.RLock()
		ctx := c.ctx
		reconnect := c.reconnect
		c.connMu.RUnlock()
		if !reconnect {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

func (c *Client) subscribeToEvents(eventType string) error {
	req := &SubscribeEventsRequest{
		ID:        c.nextMsgID(),
		Type:      "subscribe_events",
		EventType: eventType,
	}

	_, err := c.sendMessage(context.Background(), req)
	return err
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	var states []*State
	if err := c.query("get_states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetConfig retrieves the core configuration, including the startup state
func (c *Client) GetConfig() (*Config, error) {
	var cfg Config
	if err := c.query("get_config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListEntityRegistry retrieves the entity registry
func (c *Client) ListEntityRegistry() ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.query("config/entity_registry/list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListDeviceRegistry retrieves the device registry
func (c *Client) ListDeviceRegistry() ([]DeviceRegistryEntry, error) {
	var entries []DeviceRegistryEntry
	if err := c.query("config/device_registry/list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListAreaRegistry retrieves the area registry
func (c *Client) ListAreaRegistry() ([]AreaRegistryEntry, error) {
	var entries []AreaRegistryEntry
	if err := c.query("config/area_registry/list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CallService calls a Home Assistant service
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	req := &CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}

	if _, err := c.sendMessage(ctx, req); err != nil {
		return fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	return nil
}

// SubscribeStateChanges subscribes to state changes for one entity, or for
// every entity when entityID is AllEntities
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	c.subsMu.Lock()
	c.nextSubID++
	subID := c.nextSubID
	c.stateSubs[entityID] = append(c.stateSubs[entityID], stateEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return &subscription{unsubscribe: func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		c.stateSubs[entityID] = removeEntry(c.stateSubs[entityID], func(e stateEntry) bool { return e.subID == subID })
		if len(c.stateSubs[entityID]) == 0 {
			delete(c.stateSubs, entityID)
		}
	}}, nil
}

// SubscribeEvents registers a handler for one of the subscribed event types
func (c *Client) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	c.subsMu.Lock()
	c.nextSubID++
	subID := c.nextSubID
	c.eventSubs[eventType] = append(c.eventSubs[eventType], eventEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return &subscription{unsubscribe: func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		c.eventSubs[eventType] = removeEntry(c.eventSubs[eventType], func(e eventEntry) bool { return e.subID == subID })
		if len(c.eventSubs[eventType]) == 0 {
			delete(c.eventSubs, eventType)
		}
	}}, nil
}

func removeEntry[T any](entries []T, match func(T) bool) []T {
	for i, e := range entries {
		if match(e) {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}
