// Package testutil provides a mock Home Assistant WebSocket server and an
// environment wiring the real client, registry and state mirror to it.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// MockHAServer simulates the Home Assistant WebSocket API: authentication,
// state and registry queries, event subscriptions and service calls.
type MockHAServer struct {
	server *httptest.Server
	token  string

	mu       sync.RWMutex
	states   map[string]*EntityState
	entities map[string]RegistryEntity
	areas    map[string]string
	devices  map[string]string
	running  bool

	connsMu     sync.Mutex
	connections []*connWrapper

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// RegistryEntity is one row of the entity registry
type RegistryEntity struct {
	EntityID    string  `json:"entity_id"`
	AreaID      *string `json:"area_id"`
	DeviceID    *string `json:"device_id"`
	Platform    string  `json:"platform"`
	DisabledBy  *string `json:"disabled_by"`
	DeviceClass *string `json:"device_class"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

type stateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type request struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// NewMockHAServer creates and starts a mock server. Home Assistant reports
// itself as running until SetRunning(false).
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:    token,
		states:   make(map[string]*EntityState),
		entities: make(map[string]RegistryEntity),
		areas:    make(map[string]string),
		devices:  make(map[string]string),
		running:  true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the websocket endpoint
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the server
func (s *MockHAServer) Stop() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	s.server.Close()
}

// SetRunning sets the core state reported by get_config
func (s *MockHAServer) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// AddArea adds an area to the area registry
func (s *MockHAServer) AddArea(areaID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.areas[areaID] = name
}

// AddEntity adds an entity to the registry without announcing it
func (s *MockHAServer) AddEntity(entityID, areaID, deviceClass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityID] = newRegistryEntity(entityID, areaID, deviceClass)
}

// CreateEntity adds an entity and fires entity_registry_updated
func (s *MockHAServer) CreateEntity(entityID, areaID, deviceClass string) {
	s.AddEntity(entityID, areaID, deviceClass)
	s.FireEvent("entity_registry_updated", map[string]any{"action": "create", "entity_id": entityID})
}

// RemoveEntity removes an entity and fires entity_registry_updated
func (s *MockHAServer) RemoveEntity(entityID string) {
	s.mu.Lock()
	delete(s.entities, entityID)
	s.mu.Unlock()
	s.FireEvent("entity_registry_updated", map[string]any{"action": "remove", "entity_id": entityID})
}

func newRegistryEntity(entityID, areaID, deviceClass string) RegistryEntity {
	e := RegistryEntity{EntityID: entityID, Platform: "mock"}
	if areaID != "" {
		e.AreaID = &areaID
	}
	if deviceClass != "" {
		e.DeviceClass = &deviceClass
	}
	return e
}

// AddDevice adds a device to the device registry without announcing it
func (s *MockHAServer) AddDevice(deviceID, areaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = areaID
}

// AddDeviceEntity adds an entity that takes its area from its device
func (s *MockHAServer) AddDeviceEntity(entityID, deviceID, deviceClass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := newRegistryEntity(entityID, "", deviceClass)
	e.DeviceID = &deviceID
	s.entities[entityID] = e
}

// MoveDevice reassigns a device to another area and fires device_registry_updated
func (s *MockHAServer) MoveDevice(deviceID, areaID string) {
	s.AddDevice(deviceID, areaID)
	s.FireEvent("device_registry_updated", map[string]any{"action": "update", "device_id": deviceID})
}

// SetState sets a state and broadcasts state_changed
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]any) {
	s.mu.Lock()
	oldState := s.states[entityID]
	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.mu.Unlock()

	s.FireEvent("state_changed", stateChangedEvent{EntityID: entityID, NewState: newState, OldState: oldState})
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[entityID]
}

// FireEvent broadcasts an event to every connection
func (s *MockHAServer) FireEvent(eventType string, data any) {
	payload, _ := json.Marshal(data)
	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: eventType,
			Data:      payload,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wrapper := &connWrapper{conn: conn}
	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var auth authMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		var result any
		switch req.Type {
		case "get_states":
			result = s.stateList()
		case "get_config":
			result = s.config()
		case "config/entity_registry/list":
			result = s.entityList()
		case "config/device_registry/list":
			result = s.deviceList()
		case "config/area_registry/list":
			result = s.areaList()
		case "call_service":
			s.handleCallService(req)
		}
		s.reply(wrapper, req.ID, result)
	}
}

func (s *MockHAServer) reply(wrapper *connWrapper, id int, result any) {
	success := true
	msg := Message{ID: id, Type: "result", Success: &success}
	if result != nil {
		msg.Result, _ = json.Marshal(result)
	}
	wrapper.write(msg)
}

func (s *MockHAServer) stateList() []*EntityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EntityState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}

func (s *MockHAServer) config() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := "NOT_RUNNING"
	if s.running {
		state = "RUNNING"
	}
	return map[string]any{"location_name": "Mock", "state": state}
}

func (s *MockHAServer) entityList() []RegistryEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RegistryEntity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (s *MockHAServer) deviceList() []map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]string, 0, len(s.devices))
	for id, area := range s.devices {
		out = append(out, map[string]string{"id": id, "area_id": area})
	}
	return out
}

func (s *MockHAServer) areaList() []map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]string, 0, len(s.areas))
	for id, name := range s.areas {
		out = append(out, map[string]string{"area_id": id, "name": name})
	}
	return out
}

// handleCallService records the call and applies light and switch
// turn_on/turn_off to the entity state
func (s *MockHAServer) handleCallService(req request) {
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	entityID, _ := req.ServiceData["entity_id"].(string)
	if entityID == "" {
		return
	}

	switch req.Domain {
	case "light", "switch":
		newState := "off"
		attrs := map[string]any{}
		if req.Service == "turn_on" {
			newState = "on"
			if pct, ok := req.ServiceData["brightness_pct"].(float64); ok {
				attrs["brightness"] = int(pct * 255 / 100)
			}
		}
		s.SetState(entityID, newState, attrs)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// CountServiceCalls counts service calls matching domain and service
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	return len(FilterServiceCalls(s.GetServiceCalls(), domain, service))
}
