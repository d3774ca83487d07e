package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states   map[string]*State
	statesMu sync.RWMutex

	entities []EntityRegistryEntry
	devices  []DeviceRegistryEntry
	areas    []AreaRegistryEntry
	config   Config
	regMu    sync.RWMutex

	stateSubs map[string][]stateEntry
	eventSubs map[string][]eventEntry
	subsMu    sync.RWMutex
	nextSubID int

	connected bool
	connMu    sync.RWMutex

	serviceCalls []ServiceCall
	callsMu      sync.Mutex
	// CallErr, when set, is returned by CallService for matching calls
	CallErr func(domain, service string, data map[string]any) error
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
	Time    time.Time
}

// NewMockClient creates a new mock HA client. The mock reports Home
// Assistant as RUNNING unless SetConfigState says otherwise.
func NewMockClient() *MockClient {
	return &MockClient{
		states:    make(map[string]*State),
		stateSubs: make(map[string][]stateEntry),
		eventSubs: make(map[string][]eventEntry),
		config:    Config{State: "RUNNING", Latitude: 52.37, Longitude: 4.89},
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })

	return states, nil
}

// GetConfig returns the mock core configuration
func (m *MockClient) GetConfig() (*Config, error) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	cfg := m.config
	return &cfg, nil
}

// ListEntityRegistry returns the mock entity registry
func (m *MockClient) ListEntityRegistry() ([]EntityRegistryEntry, error) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return append([]EntityRegistryEntry(nil), m.entities...), nil
}

// ListDeviceRegistry returns the mock device registry
func (m *MockClient) ListDeviceRegistry() ([]DeviceRegistryEntry, error) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return append([]DeviceRegistryEntry(nil), m.devices...), nil
}

// ListAreaRegistry returns the mock area registry
func (m *MockClient) ListAreaRegistry() ([]AreaRegistryEntry, error) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return append([]AreaRegistryEntry(nil), m.areas...), nil
}

// CallService records a service call and applies on/off to the mock states
func (m *MockClient) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	callErr := m.CallErr
	m.callsMu.Unlock()

	if callErr != nil {
		if err := callErr(domain, service, data); err != nil {
			return err
		}
	}

	for _, id := range targetIDs(data["entity_id"]) {
		m.updateStateFromServiceCall(id, service, data)
	}
	return nil
}

func targetIDs(v any) []string {
	switch ids := v.(type) {
	case string:
		return []string{ids}
	case []string:
		return ids
	case []any:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SubscribeStateChanges subscribes to state changes for an entity or AllEntities
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	m.nextSubID++
	subID := m.nextSubID
	m.stateSubs[entityID] = append(m.stateSubs[entityID], stateEntry{subID: subID, handler: handler})
	m.subsMu.Unlock()

	return &subscription{unsubscribe: func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		m.stateSubs[entityID] = removeEntry(m.stateSubs[entityID], func(e stateEntry) bool { return e.subID == subID })
	}}, nil
}

// SubscribeEvents registers a handler for an event type
func (m *MockClient) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	m.subsMu.Lock()
	m.nextSubID++
	subID := m.nextSubID
	m.eventSubs[eventType] = append(m.eventSubs[eventType], eventEntry{subID: subID, handler: handler})
	m.subsMu.Unlock()

	return &subscription{unsubscribe: func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		m.eventSubs[eventType] = removeEntry(m.eventSubs[eventType], func(e eventEntry) bool { return e.subID == subID })
	}}, nil
}

// SetState sets a mock state and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]any) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: time.Now(),
		LastUpdated: time.Now(),
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifyStateSubscribers(entityID, oldState, newState)
}

// SimulateStateChange changes only the state value, keeping attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.RLock()
	var attrs map[string]any
	if old, ok := m.states[entityID]; ok {
		attrs = old.Attributes
	}
	m.statesMu.RUnlock()

	m.SetState(entityID, newStateValue, attrs)
}

// SetConfigState sets the startup state reported by GetConfig
func (m *MockClient) SetConfigState(state string) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.config.State = state
}

// AddArea adds an area registry entry
func (m *MockClient) AddArea(areaID, name string) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.areas = append(m.areas, AreaRegistryEntry{AreaID: areaID, Name: name})
}

// AddDevice adds or replaces a device registry entry
func (m *MockClient) AddDevice(deviceID, areaID string) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	entry := DeviceRegistryEntry{ID: deviceID, AreaID: optional(areaID)}
	for i, d := range m.devices {
		if d.ID == deviceID {
			m.devices[i] = entry
			return
		}
	}
	m.devices = append(m.devices, entry)
}

// PutEntity adds or replaces an entity registry entry
func (m *MockClient) PutEntity(entry EntityRegistryEntry) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	for i, e := range m.entities {
		if e.EntityID == entry.EntityID {
			m.entities[i] = entry
			return
		}
	}
	m.entities = append(m.entities, entry)
}

// RemoveEntity removes an entity registry entry
func (m *MockClient) RemoveEntity(entityID string) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	for i, e := range m.entities {
		if e.EntityID == entityID {
			m.entities = append(m.entities[:i], m.entities[i+1:]...)
			return
		}
	}
}

// FireEvent delivers an event to the handlers subscribed to its type
func (m *MockClient) FireEvent(eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	event := &Event{EventType: eventType, Data: raw, TimeFired: time.Now()}

	m.subsMu.RLock()
	entries := append([]eventEntry(nil), m.eventSubs[eventType]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(event)
	}
	return nil
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = nil
}

func (m *MockClient) updateStateFromServiceCall(entityID, service string, data map[string]any) {
	var newValue string
	switch service {
	case "turn_on":
		newValue = "on"
	case "turn_off":
		newValue = "off"
	default:
		return
	}

	m.statesMu.RLock()
	attrs := map[string]any{}
	if old, ok := m.states[entityID]; ok {
		for k, v := range old.Attributes {
			attrs[k] = v
		}
	}
	m.statesMu.RUnlock()

	if b, ok := data["brightness"]; ok && newValue == "on" {
		attrs["brightness"] = b
	}

	m.SetState(entityID, newValue, attrs)
}

func (m *MockClient) notifyStateSubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]stateEntry(nil), m.stateSubs[entityID]...)
	entries = append(entries, m.stateSubs[AllEntities]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
