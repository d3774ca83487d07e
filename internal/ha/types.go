package ha

import (
	"encoding/json"
	"time"

	"areaautomation/internal/entity"
)

// Event types the client subscribes to
const (
	EventStateChanged          = "state_changed"
	EventEntityRegistryUpdated = "entity_registry_updated"
	EventDeviceRegistryUpdated = "device_registry_updated"
	EventAreaRegistryUpdated   = "area_registry_updated"
	EventHomeAssistantStarted  = "homeassistant_started"
)

// AllEntities subscribes a state change handler to every entity
const AllEntities = "*"

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// EntityRegistryUpdatedEvent represents an entity_registry_updated event.
// Changes maps each changed field to its previous value.
type EntityRegistryUpdatedEvent struct {
	Action   string         `json:"action"`
	EntityID string         `json:"entity_id"`
	Changes  map[string]any `json:"changes,omitempty"`
}

// State represents an entity state
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Record converts the wire state to the core's state record. A nil state yields nil.
func (s *State) Record() *entity.StateRecord {
	if s == nil {
		return nil
	}
	return &entity.StateRecord{
		EntityID:    s.EntityID,
		State:       s.State,
		Attributes:  entity.Attributes(s.Attributes),
		LastChanged: s.LastChanged,
	}
}

// Config is the subset of get_config the service uses
type Config struct {
	LocationName string  `json:"location_name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	TimeZone     string  `json:"time_zone"`
	Version      string  `json:"version"`
	State        string  `json:"state"`
}

// Running reports whether Home Assistant has completed its startup
func (c *Config) Running() bool {
	return c != nil && c.State == "RUNNING"
}

// EntityRegistryEntry is one row of config/entity_registry/list
type EntityRegistryEntry struct {
	EntityID            string  `json:"entity_id"`
	AreaID              *string `json:"area_id"`
	DeviceID            *string `json:"device_id"`
	Platform            string  `json:"platform"`
	DisabledBy          *string `json:"disabled_by"`
	DeviceClass         *string `json:"device_class"`
	OriginalDeviceClass *string `json:"original_device_class"`
}

// DeviceRegistryEntry is one row of config/device_registry/list
type DeviceRegistryEntry struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	AreaID *string `json:"area_id"`
}

// AreaRegistryEntry is one row of config/area_registry/list
type AreaRegistryEntry struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// Request is a command without parameters (get_states, get_config, registry listings)
type Request struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// EventHandler is called with the raw data of a subscribed event type
type EventHandler func(event *Event)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// subscription implements Subscription interface
type subscription struct {
	unsubscribe func()
}

func (s *subscription) Unsubscribe() error {
	s.unsubscribe()
	return nil
}
