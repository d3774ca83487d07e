// Package entity holds the typed records the automation core works with:
// entity metadata from the registries, live state snapshots, registry events,
// and the collaborator interfaces through which the core reads them.
package entity

import (
	"context"
	"strings"
	"time"
)

// Well-known domains
const (
	DomainLight        = "light"
	DomainBinarySensor = "binary_sensor"
	DomainMediaPlayer  = "media_player"
	DomainSensor       = "sensor"
	DomainSun          = "sun"
)

// Well-known device classes
const (
	DeviceClassMotion      = "motion"
	DeviceClassPresence    = "presence"
	DeviceClassOccupancy   = "occupancy"
	DeviceClassIlluminance = "illuminance"
	DeviceClassTemperature = "temperature"
)

// Well-known state values
const (
	StateOn          = "on"
	StateOff         = "off"
	StatePlaying     = "playing"
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// Area is a named physical zone
type Area struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Meta is the registry view of an entity. AreaID is the effective area:
// the entity's own area, or its device's area when the entity has none.
type Meta struct {
	EntityID    string `json:"entity_id"`
	Domain      string `json:"domain"`
	DeviceClass string `json:"device_class,omitempty"`
	AreaID      string `json:"area_id,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
}

// StateRecord is a normalised snapshot of one entity's state
type StateRecord struct {
	EntityID    string     `json:"entity_id"`
	State       string     `json:"state"`
	Attributes  Attributes `json:"attributes,omitempty"`
	LastChanged time.Time  `json:"last_changed"`
}

// Available reports whether the entity is reporting a usable state
func (s *StateRecord) Available() bool {
	return s != nil && s.State != StateUnavailable && s.State != ""
}

// Is reports whether the entity is in the given state
func (s *StateRecord) Is(state string) bool {
	return s != nil && s.State == state
}

// RegistryAction is the kind of change reported by an entity registry event
type RegistryAction string

const (
	ActionCreate RegistryAction = "create"
	ActionUpdate RegistryAction = "update"
	ActionRemove RegistryAction = "remove"
)

// RegistryEvent reports a change to the entity registry. Changes maps each
// changed field to its previous value.
type RegistryEvent struct {
	Action   RegistryAction
	EntityID string
	Changes  map[string]any
}

// Domain returns the domain part of the event's entity ID
func (e RegistryEvent) Domain() string {
	return DomainOf(e.EntityID)
}

// LocationChanged reports whether an update moved the entity between areas or devices
func (e RegistryEvent) LocationChanged() bool {
	if e.Action != ActionUpdate {
		return false
	}
	_, area := e.Changes["area_id"]
	_, device := e.Changes["device_id"]
	return area || device
}

// PreviousArea returns the area the entity belonged to before an update, if reported
func (e RegistryEvent) PreviousArea() (string, bool) {
	v, ok := e.Changes["area_id"]
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

// StateChange reports a state transition for one entity. Old or New may be nil.
type StateChange struct {
	EntityID string
	Old      *StateRecord
	New      *StateRecord
}

// DomainOf returns the domain part of an entity ID ("light.kitchen" -> "light")
func DomainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}

// Registry provides snapshot queries over the host's entity and area registries
type Registry interface {
	ListEntities(filter Filter) []Meta
	GetEntity(entityID string) (Meta, bool)
	ListAreas() []Area
}

// StateStore provides the live state of entities
type StateStore interface {
	Get(entityID string) (*StateRecord, bool)
}

// Dispatcher sends outbound action requests (service calls) to the host
type Dispatcher interface {
	Call(ctx context.Context, domain, service string, payload map[string]any) error
}
