// Package entitytest provides in-memory implementations of the entity
// collaborator interfaces for tests.
package entitytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"areaautomation/internal/entity"
)

// Registry is an in-memory entity.Registry
type Registry struct {
	mu       sync.RWMutex
	entities map[string]entity.Meta
	areas    map[string]entity.Area
	// PanicOnList makes ListEntities panic, to exercise failure isolation
	PanicOnList bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]entity.Meta),
		areas:    make(map[string]entity.Area),
	}
}

// AddArea registers an area
func (r *Registry) AddArea(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.areas[id] = entity.Area{ID: id, Name: name}
}

// Put adds or replaces an entity. Domain defaults to the entity ID prefix.
func (r *Registry) Put(meta entity.Meta) {
	if meta.Domain == "" {
		meta.Domain = entity.DomainOf(meta.EntityID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[meta.EntityID] = meta
}

// Remove deletes an entity
func (r *Registry) Remove(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, entityID)
}

// Move reassigns an entity to another area and returns its previous area
func (r *Registry) Move(entityID, areaID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta := r.entities[entityID]
	prev := meta.AreaID
	meta.AreaID = areaID
	r.entities[entityID] = meta
	return prev
}

// ListEntities implements entity.Registry
func (r *Registry) ListEntities(filter entity.Filter) []entity.Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.PanicOnList {
		panic("registry unavailable")
	}

	out := make([]entity.Meta, 0)
	for _, meta := range r.entities {
		if len(filter) == 0 || filter.Matches(meta) {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// GetEntity implements entity.Registry
func (r *Registry) GetEntity(entityID string) (entity.Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.entities[entityID]
	return meta, ok
}

// ListAreas implements entity.Registry
func (r *Registry) ListAreas() []entity.Area {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entity.Area, 0, len(r.areas))
	for _, a := range r.areas {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// States is an in-memory entity.StateStore
type States struct {
	mu     sync.RWMutex
	states map[string]*entity.StateRecord
}

// NewStates creates an empty state store
func NewStates() *States {
	return &States{states: make(map[string]*entity.StateRecord)}
}

// Set stores a state and returns the change it represents
func (s *States) Set(entityID, state string, attrs map[string]any) entity.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.states[entityID]
	rec := &entity.StateRecord{
		EntityID:    entityID,
		State:       state,
		Attributes:  entity.Attributes(attrs),
		LastChanged: time.Now(),
	}
	s.states[entityID] = rec
	return entity.StateChange{EntityID: entityID, Old: old, New: rec}
}

// Delete removes an entity's state
func (s *States) Delete(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, entityID)
}

// Get implements entity.StateStore
func (s *States) Get(entityID string) (*entity.StateRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.states[entityID]
	return rec, ok
}

// Call records one dispatched service call
type Call struct {
	Domain  string
	Service string
	Payload map[string]any
}

// EntityIDs returns the payload's entity_id as a sorted list
func (c Call) EntityIDs() []string {
	switch v := c.Payload["entity_id"].(type) {
	case string:
		return []string{v}
	case []string:
		out := append([]string(nil), v...)
		sort.Strings(out)
		return out
	default:
		return nil
	}
}

// Dispatcher is an entity.Dispatcher that records calls and can be told to fail
type Dispatcher struct {
	mu    sync.Mutex
	calls []Call
	// FailWhen returns a non-nil error to make a call fail
	FailWhen func(c Call) error
}

// NewDispatcher creates a recording dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Call implements entity.Dispatcher
func (d *Dispatcher) Call(ctx context.Context, domain, service string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	call := Call{Domain: domain, Service: service, Payload: payload}

	d.mu.Lock()
	d.calls = append(d.calls, call)
	fail := d.FailWhen
	d.mu.Unlock()

	if fail != nil {
		if err := fail(call); err != nil {
			return fmt.Errorf("%s.%s: %w", domain, service, err)
		}
	}
	return nil
}

// Calls returns a copy of the recorded calls
func (d *Dispatcher) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Reset clears the recorded calls
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}
