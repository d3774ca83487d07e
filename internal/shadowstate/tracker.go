package shadowstate

import (
	"sort"
	"sync"

	"areaautomation/internal/clock"
)

// DefaultHistory is the number of recent actions kept per area
const DefaultHistory = 20

// Tracker manages shadow state for all areas
type Tracker struct {
	clock   clock.Clock
	history int

	mu    sync.RWMutex
	areas map[string]*AreaShadowState
}

// NewTracker creates a new shadow state tracker keeping history actions per area
func NewTracker(clk clock.Clock, history int) *Tracker {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Tracker{
		clock:   clk,
		history: history,
		areas:   make(map[string]*AreaShadowState),
	}
}

func (t *Tracker) areaLocked(areaID string) *AreaShadowState {
	s, ok := t.areas[areaID]
	if !ok {
		s = NewAreaShadowState(areaID, t.clock.Now())
		t.areas[areaID] = s
	}
	return s
}

// UpdateInputs merges the current input values of an area
func (t *Tracker) UpdateInputs(areaID string, inputs map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.areaLocked(areaID)
	for key, value := range inputs {
		s.Inputs.Current[key] = value
	}
	s.Metadata.LastUpdated = t.clock.Now()
}

// RecordAction records an action and snapshots the current inputs as the
// inputs at last action
func (t *Tracker) RecordAction(areaID string, record ActionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}

	s := t.areaLocked(areaID)
	s.Inputs.AtLastAction = make(map[string]interface{}, len(s.Inputs.Current))
	for key, value := range s.Inputs.Current {
		s.Inputs.AtLastAction[key] = value
	}

	s.Outputs.LastAction = &record
	s.Outputs.LastActionTime = record.Timestamp
	s.Outputs.Recent = append(s.Outputs.Recent, record)
	if over := len(s.Outputs.Recent) - t.history; over > 0 {
		s.Outputs.Recent = append(s.Outputs.Recent[:0:0], s.Outputs.Recent[over:]...)
	}
	s.Metadata.LastUpdated = now
}

// Forget drops the shadow state of an area
func (t *Tracker) Forget(areaID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.areas, areaID)
}

// GetAreaState returns a copy of an area's shadow state
func (t *Tracker) GetAreaState(areaID string) (*AreaShadowState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.areas[areaID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// GetAllAreaStates returns a copy of every area's shadow state
func (t *Tracker) GetAllAreaStates() map[string]*AreaShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make(map[string]*AreaShadowState, len(t.areas))
	for k, v := range t.areas {
		states[k] = v.clone()
	}
	return states
}

// Areas returns the IDs of areas with shadow state, sorted
func (t *Tracker) Areas() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.areas))
	for id := range t.areas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
