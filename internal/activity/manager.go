package activity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
)

// Timeout types reported by PendingTimeout
const (
	TimeoutPromotion = "promotion"
	TimeoutDemotion  = "demotion"
)

const timerPrefix = "activity:"

// MemberSource returns the presence-capable members of an area
type MemberSource interface {
	PresenceMembers(areaID string) []string
}

// Change is emitted whenever an area moves between levels
type Change struct {
	ID        string    `json:"id"`
	AreaID    string    `json:"area_id"`
	Old       Level     `json:"old"`
	New       Level     `json:"new"`
	Timestamp time.Time `json:"timestamp"`
	// TriggeredBy lists the members detected as active at the change
	TriggeredBy []string `json:"triggered_by,omitempty"`
}

// Listener receives activity changes
type Listener func(Change)

// PendingTimeout describes the scheduled transition of an area
type PendingTimeout struct {
	Remaining time.Duration
	Type      string
	Target    Level
}

// State is a snapshot of one area's classifier state
type State struct {
	AreaID           string    `json:"area_id"`
	Level            Level     `json:"level"`
	Previous         Level     `json:"previous"`
	EnteredAt        time.Time `json:"entered_at"`
	Triggered        bool      `json:"triggered"`
	TriggeredSince   time.Time `json:"triggered_since,omitempty"`
	UntriggeredSince time.Time `json:"untriggered_since,omitempty"`
	TriggeredBy      []string  `json:"triggered_by,omitempty"`
}

type areaState struct {
	State
	timeout *scheduledTimeout
}

type scheduledTimeout struct {
	deadline time.Time
	kind     string
	target   Level
}

type listenerEntry struct {
	id     int
	areaID string
	fn     Listener
}

// Manager runs one activity state machine per area. Each area has at most
// one pending transition timer at any time.
type Manager struct {
	defs     DefinitionSource
	members  MemberSource
	registry entity.Registry
	states   entity.StateStore
	clock    clock.Clock
	sched    *clock.Scheduler
	logger   *zap.Logger

	mu    sync.Mutex
	areas map[string]*areaState

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      int
}

// NewManager creates an activity manager
func NewManager(defs DefinitionSource, members MemberSource, registry entity.Registry, states entity.StateStore, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		defs:     defs,
		members:  members,
		registry: registry,
		states:   states,
		clock:    clk,
		sched:    clock.NewScheduler(clk),
		logger:   logger.Named("activity"),
		areas:    make(map[string]*areaState),
	}
}

// Subscribe registers a listener for changes in every area
func (m *Manager) Subscribe(fn Listener) func() {
	return m.addListener("", fn)
}

// SubscribeArea registers a listener for changes in one area
func (m *Manager) SubscribeArea(areaID string, fn Listener) func() {
	return m.addListener(areaID, fn)
}

func (m *Manager) addListener(areaID string, fn Listener) func() {
	m.listenersMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, areaID: areaID, fn: fn})
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// ListenerCount returns the number of registered listeners
func (m *Manager) ListenerCount() int {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	return len(m.listeners)
}

func (m *Manager) emit(changes []Change) {
	if len(changes) == 0 {
		return
	}
	m.listenersMu.RLock()
	listeners := append([]listenerEntry(nil), m.listeners...)
	m.listenersMu.RUnlock()

	for _, c := range changes {
		for _, l := range listeners {
			if l.areaID == "" || l.areaID == c.AreaID {
				l.fn(c)
			}
		}
	}
}

// HandleStateChange re-evaluates the area of a presence member whose state changed
func (m *Manager) HandleStateChange(change entity.StateChange) {
	meta, ok := m.registry.GetEntity(change.EntityID)
	if !ok || meta.AreaID == "" {
		return
	}
	for _, id := range m.members.PresenceMembers(meta.AreaID) {
		if id == change.EntityID {
			m.Evaluate(meta.AreaID)
			return
		}
	}
}

// Evaluate recomputes the area's level from its members' current states
func (m *Manager) Evaluate(areaID string) {
	m.emit(m.evaluate(areaID))
}

// Settle applies a transition whose deadline has already passed but whose
// timer has not run yet. Callers use it to order their own same-instant
// timers after the state machine.
func (m *Manager) Settle(areaID string) {
	m.mu.Lock()
	st, ok := m.areas[areaID]
	due := ok && st.timeout != nil && !m.clock.Now().Before(st.timeout.deadline)
	m.mu.Unlock()

	if due {
		m.Evaluate(areaID)
	}
}

// Forget drops an area whose presence group was removed, settling it to empty first
func (m *Manager) Forget(areaID string) {
	m.mu.Lock()
	st, ok := m.areas[areaID]
	var changes []Change
	if ok {
		st.TriggeredBy = nil
		changes = m.transitionLocked(st, Empty, m.clock.Now(), nil)
		m.sched.Cancel(timerPrefix + areaID)
		delete(m.areas, areaID)
	}
	m.mu.Unlock()

	m.emit(changes)
}

func (m *Manager) resolveMembers(areaID string) []entity.Meta {
	ids := m.members.PresenceMembers(areaID)
	out := make([]entity.Meta, 0, len(ids))
	for _, id := range ids {
		meta, ok := m.registry.GetEntity(id)
		if !ok {
			meta = entity.Meta{EntityID: id, Domain: entity.DomainOf(id), AreaID: areaID}
		}
		out = append(out, meta)
	}
	return out
}

func (m *Manager) evaluate(areaID string) (changes []Change) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Activity evaluation panicked",
				zap.String("area_id", areaID),
				zap.Any("panic", r))
			changes = nil
		}
	}()

	members := m.resolveMembers(areaID)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	st := m.areaLocked(areaID, now)

	if len(members) == 0 {
		m.clearTimeoutLocked(st)
		st.Triggered = false
		st.TriggeredBy = nil
		return m.transitionLocked(st, Empty, now, nil)
	}

	defs, err := m.definitions()
	if err != nil {
		m.logger.Warn("Skipping activity evaluation",
			zap.String("area_id", areaID),
			zap.Error(err))
		return nil
	}

	movement, occupied := defs.detection(Movement), defs.detection(Occupied)
	triggered := movement.Evaluate(members, m.states) || occupied.Evaluate(members, m.states)

	st.TriggeredBy = nil
	if triggered {
		st.TriggeredBy = triggeringMembers(members, m.states, movement, occupied)
	}

	if triggered && !st.Triggered {
		st.TriggeredSince = now
	}
	if !triggered && st.Triggered {
		st.UntriggeredSince = now
	}
	st.Triggered = triggered

	// Each pass either settles (schedules or clears the timer) or transitions;
	// a chain is bounded by the number of levels.
	for i := 0; i <= len(Levels); i++ {
		next, timeout := m.step(st, defs, now)
		if next == "" {
			m.applyTimeoutLocked(st, timeout, now)
			return changes
		}
		changes = m.transitionLocked(st, next, now, changes)
	}

	m.logger.Warn("Activity transitions did not settle",
		zap.String("area_id", areaID),
		zap.String("level", string(st.Level)))
	return changes
}

// step returns the level to move to now, or the timeout to wait for
func (m *Manager) step(st *areaState, defs definitionSet, now time.Time) (Level, *scheduledTimeout) {
	switch st.Level {
	case Empty:
		if st.Triggered {
			return Movement, nil
		}
		return "", nil

	case Movement:
		if st.Triggered {
			promoteAt := st.TriggeredSince.Add(defs[Occupied].DurationThreshold())
			if !now.Before(promoteAt) {
				return Occupied, nil
			}
			return "", &scheduledTimeout{deadline: promoteAt, kind: TimeoutPromotion, target: Occupied}
		}
		return demotion(defs[Movement], st.UntriggeredSince, now, Inactive)

	case Occupied:
		if st.Triggered {
			return "", nil
		}
		return demotion(defs[Occupied], st.UntriggeredSince, now, Inactive)

	case Inactive:
		if st.Triggered {
			return Movement, nil
		}
		return demotion(defs[Inactive], st.EnteredAt, now, Empty)
	}
	return "", nil
}

// triggeringMembers returns the sorted union of members active under any of conds
func triggeringMembers(members []entity.Meta, states entity.StateStore, conds ...*Condition) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range conds {
		for _, id := range c.Triggering(members, states) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func demotion(def Definition, since, now time.Time, fallback Level) (Level, *scheduledTimeout) {
	target := def.TransitionTo
	if target == "" {
		target = fallback
	}
	deadline := since.Add(def.Timeout())
	if !now.Before(deadline) {
		return target, nil
	}
	return "", &scheduledTimeout{deadline: deadline, kind: TimeoutDemotion, target: target}
}

func (m *Manager) areaLocked(areaID string, now time.Time) *areaState {
	st, ok := m.areas[areaID]
	if !ok {
		st = &areaState{State: State{AreaID: areaID, Level: Empty, Previous: Empty, EnteredAt: now}}
		m.areas[areaID] = st
	}
	return st
}

func (m *Manager) transitionLocked(st *areaState, to Level, now time.Time, changes []Change) []Change {
	if st.Level == to {
		return changes
	}
	change := Change{
		ID:          uuid.NewString(),
		AreaID:      st.AreaID,
		Old:         st.Level,
		New:         to,
		Timestamp:   now,
		TriggeredBy: append([]string(nil), st.TriggeredBy...),
	}
	st.Previous = st.Level
	st.Level = to
	st.EnteredAt = now
	if to == Movement && st.Triggered {
		st.TriggeredSince = now
	}

	m.logger.Info("Activity changed",
		zap.String("area_id", st.AreaID),
		zap.String("old", string(change.Old)),
		zap.String("new", string(change.New)),
		zap.Strings("triggered_by", change.TriggeredBy))
	return append(changes, change)
}

// applyTimeoutLocked keeps the pending timer when it already targets the same
// deadline and kind, and otherwise cancels it before scheduling the new one.
func (m *Manager) applyTimeoutLocked(st *areaState, want *scheduledTimeout, now time.Time) {
	if want == nil {
		m.clearTimeoutLocked(st)
		return
	}
	if cur := st.timeout; cur != nil && cur.kind == want.kind && cur.target == want.target && cur.deadline.Equal(want.deadline) {
		if _, _, pending := m.sched.Pending(timerPrefix + st.AreaID); pending {
			return
		}
	}

	areaID := st.AreaID
	st.timeout = want
	m.sched.ScheduleLabeled(timerPrefix+areaID, want.kind, want.deadline.Sub(now), func() {
		m.Evaluate(areaID)
	})
}

func (m *Manager) clearTimeoutLocked(st *areaState) {
	st.timeout = nil
	m.sched.Cancel(timerPrefix + st.AreaID)
}

type definitionSet map[Level]Definition

func (d definitionSet) detection(level Level) *Condition {
	if c := d[level].DetectionConditions; c != nil {
		return c
	}
	return DefaultDetection()
}

func (m *Manager) definitions() (definitionSet, error) {
	set := make(definitionSet, len(Levels))
	for _, level := range []Level{Movement, Occupied, Inactive} {
		def, ok := m.defs.GetActivityDefinition(level)
		if !ok {
			return nil, fmt.Errorf("activity definition %q not available", level)
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		set[level] = def
	}
	return set, nil
}

// Activity returns the area's current level. Unknown areas are empty.
func (m *Manager) Activity(areaID string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.areas[areaID]; ok {
		return st.Level
	}
	return Empty
}

// Snapshot returns the area's classifier state
func (m *Manager) Snapshot(areaID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.areas[areaID]
	if !ok {
		return State{}, false
	}
	out := st.State
	out.TriggeredBy = append([]string(nil), st.TriggeredBy...)
	return out, true
}

// Areas returns the IDs of every area with classifier state, sorted
func (m *Manager) Areas() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.areas))
	for id := range m.areas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingTimeout returns the area's scheduled transition, if any
func (m *Manager) PendingTimeout(areaID string) (PendingTimeout, bool) {
	m.mu.Lock()
	st, ok := m.areas[areaID]
	var target Level
	if ok && st.timeout != nil {
		target = st.timeout.target
	}
	m.mu.Unlock()

	remaining, pending := m.sched.Remaining(timerPrefix + areaID)
	if !ok || !pending {
		return PendingTimeout{}, false
	}
	_, kind, _ := m.sched.Pending(timerPrefix + areaID)
	return PendingTimeout{Remaining: remaining, Type: kind, Target: target}, true
}

// TimeUntilStateLoss returns the time left before the area is demoted
func (m *Manager) TimeUntilStateLoss(areaID string) (time.Duration, bool) {
	p, ok := m.PendingTimeout(areaID)
	if !ok || p.Type != TimeoutDemotion {
		return 0, false
	}
	return p.Remaining, true
}

// PendingTimers returns the number of live transition timers for the area (0 or 1)
func (m *Manager) PendingTimers(areaID string) int {
	if _, _, ok := m.sched.Pending(timerPrefix + areaID); ok {
		return 1
	}
	return 0
}

// ConfiguredTimeouts returns each level's configured timeout
func (m *Manager) ConfiguredTimeouts() map[Level]time.Duration {
	out := make(map[Level]time.Duration, len(Levels))
	for _, level := range Levels {
		if def, ok := m.defs.GetActivityDefinition(level); ok {
			out[level] = def.Timeout()
		}
	}
	return out
}

// Stop cancels every pending transition timer
func (m *Manager) Stop() {
	m.sched.CancelAll()
}
