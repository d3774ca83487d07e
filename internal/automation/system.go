// Package automation owns every per-area component of the service: the
// presence and light groups, the activity classifier, the rule engine and
// the environment and decision records behind them.
package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"areaautomation/internal/activity"
	"areaautomation/internal/aggregate"
	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
	"areaautomation/internal/environment"
	"areaautomation/internal/membership"
	"areaautomation/internal/rules"
	"areaautomation/internal/shadowstate"
)

// Group key prefixes
const (
	PresencePrefix = "presence:"
	LightsPrefix   = "lights:"
)

// Timeout sources reported by DisplayTimeout
const (
	TimeoutSourceExit     = "on_exit"
	TimeoutSourceActivity = "activity"
)

// Deps are the collaborators the system reads from and writes to
type Deps struct {
	Registry    entity.Registry
	States      entity.StateStore
	Dispatcher  entity.Dispatcher
	Bus         *entity.Bus
	Definitions activity.DefinitionSource
	Apps        rules.AppSource
	Clock       clock.Clock
}

// Options configures the system
type Options struct {
	OwnPlatform  string
	StartupDelay time.Duration
	Engine       rules.Options
	Environment  environment.Options
	// Assignments bind areas to apps explicitly
	Assignments []rules.Assignment
	// AutoAssignApp is assigned to every new presence area without an
	// explicit assignment. Empty disables auto-assignment.
	AutoAssignApp string
	ShadowHistory int
}

type lightEntry struct {
	tracker *membership.Tracker
	group   *aggregate.LightGroup
}

// System is the composition context. All per-area state lives here; there
// are no package-level singletons.
type System struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	sched  *clock.Scheduler

	activity *activity.Manager
	engine   *rules.Engine
	env      *environment.Provider
	shadow   *shadowstate.Tracker

	presenceCreator *membership.Creator
	lightCreator    *membership.Creator

	mu       sync.RWMutex
	presence map[string]*membership.Tracker
	lights   map[string]*lightEntry
	// areas bound to AutoAssignApp by presence creation rather than settings
	autoAssigned map[string]struct{}
	unsubStates  entity.Unsubscribe
	started      bool
}

// NewSystem wires the per-area components. Nothing runs until Start.
func NewSystem(deps Deps, opts Options, logger *zap.Logger) *System {
	s := &System{
		deps:     deps,
		opts:     opts,
		logger:   logger.Named("automation"),
		sched:    clock.NewScheduler(deps.Clock),
		presence: make(map[string]*membership.Tracker),
		lights:   make(map[string]*lightEntry),

		autoAssigned: make(map[string]struct{}),
	}

	s.activity = activity.NewManager(deps.Definitions, s, deps.Registry, deps.States, deps.Clock, logger)
	s.env = environment.NewProvider(deps.Registry, deps.States, deps.Clock, opts.Environment, logger)
	s.shadow = shadowstate.NewTracker(deps.Clock, opts.ShadowHistory)
	s.engine = rules.NewEngine(rules.Collaborators{
		Apps:       deps.Apps,
		Activity:   s.activity,
		Env:        s.env,
		Lights:     s,
		Dispatcher: deps.Dispatcher,
		Bus:        deps.Bus,
		Recorder:   s.shadow,
	}, deps.Clock, opts.Engine, logger)

	for _, a := range opts.Assignments {
		s.engine.Assign(a)
	}

	s.lightCreator = membership.NewCreator(membership.CreatorConfig{
		Name:              "lights",
		Filter:            entity.LightFilter(),
		StartupDelay:      opts.StartupDelay,
		ShouldInstantiate: s.hasMembers(entity.LightFilter()),
		Instantiate:       s.createLights,
	}, deps.Registry, deps.Bus, s.sched, logger)

	s.presenceCreator = membership.NewCreator(membership.CreatorConfig{
		Name:              "presence",
		Filter:            entity.PresenceFilter(),
		StartupDelay:      opts.StartupDelay,
		ShouldInstantiate: s.hasMembers(entity.PresenceFilter()),
		Instantiate:       s.createPresence,
	}, deps.Registry, deps.Bus, s.sched, logger)

	return s
}

// Start subscribes to state changes, creates groups for every eligible area
// and starts environmental polling
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("automation system already started")
	}
	s.started = true
	s.mu.Unlock()

	unsub := s.deps.Bus.SubscribeStates(s.activity.HandleStateChange)
	s.mu.Lock()
	s.unsubStates = unsub
	s.mu.Unlock()

	// Light groups first so a new presence area finds its lights
	s.lightCreator.Start(ctx)
	s.presenceCreator.Start(ctx)
	s.engine.StartPolling()

	s.logger.Info("Automation system started",
		zap.Int("presence_groups", len(s.presenceAreas())),
		zap.Int("light_groups", len(s.lightAreas())))
	return nil
}

// Stop tears down every group, listener and timer
func (s *System) Stop() {
	s.presenceCreator.Stop()
	s.lightCreator.Stop()
	s.engine.Stop()

	s.mu.Lock()
	presence := s.presence
	lights := s.lights
	s.presence = make(map[string]*membership.Tracker)
	s.lights = make(map[string]*lightEntry)
	unsub := s.unsubStates
	s.unsubStates = nil
	s.mu.Unlock()

	for _, t := range presence {
		t.Stop()
	}
	for _, l := range lights {
		l.tracker.Stop()
	}
	if unsub != nil {
		unsub()
	}
	s.activity.Stop()
	s.sched.CancelAll()
	s.logger.Info("Automation system stopped")
}

func (s *System) hasMembers(filter entity.Filter) membership.Predicate {
	return func(_ context.Context, areaID string) (bool, error) {
		return len(membership.ComputeMembership(s.deps.Registry, areaID, filter, s.opts.OwnPlatform)) > 0, nil
	}
}

func (s *System) createPresence(_ context.Context, areaID string) error {
	tracker := membership.NewTracker(membership.TrackerConfig{
		Key:          PresencePrefix + areaID,
		AreaID:       areaID,
		Filter:       entity.PresenceFilter(),
		OwnPlatform:  s.opts.OwnPlatform,
		StartupDelay: s.opts.StartupDelay,
		OnChange: func(added, removed []string) {
			s.activity.Evaluate(areaID)
		},
		OnRemoved: func(_, area string) {
			s.removePresence(area)
		},
	}, s.deps.Registry, s.deps.Bus, s.sched, s.logger)

	s.mu.Lock()
	s.presence[areaID] = tracker
	s.mu.Unlock()

	// The engine listens before the first classification of the area
	if _, ok := s.engine.Assignment(areaID); !ok && s.opts.AutoAssignApp != "" {
		s.engine.Assign(rules.Assignment{AreaID: areaID, AppID: s.opts.AutoAssignApp, FeatureEnabled: true})
		s.mu.Lock()
		s.autoAssigned[areaID] = struct{}{}
		s.mu.Unlock()
	}
	s.engine.EnableArea(areaID)

	if members := tracker.Start(); len(members) == 0 {
		return fmt.Errorf("presence group for %s has no members", areaID)
	}
	s.logger.Info("Presence group created", zap.String("area_id", areaID))
	return nil
}

func (s *System) removePresence(areaID string) {
	s.mu.Lock()
	delete(s.presence, areaID)
	_, auto := s.autoAssigned[areaID]
	delete(s.autoAssigned, areaID)
	s.mu.Unlock()

	s.engine.DisableArea(areaID)
	// Configured assignments outlive the group; automatic ones are rebound on recreation
	if auto {
		s.engine.Unassign(areaID)
	}
	s.activity.Forget(areaID)
	s.shadow.Forget(areaID)
	s.presenceCreator.Forget(areaID)
	s.logger.Info("Presence group removed", zap.String("area_id", areaID))
}

func (s *System) createLights(_ context.Context, areaID string) error {
	tracker := membership.NewTracker(membership.TrackerConfig{
		Key:          LightsPrefix + areaID,
		AreaID:       areaID,
		Filter:       entity.LightFilter(),
		OwnPlatform:  s.opts.OwnPlatform,
		StartupDelay: s.opts.StartupDelay,
		OnRemoved: func(_, area string) {
			s.removeLights(area)
		},
	}, s.deps.Registry, s.deps.Bus, s.sched, s.logger)

	entry := &lightEntry{
		tracker: tracker,
		group:   aggregate.NewLightGroup(areaID, tracker.Members, s.deps.States, s.deps.Dispatcher, s.logger),
	}
	s.mu.Lock()
	s.lights[areaID] = entry
	s.mu.Unlock()

	if members := tracker.Start(); len(members) == 0 {
		return fmt.Errorf("light group for %s has no members", areaID)
	}
	s.logger.Info("Light group created", zap.String("area_id", areaID))
	return nil
}

func (s *System) removeLights(areaID string) {
	s.mu.Lock()
	delete(s.lights, areaID)
	s.mu.Unlock()

	s.lightCreator.Forget(areaID)
	s.logger.Info("Light group removed", zap.String("area_id", areaID))
}

// PresenceMembers implements activity.MemberSource
func (s *System) PresenceMembers(areaID string) []string {
	s.mu.RLock()
	t, ok := s.presence[areaID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return t.Members()
}

// LightGroup implements rules.LightGroups
func (s *System) LightGroup(areaID string) (*aggregate.LightGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lights[areaID]
	if !ok {
		return nil, false
	}
	return l.group, true
}

// SubscribeActivity registers a listener for every area's activity changes
func (s *System) SubscribeActivity(fn activity.Listener) func() {
	return s.activity.Subscribe(fn)
}

// Engine returns the rule engine
func (s *System) Engine() *rules.Engine {
	return s.engine
}

// Activity returns the area's current level
func (s *System) Activity(areaID string) activity.Level {
	return s.activity.Activity(areaID)
}

// TimeUntilStateLoss returns the time before the area is demoted
func (s *System) TimeUntilStateLoss(areaID string) (time.Duration, bool) {
	return s.activity.TimeUntilStateLoss(areaID)
}

// ConfiguredTimeouts returns each level's configured timeout
func (s *System) ConfiguredTimeouts() map[activity.Level]time.Duration {
	return s.activity.ConfiguredTimeouts()
}

// Stats returns the rule engine counters
func (s *System) Stats() rules.Stats {
	return s.engine.Stats()
}

// ExitTimeoutRemaining returns the time before the area's next delayed on_exit
func (s *System) ExitTimeoutRemaining(areaID string) (time.Duration, bool) {
	return s.engine.ExitTimeoutRemaining(areaID)
}

// DisplayTimeout is the countdown shown for an area: a pending delayed
// on_exit wins over the activity demotion
func (s *System) DisplayTimeout(areaID string) (time.Duration, string, bool) {
	if d, ok := s.engine.ExitTimeoutRemaining(areaID); ok {
		return d, TimeoutSourceExit, true
	}
	if d, ok := s.activity.TimeUntilStateLoss(areaID); ok {
		return d, TimeoutSourceActivity, true
	}
	return 0, "", false
}

// CurrentMembers returns the members of a group by key, e.g. "presence:kitchen"
func (s *System) CurrentMembers(groupKey string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case strings.HasPrefix(groupKey, PresencePrefix):
		if t, ok := s.presence[strings.TrimPrefix(groupKey, PresencePrefix)]; ok {
			return t.Members(), true
		}
	case strings.HasPrefix(groupKey, LightsPrefix):
		if l, ok := s.lights[strings.TrimPrefix(groupKey, LightsPrefix)]; ok {
			return l.tracker.Members(), true
		}
	}
	return nil, false
}

// Groups returns every group key, sorted
func (s *System) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.presence)+len(s.lights))
	for id := range s.presence {
		keys = append(keys, PresencePrefix+id)
	}
	for id := range s.lights {
		keys = append(keys, LightsPrefix+id)
	}
	sort.Strings(keys)
	return keys
}

// Lights returns the aggregated light state of an area
func (s *System) Lights(areaID string) (aggregate.LightState, bool) {
	g, ok := s.LightGroup(areaID)
	if !ok {
		return aggregate.LightState{}, false
	}
	return g.State(), true
}

// Presence returns the presence summary of an area
func (s *System) Presence(areaID string) (aggregate.PresenceSummary, bool) {
	s.mu.RLock()
	t, ok := s.presence[areaID]
	s.mu.RUnlock()
	if !ok {
		return aggregate.PresenceSummary{}, false
	}
	return aggregate.Presence(t.Members(), s.deps.Registry, s.deps.States), true
}

// Environment returns the last environmental snapshot of an area
func (s *System) Environment(areaID string) (environment.Snapshot, bool) {
	return s.env.Snapshot(areaID)
}

// Shadow returns the decision record of every area
func (s *System) Shadow() map[string]*shadowstate.AreaShadowState {
	return s.shadow.GetAllAreaStates()
}

// AreaStatus is the combined view of one area
type AreaStatus struct {
	AreaID         string                     `json:"area_id"`
	Activity       activity.Level             `json:"activity"`
	Previous       activity.Level             `json:"previous_activity,omitempty"`
	EnteredAt      time.Time                  `json:"entered_at,omitempty"`
	TimeoutSeconds *float64                   `json:"timeout_seconds,omitempty"`
	TimeoutSource  string                     `json:"timeout_source,omitempty"`
	Presence       *aggregate.PresenceSummary `json:"presence,omitempty"`
	Lights         *aggregate.LightState      `json:"lights,omitempty"`
	AppID          string                     `json:"app_id,omitempty"`
	FeatureEnabled bool                       `json:"feature_enabled"`
	Automated      bool                       `json:"automated"`
}

// Areas returns every area with a presence or light group, sorted
func (s *System) Areas() []string {
	seen := make(map[string]struct{})
	for _, id := range s.presenceAreas() {
		seen[id] = struct{}{}
	}
	for _, id := range s.lightAreas() {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AreaStatus returns the combined view of an area
func (s *System) AreaStatus(areaID string) (AreaStatus, bool) {
	presence, hasPresence := s.Presence(areaID)
	lights, hasLights := s.Lights(areaID)
	if !hasPresence && !hasLights {
		return AreaStatus{}, false
	}

	st := AreaStatus{AreaID: areaID, Activity: s.activity.Activity(areaID)}
	if snap, ok := s.activity.Snapshot(areaID); ok {
		st.Previous = snap.Previous
		st.EnteredAt = snap.EnteredAt
	}
	if d, source, ok := s.DisplayTimeout(areaID); ok {
		secs := d.Seconds()
		st.TimeoutSeconds = &secs
		st.TimeoutSource = source
	}
	if hasPresence {
		st.Presence = &presence
	}
	if hasLights {
		st.Lights = &lights
	}
	if a, ok := s.engine.Assignment(areaID); ok {
		st.AppID = a.AppID
		st.FeatureEnabled = a.FeatureEnabled
	}
	for _, id := range s.engine.EnabledAreas() {
		if id == areaID {
			st.Automated = true
		}
	}
	return st, true
}

func (s *System) presenceAreas() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.presence))
	for id := range s.presence {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *System) lightAreas() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.lights))
	for id := range s.lights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
