package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"areaautomation/internal/activity"
	"areaautomation/internal/aggregate"
	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
	"areaautomation/internal/entity/entitytest"
	"areaautomation/internal/environment"
	"areaautomation/internal/shadowstate"
)

const (
	den       = "den"
	hall      = "hall"
	denLux    = "sensor.den_lux"
	denMotion = "binary_sensor.den_motion"
	testAppID = "test_app"
)

type staticApps map[string]App

func (s staticApps) GetApp(id string) (App, bool) {
	a, ok := s[id]
	return a, ok
}

type staticLights map[string]*aggregate.LightGroup

func (s staticLights) LightGroup(areaID string) (*aggregate.LightGroup, bool) {
	g, ok := s[areaID]
	return g, ok
}

type staticDefs map[activity.Level]activity.Definition

func (s staticDefs) GetActivityDefinition(id activity.Level) (activity.Definition, bool) {
	d, ok := s[id]
	return d, ok
}

type staticMembers map[string][]string

func (s staticMembers) PresenceMembers(areaID string) []string {
	return s[areaID]
}

// fakeActivity is a hand-driven ActivitySource
type fakeActivity struct {
	mu        sync.Mutex
	levels    map[string]activity.Level
	listeners map[string]map[int]activity.Listener
	next      int
	settles   int
}

func newFakeActivity() *fakeActivity {
	return &fakeActivity{
		levels:    make(map[string]activity.Level),
		listeners: make(map[string]map[int]activity.Listener),
	}
}

func (f *fakeActivity) Activity(areaID string) activity.Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.levels[areaID]; ok {
		return l
	}
	return activity.Empty
}

func (f *fakeActivity) Snapshot(areaID string) (activity.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.levels[areaID]
	if !ok {
		return activity.State{}, false
	}
	return activity.State{
		AreaID:    areaID,
		Level:     l,
		Triggered: l == activity.Movement || l == activity.Occupied,
	}, true
}

func (f *fakeActivity) SubscribeArea(areaID string, fn activity.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners[areaID] == nil {
		f.listeners[areaID] = make(map[int]activity.Listener)
	}
	id := f.next
	f.next++
	f.listeners[areaID][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners[areaID], id)
	}
}

func (f *fakeActivity) Settle(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles++
}

// put changes a level without notifying listeners
func (f *fakeActivity) put(areaID string, level activity.Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[areaID] = level
}

// set changes a level and notifies the area's listeners
func (f *fakeActivity) set(areaID string, level activity.Level) {
	f.mu.Lock()
	old := f.levels[areaID]
	f.levels[areaID] = level
	fns := make([]activity.Listener, 0, len(f.listeners[areaID]))
	for _, fn := range f.listeners[areaID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(activity.Change{AreaID: areaID, Old: old, New: level})
	}
}

func (f *fakeActivity) listenerCount(areaID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[areaID])
}

type fakeEnv struct {
	mu        sync.Mutex
	facts     map[string]any
	sensors   map[string][]string
	refreshes map[string]int
	panicArea string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		facts:     map[string]any{AttrIsDark: true},
		sensors:   map[string][]string{den: {denLux, environment.SunEntity}},
		refreshes: make(map[string]int),
	}
}

func (f *fakeEnv) setDark(dark bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts[AttrIsDark] = dark
}

func (f *fakeEnv) Facts(areaID string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if areaID == f.panicArea {
		panic("illuminance sensor exploded")
	}
	out := make(map[string]any, len(f.facts))
	for k, v := range f.facts {
		out[k] = v
	}
	return out
}

func (f *fakeEnv) Refresh(areaID string) environment.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes[areaID]++
	return environment.Snapshot{AreaID: areaID}
}

func (f *fakeEnv) SensorIDs(areaID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sensors[areaID]
}

func (f *fakeEnv) refreshCount(areaID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes[areaID]
}

type harness struct {
	clock      *clock.MockClock
	act        *fakeActivity
	env        *fakeEnv
	states     *entitytest.States
	dispatcher *entitytest.Dispatcher
	bus        *entity.Bus
	shadow     *shadowstate.Tracker
	engine     *Engine
}

func newHarness(t *testing.T, app App) *harness {
	t.Helper()
	h := &harness{
		clock:      clock.NewMockClock(time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC)),
		act:        newFakeActivity(),
		env:        newFakeEnv(),
		states:     entitytest.NewStates(),
		dispatcher: entitytest.NewDispatcher(),
		bus:        entity.NewBus(),
	}
	h.states.Set("light.den_1", entity.StateOff, nil)
	h.states.Set("light.den_2", entity.StateOff, nil)
	h.shadow = shadowstate.NewTracker(h.clock, 0)

	lights := staticLights{
		den: aggregate.NewLightGroup(den, func() []string {
			return []string{"light.den_1", "light.den_2"}
		}, h.states, h.dispatcher, zap.NewNop()),
	}
	h.engine = NewEngine(Collaborators{
		Apps:       staticApps{app.ID: app},
		Activity:   h.act,
		Env:        h.env,
		Lights:     lights,
		Dispatcher: h.dispatcher,
		Bus:        h.bus,
		Recorder:   h.shadow,
	}, h.clock, Options{
		Debounce:        100 * time.Millisecond,
		Cooldown:        10 * time.Second,
		PollInterval:    30 * time.Second,
		DispatchTimeout: time.Second,
	}, zap.NewNop())

	h.engine.Assign(Assignment{AreaID: den, AppID: app.ID, FeatureEnabled: true})
	h.engine.EnableArea(den)
	t.Cleanup(h.engine.Stop)
	return h
}

// enter moves the area to a level and lets the debounce window pass
func (h *harness) enter(areaID string, level activity.Level) {
	h.act.set(areaID, level)
	h.clock.Advance(100 * time.Millisecond)
}

// scenes returns the entity targets of every non-light call, in order
func (h *harness) scenes() []string {
	var out []string
	for _, c := range h.dispatcher.Calls() {
		if c.Domain == entity.DomainLight {
			continue
		}
		out = append(out, strings.Join(c.EntityIDs(), ","))
	}
	return out
}

func scene(id string) Action {
	return Action{Service: "scene.turn_on", EntityIDs: []string{id}}
}

func testApp(rules map[activity.Level]*LevelRule) App {
	return App{ID: testAppID, Name: "Test", ActivityActions: rules}
}

func TestEngine_DefaultAppLightsFollowActivity(t *testing.T) {
	h := newHarness(t, DefaultApp())

	h.enter(den, activity.Movement)

	calls := h.dispatcher.Calls()
	require.Len(t, calls, 2, "fan-out to each member light")
	var targets []string
	for _, c := range calls {
		assert.Equal(t, "turn_on", c.Service)
		assert.Equal(t, 100, c.Payload["brightness_pct"])
		targets = append(targets, c.EntityIDs()...)
	}
	assert.ElementsMatch(t, []string{"light.den_1", "light.den_2"}, targets)

	h.states.Set("light.den_1", entity.StateOn, map[string]any{"brightness": 255})
	h.states.Set("light.den_2", entity.StateOn, map[string]any{"brightness": 255})
	h.dispatcher.Reset()
	h.enter(den, activity.Empty)

	calls = h.dispatcher.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "turn_off", c.Service)
	}

	stats := h.engine.Stats()
	assert.Equal(t, int64(2), stats.TotalTriggers)
	assert.Equal(t, int64(2), stats.SuccessfulExecutions)
	assert.Equal(t, int64(1), stats.TotalAssignments)

	shadow, ok := h.shadow.GetAreaState(den)
	require.True(t, ok)
	assert.Equal(t, "empty", shadow.Inputs.Current[AttrActivity])
	assert.Equal(t, true, shadow.Inputs.Current[AttrLightsOn])
	require.NotNil(t, shadow.Outputs.LastAction)
	assert.Equal(t, "light.turn_off", shadow.Outputs.LastAction.ActionType)
}

func TestEngine_DebounceCoalescesBurst(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {Actions: []Action{scene("scene.movement")}},
		activity.Occupied: {Actions: []Action{scene("scene.occupied")}},
	}))

	for i := 0; i < 10; i++ {
		level := activity.Movement
		if i%2 == 1 {
			level = activity.Occupied
		}
		h.act.set(den, level)
		if i < 9 {
			h.clock.Advance(5 * time.Millisecond)
		}
	}
	assert.Empty(t, h.dispatcher.Calls(), "nothing runs inside the window")

	h.clock.Advance(100 * time.Millisecond)

	assert.Equal(t, []string{"scene.occupied"}, h.scenes())
	assert.Equal(t, int64(1), h.engine.Stats().TotalTriggers)
}

func TestEngine_CooldownSuppressesRepeat(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {Actions: []Action{scene("scene.movement")}},
	}))
	ctx := context.Background()
	h.act.put(den, activity.Movement)

	h.engine.EvaluateAndExecute(ctx, den, false)
	h.engine.EvaluateAndExecute(ctx, den, false)

	assert.Len(t, h.dispatcher.Calls(), 1)
	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.SuccessfulExecutions)
	assert.Equal(t, int64(1), stats.CooldownBlocks)

	h.clock.Advance(10 * time.Second)
	h.engine.EvaluateAndExecute(ctx, den, false)
	assert.Len(t, h.dispatcher.Calls(), 2, "cooldown elapsed")
}

func TestEngine_PartialFailureRunsEveryAction(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {Actions: []Action{
			scene("scene.one"),
			{Service: "script.turn_on", EntityIDs: []string{"script.broken"}},
			scene("scene.three"),
		}},
	}))
	h.dispatcher.FailWhen = func(c entitytest.Call) error {
		if c.Domain == "script" {
			return errors.New("script not found")
		}
		return nil
	}

	h.enter(den, activity.Movement)

	assert.Equal(t, []string{"scene.one", "script.broken", "scene.three"}, h.scenes())
	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.FailedExecutions)
	assert.Equal(t, int64(0), stats.SuccessfulExecutions)

	shadow, _ := h.shadow.GetAreaState(den)
	require.Len(t, shadow.Outputs.Recent, 3)
	assert.True(t, shadow.Outputs.Recent[0].Success)
	assert.False(t, shadow.Outputs.Recent[1].Success)
	assert.Contains(t, shadow.Outputs.Recent[1].Error, "script not found")
	assert.True(t, shadow.Outputs.Recent[2].Success)
	assert.Equal(t, shadow.Outputs.Recent[0].ExecutionID, shadow.Outputs.Recent[2].ExecutionID)
}

func TestEngine_OnExitRunsBeforeEntry(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {
			Actions: []Action{scene("scene.movement")},
			OnExit:  []Action{scene("scene.leave_movement")},
		},
		activity.Inactive: {
			Conditions: []Condition{{Attribute: AttrIsDark, Operator: OpEq, Value: false}},
			Actions:    []Action{scene("scene.inactive")},
		},
	}))

	h.enter(den, activity.Movement)
	h.enter(den, activity.Inactive)

	assert.Equal(t, []string{"scene.movement", "scene.leave_movement"}, h.scenes(),
		"on_exit runs even though the new level's conditions fail")
}

func TestEngine_DelayedExitCancelledOnReentry(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {
			OnExit:             []Action{scene("scene.leave")},
			OnExitDelaySeconds: 5,
		},
	}))

	h.enter(den, activity.Movement)
	h.enter(den, activity.Inactive)

	remaining, ok := h.engine.ExitTimeoutRemaining(den)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, remaining)

	h.clock.Advance(2 * time.Second)
	remaining, _ = h.engine.ExitTimeoutRemaining(den)
	assert.Equal(t, 3*time.Second, remaining)

	h.enter(den, activity.Movement)
	_, ok = h.engine.ExitTimeoutRemaining(den)
	assert.False(t, ok, "re-entry cancels the pending exit")

	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.scenes())

	h.enter(den, activity.Inactive)
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, []string{"scene.leave"}, h.scenes())
	assert.Equal(t, 1, h.act.settles, "state machine settles before a delayed exit")
}

func TestEngine_UnassignCancelsPendingExit(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {
			OnExit:             []Action{scene("scene.leave")},
			OnExitDelaySeconds: 5,
		},
	}))

	h.enter(den, activity.Movement)
	h.enter(den, activity.Inactive)
	_, ok := h.engine.ExitTimeoutRemaining(den)
	require.True(t, ok)

	h.engine.Unassign(den)

	_, ok = h.engine.Assignment(den)
	assert.False(t, ok)
	_, ok = h.engine.ExitTimeoutRemaining(den)
	assert.False(t, ok)

	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.scenes())
}

func TestEngine_EnvironmentalRunsOncePerEntry(t *testing.T) {
	h := newHarness(t, DefaultApp())
	ctx := context.Background()
	h.env.setDark(false)

	h.enter(den, activity.Movement)
	assert.Empty(t, h.dispatcher.Calls(), "not dark yet")

	h.env.setDark(true)
	h.engine.PollOnce(ctx)
	assert.Len(t, h.dispatcher.Calls(), 2)

	h.clock.Advance(11 * time.Second)
	h.engine.PollOnce(ctx)
	assert.Len(t, h.dispatcher.Calls(), 2, "already ran for this entry")

	h.enter(den, activity.Occupied)
	assert.Len(t, h.dispatcher.Calls(), 4, "a new entry runs again")

	assert.Equal(t, 2, h.env.refreshCount(den))
	assert.Equal(t, int64(4), h.engine.Stats().TotalTriggers)
}

func TestEngine_EnvironmentSensorTriggersEvaluation(t *testing.T) {
	h := newHarness(t, DefaultApp())
	h.act.put(den, activity.Movement)

	h.bus.PublishState(entity.StateChange{EntityID: denLux})
	h.clock.Advance(100 * time.Millisecond)
	assert.Len(t, h.dispatcher.Calls(), 2)

	h.bus.PublishState(entity.StateChange{EntityID: "sensor.kitchen_lux"})
	h.clock.Advance(100 * time.Millisecond)
	h.bus.PublishState(entity.StateChange{EntityID: denLux})
	h.clock.Advance(100 * time.Millisecond)

	assert.Len(t, h.dispatcher.Calls(), 2)
	assert.Equal(t, int64(2), h.engine.Stats().TotalTriggers, "unrelated sensors are ignored")
}

func TestEngine_DisableAreaLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {
			OnExit:             []Action{scene("scene.leave")},
			OnExitDelaySeconds: 5,
		},
	}))

	h.enter(den, activity.Movement)
	h.enter(den, activity.Inactive)
	h.bus.PublishState(entity.StateChange{EntityID: denLux})

	assert.Equal(t, 2, h.engine.PendingTimers(den))
	assert.Equal(t, 1, h.act.listenerCount(den))
	assert.Equal(t, 1, h.bus.SubscriberCount())

	h.engine.DisableArea(den)

	assert.Equal(t, 0, h.engine.PendingTimers(den))
	assert.Equal(t, 0, h.act.listenerCount(den))
	assert.Equal(t, 0, h.bus.SubscriberCount())
	assert.Empty(t, h.engine.EnabledAreas())

	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.dispatcher.Calls())
}

func TestEngine_FeatureDisabledSkipsExecution(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {Actions: []Action{scene("scene.movement")}},
	}))
	h.engine.Assign(Assignment{AreaID: den, AppID: testAppID, FeatureEnabled: false})

	h.enter(den, activity.Movement)
	assert.Empty(t, h.dispatcher.Calls())
	assert.Equal(t, int64(0), h.engine.Stats().TotalTriggers)
	assert.Equal(t, activity.Movement, h.act.Activity(den), "classification keeps running")

	require.NoError(t, h.engine.SetFeatureEnabled(den, true))
	h.enter(den, activity.Movement)
	assert.Equal(t, []string{"scene.movement"}, h.scenes())

	assert.Error(t, h.engine.SetFeatureEnabled("attic", true))
}

func TestEngine_MissingAppIsNoop(t *testing.T) {
	h := newHarness(t, DefaultApp())
	h.engine.Assign(Assignment{AreaID: den, AppID: "ghost", FeatureEnabled: true})

	h.enter(den, activity.Movement)

	assert.Empty(t, h.dispatcher.Calls())
	assert.Equal(t, int64(1), h.engine.Stats().TotalTriggers)
}

func TestEngine_PollingIsolatesFailingArea(t *testing.T) {
	h := newHarness(t, testApp(map[activity.Level]*LevelRule{
		activity.Movement: {Actions: []Action{{Service: "script.turn_on", Target: TargetArea}}},
	}))
	h.engine.Assign(Assignment{AreaID: hall, AppID: testAppID, FeatureEnabled: true})
	h.engine.EnableArea(hall)
	h.act.put(den, activity.Movement)
	h.act.put(hall, activity.Movement)
	h.env.panicArea = den

	h.engine.StartPolling()
	h.clock.Advance(30 * time.Second)

	calls := h.dispatcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, hall, calls[0].Payload["area_id"])
	assert.Equal(t, 1, h.env.refreshCount(den))
	assert.Equal(t, 1, h.env.refreshCount(hall))

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 2, h.env.refreshCount(hall), "polling continues after a failure")

	h.engine.Stop()
	h.clock.Advance(time.Minute)
	assert.Equal(t, 2, h.env.refreshCount(hall))
	assert.Equal(t, int64(2), h.engine.Stats().TotalAssignments)
}

// A delayed on_exit and a state machine timeout due at the same instant:
// the state machine transition is applied first.
func TestEngine_DelayedExitSeesSameInstantTransition(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC))
	registry := entitytest.NewRegistry()
	registry.Put(entity.Meta{EntityID: denMotion, DeviceClass: entity.DeviceClassMotion, AreaID: den})
	states := entitytest.NewStates()
	states.Set(denMotion, entity.StateOff, nil)

	act := activity.NewManager(staticDefs(activity.DefaultDefinitions()), staticMembers{den: {denMotion}},
		registry, states, clk, zap.NewNop())
	defer act.Stop()

	var mu sync.Mutex
	var levelAtExit activity.Level
	dispatcher := entitytest.NewDispatcher()
	dispatcher.FailWhen = func(c entitytest.Call) error {
		mu.Lock()
		defer mu.Unlock()
		levelAtExit = act.Activity(den)
		return nil
	}

	app := testApp(map[activity.Level]*LevelRule{
		activity.Movement: {
			OnExit:             []Action{scene("scene.after_movement")},
			OnExitDelaySeconds: 129,
		},
	})
	engine := NewEngine(Collaborators{
		Apps:       staticApps{app.ID: app},
		Activity:   act,
		Env:        newFakeEnv(),
		Lights:     staticLights{},
		Dispatcher: dispatcher,
		Bus:        entity.NewBus(),
	}, clk, Options{Debounce: time.Second}, zap.NewNop())
	engine.Assign(Assignment{AreaID: den, AppID: app.ID, FeatureEnabled: true})
	engine.EnableArea(den)
	defer engine.Stop()

	act.HandleStateChange(states.Set(denMotion, entity.StateOn, nil))
	require.Equal(t, activity.Movement, act.Activity(den))
	clk.Advance(time.Second)

	clk.Advance(299 * time.Second)
	require.Equal(t, activity.Occupied, act.Activity(den))
	clk.Advance(time.Second)

	remaining, ok := engine.ExitTimeoutRemaining(den)
	require.True(t, ok)
	assert.Equal(t, 129*time.Second, remaining)

	clk.Advance(9 * time.Second)
	act.HandleStateChange(states.Set(denMotion, entity.StateOff, nil))
	loss, ok := act.TimeUntilStateLoss(den)
	require.True(t, ok)
	assert.Equal(t, 120*time.Second, loss, "both timers are due at the same instant")

	clk.Advance(120 * time.Second)

	require.Len(t, dispatcher.Calls(), 1)
	mu.Lock()
	assert.Equal(t, activity.Inactive, levelAtExit)
	mu.Unlock()
	assert.Equal(t, activity.Inactive, act.Activity(den))
}
