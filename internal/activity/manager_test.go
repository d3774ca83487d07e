package activity

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
	"areaautomation/internal/entity/entitytest"
)

type staticDefs map[Level]Definition

func (s staticDefs) GetActivityDefinition(id Level) (Definition, bool) {
	d, ok := s[id]
	return d, ok
}

type staticMembers map[string][]string

func (s staticMembers) PresenceMembers(areaID string) []string {
	return s[areaID]
}

type panickingMembers struct{}

func (panickingMembers) PresenceMembers(string) []string { panic("membership unavailable") }

const (
	kitchen = "kitchen"
	motion  = "binary_sensor.kitchen_motion"
	tv      = "media_player.kitchen_tv"
)

type fixture struct {
	clock   *clock.MockClock
	states  *entitytest.States
	members staticMembers
	defs    staticDefs
	mgr     *Manager
	changes []Change
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := entitytest.NewRegistry()
	reg.Put(entity.Meta{EntityID: motion, DeviceClass: entity.DeviceClassMotion, AreaID: kitchen})
	reg.Put(entity.Meta{EntityID: tv, AreaID: kitchen})
	reg.Put(entity.Meta{EntityID: "binary_sensor.hall_motion", DeviceClass: entity.DeviceClassMotion, AreaID: "hall"})

	f := &fixture{
		clock:   clock.NewMockClock(time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC)),
		states:  entitytest.NewStates(),
		members: staticMembers{kitchen: {motion, tv}},
		defs:    staticDefs(DefaultDefinitions()),
	}
	f.states.Set(motion, entity.StateOff, nil)
	f.states.Set(tv, entity.StateOff, nil)
	f.mgr = NewManager(f.defs, f.members, reg, f.states, f.clock, zap.NewNop())
	f.mgr.Subscribe(func(c Change) { f.changes = append(f.changes, c) })
	return f
}

func (f *fixture) set(entityID, state string) {
	f.states.Set(entityID, state, nil)
	f.mgr.Evaluate(kitchen)
}

func (f *fixture) transitions() []Level {
	out := make([]Level, 0, len(f.changes))
	for _, c := range f.changes {
		out = append(out, c.New)
	}
	return out
}

func TestManager_ContinuousTriggerPromotesExactlyAtThreshold(t *testing.T) {
	f := newFixture(t)

	f.set(motion, entity.StateOn)
	assert.Equal(t, Movement, f.mgr.Activity(kitchen), "movement is immediate")

	f.clock.Advance(299 * time.Second)
	assert.Equal(t, Movement, f.mgr.Activity(kitchen))

	f.clock.Advance(999 * time.Millisecond)
	assert.Equal(t, Movement, f.mgr.Activity(kitchen), "never promoted early")

	f.clock.Advance(time.Millisecond)
	assert.Equal(t, Occupied, f.mgr.Activity(kitchen))

	require.Len(t, f.changes, 2)
	assert.Equal(t, Empty, f.changes[0].Old)
	assert.Equal(t, 300*time.Second, f.changes[1].Timestamp.Sub(f.changes[0].Timestamp))
	assert.NotEmpty(t, f.changes[0].ID)
	assert.NotEqual(t, f.changes[0].ID, f.changes[1].ID)

	assert.Equal(t, 0, f.mgr.PendingTimers(kitchen), "occupied and triggered has nothing to wait for")
}

func TestManager_ChangesNameTriggeringMembers(t *testing.T) {
	f := newFixture(t)

	f.set(motion, entity.StateOn)
	require.Len(t, f.changes, 1)
	assert.Equal(t, []string{motion}, f.changes[0].TriggeredBy)

	st, ok := f.mgr.Snapshot(kitchen)
	require.True(t, ok)
	assert.Equal(t, []string{motion}, st.TriggeredBy)

	f.set(motion, entity.StateOff)
	st, _ = f.mgr.Snapshot(kitchen)
	assert.Empty(t, st.TriggeredBy)

	f.clock.Advance(time.Hour)
	require.NotEmpty(t, f.changes)
	last := f.changes[len(f.changes)-1]
	assert.Equal(t, Empty, last.New)
	assert.Empty(t, last.TriggeredBy, "demotions are not triggered by anything")
}

func TestManager_FlickerRestartsAccumulation(t *testing.T) {
	f := newFixture(t)

	f.set(motion, entity.StateOn)
	f.clock.Advance(200 * time.Second)
	f.set(motion, entity.StateOff)
	f.clock.Advance(500 * time.Millisecond)
	f.set(motion, entity.StateOn)

	f.clock.Advance(200 * time.Second)
	assert.Equal(t, Movement, f.mgr.Activity(kitchen))

	f.clock.Advance(100 * time.Second)
	assert.Equal(t, Occupied, f.mgr.Activity(kitchen))
}

func TestManager_DemotionChain(t *testing.T) {
	f := newFixture(t)

	f.set(motion, entity.StateOn)
	f.set(motion, entity.StateOff)

	p, ok := f.mgr.PendingTimeout(kitchen)
	require.True(t, ok)
	assert.Equal(t, TimeoutDemotion, p.Type)
	assert.Equal(t, Inactive, p.Target)
	assert.Equal(t, time.Second, p.Remaining)

	f.clock.Advance(time.Second)
	assert.Equal(t, Inactive, f.mgr.Activity(kitchen))

	remaining, ok := f.mgr.TimeUntilStateLoss(kitchen)
	require.True(t, ok)
	assert.Equal(t, 120*time.Second, remaining)

	f.clock.Advance(120 * time.Second)
	assert.Equal(t, Empty, f.mgr.Activity(kitchen))
	assert.Equal(t, []Level{Movement, Inactive, Empty}, f.transitions())
	assert.Equal(t, 0, f.mgr.PendingTimers(kitchen))

	snap, ok := f.mgr.Snapshot(kitchen)
	require.True(t, ok)
	assert.Equal(t, Inactive, snap.Previous)
}

func TestManager_OccupiedRetriggerCancelsTimeout(t *testing.T) {
	f := newFixture(t)

	f.set(motion, entity.StateOn)
	f.clock.Advance(300 * time.Second)
	require.Equal(t, Occupied, f.mgr.Activity(kitchen))

	f.set(motion, entity.StateOff)
	assert.Equal(t, 1, f.mgr.PendingTimers(kitchen))

	f.clock.Advance(60 * time.Second)
	f.set(motion, entity.StateOn)
	assert.Equal(t, 0, f.mgr.PendingTimers(kitchen))

	f.clock.Advance(200 * time.Second)
	assert.Equal(t, Occupied, f.mgr.Activity(kitchen))
	assert.Equal(t, []Level{Movement, Occupied}, f.transitions())
}

func TestManager_InactiveRetriggerReturnsToMovement(t *testing.T) {
	f := newFixture(t)

	f.set(motion, entity.StateOn)
	f.set(motion, entity.StateOff)
	f.clock.Advance(time.Second)
	require.Equal(t, Inactive, f.mgr.Activity(kitchen))

	f.clock.Advance(30 * time.Second)
	f.set(motion, entity.StateOn)

	assert.Equal(t, Movement, f.mgr.Activity(kitchen))
	p, ok := f.mgr.PendingTimeout(kitchen)
	require.True(t, ok)
	assert.Equal(t, TimeoutPromotion, p.Type)
	assert.Equal(t, 300*time.Second, p.Remaining, "accumulation restarts on re-entry")

	f.clock.Advance(120 * time.Second)
	assert.Equal(t, Movement, f.mgr.Activity(kitchen), "the inactive timeout was cancelled")
}

func TestManager_MediaPlayerPlayingTriggers(t *testing.T) {
	f := newFixture(t)

	f.set(tv, entity.StateOn)
	assert.Equal(t, Empty, f.mgr.Activity(kitchen), "a media player that is merely on is not presence")

	f.set(tv, entity.StatePlaying)
	assert.Equal(t, Movement, f.mgr.Activity(kitchen))
}

func TestManager_AtMostOneTimerPerArea(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))
	values := []string{entity.StateOn, entity.StateOff, entity.StateUnavailable}

	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			f.set(motion, values[rng.Intn(len(values))])
		case 1:
			f.set(tv, []string{entity.StatePlaying, entity.StateOff}[rng.Intn(2)])
		case 2:
			f.clock.Advance(time.Duration(rng.Intn(200_000)) * time.Millisecond)
		}
		require.LessOrEqual(t, f.mgr.PendingTimers(kitchen), 1)
		require.LessOrEqual(t, f.clock.PendingTimers(), 1, "step %d", i)
	}
}

func TestManager_EmptyMembershipSettlesToEmpty(t *testing.T) {
	f := newFixture(t)

	f.set(motion, entity.StateOn)
	f.set(motion, entity.StateOff)
	require.Equal(t, 1, f.mgr.PendingTimers(kitchen))

	f.members[kitchen] = nil
	f.mgr.Evaluate(kitchen)

	assert.Equal(t, Empty, f.mgr.Activity(kitchen))
	assert.Equal(t, 0, f.mgr.PendingTimers(kitchen))
	assert.Equal(t, 0, f.clock.PendingTimers())
}

func TestManager_MissingDefinitionIsNoOp(t *testing.T) {
	f := newFixture(t)
	delete(f.defs, Occupied)

	f.set(motion, entity.StateOn)
	assert.Equal(t, Empty, f.mgr.Activity(kitchen))
	assert.Empty(t, f.changes)

	f.defs[Occupied] = DefaultDefinitions()[Occupied]
	f.mgr.Evaluate(kitchen)
	assert.Equal(t, Movement, f.mgr.Activity(kitchen))
}

func TestManager_MalformedConditionIsNoOp(t *testing.T) {
	f := newFixture(t)
	def := f.defs[Movement]
	def.DetectionConditions = &Condition{Logic: "xor", Conditions: []Condition{{Domain: "binary_sensor"}}}
	f.defs[Movement] = def

	f.set(motion, entity.StateOn)
	assert.Equal(t, Empty, f.mgr.Activity(kitchen))
}

func TestManager_SettleAppliesDueTransitionFirst(t *testing.T) {
	f := newFixture(t)

	var observed Level
	// Registered before the activity timer, so it runs first at the shared instant
	f.clock.AfterFunc(time.Second, func() {
		f.mgr.Settle(kitchen)
		observed = f.mgr.Activity(kitchen)
	})

	f.set(motion, entity.StateOn)
	f.set(motion, entity.StateOff)
	f.clock.Advance(time.Second)

	assert.Equal(t, Inactive, observed)
	assert.Equal(t, []Level{Movement, Inactive}, f.transitions(), "the superseded timer does not transition twice")
}

func TestManager_PanicIsIsolated(t *testing.T) {
	reg := entitytest.NewRegistry()
	mgr := NewManager(staticDefs(DefaultDefinitions()), panickingMembers{}, reg, entitytest.NewStates(),
		clock.NewMockClock(time.Now()), zap.NewNop())

	assert.NotPanics(t, func() { mgr.Evaluate(kitchen) })
	assert.Equal(t, Empty, mgr.Activity(kitchen))
}

func TestManager_HandleStateChangeOnlyForMembers(t *testing.T) {
	f := newFixture(t)

	f.states.Set("binary_sensor.hall_motion", entity.StateOn, nil)
	f.mgr.HandleStateChange(entity.StateChange{EntityID: "binary_sensor.hall_motion"})
	assert.Empty(t, f.changes)

	change := f.states.Set(motion, entity.StateOn, nil)
	f.mgr.HandleStateChange(change)
	assert.Equal(t, Movement, f.mgr.Activity(kitchen))
}

func TestManager_AreaListeners(t *testing.T) {
	f := newFixture(t)
	f.members["hall"] = []string{"binary_sensor.hall_motion"}

	var kitchenChanges, hallChanges int
	unsubKitchen := f.mgr.SubscribeArea(kitchen, func(Change) { kitchenChanges++ })
	f.mgr.SubscribeArea("hall", func(Change) { hallChanges++ })
	assert.Equal(t, 3, f.mgr.ListenerCount())

	f.set(motion, entity.StateOn)
	f.states.Set("binary_sensor.hall_motion", entity.StateOn, nil)
	f.mgr.Evaluate("hall")

	assert.Equal(t, 1, kitchenChanges)
	assert.Equal(t, 1, hallChanges)

	unsubKitchen()
	unsubKitchen()
	assert.Equal(t, 2, f.mgr.ListenerCount())
	f.set(motion, entity.StateOff)
	f.clock.Advance(time.Second)
	assert.Equal(t, 1, kitchenChanges)
}

func TestManager_ForgetEmitsEmpty(t *testing.T) {
	f := newFixture(t)
	f.set(motion, entity.StateOn)
	f.set(motion, entity.StateOff)

	f.mgr.Forget(kitchen)

	assert.Equal(t, []Level{Movement, Empty}, f.transitions())
	assert.Equal(t, 0, f.clock.PendingTimers())
	assert.Empty(t, f.mgr.Areas())
}

func TestManager_ConfiguredTimeouts(t *testing.T) {
	f := newFixture(t)
	timeouts := f.mgr.ConfiguredTimeouts()

	assert.Equal(t, time.Second, timeouts[Movement])
	assert.Equal(t, 120*time.Second, timeouts[Occupied])
	assert.Equal(t, 120*time.Second, timeouts[Inactive])
	assert.Equal(t, time.Duration(0), timeouts[Empty])
}

func TestCondition_Evaluate(t *testing.T) {
	states := entitytest.NewStates()
	states.Set("binary_sensor.a", entity.StateOn, map[string]any{"device_class": "occupancy"})
	states.Set("binary_sensor.b", entity.StateOff, nil)
	members := []entity.Meta{
		{EntityID: "binary_sensor.a", Domain: entity.DomainBinarySensor},
		{EntityID: "binary_sensor.b", Domain: entity.DomainBinarySensor, DeviceClass: entity.DeviceClassMotion},
	}

	occupancy := Condition{Domain: entity.DomainBinarySensor, DeviceClasses: []string{entity.DeviceClassOccupancy}, State: entity.StateOn}
	motionOn := Condition{Domain: entity.DomainBinarySensor, DeviceClasses: []string{entity.DeviceClassMotion}, State: entity.StateOn}

	assert.True(t, occupancy.Evaluate(members, states), "device class falls back to the state attribute")
	assert.False(t, motionOn.Evaluate(members, states))
	assert.True(t, Condition{Logic: LogicOr, Conditions: []Condition{occupancy, motionOn}}.Evaluate(members, states))
	assert.False(t, Condition{Logic: LogicAnd, Conditions: []Condition{occupancy, motionOn}}.Evaluate(members, states))

	assert.Equal(t, []string{"binary_sensor.a"}, DefaultDetection().Triggering(members, states))

	assert.ErrorIs(t, Condition{}.Validate(), ErrEmptyCondition)
	assert.Error(t, Condition{Logic: "xor", Conditions: []Condition{occupancy}}.Validate())
	assert.NoError(t, DefaultDetection().Validate())
}
