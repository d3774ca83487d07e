package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Matches(t *testing.T) {
	presence := PresenceFilter()

	tests := []struct {
		name string
		meta Meta
		want bool
	}{
		{"motion sensor", Meta{Domain: DomainBinarySensor, DeviceClass: DeviceClassMotion}, true},
		{"occupancy sensor", Meta{Domain: DomainBinarySensor, DeviceClass: DeviceClassOccupancy}, true},
		{"door sensor", Meta{Domain: DomainBinarySensor, DeviceClass: "door"}, false},
		{"media player", Meta{Domain: DomainMediaPlayer}, true},
		{"light", Meta{Domain: DomainLight}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, presence.Matches(tt.meta))
		})
	}

	assert.Equal(t, []string{DomainBinarySensor, DomainMediaPlayer}, presence.Domains())
	assert.True(t, presence.MonitorsDomain(DomainMediaPlayer))
	assert.False(t, presence.MonitorsDomain(DomainLight))
}

func TestRegistryEvent_LocationChanged(t *testing.T) {
	moved := RegistryEvent{Action: ActionUpdate, EntityID: "light.a", Changes: map[string]any{"area_id": "kitchen"}}
	renamed := RegistryEvent{Action: ActionUpdate, EntityID: "light.a", Changes: map[string]any{"name": "x"}}
	created := RegistryEvent{Action: ActionCreate, EntityID: "light.a"}

	assert.True(t, moved.LocationChanged())
	assert.False(t, renamed.LocationChanged())
	assert.False(t, created.LocationChanged())
	assert.Equal(t, "light", moved.Domain())

	prev, ok := moved.PreviousArea()
	assert.True(t, ok)
	assert.Equal(t, "kitchen", prev)
}

func TestAttributes_Accessors(t *testing.T) {
	attrs := Attributes{
		"brightness":            float64(127.6),
		"supported_color_modes": []any{"hs", "color_temp"},
		"hs_color":              []any{float64(30), float64(50)},
		"illuminance":           "42.5",
		"device_class":          "motion",
	}

	b, ok := attrs.Int("brightness")
	require.True(t, ok)
	assert.Equal(t, 128, b)

	assert.Equal(t, []string{"hs", "color_temp"}, attrs.Strings("supported_color_modes"))

	hs, ok := attrs.Floats("hs_color")
	require.True(t, ok)
	assert.Equal(t, []float64{30, 50}, hs)

	lux, ok := attrs.Float("illuminance")
	require.True(t, ok)
	assert.InDelta(t, 42.5, lux, 0.001)

	assert.Equal(t, "motion", attrs.DeviceClass())

	_, ok = attrs.Float("missing")
	assert.False(t, ok)
}

func TestStateRecord_Available(t *testing.T) {
	var nilRecord *StateRecord
	assert.False(t, nilRecord.Available())
	assert.False(t, (&StateRecord{State: StateUnavailable}).Available())
	assert.True(t, (&StateRecord{State: StateOff}).Available())
	assert.True(t, (&StateRecord{State: StateOn}).Is(StateOn))
}

func TestBus_DeliversInOrderAndUnsubscribes(t *testing.T) {
	bus := NewBus()

	var got []string
	unsubA := bus.SubscribeStates(func(c StateChange) { got = append(got, "a:"+c.EntityID) })
	bus.SubscribeStates(func(c StateChange) { got = append(got, "b:"+c.EntityID) })

	bus.PublishState(StateChange{EntityID: "light.x"})
	unsubA()
	unsubA()
	bus.PublishState(StateChange{EntityID: "light.y"})

	assert.Equal(t, []string{"a:light.x", "b:light.x", "b:light.y"}, got)
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestBus_HostStarted(t *testing.T) {
	bus := NewBus()

	early := 0
	bus.OnHostStarted(func() { early++ })
	assert.False(t, bus.HostStarted())

	bus.PublishHostStarted()
	bus.PublishHostStarted()
	assert.Equal(t, 1, early)
	assert.True(t, bus.HostStarted())

	late := 0
	bus.OnHostStarted(func() { late++ })
	assert.Equal(t, 1, late)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_Registry(t *testing.T) {
	bus := NewBus()

	var events []RegistryEvent
	unsub := bus.SubscribeRegistry(func(e RegistryEvent) { events = append(events, e) })

	bus.PublishRegistry(RegistryEvent{Action: ActionCreate, EntityID: "binary_sensor.hall_motion"})
	unsub()
	bus.PublishRegistry(RegistryEvent{Action: ActionRemove, EntityID: "binary_sensor.hall_motion"})

	require.Len(t, events, 1)
	assert.Equal(t, ActionCreate, events[0].Action)
}
