package shadowstate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"areaautomation/internal/clock"
)

func newTestTracker(history int) (*Tracker, *clock.MockClock) {
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC))
	return NewTracker(clk, history), clk
}

func TestTrackerUpdateInputs(t *testing.T) {
	tracker, _ := newTestTracker(0)

	tracker.UpdateInputs("kitchen", map[string]interface{}{"is_dark": true, "illuminance": 12.0})
	tracker.UpdateInputs("kitchen", map[string]interface{}{"illuminance": 40.0})

	state, ok := tracker.GetAreaState("kitchen")
	if !ok {
		t.Fatal("Expected kitchen shadow state")
	}
	if state.Inputs.Current["is_dark"] != true {
		t.Errorf("Expected is_dark to be kept, got %v", state.Inputs.Current["is_dark"])
	}
	if state.Inputs.Current["illuminance"] != 40.0 {
		t.Errorf("Expected illuminance 40, got %v", state.Inputs.Current["illuminance"])
	}
	if len(state.Inputs.AtLastAction) != 0 {
		t.Error("Expected no last-action inputs before any action")
	}
}

func TestTrackerRecordActionSnapshotsInputs(t *testing.T) {
	tracker, clk := newTestTracker(0)

	tracker.UpdateInputs("kitchen", map[string]interface{}{"is_dark": true})
	clk.Advance(time.Minute)
	tracker.RecordAction("kitchen", ActionRecord{
		ActionType: "light.turn_on",
		Level:      "movement",
		Reason:     "entered movement",
		Success:    true,
	})
	tracker.UpdateInputs("kitchen", map[string]interface{}{"is_dark": false})

	state, _ := tracker.GetAreaState("kitchen")
	if state.Inputs.AtLastAction["is_dark"] != true {
		t.Errorf("Expected inputs at last action to be frozen, got %v", state.Inputs.AtLastAction["is_dark"])
	}
	if state.Inputs.Current["is_dark"] != false {
		t.Errorf("Expected current inputs to move on, got %v", state.Inputs.Current["is_dark"])
	}
	if state.Outputs.LastAction == nil || state.Outputs.LastAction.ActionType != "light.turn_on" {
		t.Fatalf("Unexpected last action: %+v", state.Outputs.LastAction)
	}
	if !state.Outputs.LastActionTime.Equal(clk.Now()) {
		t.Errorf("Expected action timestamp %v, got %v", clk.Now(), state.Outputs.LastActionTime)
	}
}

func TestTrackerHistoryIsBounded(t *testing.T) {
	tracker, _ := newTestTracker(3)

	for i := 0; i < 5; i++ {
		tracker.RecordAction("hall", ActionRecord{ActionType: fmt.Sprintf("action_%d", i)})
	}

	state, _ := tracker.GetAreaState("hall")
	if len(state.Outputs.Recent) != 3 {
		t.Fatalf("Expected 3 recent actions, got %d", len(state.Outputs.Recent))
	}
	if state.Outputs.Recent[0].ActionType != "action_2" {
		t.Errorf("Expected oldest kept action_2, got %s", state.Outputs.Recent[0].ActionType)
	}
}

func TestTrackerReturnsCopies(t *testing.T) {
	tracker, _ := newTestTracker(0)
	tracker.UpdateInputs("hall", map[string]interface{}{"is_dark": true})
	tracker.RecordAction("hall", ActionRecord{ActionType: "light.turn_off"})

	state, _ := tracker.GetAreaState("hall")
	state.Inputs.Current["is_dark"] = false
	state.Outputs.LastAction.ActionType = "mutated"

	again, _ := tracker.GetAreaState("hall")
	if again.Inputs.Current["is_dark"] != true {
		t.Error("Mutating a copy changed the tracker's inputs")
	}
	if again.Outputs.LastAction.ActionType != "light.turn_off" {
		t.Error("Mutating a copy changed the tracker's last action")
	}
}

func TestTrackerForgetAndList(t *testing.T) {
	tracker, _ := newTestTracker(0)
	tracker.UpdateInputs("kitchen", nil)
	tracker.UpdateInputs("hall", nil)

	if got := tracker.Areas(); len(got) != 2 || got[0] != "hall" {
		t.Fatalf("Unexpected areas: %v", got)
	}
	tracker.Forget("hall")
	if _, ok := tracker.GetAreaState("hall"); ok {
		t.Error("Expected hall to be forgotten")
	}
	if len(tracker.GetAllAreaStates()) != 1 {
		t.Error("Expected one remaining area")
	}
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tracker, _ := newTestTracker(0)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			area := fmt.Sprintf("area_%d", n%3)
			for j := 0; j < 100; j++ {
				tracker.UpdateInputs(area, map[string]interface{}{"j": j})
				tracker.RecordAction(area, ActionRecord{ActionType: "light.turn_on"})
				tracker.GetAreaState(area)
			}
		}(i)
	}
	wg.Wait()

	if len(tracker.Areas()) != 3 {
		t.Errorf("Expected 3 areas, got %d", len(tracker.Areas()))
	}
}
