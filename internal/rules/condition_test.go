package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areaautomation/internal/activity"
)

func TestConditionEvaluate(t *testing.T) {
	facts := Facts{
		AttrIlluminance: 42.0,
		AttrIsDark:      true,
		AttrActivity:    "occupied",
		AttrTemperature: 19,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"bool eq", Condition{AttrIsDark, OpEq, true}, true},
		{"bool eq from string", Condition{AttrIsDark, OpEq, "true"}, true},
		{"bool ne", Condition{AttrIsDark, OpNe, true}, false},
		{"string eq", Condition{AttrActivity, OpEq, "occupied"}, true},
		{"string ne", Condition{AttrActivity, OpNe, "movement"}, true},
		{"lt", Condition{AttrIlluminance, OpLt, 50}, true},
		{"lte boundary", Condition{AttrIlluminance, OpLte, 42}, true},
		{"gt", Condition{AttrIlluminance, OpGt, 42}, false},
		{"gte int fact", Condition{AttrTemperature, OpGte, 18.5}, true},
		{"numeric eq across types", Condition{AttrTemperature, OpEq, 19.0}, true},
		{"missing fact", Condition{AttrSunElevation, OpLt, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Evaluate(facts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluateTypeMismatch(t *testing.T) {
	_, err := Condition{AttrActivity, OpLt, 3}.Evaluate(Facts{AttrActivity: "movement"})
	assert.Error(t, err)

	_, err = Condition{AttrIsDark, OpEq, "maybe"}.Evaluate(Facts{AttrIsDark: true})
	assert.Error(t, err)
}

func TestConditionValidate(t *testing.T) {
	assert.NoError(t, Condition{AttrLightsOn, OpEq, true}.Validate())
	assert.Error(t, Condition{"area.colour", OpEq, true}.Validate())
	assert.Error(t, Condition{AttrLightsOn, "between", true}.Validate())
}

func TestEvaluateAll(t *testing.T) {
	facts := Facts{AttrIsDark: false, AttrPresence: true}
	dark := Condition{AttrIsDark, OpEq, true}
	present := Condition{AttrPresence, OpEq, true}

	ok, err := EvaluateAll("", nil, facts)
	require.NoError(t, err)
	assert.True(t, ok, "no conditions always holds")

	ok, _ = EvaluateAll(activity.LogicAnd, []Condition{dark, present}, facts)
	assert.False(t, ok)

	ok, _ = EvaluateAll(activity.LogicOr, []Condition{dark, present}, facts)
	assert.True(t, ok)

	ok, _ = EvaluateAll("", []Condition{present}, facts)
	assert.True(t, ok, "logic defaults to and")
}

func TestLevelRuleValidate(t *testing.T) {
	rule := &LevelRule{
		Actions: []Action{{Service: "light.turn_on", Target: TargetLights}},
		OnExit:  []Action{{Service: "scene.turn_on", EntityIDs: []string{"scene.evening"}}},
	}
	require.NoError(t, rule.Validate())

	rule.Logic = "xor"
	assert.Error(t, rule.Validate())

	rule.Logic = ""
	rule.OnExit = append(rule.OnExit, Action{Service: "noservice", Target: TargetArea})
	assert.Error(t, rule.Validate())

	rule.OnExit = nil
	rule.Actions = []Action{{Service: "light.turn_on"}}
	assert.Error(t, rule.Validate(), "an action needs a target")
}

func TestDefaultAppIsValid(t *testing.T) {
	app := DefaultApp()
	assert.True(t, app.IsSystem)
	for level, rule := range app.ActivityActions {
		assert.NoError(t, rule.Validate(), "level %s", level)
	}
	assert.Len(t, app.ActivityActions, 4)
}
