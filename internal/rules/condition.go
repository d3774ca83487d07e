package rules

import (
	"fmt"
	"strconv"

	"areaautomation/internal/activity"
)

// Condition attributes. Environmental attributes come from the environment
// snapshot; area.* attributes describe the area itself.
const (
	AttrIlluminance      = "illuminance"
	AttrIsDark           = "is_dark"
	AttrTemperature      = "temperature"
	AttrSunElevation     = "sun_elevation"
	AttrActivity         = "area.activity"
	AttrPreviousActivity = "area.previous_activity"
	AttrLightsOn         = "area.lights_on"
	AttrPresence         = "area.presence"
)

// Comparison operators
const (
	OpEq  = "eq"
	OpNe  = "ne"
	OpLt  = "lt"
	OpLte = "lte"
	OpGt  = "gt"
	OpGte = "gte"
)

var knownAttributes = map[string]bool{
	AttrIlluminance: true, AttrIsDark: true, AttrTemperature: true, AttrSunElevation: true,
	AttrActivity: true, AttrPreviousActivity: true, AttrLightsOn: true, AttrPresence: true,
}

// Condition compares one attribute against a value
type Condition struct {
	Attribute string `yaml:"attribute" json:"attribute"`
	Operator  string `yaml:"operator" json:"operator"`
	Value     any    `yaml:"value" json:"value"`
}

// Facts are the attribute values a condition is evaluated against. A
// missing attribute means no data and never satisfies a condition.
type Facts map[string]any

// Validate reports an unknown attribute or operator
func (c Condition) Validate() error {
	if !knownAttributes[c.Attribute] {
		return fmt.Errorf("unknown attribute %q", c.Attribute)
	}
	switch c.Operator {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		return nil
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// Evaluate compares the fact for the condition's attribute against its value
func (c Condition) Evaluate(facts Facts) (bool, error) {
	actual, ok := facts[c.Attribute]
	if !ok || actual == nil {
		return false, nil
	}

	switch c.Operator {
	case OpEq, OpNe:
		eq, err := equal(actual, c.Value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", c.Attribute, err)
		}
		return eq == (c.Operator == OpEq), nil
	}

	a, okA := number(actual)
	b, okB := number(c.Value)
	if !okA || !okB {
		return false, fmt.Errorf("%s: operator %s needs numbers, got %v and %v", c.Attribute, c.Operator, actual, c.Value)
	}
	switch c.Operator {
	case OpLt:
		return a < b, nil
	case OpLte:
		return a <= b, nil
	case OpGt:
		return a > b, nil
	case OpGte:
		return a >= b, nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

// EvaluateAll combines conditions with logic ("and" unless "or"). No
// conditions always holds.
func EvaluateAll(logic string, conditions []Condition, facts Facts) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	anyOf := logic == activity.LogicOr
	for _, c := range conditions {
		ok, err := c.Evaluate(facts)
		if err != nil {
			return false, err
		}
		if anyOf && ok {
			return true, nil
		}
		if !anyOf && !ok {
			return false, nil
		}
	}
	return !anyOf, nil
}

func equal(actual, want any) (bool, error) {
	switch a := actual.(type) {
	case bool:
		b, ok := boolean(want)
		if !ok {
			return false, fmt.Errorf("cannot compare bool with %v", want)
		}
		return a == b, nil
	case string:
		return a == fmt.Sprint(want), nil
	case activity.Level:
		return string(a) == fmt.Sprint(want), nil
	}
	a, okA := number(actual)
	b, okB := number(want)
	if !okA || !okB {
		return false, fmt.Errorf("cannot compare %v with %v", actual, want)
	}
	return a == b, nil
}

func boolean(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
