// Package rules maps activity transitions and environmental changes to
// declarative condition/action rules, per area.
package rules

import (
	"fmt"
	"strings"
	"time"

	"areaautomation/internal/activity"
)

// DefaultAppID is the system-owned lighting app
const DefaultAppID = "automatic_lighting"

// Action targets
const (
	TargetArea   = "area"
	TargetLights = "lights"
)

// App is a named bundle of per-level rules
type App struct {
	ID              string                        `yaml:"id" json:"id"`
	Name            string                        `yaml:"name" json:"name"`
	IsSystem        bool                          `yaml:"is_system" json:"is_system"`
	ActivityActions map[activity.Level]*LevelRule `yaml:"activity_actions" json:"activity_actions"`
}

// LevelRule is what an app does on entering and leaving one activity level
type LevelRule struct {
	Logic              string      `yaml:"logic,omitempty" json:"logic,omitempty"`
	Conditions         []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions            []Action    `yaml:"actions,omitempty" json:"actions,omitempty"`
	OnExit             []Action    `yaml:"on_exit,omitempty" json:"on_exit,omitempty"`
	OnExitDelaySeconds float64     `yaml:"on_exit_delay_seconds,omitempty" json:"on_exit_delay_seconds,omitempty"`
}

// OnExitDelay is the delay before on_exit actions run
func (r *LevelRule) OnExitDelay() time.Duration {
	return time.Duration(r.OnExitDelaySeconds * float64(time.Second))
}

// Validate reports malformed conditions or actions
func (r *LevelRule) Validate() error {
	switch r.Logic {
	case "", activity.LogicAnd, activity.LogicOr:
	default:
		return fmt.Errorf("unknown logic %q", r.Logic)
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	for i, a := range r.OnExit {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("on_exit action %d: %w", i, err)
		}
	}
	if r.OnExitDelaySeconds < 0 {
		return fmt.Errorf("negative on_exit_delay_seconds")
	}
	return nil
}

// Action is one service call. Target is "area", "lights", or empty when
// EntityIDs names the targets explicitly.
type Action struct {
	Service   string         `yaml:"service" json:"service"`
	Target    string         `yaml:"target,omitempty" json:"target,omitempty"`
	EntityIDs []string       `yaml:"entity_ids,omitempty" json:"entity_ids,omitempty"`
	Data      map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

// Split returns the domain and service of "domain.service"
func (a Action) Split() (domain, service string, err error) {
	domain, service, ok := strings.Cut(a.Service, ".")
	if !ok || domain == "" || service == "" {
		return "", "", fmt.Errorf("service %q is not domain.service", a.Service)
	}
	return domain, service, nil
}

// Validate reports a malformed action
func (a Action) Validate() error {
	if _, _, err := a.Split(); err != nil {
		return err
	}
	switch a.Target {
	case TargetArea, TargetLights:
		return nil
	case "":
		if len(a.EntityIDs) == 0 {
			return fmt.Errorf("action %s has no target", a.Service)
		}
		return nil
	default:
		return fmt.Errorf("unknown target %q", a.Target)
	}
}

// Assignment binds an area to an app
type Assignment struct {
	AreaID         string `yaml:"area_id" json:"area_id"`
	AppID          string `yaml:"app_id" json:"app_id"`
	FeatureEnabled bool   `yaml:"enabled" json:"enabled"`
}

// Stats are in-memory counters, reset on restart
type Stats struct {
	TotalTriggers        int64 `json:"total_triggers"`
	SuccessfulExecutions int64 `json:"successful_executions"`
	FailedExecutions     int64 `json:"failed_executions"`
	CooldownBlocks       int64 `json:"cooldown_blocks"`
	TotalAssignments     int64 `json:"total_assignments"`
}

// AppSource resolves apps. System apps always resolve once defaults are
// ensured; the engine tolerates a transient miss.
type AppSource interface {
	GetApp(id string) (App, bool)
}

// DefaultApp returns the system automatic lighting app: lights follow
// presence when it is dark, dim while the area is going quiet, and turn off
// when it is empty.
func DefaultApp() App {
	dark := []Condition{{Attribute: AttrIsDark, Operator: OpEq, Value: true}}
	return App{
		ID:       DefaultAppID,
		Name:     "Automatic Lighting",
		IsSystem: true,
		ActivityActions: map[activity.Level]*LevelRule{
			activity.Movement: {
				Logic:      activity.LogicAnd,
				Conditions: dark,
				Actions:    []Action{{Service: "light.turn_on", Target: TargetLights, Data: map[string]any{"brightness_pct": 100}}},
			},
			activity.Occupied: {
				Logic:      activity.LogicAnd,
				Conditions: dark,
				Actions:    []Action{{Service: "light.turn_on", Target: TargetLights, Data: map[string]any{"brightness_pct": 100}}},
			},
			activity.Inactive: {
				Logic:      activity.LogicAnd,
				Conditions: []Condition{{Attribute: AttrLightsOn, Operator: OpEq, Value: true}},
				Actions:    []Action{{Service: "light.turn_on", Target: TargetLights, Data: map[string]any{"brightness_pct": 30}}},
			},
			activity.Empty: {
				Actions: []Action{{Service: "light.turn_off", Target: TargetLights}},
			},
		},
	}
}
