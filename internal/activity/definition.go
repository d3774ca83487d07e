// Package activity classifies each area into one of four discrete activity
// levels from the live state of its presence sensors.
package activity

import (
	"fmt"
	"time"

	"areaautomation/internal/entity"
)

// Level is a discrete activity classification
type Level string

const (
	Empty    Level = "empty"
	Movement Level = "movement"
	Occupied Level = "occupied"
	Inactive Level = "inactive"
)

// Levels lists every level in escalation order
var Levels = []Level{Empty, Movement, Occupied, Inactive}

// Valid reports whether l is one of the four levels
func (l Level) Valid() bool {
	switch l {
	case Empty, Movement, Occupied, Inactive:
		return true
	}
	return false
}

// Definition is the static configuration of one activity level
type Definition struct {
	ID                       Level      `yaml:"id" json:"id"`
	Name                     string     `yaml:"name" json:"name"`
	DetectionConditions      *Condition `yaml:"detection_conditions,omitempty" json:"detection_conditions,omitempty"`
	DurationThresholdSeconds float64    `yaml:"duration_threshold_seconds" json:"duration_threshold_seconds"`
	TimeoutSeconds           float64    `yaml:"timeout_seconds" json:"timeout_seconds"`
	TransitionTo             Level      `yaml:"transition_to,omitempty" json:"transition_to,omitempty"`
	IsTransitionState        bool       `yaml:"is_transition_state" json:"is_transition_state"`
	IsSystem                 bool       `yaml:"is_system" json:"is_system"`
}

// DurationThreshold is the continuous trigger time required before promotion
func (d Definition) DurationThreshold() time.Duration {
	return seconds(d.DurationThresholdSeconds)
}

// Timeout is the untriggered time before demotion to TransitionTo
func (d Definition) Timeout() time.Duration {
	return seconds(d.TimeoutSeconds)
}

// Validate reports configuration errors that would make the definition unusable
func (d Definition) Validate() error {
	if !d.ID.Valid() {
		return fmt.Errorf("unknown activity level %q", d.ID)
	}
	if d.TransitionTo != "" && !d.TransitionTo.Valid() {
		return fmt.Errorf("activity %s: unknown transition_to %q", d.ID, d.TransitionTo)
	}
	if d.TimeoutSeconds < 0 || d.DurationThresholdSeconds < 0 {
		return fmt.Errorf("activity %s: negative duration", d.ID)
	}
	if d.DetectionConditions != nil {
		if err := d.DetectionConditions.Validate(); err != nil {
			return fmt.Errorf("activity %s: %w", d.ID, err)
		}
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// DefinitionSource resolves level definitions. A transient miss is tolerated
// by the manager and treated as a no-op for that evaluation.
type DefinitionSource interface {
	GetActivityDefinition(id Level) (Definition, bool)
}

// DefaultDetection is the built-in trigger condition: any motion, occupancy
// or presence sensor on, or any media player playing.
func DefaultDetection() *Condition {
	return &Condition{
		Logic: LogicOr,
		Conditions: []Condition{
			{
				Domain:        entity.DomainBinarySensor,
				DeviceClasses: []string{entity.DeviceClassMotion, entity.DeviceClassOccupancy, entity.DeviceClassPresence},
				State:         entity.StateOn,
			},
			{
				Domain: entity.DomainMediaPlayer,
				State:  entity.StatePlaying,
			},
		},
	}
}

// DefaultDefinitions returns the four system-owned level definitions
func DefaultDefinitions() map[Level]Definition {
	return map[Level]Definition{
		Empty: {
			ID:       Empty,
			Name:     "Empty",
			IsSystem: true,
		},
		Movement: {
			ID:                  Movement,
			Name:                "Movement",
			DetectionConditions: DefaultDetection(),
			TimeoutSeconds:      1,
			TransitionTo:        Inactive,
			IsSystem:            true,
		},
		Occupied: {
			ID:                       Occupied,
			Name:                     "Occupied",
			DetectionConditions:      DefaultDetection(),
			DurationThresholdSeconds: 300,
			TimeoutSeconds:           120,
			TransitionTo:             Inactive,
			IsSystem:                 true,
		},
		Inactive: {
			ID:                Inactive,
			Name:              "Inactive",
			TimeoutSeconds:    120,
			TransitionTo:      Empty,
			IsTransitionState: true,
			IsSystem:          true,
		},
	}
}
