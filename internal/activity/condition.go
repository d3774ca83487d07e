package activity

import (
	"errors"
	"fmt"

	"areaautomation/internal/entity"
)

// Logic combinators for condition nodes
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// ErrEmptyCondition is returned for a node with neither children nor a domain
var ErrEmptyCondition = errors.New("condition has neither sub-conditions nor a domain")

// Condition is a node of a detection expression. A node with Conditions is a
// branch combined with Logic (default "or"); otherwise it is a leaf that holds
// when any member of Domain (optionally restricted to DeviceClasses) is in State.
type Condition struct {
	Logic         string      `yaml:"logic,omitempty" json:"logic,omitempty"`
	Conditions    []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Domain        string      `yaml:"domain,omitempty" json:"domain,omitempty"`
	DeviceClasses []string    `yaml:"device_classes,omitempty" json:"device_classes,omitempty"`
	State         string      `yaml:"state,omitempty" json:"state,omitempty"`
}

// Validate checks the tree for unknown combinators and empty nodes
func (c Condition) Validate() error {
	if len(c.Conditions) > 0 {
		if c.Logic != "" && c.Logic != LogicAnd && c.Logic != LogicOr {
			return fmt.Errorf("unknown logic %q", c.Logic)
		}
		for i, sub := range c.Conditions {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
		}
		return nil
	}
	if c.Domain == "" {
		return ErrEmptyCondition
	}
	return nil
}

// Evaluate reports whether the condition holds over the given members
func (c Condition) Evaluate(members []entity.Meta, states entity.StateStore) bool {
	if len(c.Conditions) > 0 {
		if c.Logic == LogicAnd {
			for _, sub := range c.Conditions {
				if !sub.Evaluate(members, states) {
					return false
				}
			}
			return true
		}
		for _, sub := range c.Conditions {
			if sub.Evaluate(members, states) {
				return true
			}
		}
		return false
	}

	for _, m := range members {
		if c.matchesLeaf(m, states) {
			return true
		}
	}
	return false
}

// Triggering returns the members that satisfy any leaf of the tree
func (c Condition) Triggering(members []entity.Meta, states entity.StateStore) []string {
	var out []string
	for _, m := range members {
		if c.anyLeaf(m, states) {
			out = append(out, m.EntityID)
		}
	}
	return out
}

func (c Condition) anyLeaf(m entity.Meta, states entity.StateStore) bool {
	if len(c.Conditions) == 0 {
		return c.matchesLeaf(m, states)
	}
	for _, sub := range c.Conditions {
		if sub.anyLeaf(m, states) {
			return true
		}
	}
	return false
}

func (c Condition) matchesLeaf(m entity.Meta, states entity.StateStore) bool {
	if m.Domain != c.Domain {
		return false
	}
	rec, ok := states.Get(m.EntityID)
	if !ok || !rec.Available() {
		return false
	}
	if len(c.DeviceClasses) > 0 {
		dc := m.DeviceClass
		if dc == "" {
			dc = rec.Attributes.DeviceClass()
		}
		found := false
		for _, want := range c.DeviceClasses {
			if dc == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.State == "" {
		return rec.State == entity.StateOn
	}
	return rec.State == c.State
}
