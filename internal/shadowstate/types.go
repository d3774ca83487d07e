// Package shadowstate records, per area, the inputs the rule engine saw and
// the actions it took, so the reason behind every light change can be
// inspected after the fact.
package shadowstate

import "time"

// StateMetadata contains metadata about an area's shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	AreaID      string    `json:"areaId"`
}

// ActionRecord represents a single action taken for an area
type ActionRecord struct {
	Timestamp   time.Time              `json:"timestamp"`
	ExecutionID string                 `json:"executionId"`
	ActionType  string                 `json:"actionType"`
	Level       string                 `json:"level"`
	Reason      string                 `json:"reason"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// AreaInputs tracks current and last-action input values
type AreaInputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// AreaOutputs tracks the actions taken for an area
type AreaOutputs struct {
	LastAction     *ActionRecord  `json:"lastAction,omitempty"`
	Recent         []ActionRecord `json:"recent"`
	LastActionTime time.Time      `json:"lastActionTime"`
}

// AreaShadowState is the shadow state of one area
type AreaShadowState struct {
	Inputs   AreaInputs    `json:"inputs"`
	Outputs  AreaOutputs   `json:"outputs"`
	Metadata StateMetadata `json:"metadata"`
}

// NewAreaShadowState creates an empty shadow state
func NewAreaShadowState(areaID string, now time.Time) *AreaShadowState {
	return &AreaShadowState{
		Inputs: AreaInputs{
			Current:      make(map[string]interface{}),
			AtLastAction: make(map[string]interface{}),
		},
		Outputs: AreaOutputs{
			Recent: make([]ActionRecord, 0),
		},
		Metadata: StateMetadata{
			LastUpdated: now,
			AreaID:      areaID,
		},
	}
}

func (s *AreaShadowState) clone() *AreaShadowState {
	c := &AreaShadowState{
		Inputs: AreaInputs{
			Current:      make(map[string]interface{}, len(s.Inputs.Current)),
			AtLastAction: make(map[string]interface{}, len(s.Inputs.AtLastAction)),
		},
		Outputs: AreaOutputs{
			Recent:         append(make([]ActionRecord, 0, len(s.Outputs.Recent)), s.Outputs.Recent...),
			LastActionTime: s.Outputs.LastActionTime,
		},
		Metadata: s.Metadata,
	}
	for k, v := range s.Inputs.Current {
		c.Inputs.Current[k] = v
	}
	for k, v := range s.Inputs.AtLastAction {
		c.Inputs.AtLastAction[k] = v
	}
	if s.Outputs.LastAction != nil {
		last := *s.Outputs.LastAction
		c.Outputs.LastAction = &last
	}
	return c
}
