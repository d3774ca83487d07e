package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"areaautomation/internal/entity"
)

// Parameters that adjust a light rather than just switching it
var adjustmentParams = map[string]bool{
	"brightness": true, "brightness_pct": true, "brightness_step": true, "brightness_step_pct": true,
	"hs_color": true, "rgb_color": true, "rgbw_color": true, "rgbww_color": true, "xy_color": true,
	"color_temp_kelvin": true, "color_name": true, "white": true, "effect": true,
}

var brightnessParams = []string{"brightness", "brightness_pct", "brightness_step", "brightness_step_pct"}

// colorParamModes lists the member color modes that can honour each color parameter
var colorParamModes = map[string][]string{
	"hs_color":          {ColorModeHS, ColorModeRGB, ColorModeRGBW, ColorModeRGBWW, ColorModeXY},
	"rgb_color":         {ColorModeHS, ColorModeRGB, ColorModeRGBW, ColorModeRGBWW, ColorModeXY},
	"xy_color":          {ColorModeHS, ColorModeRGB, ColorModeRGBW, ColorModeRGBWW, ColorModeXY},
	"color_name":        {ColorModeHS, ColorModeRGB, ColorModeRGBW, ColorModeRGBWW, ColorModeXY},
	"rgbw_color":        {ColorModeRGBW},
	"rgbww_color":       {ColorModeRGBWW},
	"color_temp_kelvin": {ColorModeColorTemp},
	"white":             {ColorModeWhite},
}

// SelectTargets picks the members a turn_on with params applies to. A plain
// turn_on targets every member. Adjustments target members that are on,
// or every member when none is on and brightness was given. Color and
// effect parameters further restrict targets to members that support them.
func SelectTargets(members []string, states entity.StateStore, params map[string]any) []string {
	adjusting := false
	for k := range params {
		if adjustmentParams[k] {
			adjusting = true
			break
		}
	}

	var targets []string
	if !adjusting {
		targets = append(targets, members...)
	} else {
		for _, id := range members {
			if rec, ok := states.Get(id); ok && rec.Is(entity.StateOn) {
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 && hasAny(params, brightnessParams) {
			targets = append(targets, members...)
		}
	}

	filtered := targets[:0]
	for _, id := range targets {
		if supports(id, states, params) {
			filtered = append(filtered, id)
		}
	}
	sort.Strings(filtered)
	return filtered
}

func hasAny(params map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := params[k]; ok {
			return true
		}
	}
	return false
}

func supports(id string, states entity.StateStore, params map[string]any) bool {
	rec, _ := states.Get(id)
	var attrs entity.Attributes
	if rec != nil {
		attrs = rec.Attributes
	}

	if effect, ok := params["effect"]; ok {
		if _, has := Features(attrs)[FeatureEffect]; !has {
			return false
		}
		if list := attrs.Strings("effect_list"); len(list) > 0 && !contains(list, fmt.Sprint(effect)) {
			return false
		}
	}

	modes := attrs.Strings("supported_color_modes")
	for param, allowed := range colorParamModes {
		if _, ok := params[param]; !ok {
			continue
		}
		if !containsAny(modes, allowed) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAny(list, wanted []string) bool {
	for _, w := range wanted {
		if contains(list, w) {
			return true
		}
	}
	return false
}

// LightGroup sends light commands to the current members of an area's light group
type LightGroup struct {
	areaID     string
	members    func() []string
	states     entity.StateStore
	dispatcher entity.Dispatcher
	logger     *zap.Logger
}

// NewLightGroup creates a light group. members is read on every command.
func NewLightGroup(areaID string, members func() []string, states entity.StateStore, dispatcher entity.Dispatcher, logger *zap.Logger) *LightGroup {
	return &LightGroup{
		areaID:     areaID,
		members:    members,
		states:     states,
		dispatcher: dispatcher,
		logger:     logger.Named("light_group").With(zap.String("area_id", areaID)),
	}
}

// AreaID returns the group's area
func (g *LightGroup) AreaID() string { return g.areaID }

// Members returns the current members
func (g *LightGroup) Members() []string { return g.members() }

// State returns the aggregated state of the group
func (g *LightGroup) State() LightState {
	return AggregateLights(g.members(), g.states)
}

// LightsOn reports whether any member is on
func (g *LightGroup) LightsOn() bool {
	for _, id := range g.members() {
		if rec, ok := g.states.Get(id); ok && rec.Is(entity.StateOn) {
			return true
		}
	}
	return false
}

// TurnOn turns on the selected members and returns the targets
func (g *LightGroup) TurnOn(ctx context.Context, params map[string]any) ([]string, error) {
	targets := SelectTargets(g.members(), g.states, params)
	return targets, g.dispatch(ctx, "turn_on", targets, params)
}

// TurnOff turns off every member
func (g *LightGroup) TurnOff(ctx context.Context, params map[string]any) ([]string, error) {
	targets := append([]string(nil), g.members()...)
	sort.Strings(targets)
	return targets, g.dispatch(ctx, "turn_off", targets, params)
}

// dispatch calls the service for every target concurrently and waits for
// all of them. Failures are combined.
func (g *LightGroup) dispatch(ctx context.Context, service string, targets []string, params map[string]any) error {
	if len(targets) == 0 {
		g.logger.Info("No eligible lights, skipping command", zap.String("service", service))
		return nil
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, id := range targets {
		payload := make(map[string]any, len(params)+1)
		for k, v := range params {
			payload[k] = v
		}
		payload["entity_id"] = id

		wg.Add(1)
		go func(i int, id string, payload map[string]any) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("%s: panic: %v", id, r)
				}
			}()
			if err := g.dispatcher.Call(ctx, entity.DomainLight, service, payload); err != nil {
				errs[i] = fmt.Errorf("%s: %w", id, err)
			}
		}(i, id, payload)
	}
	wg.Wait()

	err := multierr.Combine(errs...)
	if err != nil {
		g.logger.Warn("Light command partially failed",
			zap.String("service", service),
			zap.Int("targets", len(targets)),
			zap.Int("failed", len(multierr.Errors(err))),
			zap.Error(err))
	}
	return err
}
