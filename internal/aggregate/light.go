package aggregate

import (
	"math"
	"sort"

	"areaautomation/internal/entity"
)

// Light features. Feature sets are explicit string sets.
type Feature string

const (
	FeatureEffect     Feature = "effect"
	FeatureFlash      Feature = "flash"
	FeatureTransition Feature = "transition"
)

// baselineFeatures are always offered by a group, whatever its members support
var baselineFeatures = []Feature{FeatureFlash, FeatureTransition}

// Host feature bits, decoded once at the boundary into Feature sets
var featureBits = map[Feature]int{
	FeatureEffect:     4,
	FeatureFlash:      8,
	FeatureTransition: 32,
}

// Color modes
const (
	ColorModeHS         = "hs"
	ColorModeRGB        = "rgb"
	ColorModeRGBW       = "rgbw"
	ColorModeRGBWW      = "rgbww"
	ColorModeXY         = "xy"
	ColorModeColorTemp  = "color_temp"
	ColorModeWhite      = "white"
	ColorModeBrightness = "brightness"
	ColorModeOnOff      = "onoff"
)

// colorModePriority orders modes from most to least expressive
var colorModePriority = []string{
	ColorModeHS, ColorModeRGB, ColorModeRGBW, ColorModeRGBWW, ColorModeXY,
	ColorModeColorTemp, ColorModeWhite, ColorModeBrightness, ColorModeOnOff,
}

// LightState is the folded state and capabilities of a light group
type LightState struct {
	On                  bool      `json:"on"`
	Available           bool      `json:"available"`
	Members             int       `json:"members"`
	OnMembers           []string  `json:"on_members"`
	Brightness          *float64  `json:"brightness,omitempty"`
	ColorMode           string    `json:"color_mode,omitempty"`
	SupportedColorModes []string  `json:"supported_color_modes"`
	SupportedFeatures   []Feature `json:"supported_features"`
	HSColor             []float64 `json:"hs_color,omitempty"`
	RGBColor            []float64 `json:"rgb_color,omitempty"`
	XYColor             []float64 `json:"xy_color,omitempty"`
	ColorTempKelvin     *float64  `json:"color_temp_kelvin,omitempty"`
	Effect              string    `json:"effect,omitempty"`
}

// Features returns a member's supported features, accepting either an
// explicit list or the host's integer bitmask.
func Features(attrs entity.Attributes) map[Feature]struct{} {
	out := make(map[Feature]struct{})
	if list := attrs.Strings("supported_features"); len(list) > 0 {
		for _, f := range list {
			out[Feature(f)] = struct{}{}
		}
		return out
	}
	if mask, ok := attrs.Int("supported_features"); ok {
		for f, bit := range featureBits {
			if mask&bit != 0 {
				out[f] = struct{}{}
			}
		}
	}
	return out
}

// AggregateLights folds member light states. Features are the intersection
// of all members plus the baseline. Genuine color modes exclude brightness
// and onoff. Brightness is the mean of ON members; color values are set only
// when every ON member agrees.
func AggregateLights(members []string, states entity.StateStore) LightState {
	agg := LightState{
		Members:             len(members),
		OnMembers:           []string{},
		SupportedColorModes: []string{},
		SupportedFeatures:   []Feature{},
	}

	var features map[Feature]struct{}
	modes := make(map[string]struct{})
	var onRecs []*entity.StateRecord

	for _, id := range members {
		rec, ok := states.Get(id)
		if !ok || !rec.Available() {
			continue
		}
		agg.Available = true

		f := Features(rec.Attributes)
		if features == nil {
			features = f
		} else {
			for k := range features {
				if _, ok := f[k]; !ok {
					delete(features, k)
				}
			}
		}
		for _, m := range rec.Attributes.Strings("supported_color_modes") {
			modes[m] = struct{}{}
		}

		if rec.Is(entity.StateOn) {
			agg.On = true
			agg.OnMembers = append(agg.OnMembers, id)
			onRecs = append(onRecs, rec)
		}
	}
	sort.Strings(agg.OnMembers)

	if features == nil {
		features = make(map[Feature]struct{})
	}
	for _, f := range baselineFeatures {
		features[f] = struct{}{}
	}
	for f := range features {
		agg.SupportedFeatures = append(agg.SupportedFeatures, f)
	}
	sort.Slice(agg.SupportedFeatures, func(i, j int) bool { return agg.SupportedFeatures[i] < agg.SupportedFeatures[j] })

	agg.SupportedColorModes = reduceColorModes(modes)
	if len(agg.SupportedColorModes) > 0 {
		agg.ColorMode = agg.SupportedColorModes[0]
	}

	agg.Brightness = meanBrightness(onRecs)
	agg.HSColor = sharedTuple(onRecs, "hs_color")
	agg.RGBColor = sharedTuple(onRecs, "rgb_color")
	agg.XYColor = sharedTuple(onRecs, "xy_color")
	agg.ColorTempKelvin = sharedNumber(onRecs, "color_temp_kelvin")
	agg.Effect = sharedString(onRecs, "effect")
	return agg
}

// reduceColorModes drops brightness and onoff when a genuine color mode is
// present and returns the remaining modes in priority order
func reduceColorModes(modes map[string]struct{}) []string {
	genuine := false
	for m := range modes {
		if m != ColorModeBrightness && m != ColorModeOnOff {
			genuine = true
			break
		}
	}
	if genuine {
		delete(modes, ColorModeBrightness)
		delete(modes, ColorModeOnOff)
	} else if _, ok := modes[ColorModeBrightness]; ok {
		delete(modes, ColorModeOnOff)
	}

	out := make([]string, 0, len(modes))
	for _, m := range colorModePriority {
		if _, ok := modes[m]; ok {
			out = append(out, m)
			delete(modes, m)
		}
	}
	// Unknown modes sort after the known ones
	rest := make([]string, 0, len(modes))
	for m := range modes {
		rest = append(rest, m)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func meanBrightness(recs []*entity.StateRecord) *float64 {
	var sum float64
	n := 0
	for _, rec := range recs {
		if b, ok := rec.Attributes.Float("brightness"); ok {
			sum += b
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := math.Round(sum / float64(n))
	return &mean
}

func sharedTuple(recs []*entity.StateRecord, key string) []float64 {
	var shared []float64
	for i, rec := range recs {
		v, ok := rec.Attributes.Floats(key)
		if !ok {
			return nil
		}
		if i == 0 {
			shared = v
			continue
		}
		if !equalFloats(shared, v) {
			return nil
		}
	}
	return shared
}

func sharedNumber(recs []*entity.StateRecord, key string) *float64 {
	var shared *float64
	for _, rec := range recs {
		v, ok := rec.Attributes.Float(key)
		if !ok {
			return nil
		}
		if shared == nil {
			shared = &v
			continue
		}
		if *shared != v {
			return nil
		}
	}
	return shared
}

func sharedString(recs []*entity.StateRecord, key string) string {
	shared := ""
	for i, rec := range recs {
		v, ok := rec.Attributes.String(key)
		if !ok {
			return ""
		}
		if i == 0 {
			shared = v
			continue
		}
		if shared != v {
			return ""
		}
	}
	return shared
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
