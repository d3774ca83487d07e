package entity

import (
	"fmt"
	"math"
	"strconv"
)

// Attributes is the attribute map of a state record. Accessors normalise the
// loosely typed values that arrive from the host (JSON numbers, strings,
// nested arrays) so the core never type-asserts on raw values.
type Attributes map[string]any

// String returns a string attribute
func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// Float returns a numeric attribute
func (a Attributes) Float(key string) (float64, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false
	}
	return toFloat(v)
}

// Int returns a numeric attribute rounded to the nearest integer
func (a Attributes) Int(key string) (int, bool) {
	f, ok := a.Float(key)
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

// Strings returns a list-of-strings attribute
func (a Attributes) Strings(key string) []string {
	v, ok := a[key]
	if !ok || v == nil {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Floats returns a numeric tuple attribute such as rgb_color or hs_color
func (a Attributes) Floats(key string) ([]float64, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, false
	}
	var items []any
	switch list := v.(type) {
	case []any:
		items = list
	case []float64:
		return append([]float64(nil), list...), true
	case []int:
		out := make([]float64, len(list))
		for i, n := range list {
			out[i] = float64(n)
		}
		return out, true
	default:
		return nil, false
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := toFloat(item)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

// DeviceClass returns the device_class attribute
func (a Attributes) DeviceClass() string {
	s, _ := a.String("device_class")
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
