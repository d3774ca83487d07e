package entity

import "sort"

// Match selects entities of one domain, optionally restricted to device classes
type Match struct {
	Domain        string   `yaml:"domain" json:"domain"`
	DeviceClasses []string `yaml:"device_classes,omitempty" json:"device_classes,omitempty"`
}

// Matches reports whether meta satisfies this match
func (m Match) Matches(meta Meta) bool {
	if meta.Domain != m.Domain {
		return false
	}
	if len(m.DeviceClasses) == 0 {
		return true
	}
	for _, dc := range m.DeviceClasses {
		if meta.DeviceClass == dc {
			return true
		}
	}
	return false
}

// Filter is an OR of matches
type Filter []Match

// Matches reports whether meta satisfies any of the filter's matches
func (f Filter) Matches(meta Meta) bool {
	for _, m := range f {
		if m.Matches(meta) {
			return true
		}
	}
	return false
}

// Domains returns the set of domains the filter monitors, sorted
func (f Filter) Domains() []string {
	seen := make(map[string]struct{}, len(f))
	for _, m := range f {
		seen[m.Domain] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// MonitorsDomain reports whether the filter covers domain
func (f Filter) MonitorsDomain(domain string) bool {
	for _, m := range f {
		if m.Domain == domain {
			return true
		}
	}
	return false
}

// PresenceFilter selects presence-capable sensors and media players
func PresenceFilter() Filter {
	return Filter{
		{Domain: DomainBinarySensor, DeviceClasses: []string{DeviceClassMotion, DeviceClassPresence, DeviceClassOccupancy}},
		{Domain: DomainMediaPlayer},
	}
}

// LightFilter selects lights
func LightFilter() Filter {
	return Filter{{Domain: DomainLight}}
}
