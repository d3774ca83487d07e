// Package aggregate folds the states of group members into one summary:
// presence for sensor groups, capabilities and state for light groups. It
// also fans light commands out to the members they apply to.
package aggregate

import (
	"sort"

	"areaautomation/internal/entity"
)

// Presence source categories
const (
	SourceMotion    = "motion"
	SourcePresence  = "presence"
	SourceOccupancy = "occupancy"
	SourceMedia     = "media"
)

// PresenceSummary is the folded state of a presence group
type PresenceSummary struct {
	On            bool     `json:"on"`
	Available     bool     `json:"available"`
	ActiveMembers []string `json:"active_members"`
	Sources       []string `json:"sources"`
}

// Presence is on when any member is triggered and available when at least
// one member reports a usable state. Sources lists the categories of the
// active members.
func Presence(members []string, registry entity.Registry, states entity.StateStore) PresenceSummary {
	summary := PresenceSummary{ActiveMembers: []string{}, Sources: []string{}}
	sources := make(map[string]struct{})

	for _, id := range members {
		rec, ok := states.Get(id)
		if !ok || !rec.Available() {
			continue
		}
		summary.Available = true

		meta, _ := registry.GetEntity(id)
		if meta.Domain == "" {
			meta.Domain = entity.DomainOf(id)
		}
		category, triggered := classify(meta, rec)
		if !triggered {
			continue
		}
		summary.On = true
		summary.ActiveMembers = append(summary.ActiveMembers, id)
		if category != "" {
			sources[category] = struct{}{}
		}
	}

	sort.Strings(summary.ActiveMembers)
	for s := range sources {
		summary.Sources = append(summary.Sources, s)
	}
	sort.Strings(summary.Sources)
	return summary
}

func classify(meta entity.Meta, rec *entity.StateRecord) (category string, triggered bool) {
	switch meta.Domain {
	case entity.DomainMediaPlayer:
		return SourceMedia, rec.Is(entity.StatePlaying)
	case entity.DomainBinarySensor:
		dc := meta.DeviceClass
		if dc == "" {
			dc = rec.Attributes.DeviceClass()
		}
		switch dc {
		case entity.DeviceClassMotion:
			category = SourceMotion
		case entity.DeviceClassPresence:
			category = SourcePresence
		case entity.DeviceClassOccupancy:
			category = SourceOccupancy
		}
		return category, rec.Is(entity.StateOn)
	}
	return "", false
}
