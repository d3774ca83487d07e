// Package environment builds per-area environmental snapshots (illuminance,
// darkness, temperature and sun elevation) for rule evaluation.
package environment

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"

	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
)

// SunEntity is the host entity reporting the sun's position
const SunEntity = "sun.sun"

// Darkness sources reported in a snapshot
const (
	DarkFromIlluminance  = "illuminance"
	DarkFromSunElevation = "sun_elevation"
	DarkFromSunTimes     = "sun_times"
)

// Sensors pins the sensors of one area. Unset sensors are discovered by
// device class.
type Sensors struct {
	Illuminance string
	Temperature string
}

// Options configures a Provider
type Options struct {
	DarkIlluminance  float64
	DarkSunElevation float64
	Latitude         float64
	Longitude        float64
	Sensors          map[string]Sensors
}

// Snapshot is the environmental state of one area. Nil values have no data.
type Snapshot struct {
	AreaID            string    `json:"area_id"`
	Illuminance       *float64  `json:"illuminance,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	SunElevation      *float64  `json:"sun_elevation,omitempty"`
	IsDark            bool      `json:"is_dark"`
	DarkSource        string    `json:"dark_source"`
	IlluminanceSensor string    `json:"illuminance_sensor,omitempty"`
	TemperatureSensor string    `json:"temperature_sensor,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Facts returns the snapshot as rule condition attributes. Attributes
// without data are omitted.
func (s Snapshot) Facts() map[string]any {
	facts := map[string]any{"is_dark": s.IsDark}
	if s.Illuminance != nil {
		facts["illuminance"] = *s.Illuminance
	}
	if s.Temperature != nil {
		facts["temperature"] = *s.Temperature
	}
	if s.SunElevation != nil {
		facts["sun_elevation"] = *s.SunElevation
	}
	return facts
}

// Provider computes and caches environmental snapshots
type Provider struct {
	registry entity.Registry
	states   entity.StateStore
	clock    clock.Clock
	opts     Options
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]Snapshot
}

// NewProvider creates a provider
func NewProvider(registry entity.Registry, states entity.StateStore, clk clock.Clock, opts Options, logger *zap.Logger) *Provider {
	return &Provider{
		registry: registry,
		states:   states,
		clock:    clk,
		opts:     opts,
		logger:   logger.Named("environment"),
		cache:    make(map[string]Snapshot),
	}
}

// SetLocation sets the coordinates used for the sunrise/sunset fallback
func (p *Provider) SetLocation(latitude, longitude float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.Latitude = latitude
	p.opts.Longitude = longitude
}

// Refresh recomputes and caches the snapshot of an area
func (p *Provider) Refresh(areaID string) Snapshot {
	illumID, tempID := p.sensorsFor(areaID)

	snap := Snapshot{
		AreaID:            areaID,
		IlluminanceSensor: illumID,
		TemperatureSensor: tempID,
		Illuminance:       p.numericState(illumID),
		Temperature:       p.numericState(tempID),
		SunElevation:      p.sunElevation(),
		UpdatedAt:         p.clock.Now(),
	}

	p.mu.RLock()
	opts := p.opts
	p.mu.RUnlock()

	switch {
	case snap.Illuminance != nil:
		snap.IsDark = *snap.Illuminance < opts.DarkIlluminance
		snap.DarkSource = DarkFromIlluminance
	case snap.SunElevation != nil:
		snap.IsDark = *snap.SunElevation < opts.DarkSunElevation
		snap.DarkSource = DarkFromSunElevation
	default:
		snap.IsDark = p.darkBySunTimes(opts, snap.UpdatedAt)
		snap.DarkSource = DarkFromSunTimes
	}

	p.mu.Lock()
	p.cache[areaID] = snap
	p.mu.Unlock()

	p.logger.Debug("Environment refreshed",
		zap.String("area_id", areaID),
		zap.Bool("is_dark", snap.IsDark),
		zap.String("dark_source", snap.DarkSource))
	return snap
}

// Snapshot returns the cached snapshot of an area
func (p *Provider) Snapshot(areaID string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.cache[areaID]
	return snap, ok
}

// Facts returns the cached facts of an area, computing them on first use
func (p *Provider) Facts(areaID string) map[string]any {
	snap, ok := p.Snapshot(areaID)
	if !ok {
		snap = p.Refresh(areaID)
	}
	return snap.Facts()
}

// SensorIDs returns the entities whose state feeds an area's snapshot
func (p *Provider) SensorIDs(areaID string) []string {
	illumID, tempID := p.sensorsFor(areaID)
	ids := []string{SunEntity}
	if illumID != "" {
		ids = append(ids, illumID)
	}
	if tempID != "" {
		ids = append(ids, tempID)
	}
	sort.Strings(ids)
	return ids
}

func (p *Provider) sensorsFor(areaID string) (illuminance, temperature string) {
	p.mu.RLock()
	pinned := p.opts.Sensors[areaID]
	p.mu.RUnlock()

	illuminance = pinned.Illuminance
	if illuminance == "" {
		illuminance = p.discover(areaID, entity.DeviceClassIlluminance)
	}
	temperature = pinned.Temperature
	if temperature == "" {
		temperature = p.discover(areaID, entity.DeviceClassTemperature)
	}
	return illuminance, temperature
}

// discover returns the first enabled sensor of deviceClass in the area
func (p *Provider) discover(areaID, deviceClass string) string {
	filter := entity.Filter{{Domain: entity.DomainSensor, DeviceClasses: []string{deviceClass}}}
	var ids []string
	for _, meta := range p.registry.ListEntities(filter) {
		if meta.AreaID == areaID && !meta.Disabled {
			ids = append(ids, meta.EntityID)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

func (p *Provider) numericState(entityID string) *float64 {
	if entityID == "" {
		return nil
	}
	rec, ok := p.states.Get(entityID)
	if !ok || !rec.Available() {
		return nil
	}
	v, err := strconv.ParseFloat(rec.State, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (p *Provider) sunElevation() *float64 {
	rec, ok := p.states.Get(SunEntity)
	if !ok || !rec.Available() {
		return nil
	}
	v, ok := rec.Attributes.Float("elevation")
	if !ok {
		return nil
	}
	return &v
}

func (p *Provider) darkBySunTimes(opts Options, now time.Time) bool {
	rise, set := sunrise.SunriseSunset(opts.Latitude, opts.Longitude, now.Year(), now.Month(), now.Day())
	if rise.IsZero() || set.IsZero() {
		// Polar day or night; without elevation data assume light
		return false
	}
	return now.Before(rise) || now.After(set)
}
