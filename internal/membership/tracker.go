package membership

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
)

// ChangeFunc receives the members added to and removed from a group
type ChangeFunc func(added, removed []string)

// RemovedFunc is called once when a group's membership becomes empty
type RemovedFunc func(key, areaID string)

// ComputeMembership returns the sorted IDs of entities in areaID that match
// filter. Disabled entities and entities of ownPlatform are excluded.
func ComputeMembership(registry entity.Registry, areaID string, filter entity.Filter, ownPlatform string) []string {
	var out []string
	for _, meta := range registry.ListEntities(filter) {
		if meta.AreaID != areaID || meta.Disabled {
			continue
		}
		if ownPlatform != "" && meta.Platform == ownPlatform {
			continue
		}
		if !filter.Matches(meta) {
			continue
		}
		out = append(out, meta.EntityID)
	}
	sort.Strings(out)
	return out
}

// TrackerConfig describes one group
type TrackerConfig struct {
	Key          string
	AreaID       string
	Filter       entity.Filter
	OwnPlatform  string
	StartupDelay time.Duration
	OnChange     ChangeFunc
	OnRemoved    RemovedFunc
}

// Tracker maintains the members of one group. When membership becomes empty
// the tracker reports removal and stops itself.
type Tracker struct {
	cfg      TrackerConfig
	registry entity.Registry
	bus      *entity.Bus
	logger   *zap.Logger
	gate     *gate

	// refreshMu orders refreshes, which arrive from registry events and the
	// delayed startup scan on different goroutines
	refreshMu sync.Mutex

	mu      sync.Mutex
	members map[string]struct{}
	unsub   entity.Unsubscribe
}

// NewTracker creates a tracker. Call Start to compute the initial membership.
func NewTracker(cfg TrackerConfig, registry entity.Registry, bus *entity.Bus, sched *clock.Scheduler, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		logger:   logger.Named("membership").With(zap.String("group", cfg.Key)),
		gate:     newGate("membership:startup:"+cfg.Key, sched, cfg.StartupDelay),
		members:  make(map[string]struct{}),
	}
}

// Start computes the initial membership, subscribes to registry events and
// arms the startup gate. It returns the initial members.
func (t *Tracker) Start() []string {
	t.refresh()

	unsub := t.bus.SubscribeRegistry(t.HandleRegistryEvent)
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()

	if t.gate.current() == PhaseRemoved {
		unsub()
		return nil
	}
	t.gate.start(t.bus, t.refresh)
	return t.Members()
}

// Key returns the group key
func (t *Tracker) Key() string { return t.cfg.Key }

// AreaID returns the group's area
func (t *Tracker) AreaID() string { return t.cfg.AreaID }

// Phase returns the tracker's startup phase
func (t *Tracker) Phase() Phase { return t.gate.current() }

// Members returns a sorted snapshot of the current members
func (t *Tracker) Members() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HandleRegistryEvent recomputes membership for relevant events. Events are
// suppressed until the startup gate is steady.
func (t *Tracker) HandleRegistryEvent(e entity.RegistryEvent) {
	if !t.gate.steady() {
		return
	}
	if !relevant(e, t.cfg.Filter) {
		return
	}
	t.refresh()
}

func relevant(e entity.RegistryEvent, filter entity.Filter) bool {
	switch e.Action {
	case entity.ActionCreate, entity.ActionRemove:
	case entity.ActionUpdate:
		if !e.LocationChanged() {
			return false
		}
	default:
		return false
	}
	return filter.MonitorsDomain(e.Domain())
}

// refresh recomputes and diffs membership. A failing registry leaves the
// last known good membership in place. Refreshes run one at a time, so a
// result computed from an older registry read is never installed over a
// newer one.
func (t *Tracker) refresh() {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	if t.gate.current() == PhaseRemoved {
		return
	}

	members, err := t.compute()
	if err != nil {
		t.logger.Error("Membership refresh failed, keeping last known members", zap.Error(err))
		return
	}

	next := make(map[string]struct{}, len(members))
	for _, id := range members {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	var added, removed []string
	for id := range next {
		if _, ok := t.members[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range t.members {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	t.members = next
	t.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)

	if len(added) > 0 || len(removed) > 0 {
		t.logger.Info("Group membership changed",
			zap.Strings("added", added),
			zap.Strings("removed", removed))
		if t.cfg.OnChange != nil {
			t.cfg.OnChange(added, removed)
		}
	}

	if len(next) == 0 {
		t.remove()
	}
}

func (t *Tracker) compute() (members []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registry panicked: %v", r)
		}
	}()
	return ComputeMembership(t.registry, t.cfg.AreaID, t.cfg.Filter, t.cfg.OwnPlatform), nil
}

func (t *Tracker) remove() {
	if !t.Stop() {
		return
	}
	t.logger.Info("Group is empty, removing", zap.String("area_id", t.cfg.AreaID))
	if t.cfg.OnRemoved != nil {
		t.cfg.OnRemoved(t.cfg.Key, t.cfg.AreaID)
	}
}

// Stop unsubscribes the tracker. Returns false if it was already stopped.
func (t *Tracker) Stop() bool {
	if !t.gate.stop() {
		return false
	}
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	return true
}
