package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
)

// Predicate reports whether an area satisfies the group prerequisite
type Predicate func(ctx context.Context, areaID string) (bool, error)

// Factory instantiates the group for an area
type Factory func(ctx context.Context, areaID string) error

// CreatorConfig describes one kind of group
type CreatorConfig struct {
	Name string
	// Filter selects the registry events that can make an area eligible
	Filter            entity.Filter
	StartupDelay      time.Duration
	ShouldInstantiate Predicate
	Instantiate       Factory
}

// Creator instantiates a group for every area that newly satisfies the
// prerequisite. Each area is instantiated at most once until Forget.
type Creator struct {
	cfg      CreatorConfig
	registry entity.Registry
	bus      *entity.Bus
	logger   *zap.Logger
	gate     *gate

	mu      sync.Mutex
	tracked map[string]struct{}
	unsub   entity.Unsubscribe
	ctx     context.Context
}

// NewCreator creates a creator
func NewCreator(cfg CreatorConfig, registry entity.Registry, bus *entity.Bus, sched *clock.Scheduler, logger *zap.Logger) *Creator {
	return &Creator{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		logger:   logger.Named("creator").With(zap.String("kind", cfg.Name)),
		gate:     newGate("creator:startup:"+cfg.Name, sched, cfg.StartupDelay),
		tracked:  make(map[string]struct{}),
		ctx:      context.Background(),
	}
}

// Start runs the initial setup pass over all areas, subscribes to registry
// events and arms the startup gate for the delayed rescan.
func (c *Creator) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.scanAll(ctx)

	unsub := c.bus.SubscribeRegistry(c.HandleRegistryEvent)
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	c.gate.start(c.bus, func() {
		c.logger.Info("Running delayed startup rescan")
		c.scanAll(c.context())
	})
}

func (c *Creator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Creator) scanAll(ctx context.Context) {
	areas, err := c.listAreas()
	if err != nil {
		c.logger.Error("Area scan failed", zap.Error(err))
		return
	}
	for _, area := range areas {
		if _, err := c.Check(ctx, area.ID); err != nil {
			c.logger.Warn("Failed to instantiate group",
				zap.String("area_id", area.ID),
				zap.Error(err))
		}
	}
}

func (c *Creator) listAreas() (areas []entity.Area, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registry panicked: %v", r)
		}
	}()
	return c.registry.ListAreas(), nil
}

// HandleRegistryEvent checks the area of a created or moved entity.
// Events are suppressed until the startup gate is steady.
func (c *Creator) HandleRegistryEvent(e entity.RegistryEvent) {
	if !c.gate.steady() {
		return
	}
	if e.Action == entity.ActionRemove || !relevant(e, c.cfg.Filter) {
		return
	}
	meta, ok := c.registry.GetEntity(e.EntityID)
	if !ok || meta.AreaID == "" {
		return
	}
	if _, err := c.Check(c.context(), meta.AreaID); err != nil {
		c.logger.Warn("Failed to instantiate group",
			zap.String("area_id", meta.AreaID),
			zap.String("entity_id", e.EntityID),
			zap.Error(err))
	}
}

// Check instantiates the group for areaID if it is not tracked yet and the
// prerequisite holds. It returns true if the group was instantiated by this call.
func (c *Creator) Check(ctx context.Context, areaID string) (created bool, err error) {
	if c.IsTracked(areaID) {
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("area %s: panic: %v", areaID, r)
			c.untrack(areaID)
			created = false
		}
	}()

	ok, err := c.cfg.ShouldInstantiate(ctx, areaID)
	if err != nil {
		return false, fmt.Errorf("area %s: prerequisite: %w", areaID, err)
	}
	if !ok {
		return false, nil
	}

	// Claim the area before instantiating so a concurrent check is a no-op
	c.mu.Lock()
	if _, exists := c.tracked[areaID]; exists {
		c.mu.Unlock()
		return false, nil
	}
	c.tracked[areaID] = struct{}{}
	c.mu.Unlock()

	if err := c.cfg.Instantiate(ctx, areaID); err != nil {
		c.untrack(areaID)
		return false, fmt.Errorf("area %s: instantiate: %w", areaID, err)
	}

	c.logger.Info("Group instantiated", zap.String("area_id", areaID))
	return true, nil
}

func (c *Creator) untrack(areaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, areaID)
}

// Forget releases an area whose group was removed so it can be recreated
func (c *Creator) Forget(areaID string) {
	c.untrack(areaID)
}

// IsTracked reports whether the area's group exists
func (c *Creator) IsTracked(areaID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[areaID]
	return ok
}

// Tracked returns the sorted IDs of areas with a group
func (c *Creator) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Phase returns the creator's startup phase
func (c *Creator) Phase() Phase { return c.gate.current() }

// Stop unsubscribes the creator and cancels a pending rescan
func (c *Creator) Stop() {
	c.gate.stop()
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
