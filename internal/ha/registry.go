package ha

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"areaautomation/internal/entity"
)

// Registry keeps a snapshot of Home Assistant's entity, device and area
// registries and implements entity.Registry over it. Registry events are
// applied to the snapshot before they are published on the bus, so
// subscribers always observe the post-event registry. Registry events are
// handled in order on a worker goroutine, since refreshing queries the
// connection whose read loop delivered the event.
type Registry struct {
	client HAClient
	bus    *entity.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	entities map[string]entity.Meta
	areas    []entity.Area

	subs     []Subscription
	queue    chan func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry adapter
func NewRegistry(client HAClient, bus *entity.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		client:   client,
		bus:      bus,
		logger:   logger.Named("registry"),
		entities: make(map[string]entity.Meta),
		queue:    make(chan func(), 64),
		done:     make(chan struct{}),
	}
}

// Start loads the registries, subscribes to registry and startup events and
// announces host startup if Home Assistant is already running
func (r *Registry) Start() error {
	if err := r.Refresh(); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.work()

	handlers := map[string]EventHandler{
		EventEntityRegistryUpdated: func(e *Event) { r.enqueue(func() { r.handleEntityRegistryUpdated(e) }) },
		EventDeviceRegistryUpdated: func(e *Event) { r.enqueue(func() { r.handleLocationRegistryUpdated(e) }) },
		EventAreaRegistryUpdated:   func(e *Event) { r.enqueue(func() { r.handleLocationRegistryUpdated(e) }) },
		EventHomeAssistantStarted:  func(*Event) { r.bus.PublishHostStarted() },
	}
	for eventType, h := range handlers {
		sub, err := r.client.SubscribeEvents(eventType, h)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", eventType, err)
		}
		r.subs = append(r.subs, sub)
	}

	cfg, err := r.client.GetConfig()
	if err != nil {
		r.logger.Warn("Failed to read core config, waiting for startup event", zap.Error(err))
		return nil
	}
	if cfg.Running() {
		r.logger.Info("Home Assistant already running")
		r.bus.PublishHostStarted()
	}
	return nil
}

// Stop unsubscribes from Home Assistant events
func (r *Registry) Stop() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil

	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Registry) work() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.queue:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) enqueue(fn func()) {
	select {
	case r.queue <- fn:
	case <-r.done:
	}
}

// flush blocks until every queued event has been handled
func (r *Registry) flush() {
	handled := make(chan struct{})
	r.enqueue(func() { close(handled) })
	select {
	case <-handled:
	case <-r.done:
	}
}

// Refresh reloads the full registry snapshot
func (r *Registry) Refresh() error {
	entries, err := r.client.ListEntityRegistry()
	if err != nil {
		return fmt.Errorf("list entity registry: %w", err)
	}
	devices, err := r.client.ListDeviceRegistry()
	if err != nil {
		return fmt.Errorf("list device registry: %w", err)
	}
	areaEntries, err := r.client.ListAreaRegistry()
	if err != nil {
		return fmt.Errorf("list area registry: %w", err)
	}

	deviceAreas := make(map[string]string, len(devices))
	for _, d := range devices {
		if d.AreaID != nil {
			deviceAreas[d.ID] = *d.AreaID
		}
	}

	entities := make(map[string]entity.Meta, len(entries))
	for _, e := range entries {
		entities[e.EntityID] = toMeta(e, deviceAreas)
	}

	areas := make([]entity.Area, 0, len(areaEntries))
	for _, a := range areaEntries {
		areas = append(areas, entity.Area{ID: a.AreaID, Name: a.Name})
	}
	sort.Slice(areas, func(i, j int) bool { return areas[i].ID < areas[j].ID })

	r.mu.Lock()
	r.entities = entities
	r.areas = areas
	r.mu.Unlock()

	r.logger.Debug("Registry refreshed",
		zap.Int("entities", len(entities)),
		zap.Int("areas", len(areas)))
	return nil
}

func toMeta(e EntityRegistryEntry, deviceAreas map[string]string) entity.Meta {
	meta := entity.Meta{
		EntityID: e.EntityID,
		Domain:   entity.DomainOf(e.EntityID),
		Platform: e.Platform,
		Disabled: e.DisabledBy != nil,
	}
	if e.DeviceID != nil {
		meta.DeviceID = *e.DeviceID
	}
	switch {
	case e.AreaID != nil && *e.AreaID != "":
		meta.AreaID = *e.AreaID
	case meta.DeviceID != "":
		meta.AreaID = deviceAreas[meta.DeviceID]
	}
	switch {
	case e.DeviceClass != nil:
		meta.DeviceClass = *e.DeviceClass
	case e.OriginalDeviceClass != nil:
		meta.DeviceClass = *e.OriginalDeviceClass
	}
	return meta
}

func (r *Registry) handleEntityRegistryUpdated(event *Event) {
	var data EntityRegistryUpdatedEvent
	if err := json.Unmarshal(event.Data, &data); err != nil {
		r.logger.Error("Failed to unmarshal entity_registry_updated event", zap.Error(err))
		return
	}

	if err := r.Refresh(); err != nil {
		r.logger.Warn("Registry refresh failed, publishing event against stale snapshot",
			zap.String("entity_id", data.EntityID),
			zap.Error(err))
	}

	r.bus.PublishRegistry(entity.RegistryEvent{
		Action:   entity.RegistryAction(data.Action),
		EntityID: data.EntityID,
		Changes:  data.Changes,
	})
}

// Device and area changes move entities without an entity registry event.
// Every entity whose effective area changed is published as an update
// carrying its previous area.
func (r *Registry) handleLocationRegistryUpdated(*Event) {
	r.mu.RLock()
	before := r.entities
	r.mu.RUnlock()

	if err := r.Refresh(); err != nil {
		r.logger.Warn("Registry refresh failed", zap.Error(err))
		return
	}

	r.mu.RLock()
	moved := movedEntities(before, r.entities)
	r.mu.RUnlock()

	for _, m := range moved {
		r.logger.Debug("Entity moved with its device",
			zap.String("entity_id", m.EntityID),
			zap.Any("from", m.Changes["area_id"]))
		r.bus.PublishRegistry(m)
	}
}

// movedEntities returns an update event, sorted by entity ID, for every
// entity present in both snapshots whose area differs
func movedEntities(before, after map[string]entity.Meta) []entity.RegistryEvent {
	var out []entity.RegistryEvent
	for id, meta := range after {
		prev, ok := before[id]
		if !ok || prev.AreaID == meta.AreaID {
			continue
		}
		out = append(out, entity.RegistryEvent{
			Action:   entity.ActionUpdate,
			EntityID: id,
			Changes:  map[string]any{"area_id": prev.AreaID},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// ListEntities implements entity.Registry
func (r *Registry) ListEntities(filter entity.Filter) []entity.Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entity.Meta, 0)
	for _, meta := range r.entities {
		if len(filter) == 0 || filter.Matches(meta) {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// GetEntity implements entity.Registry
func (r *Registry) GetEntity(entityID string) (entity.Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.entities[entityID]
	return meta, ok
}

// ListAreas implements entity.Registry
func (r *Registry) ListAreas() []entity.Area {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entity.Area(nil), r.areas...)
}
