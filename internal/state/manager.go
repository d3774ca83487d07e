package state

import (
	"fmt"
	"sort"
	"sync"

	"areaautomation/internal/entity"
	"areaautomation/internal/ha"

	"go.uber.org/zap"
)

// Manager keeps the live state snapshot of every Home Assistant entity and
// republishes state changes on the event bus. The snapshot is only written
// from Home Assistant events; the automation core reads it through Get.
type Manager struct {
	client  ha.HAClient
	bus     *entity.Bus
	logger  *zap.Logger
	cache   map[string]*entity.StateRecord
	cacheMu sync.RWMutex
	haSub   ha.Subscription
	subMu   sync.Mutex
}

// NewManager creates a new state manager
func NewManager(client ha.HAClient, bus *entity.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		client: client,
		bus:    bus,
		logger: logger.Named("state"),
		cache:  make(map[string]*entity.StateRecord),
	}
}

// SyncFromHA loads every entity state and subscribes to subsequent changes.
// Calling it again (after a reconnect) replaces the snapshot.
func (m *Manager) SyncFromHA() error {
	m.logger.Info("Syncing state from Home Assistant...")

	states, err := m.client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to get states: %w", err)
	}

	cache := make(map[string]*entity.StateRecord, len(states))
	for _, s := range states {
		cache[s.EntityID] = s.Record()
	}

	m.cacheMu.Lock()
	m.cache = cache
	m.cacheMu.Unlock()

	if err := m.subscribe(); err != nil {
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}

	m.logger.Info("State sync complete", zap.Int("entities", len(cache)))
	return nil
}

func (m *Manager) subscribe() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.haSub != nil {
		return nil
	}
	sub, err := m.client.SubscribeStateChanges(ha.AllEntities, m.handleStateChange)
	if err != nil {
		return err
	}
	m.haSub = sub
	return nil
}

// Stop unsubscribes from Home Assistant
func (m *Manager) Stop() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.haSub != nil {
		m.haSub.Unsubscribe()
		m.haSub = nil
	}
}

func (m *Manager) handleStateChange(entityID string, oldState, newState *ha.State) {
	record := newState.Record()

	m.cacheMu.Lock()
	previous := m.cache[entityID]
	if record == nil {
		delete(m.cache, entityID)
	} else {
		m.cache[entityID] = record
	}
	m.cacheMu.Unlock()

	if previous == nil {
		previous = oldState.Record()
	}

	m.logger.Debug("State changed",
		zap.String("entity_id", entityID),
		zap.String("new", stateValue(record)))

	m.bus.PublishState(entity.StateChange{EntityID: entityID, Old: previous, New: record})
}

func stateValue(r *entity.StateRecord) string {
	if r == nil {
		return "<removed>"
	}
	return r.State
}

// Get implements entity.StateStore
func (m *Manager) Get(entityID string) (*entity.StateRecord, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	rec, ok := m.cache[entityID]
	return rec, ok
}

// EntityIDs returns the IDs of all known entities, sorted
func (m *Manager) EntityIDs() []string {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	ids := make([]string, 0, len(m.cache))
	for id := range m.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
