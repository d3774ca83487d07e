package plugin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Priority constants for registration.
// Higher priority values override lower priority registrations with the same name.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// Startup order of the built-in components. Lower values start first.
const (
	OrderSource     = 10
	OrderStore      = 20
	OrderAutomation = 50
	OrderPublisher  = 70
	OrderAPI        = 90
)

// PluginInfo contains metadata about a registered component.
type PluginInfo struct {
	// Name is the unique identifier for the component.
	Name string

	Description string

	// Priority decides which registration wins for a duplicate name.
	Priority int

	Factory Factory

	// Order specifies the startup order. Default is 50.
	Order int
}

// Registry manages component registration, creation and lifecycle.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]PluginInfo
	order   []string
	logger  *zap.Logger
}

// NewRegistry creates a new registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		plugins: make(map[string]PluginInfo),
		order:   make([]string, 0),
		logger:  logger.Named("plugin"),
	}
}

// Register adds a component to the registry.
// If one with the same name already exists, the higher priority wins.
// If priorities are equal, the later registration wins.
func (r *Registry) Register(info PluginInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", info.Name)
	}

	if info.Order == 0 {
		info.Order = OrderAutomation
	}

	existing, exists := r.plugins[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			r.logger.Info("Registration skipped",
				zap.String("plugin", info.Name),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		r.logger.Info("Registration overridden",
			zap.String("plugin", info.Name),
			zap.Int("priority", info.Priority),
			zap.Int("existing_priority", existing.Priority))
	}

	r.plugins[info.Name] = info

	if !exists {
		r.order = append(r.order, info.Name)
	}

	r.logger.Debug("Plugin registered",
		zap.String("plugin", info.Name),
		zap.Int("order", info.Order),
		zap.String("description", info.Description))

	return nil
}

// Get returns the info for a given name, or nil if not found.
func (r *Registry) Get(name string) *PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.plugins[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registrations sorted by startup order, then name.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PluginInfo, 0, len(r.plugins))
	for _, name := range r.order {
		result = append(result, r.plugins[name])
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// CreateAll instantiates every registered component in startup order.
func (r *Registry) CreateAll(ctx *Context) ([]Plugin, error) {
	infos := r.List()
	result := make([]Plugin, 0, len(infos))

	for _, info := range infos {
		p, err := info.Factory(ctx)
		if err != nil {
			return nil, multierr.Append(
				fmt.Errorf("failed to create plugin %s: %w", info.Name, err),
				StopAll(result))
		}
		result = append(result, p)
	}

	return result, nil
}

// StartAll creates and starts every component in order. When one fails
// to start, the ones already started are stopped in reverse.
func (r *Registry) StartAll(ctx *Context) ([]Plugin, error) {
	created, err := r.CreateAll(ctx)
	if err != nil {
		return nil, err
	}

	for i, p := range created {
		r.logger.Info("Starting", zap.String("plugin", p.Name()))
		if err := p.Start(); err != nil {
			return nil, multierr.Append(
				fmt.Errorf("failed to start plugin %s: %w", p.Name(), err),
				StopAll(created[:i]))
		}
	}

	return created, nil
}

// StopAll stops components in reverse order and combines their errors.
func StopAll(plugins []Plugin) error {
	var err error
	for i := len(plugins) - 1; i >= 0; i-- {
		if stopErr := plugins[i].Stop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", plugins[i].Name(), stopErr))
		}
	}
	return err
}
