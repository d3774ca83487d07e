// Package plugin provides the component registry used to assemble the
// service. Components are registered with a startup order, created from
// their factories, started in order and stopped in reverse.
package plugin

// Plugin is a long-running component of the service.
type Plugin interface {
	// Name returns the unique identifier for this component.
	Name() string

	// Start begins the component's operation. It must not block.
	Start() error

	// Stop releases the component's resources.
	Stop() error
}

// Factory creates a component instance given a context.
type Factory func(ctx *Context) (Plugin, error)

type funcPlugin struct {
	name  string
	start func() error
	stop  func() error
}

// Func adapts a pair of functions to Plugin. Either may be nil.
func Func(name string, start, stop func() error) Plugin {
	return &funcPlugin{name: name, start: start, stop: stop}
}

func (p *funcPlugin) Name() string { return p.name }

func (p *funcPlugin) Start() error {
	if p.start == nil {
		return nil
	}
	return p.start()
}

func (p *funcPlugin) Stop() error {
	if p.stop == nil {
		return nil
	}
	return p.stop()
}
