package plugin

import (
	"go.uber.org/zap"
)

// Context provides shared dependencies to factories.
type Context struct {
	// Logger is the root logger. Components should use
	// logger.Named("component") for namespacing.
	Logger *zap.Logger

	// ReadOnly suppresses outbound service calls.
	ReadOnly bool
}

// NewContext creates a plugin context.
func NewContext(logger *zap.Logger, readOnly bool) *Context {
	return &Context{Logger: logger, ReadOnly: readOnly}
}
