package ha

import (
	"context"

	"go.uber.org/zap"
)

// Dispatcher sends service calls through the client. In read-only mode
// calls are logged and dropped.
type Dispatcher struct {
	client   HAClient
	readOnly bool
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over client
func NewDispatcher(client HAClient, readOnly bool, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		readOnly: readOnly,
		logger:   logger.Named("dispatcher"),
	}
}

// Call implements entity.Dispatcher
func (d *Dispatcher) Call(ctx context.Context, domain, service string, payload map[string]any) error {
	if d.readOnly {
		d.logger.Info("READ-ONLY: would call service",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.Any("payload", payload))
		return nil
	}

	d.logger.Debug("Calling service",
		zap.String("domain", domain),
		zap.String("service", service),
		zap.Any("payload", payload))
	return d.client.CallService(ctx, domain, service, payload)
}
