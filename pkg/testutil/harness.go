package testutil

import (
	"fmt"

	"go.uber.org/zap"

	"areaautomation/internal/entity"
	"areaautomation/internal/ha"
	"areaautomation/internal/state"
)

// TestEnv wires the real Home Assistant client, registry and state mirror
// to a MockHAServer.
type TestEnv struct {
	Server     *MockHAServer
	Client     *ha.Client
	Bus        *entity.Bus
	Registry   *ha.Registry
	States     *state.Manager
	Dispatcher *ha.Dispatcher
	Logger     *zap.Logger
}

// NewTestEnv connects to server, syncs states and starts the registry.
// Populate the server before calling it.
//
//	server := testutil.NewMockHAServer("token")
//	server.AddArea("kitchen", "Kitchen")
//	env, err := testutil.NewTestEnv(server, "token", zap.NewNop())
//	defer env.Cleanup()
func NewTestEnv(server *MockHAServer, token string, logger *zap.Logger) (*TestEnv, error) {
	client := ha.NewClient(server.URL(), token, logger)
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	bus := entity.NewBus()
	env := &TestEnv{
		Server:     server,
		Client:     client,
		Bus:        bus,
		Registry:   ha.NewRegistry(client, bus, logger),
		States:     state.NewManager(client, bus, logger),
		Dispatcher: ha.NewDispatcher(client, false, logger),
		Logger:     logger,
	}

	if err := env.States.SyncFromHA(); err != nil {
		client.Disconnect()
		return nil, fmt.Errorf("failed to sync state: %w", err)
	}
	if err := env.Registry.Start(); err != nil {
		env.States.Stop()
		client.Disconnect()
		return nil, fmt.Errorf("failed to start registry: %w", err)
	}
	return env, nil
}

// Cleanup stops all components in reverse order
func (e *TestEnv) Cleanup() {
	e.Registry.Stop()
	e.States.Stop()
	e.Client.Disconnect()
	e.Server.Stop()
}
