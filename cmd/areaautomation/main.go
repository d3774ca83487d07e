package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"areaautomation/internal/api"
	"areaautomation/internal/automation"
	"areaautomation/internal/clock"
	"areaautomation/internal/config"
	"areaautomation/internal/entity"
	"areaautomation/internal/environment"
	"areaautomation/internal/ha"
	"areaautomation/internal/history"
	"areaautomation/internal/mqttpub"
	"areaautomation/internal/rules"
	"areaautomation/internal/state"
	"areaautomation/pkg/plugin"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	settings, err := config.LoadSettings(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatal("Failed to load settings", zap.Error(err))
	}

	logger.Info("Starting Area Automation",
		zap.String("url", haURL),
		zap.Bool("read_only", readOnly))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ha.NewClient(haURL, haToken, logger)
	bus := entity.NewBus()
	registry := ha.NewRegistry(client, bus, logger)
	states := state.NewManager(client, bus, logger)

	var remote config.RemoteSource
	if settings.ConfigStore.RemoteURL != "" {
		remote = config.NewHTTPSource(settings.ConfigStore.RemoteURL, &http.Client{})
	}
	store := config.NewStore(remote, settings.ConfigStore.CacheFile, settings.ConfigStore.FetchTimeout, logger)

	components := plugin.NewRegistry(logger)
	register := func(info plugin.PluginInfo) {
		if err := components.Register(info); err != nil {
			logger.Fatal("Failed to register component", zap.String("component", info.Name), zap.Error(err))
		}
	}

	register(plugin.PluginInfo{
		Name:        "home_assistant",
		Description: "Websocket connection, entity registry and state mirror",
		Order:       plugin.OrderSource,
		Factory: func(*plugin.Context) (plugin.Plugin, error) {
			return plugin.Func("home_assistant",
				func() error {
					if err := client.Connect(); err != nil {
						return fmt.Errorf("connect: %w", err)
					}
					if err := states.SyncFromHA(); err != nil {
						return fmt.Errorf("sync states: %w", err)
					}
					return registry.Start()
				},
				func() error {
					registry.Stop()
					states.Stop()
					return client.Disconnect()
				}), nil
		},
	})

	register(plugin.PluginInfo{
		Name:        "definitions",
		Description: "Activity and app definitions",
		Order:       plugin.OrderStore,
		Factory: func(*plugin.Context) (plugin.Plugin, error) {
			return plugin.Func("definitions",
				func() error {
					store.Sync(ctx)
					if _, err := store.EnsureDefaults(); err != nil {
						logger.Warn("Failed to persist default definitions", zap.Error(err))
					}
					store.StartAutoSync(settings.ConfigStore.SyncInterval)
					return nil
				},
				func() error {
					store.Stop()
					return nil
				}), nil
		},
	})

	var system *automation.System
	register(plugin.PluginInfo{
		Name:        "automation",
		Description: "Presence and light groups, activity tracking and rule engine",
		Order:       plugin.OrderAutomation,
		Factory: func(pctx *plugin.Context) (plugin.Plugin, error) {
			system = automation.NewSystem(automation.Deps{
				Registry:    registry,
				States:      states,
				Dispatcher:  ha.NewDispatcher(client, pctx.ReadOnly, pctx.Logger),
				Bus:         bus,
				Definitions: store,
				Apps:        store,
				Clock:       clock.NewRealClock(),
			}, systemOptions(settings), pctx.Logger)
			return plugin.Func("automation",
				func() error { return system.Start(ctx) },
				func() error {
					system.Stop()
					return nil
				}), nil
		},
	})

	if settings.MQTT.Enabled() {
		register(plugin.PluginInfo{
			Name:        "mqtt",
			Description: "Activity change publisher",
			Order:       plugin.OrderPublisher,
			Factory: func(pctx *plugin.Context) (plugin.Plugin, error) {
				var pub *mqttpub.Publisher
				unsubscribe := func() {}
				return plugin.Func("mqtt",
					func() error {
						var err error
						pub, err = mqttpub.Connect(mqttpub.Options{
							Broker:      settings.MQTT.Broker,
							ClientID:    settings.MQTT.ClientID,
							Username:    settings.MQTT.Username,
							Password:    settings.MQTT.Password,
							TopicPrefix: settings.MQTT.TopicPrefix,
							QoS:         settings.MQTT.QoS,
						}, pctx.Logger)
						if err != nil {
							return err
						}
						unsubscribe = system.SubscribeActivity(pub.HandleChange)
						return nil
					},
					func() error {
						unsubscribe()
						if pub != nil {
							pub.Close()
						}
						return nil
					}), nil
			},
		})
	}

	if settings.History.Enabled() {
		register(plugin.PluginInfo{
			Name:        "history",
			Description: "Activity history in InfluxDB",
			Order:       plugin.OrderPublisher,
			Factory: func(pctx *plugin.Context) (plugin.Plugin, error) {
				var rec *history.Recorder
				unsubscribe := func() {}
				return plugin.Func("history",
					func() error {
						var err error
						rec, err = history.Connect(history.Options{
							URL:           settings.History.URL,
							Token:         settings.History.Token,
							Org:           settings.History.Org,
							Bucket:        settings.History.Bucket,
							BatchSize:     settings.History.BatchSize,
							FlushInterval: settings.History.FlushInterval,
						}, pctx.Logger)
						if err != nil {
							return err
						}
						unsubscribe = system.SubscribeActivity(rec.HandleChange)
						return nil
					},
					func() error {
						unsubscribe()
						if rec != nil {
							rec.Close()
						}
						return nil
					}), nil
			},
		})
	}

	if settings.API.Port > 0 {
		register(plugin.PluginInfo{
			Name:        "api",
			Description: "Read-only HTTP API",
			Order:       plugin.OrderAPI,
			Factory: func(pctx *plugin.Context) (plugin.Plugin, error) {
				server := api.NewServer(system, pctx.Logger, settings.API.Port)
				return plugin.Func("api", server.Start, server.Stop), nil
			},
		})
	}

	started, err := components.StartAll(plugin.NewContext(logger, readOnly))
	if err != nil {
		logger.Fatal("Failed to start", zap.Error(err))
	}

	if readOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}
	logger.Info("Application running. Press Ctrl+C to exit.")

	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	if err := plugin.StopAll(started); err != nil {
		logger.Error("Shutdown errors", zap.Error(err))
	}
}

func systemOptions(s *config.Settings) automation.Options {
	sensors := make(map[string]environment.Sensors, len(s.Environment.Areas))
	for areaID, a := range s.Environment.Areas {
		sensors[areaID] = environment.Sensors{Illuminance: a.Illuminance, Temperature: a.Temperature}
	}

	autoAssign := ""
	if s.AutoAssign.Enabled {
		autoAssign = s.AutoAssign.AppID
	}

	return automation.Options{
		OwnPlatform:  s.OwnPlatform,
		StartupDelay: s.Timing.StartupDelay,
		Engine: rules.Options{
			Debounce:        s.Timing.Debounce,
			Cooldown:        s.Timing.Cooldown,
			PollInterval:    s.Timing.EnvironmentPollInterval,
			DispatchTimeout: s.Timing.DispatchTimeout,
		},
		Environment: environment.Options{
			DarkIlluminance:  s.Environment.DarkIlluminance,
			DarkSunElevation: s.Environment.DarkSunElevation,
			Latitude:         s.Location.Latitude,
			Longitude:        s.Location.Longitude,
			Sensors:          sensors,
		},
		Assignments:   s.Assignments,
		AutoAssignApp: autoAssign,
	}
}
