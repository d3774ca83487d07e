package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"areaautomation/internal/rules"
)

// Settings is the service configuration loaded from YAML
type Settings struct {
	// OwnPlatform is the integration platform of entities this service
	// creates itself; they are never counted as group members.
	OwnPlatform string             `yaml:"own_platform"`
	Location    LocationConfig     `yaml:"location"`
	Timing      TimingConfig       `yaml:"timing"`
	Environment EnvironmentConfig  `yaml:"environment"`
	Assignments []rules.Assignment `yaml:"assignments"`
	AutoAssign  AutoAssignConfig   `yaml:"auto_assign"`
	ConfigStore ConfigStoreConfig  `yaml:"config_store"`
	MQTT        MQTTConfig         `yaml:"mqtt"`
	History     HistoryConfig      `yaml:"history"`
	API         APIConfig          `yaml:"api"`
}

// LocationConfig contains geographic coordinates for sunrise/sunset
// calculations. Zero values mean "use Home Assistant's configured location".
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// TimingConfig holds every delay the core schedules
type TimingConfig struct {
	StartupDelay            time.Duration `yaml:"startup_delay"`
	Debounce                time.Duration `yaml:"debounce"`
	Cooldown                time.Duration `yaml:"cooldown"`
	EnvironmentPollInterval time.Duration `yaml:"environment_poll_interval"`
	DispatchTimeout         time.Duration `yaml:"dispatch_timeout"`
}

// EnvironmentConfig configures environmental snapshots
type EnvironmentConfig struct {
	// DarkIlluminance is the lux level below which an area counts as dark
	DarkIlluminance float64 `yaml:"dark_illuminance"`
	// DarkSunElevation is the sun elevation (degrees) below which it is dark
	// when no illuminance sensor is available
	DarkSunElevation float64                `yaml:"dark_sun_elevation"`
	Areas            map[string]AreaSensors `yaml:"areas"`
}

// AreaSensors pins the environmental sensors of one area. Unset sensors are
// discovered by device class.
type AreaSensors struct {
	Illuminance string `yaml:"illuminance_sensor"`
	Temperature string `yaml:"temperature_sensor"`
}

// AutoAssignConfig assigns an app to every area that gets a presence group
// and has no explicit assignment
type AutoAssignConfig struct {
	AppID   string `yaml:"app_id"`
	Enabled bool   `yaml:"enabled"`
}

// ConfigStoreConfig configures the app/activity definition store
type ConfigStoreConfig struct {
	RemoteURL    string        `yaml:"remote_url"`
	CacheFile    string        `yaml:"cache_file"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// MQTTConfig configures the optional activity publisher
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Enabled reports whether a broker is configured
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// HistoryConfig configures the InfluxDB activity history. Empty URL disables it.
type HistoryConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Enabled reports whether history recording is configured
func (h HistoryConfig) Enabled() bool {
	return h.URL != ""
}

// APIConfig configures the read-only HTTP API
type APIConfig struct {
	Port int `yaml:"port"`
}

// DefaultSettings returns the settings used when no file overrides them
func DefaultSettings() *Settings {
	return &Settings{
		OwnPlatform: "area_automation",
		Timing: TimingConfig{
			StartupDelay:            2 * time.Second,
			Debounce:                100 * time.Millisecond,
			Cooldown:                10 * time.Second,
			EnvironmentPollInterval: 30 * time.Second,
			DispatchTimeout:         10 * time.Second,
		},
		Environment: EnvironmentConfig{
			DarkIlluminance:  50,
			DarkSunElevation: 0,
		},
		AutoAssign: AutoAssignConfig{
			AppID:   rules.DefaultAppID,
			Enabled: true,
		},
		ConfigStore: ConfigStoreConfig{
			CacheFile:    "./data/definitions.yaml",
			FetchTimeout: 10 * time.Second,
			SyncInterval: time.Hour,
		},
		MQTT: MQTTConfig{
			ClientID:    "area-automation",
			TopicPrefix: "area_automation",
			QoS:         1,
		},
		API: APIConfig{Port: 8080},
	}
}

// LoadSettings reads settings from path on top of the defaults. An empty
// path yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings: %w", err)
		}
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

// Validate checks the settings for errors
func (s *Settings) Validate() error {
	var errs []string

	t := s.Timing
	if t.StartupDelay < 0 {
		errs = append(errs, "timing.startup_delay must not be negative")
	}
	if t.Debounce < 0 {
		errs = append(errs, "timing.debounce must not be negative")
	}
	if t.Cooldown < 0 {
		errs = append(errs, "timing.cooldown must not be negative")
	}
	if t.EnvironmentPollInterval <= 0 {
		errs = append(errs, "timing.environment_poll_interval must be positive")
	}
	if t.DispatchTimeout <= 0 {
		errs = append(errs, "timing.dispatch_timeout must be positive")
	}

	if s.Location.Latitude < -90 || s.Location.Latitude > 90 {
		errs = append(errs, "location.latitude must be between -90 and 90")
	}
	if s.Location.Longitude < -180 || s.Location.Longitude > 180 {
		errs = append(errs, "location.longitude must be between -180 and 180")
	}

	seen := make(map[string]bool, len(s.Assignments))
	for i, a := range s.Assignments {
		if a.AreaID == "" || a.AppID == "" {
			errs = append(errs, fmt.Sprintf("assignments[%d] needs area_id and app_id", i))
			continue
		}
		if seen[a.AreaID] {
			errs = append(errs, fmt.Sprintf("assignments[%d]: area %s assigned twice", i, a.AreaID))
		}
		seen[a.AreaID] = true
	}

	if s.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if s.History.Enabled() && (s.History.Org == "" || s.History.Bucket == "") {
		errs = append(errs, "history needs org and bucket")
	}
	if s.API.Port < 0 || s.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if s.ConfigStore.RemoteURL != "" && s.ConfigStore.FetchTimeout <= 0 {
		errs = append(errs, "config_store.fetch_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Assignment returns the explicit assignment of an area
func (s *Settings) Assignment(areaID string) (rules.Assignment, bool) {
	for _, a := range s.Assignments {
		if a.AreaID == areaID {
			return a, true
		}
	}
	return rules.Assignment{}, false
}
