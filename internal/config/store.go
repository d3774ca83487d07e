package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"areaautomation/internal/activity"
	"areaautomation/internal/rules"
)

// ErrNotFound is returned when a definition does not exist
var ErrNotFound = errors.New("not found")

// Snapshot is the full set of activity definitions and apps
type Snapshot struct {
	Activities map[activity.Level]activity.Definition `yaml:"activities" json:"activities"`
	Apps       map[string]rules.App                   `yaml:"apps" json:"apps"`
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Activities: make(map[activity.Level]activity.Definition),
		Apps:       make(map[string]rules.App),
	}
}

// RemoteSource fetches definitions from a remote backend
type RemoteSource interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// HTTPSource fetches a JSON snapshot with a GET request
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a remote source for url. A nil client uses http.DefaultClient.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{url: url, client: client}
}

// Fetch implements RemoteSource
func (h *HTTPSource) Fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch definitions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch definitions: unexpected status %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	return &snap, nil
}

// Store serves activity definitions and apps from three tiers: the remote
// source, a local YAML cache, and built-in defaults injected by
// EnsureDefaults. Reads never mutate the store.
type Store struct {
	remote    RemoteSource
	cachePath string
	timeout   time.Duration
	logger    *zap.Logger

	mu              sync.RWMutex
	snap            Snapshot
	cacheLoaded     bool
	defaultsEnsured bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store. remote may be nil and cachePath may be empty.
func NewStore(remote RemoteSource, cachePath string, timeout time.Duration, logger *zap.Logger) *Store {
	return &Store{
		remote:    remote,
		cachePath: cachePath,
		timeout:   timeout,
		logger:    logger.Named("config_store"),
		snap:      emptySnapshot(),
		stopChan:  make(chan struct{}),
	}
}

// Sync fetches definitions from the remote source. On failure the local
// cache is loaded (once) and false is returned.
func (s *Store) Sync(ctx context.Context) bool {
	if s.remote == nil {
		s.loadCacheOnce()
		return false
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	snap, err := s.remote.Fetch(ctx)
	if err != nil {
		s.logger.Warn("Remote sync failed, using local cache", zap.Error(err))
		s.loadCacheOnce()
		return false
	}

	normalised := normalise(snap)
	s.replace(normalised)

	if err := s.persist(); err != nil {
		s.logger.Warn("Failed to write definition cache", zap.Error(err))
	}

	s.logger.Info("Definitions synced",
		zap.Int("activities", len(normalised.Activities)),
		zap.Int("apps", len(normalised.Apps)))
	return true
}

func normalise(snap *Snapshot) Snapshot {
	out := emptySnapshot()
	if snap == nil {
		return out
	}
	for level, def := range snap.Activities {
		if def.ID == "" {
			def.ID = level
		}
		out.Activities[level] = def
	}
	for id, app := range snap.Apps {
		if app.ID == "" {
			app.ID = id
		}
		out.Apps[id] = app
	}
	return out
}

func (s *Store) loadCacheOnce() {
	s.mu.RLock()
	loaded := s.cacheLoaded
	s.mu.RUnlock()
	if loaded {
		return
	}
	if err := s.LoadCache(); err != nil {
		s.logger.Warn("Failed to load definition cache", zap.Error(err))
	}
}

// LoadCache replaces the in-memory definitions with the local cache. A
// missing cache file is not an error.
func (s *Store) LoadCache() error {
	if s.cachePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.cachePath)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.cacheLoaded = true
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read definition cache: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse definition cache: %w", err)
	}

	normalised := normalise(&snap)
	s.replace(normalised)

	s.logger.Info("Definition cache loaded",
		zap.String("path", s.cachePath),
		zap.Int("activities", len(normalised.Activities)),
		zap.Int("apps", len(normalised.Apps)))
	return nil
}

func (s *Store) persist() error {
	if s.cachePath == "" {
		return nil
	}

	s.mu.RLock()
	data, err := yaml.Marshal(s.snap)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode definition cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write definition cache: %w", err)
	}
	return os.Rename(tmp, s.cachePath)
}

// EnsureDefaults injects every missing system activity definition and the
// system lighting app, marks existing system entries as system-owned, and
// persists the result when anything was injected. It returns the number of
// injected entries; a second call returns 0. Once called, later syncs and
// cache loads keep the system entries.
func (s *Store) EnsureDefaults() (int, error) {
	s.mu.Lock()
	s.defaultsEnsured = true
	injected := injectDefaults(&s.snap)
	s.mu.Unlock()

	if injected == 0 {
		return 0, nil
	}

	s.logger.Info("Injected default definitions", zap.Int("count", injected))
	if err := s.persist(); err != nil {
		return injected, err
	}
	return injected, nil
}

// injectDefaults adds the system entries missing from snap and returns how
// many were added
func injectDefaults(snap *Snapshot) int {
	injected := 0
	for level, def := range activity.DefaultDefinitions() {
		existing, ok := snap.Activities[level]
		if !ok {
			snap.Activities[level] = def
			injected++
			continue
		}
		if !existing.IsSystem {
			existing.IsSystem = true
			snap.Activities[level] = existing
		}
	}
	if _, ok := snap.Apps[rules.DefaultAppID]; !ok {
		snap.Apps[rules.DefaultAppID] = rules.DefaultApp()
		injected++
	}
	return injected
}

// replace installs snap, re-adding system entries once defaults are ensured
func (s *Store) replace(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultsEnsured {
		if n := injectDefaults(&snap); n > 0 {
			s.logger.Info("Restored default definitions", zap.Int("count", n))
		}
	}
	s.snap = snap
	s.cacheLoaded = true
}

// GetActivityDefinition implements activity.DefinitionSource
func (s *Store) GetActivityDefinition(id activity.Level) (activity.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.snap.Activities[id]
	return def, ok
}

// GetApp implements rules.AppSource
func (s *Store) GetApp(id string) (rules.App, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.snap.Apps[id]
	return app, ok
}

// App returns an app or ErrNotFound
func (s *Store) App(id string) (rules.App, error) {
	app, ok := s.GetApp(id)
	if !ok {
		return rules.App{}, fmt.Errorf("app %s: %w", id, ErrNotFound)
	}
	return app, nil
}

// ActivityDefinitions returns a copy of every activity definition
func (s *Store) ActivityDefinitions() map[activity.Level]activity.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[activity.Level]activity.Definition, len(s.snap.Activities))
	for k, v := range s.snap.Activities {
		out[k] = v
	}
	return out
}

// Apps returns every app sorted by ID
func (s *Store) Apps() []rules.App {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rules.App, 0, len(s.snap.Apps))
	for _, app := range s.snap.Apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartAutoSync re-syncs from the remote source every interval until Stop
func (s *Store) StartAutoSync(interval time.Duration) {
	if s.remote == nil || interval <= 0 {
		return
	}
	s.logger.Info("Starting definition auto-sync", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sync(context.Background())
			case <-s.stopChan:
				s.logger.Info("Stopping definition auto-sync")
				return
			}
		}
	}()
}

// Stop stops the auto-sync loop
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
