package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"areaautomation/internal/activity"
	"areaautomation/internal/automation"
	"areaautomation/internal/rules"
	"areaautomation/internal/shadowstate"
)

// Source is the read side of the automation system
type Source interface {
	Areas() []string
	AreaStatus(areaID string) (automation.AreaStatus, bool)
	Stats() rules.Stats
	ConfiguredTimeouts() map[activity.Level]time.Duration
	Groups() []string
	CurrentMembers(groupKey string) ([]string, bool)
	Shadow() map[string]*shadowstate.AreaShadowState
}

// Server provides the read-only HTTP API
type Server struct {
	source  Source
	logger  *zap.Logger
	server  *http.Server
	metrics *prometheus.Registry
}

// NewServer creates a new API server
func NewServer(source Source, logger *zap.Logger, port int) *Server {
	s := &Server{
		source:  source,
		logger:  logger.Named("api"),
		metrics: newMetrics(source),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/areas", s.handleAreas).Methods(http.MethodGet)
	r.HandleFunc("/api/areas/{id}", s.handleArea).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/groups", s.handleGroups).Methods(http.MethodGet)
	r.HandleFunc("/api/groups/{key}", s.handleGroup).Methods(http.MethodGet)
	r.HandleFunc("/api/shadow", s.handleShadow).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(r)
}

type recoveryLogger struct{ logger *zap.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Handler panic", zap.String("panic", fmt.Sprint(v...)))
}

// newMetrics exposes the rule engine counters, read on every scrape
func newMetrics(source Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	counter := func(name, help string, read func(rules.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "area_automation",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(source.Stats())) })
	}
	reg.MustRegister(
		counter("rule_triggers_total", "Rule evaluations requested.", func(st rules.Stats) int64 { return st.TotalTriggers }),
		counter("rule_executions_succeeded_total", "Action batches without failures.", func(st rules.Stats) int64 { return st.SuccessfulExecutions }),
		counter("rule_actions_failed_total", "Actions that failed.", func(st rules.Stats) int64 { return st.FailedExecutions }),
		counter("rule_cooldown_blocks_total", "Executions suppressed by cooldown.", func(st rules.Stats) int64 { return st.CooldownBlocks }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "area_automation",
			Name:      "areas",
			Help:      "Areas with a presence or light group.",
		}, func() float64 { return float64(len(source.Areas())) }),
	)
	return reg
}

// StatsResponse is the body of /api/stats
type StatsResponse struct {
	Stats              rules.Stats        `json:"stats"`
	ConfiguredTimeouts map[string]float64 `json:"configured_timeouts"`
}

// GroupResponse is the body of /api/groups/{key}
type GroupResponse struct {
	Key     string   `json:"key"`
	Members []string `json:"members"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAreas(w http.ResponseWriter, r *http.Request) {
	areas := make([]automation.AreaStatus, 0)
	for _, id := range s.source.Areas() {
		if st, ok := s.source.AreaStatus(id); ok {
			areas = append(areas, st)
		}
	}
	s.writeJSON(w, http.StatusOK, areas)
}

func (s *Server) handleArea(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.source.AreaStatus(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("area %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	timeouts := make(map[string]float64)
	for level, d := range s.source.ConfiguredTimeouts() {
		timeouts[string(level)] = d.Seconds()
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Stats:              s.source.Stats(),
		ConfiguredTimeouts: timeouts,
	})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Groups())
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	members, ok := s.source.CurrentMembers(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("group %s not found", key))
		return
	}
	s.writeJSON(w, http.StatusOK, GroupResponse{Key: key, Members: members})
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Shadow())
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/health", Method: "GET", Description: "Health check"},
	{Path: "/api/areas", Method: "GET", Description: "Activity, timeout, presence and lights of every area"},
	{Path: "/api/areas/{id}", Method: "GET", Description: "One area"},
	{Path: "/api/stats", Method: "GET", Description: "Rule engine counters and configured timeouts"},
	{Path: "/api/groups", Method: "GET", Description: "Group keys"},
	{Path: "/api/groups/{key}", Method: "GET", Description: "Current members of a group, e.g. presence:kitchen"},
	{Path: "/api/shadow", Method: "GET", Description: "Inputs and recent actions per area"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap lists the endpoints as plain text
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Area Automation API\n")
	fmt.Fprintf(w, "===================\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-20s %s\n", ep.Method, ep.Path, ep.Description)
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
