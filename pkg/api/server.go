// Package api provides HTTP endpoints for inspecting and steering the sync engine
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/internal/orchestrator"
	"github.com/branchsync/branchsync/pkg/health"
	"github.com/branchsync/branchsync/pkg/status"
	"github.com/branchsync/branchsync/pkg/types"
	"github.com/branchsync/branchsync/pkg/utils"
)

// SyncService is the part of the orchestrator the API drives
type SyncService interface {
	Snapshots() []types.BranchSnapshot
	Snapshot(branchID int) (types.BranchSnapshot, bool)
	Regulation() orchestrator.Regulation
	LoadBranchesOptimized(ctx context.Context, req types.BatchLoadRequest) []status.SyncStatus
	InvalidateBranch(branchID int) int
	ClearCache()
}

// PerformanceSource exposes monitor state
type PerformanceSource interface {
	LastReport() (metrics.Report, bool)
	RollingStats() metrics.RollingStats
	Recent(n int) []metrics.Metric
}

// CacheSource exposes cache statistics
type CacheSource interface {
	Stats() types.CacheStats
}

// Dependencies are the engine parts served by the API. Nil members disable
// their endpoints with 503.
type Dependencies struct {
	Sync        SyncService
	Performance PerformanceSource
	Cache       CacheSource
	Status      *status.Tracker
	Health      *health.Tracker
	Metrics     http.Handler
}

// Server provides HTTP API endpoints for monitoring
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	deps       Dependencies
	config     ServerConfig
	logger     *utils.StructuredLogger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8090")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response.
	// Sync requests wait for their batch, so keep this above the batch debounce.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableMetrics serves the Prometheus registry on /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:8090",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    false,
		EnableMetrics: true,
	}
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
		logger: utils.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("api")
	s.routes()

	var handler http.Handler = s.router
	handler = s.loggingMiddleware(handler)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/components", s.handleHealthComponents).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// Sync status endpoints
	r.HandleFunc("/status", s.handleSystemStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/branches", s.handleBranchStatuses).Methods(http.MethodGet)
	r.HandleFunc("/status/branches/{id:[0-9]+}", s.handleBranchStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/history", s.handleHistory).Methods(http.MethodGet)

	// Branch data
	r.HandleFunc("/branches", s.handleSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/branches/{id:[0-9]+}", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/branches/sync", s.handleSync).Methods(http.MethodPost)

	// Performance and cache
	r.HandleFunc("/performance", s.handlePerformance).Methods(http.MethodGet)
	r.HandleFunc("/performance/metrics", s.handleRecentMetrics).Methods(http.MethodGet)
	r.HandleFunc("/cache", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/cache", s.handleCacheClear).Methods(http.MethodDelete)
	r.HandleFunc("/cache/branches/{id:[0-9]+}", s.handleCacheInvalidate).Methods(http.MethodDelete)

	if s.config.EnableMetrics && s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("No such endpoint: %s", req.URL.Path))
	})
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", map[string]interface{}{"error": err})
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overallHealth := s.deps.Health.GetOverallHealth()
	components := s.deps.Health.GetAllComponents()

	response := map[string]interface{}{
		"status":     overallHealth.String(),
		"timestamp":  time.Now(),
		"components": len(components),
	}

	statusCode := http.StatusOK
	switch overallHealth {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateCacheOnly:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Health.GetAllComponents())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	// cached data can still be served while the backend is refused
	overallHealth := s.deps.Health.GetOverallHealth()
	ready := overallHealth != health.StateUnavailable

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    overallHealth.String(),
		"timestamp": time.Now(),
	})
}

// Status endpoint handlers

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Status tracking not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Status.GetSystemStatus())
}

func (s *Server) handleBranchStatuses(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Status tracking not configured")
		return
	}

	statuses := s.deps.Status.All()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"branches":  statuses,
		"count":     len(statuses),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleBranchStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Status tracking not configured")
		return
	}

	id, ok := s.branchID(w, r)
	if !ok {
		return
	}
	st, found := s.deps.Status.Get(id)
	if !found {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("No sync run for branch %d", id))
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Status tracking not configured")
		return
	}

	limit := queryInt(r, "limit", 10)
	history := s.deps.Status.History(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"history":   history,
		"count":     len(history),
		"limit":     limit,
		"timestamp": time.Now(),
	})
}

// Branch data handlers

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Sync engine not configured")
		return
	}

	snapshots := s.deps.Sync.Snapshots()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"branches": snapshots,
		"count":    len(snapshots),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Sync engine not configured")
		return
	}

	id, ok := s.branchID(w, r)
	if !ok {
		return
	}
	snap, found := s.deps.Sync.Snapshot(id)
	if !found {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Branch %d has not been loaded", id))
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Sync engine not configured")
		return
	}

	var req types.BatchLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(req.BranchIDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "branch_ids is required")
		return
	}
	if len(req.DataTypes) == 0 {
		req.DataTypes = types.SyncedDataTypes()
	}

	results := s.deps.Sync.LoadBranchesOptimized(r.Context(), req)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"branches":  results,
		"count":     len(results),
		"timestamp": time.Now(),
	})
}

// Performance and cache handlers

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Performance == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Performance monitoring not configured")
		return
	}

	response := map[string]interface{}{
		"rolling":   s.deps.Performance.RollingStats(),
		"timestamp": time.Now(),
	}
	if report, ok := s.deps.Performance.LastReport(); ok {
		response["report"] = report
	}
	if s.deps.Sync != nil {
		response["regulation"] = s.deps.Sync.Regulation()
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Performance == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Performance monitoring not configured")
		return
	}

	limit := queryInt(r, "limit", 50)
	recent := s.deps.Performance.Recent(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": recent,
		"count":   len(recent),
		"limit":   limit,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Sync engine not configured")
		return
	}
	s.deps.Sync.ClearCache()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleared":   true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Sync engine not configured")
		return
	}

	id, ok := s.branchID(w, r)
	if !ok {
		return
	}
	removed := s.deps.Sync.InvalidateBranch(id)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"branch_id": id,
		"removed":   removed,
	})
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{}
	_ = s.router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tpl, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := route.GetMethods()
		for _, m := range methods {
			endpoints = append(endpoints, m+" "+tpl)
		}
		return nil
	})

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "branchsync",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("API request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) branchID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid branch id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding JSON response", map[string]interface{}{"error": err})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
