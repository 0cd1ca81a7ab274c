// Package server exposes the node over HTTP: Prometheus metrics, health
// probes and the admin routes for background workers and runtime variables.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/metrics"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/diskmanager"
)

const (
	collectInterval = 15 * time.Second
	stopTimeout     = 10 * time.Second
	maxBodySize     = 1 << 16
)

// Config holds configuration for the admin server
type Config struct {
	Port int
}

// Deps are the parts of the node the admin server reports on.
type Deps struct {
	System   *rpc.System
	Runner   *background.Runner
	Vars     *background.Vars
	Disk     *diskmanager.DiskManager
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	// Members, when set, reports the gossip members for the metrics collector.
	Members func() []string
	Logger  *zap.Logger
}

// AdminServer serves metrics, health probes and the admin API.
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewAdminServer creates the server and registers every route.
func NewAdminServer(cfg *Config, deps Deps) *AdminServer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	router := mux.NewRouter()
	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:     deps,
		logger:   deps.Logger,
		stopChan: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.Use(recovery(s.logger), requestID, logging(s.logger))

	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/workers", s.workersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/vars", s.listVarsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/vars/{name}", s.getVarHandler).Methods(http.MethodGet)
	v1.HandleFunc("/vars/{name}", s.setVarHandler).Methods(http.MethodPut)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router, for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start starts the metrics collector and the HTTP listener.
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop() error {
	s.logger.Info("Stopping admin server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// readyHandler refuses traffic while the block store is out of disk.
func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"timestamp": time.Now().Format(time.RFC3339)}
	if s.deps.Disk != nil {
		usage := s.deps.Disk.Usage()
		resp["disk_usage_percent"] = usage.Percent()
		if err := s.deps.Disk.CheckBeforeWrite(0); storageerrors.HasCode(err, storageerrors.ErrCodeDiskFull) {
			resp["status"] = "not_ready"
			resp["reason"] = "disk_full"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	resp["status"] = "ready"
	writeJSON(w, http.StatusOK, resp)
}

type nodeStatus struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
	Up   bool   `json:"up"`
}

func (s *AdminServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	sys := s.deps.System
	if sys == nil {
		writeError(w, http.StatusServiceUnavailable, "cluster system not available")
		return
	}
	nodes := sys.Ring().Nodes()
	out := make([]nodeStatus, 0, len(nodes))
	for _, id := range nodes {
		addr, _ := sys.Addr(id)
		out = append(out, nodeStatus{ID: id, Addr: addr, Up: id == sys.ID() || sys.IsUp(id)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":      sys.ID(),
		"ring_version": sys.Ring().Version(),
		"nodes":        out,
	})
}

func (s *AdminServer) workersHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeJSON(w, http.StatusOK, []background.WorkerInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runner.Workers())
}

func (s *AdminServer) listVarsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vars == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Vars.All())
}

type varValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *AdminServer) getVarHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.hasVar(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown variable %q", name))
		return
	}
	value, err := s.deps.Vars.Get(name)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, varValue{Name: name, Value: value})
}

func (s *AdminServer) setVarHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.hasVar(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown variable %q", name))
		return
	}
	var req varValue
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Vars.Set(name, req.Value); err != nil {
		writeStorageError(w, err)
		return
	}
	value, _ := s.deps.Vars.Get(name)
	s.logger.Info("Runtime variable changed", zap.String("name", name), zap.String("value", value))
	writeJSON(w, http.StatusOK, varValue{Name: name, Value: value})
}

func (s *AdminServer) hasVar(name string) bool {
	if s.deps.Vars == nil {
		return false
	}
	for _, n := range s.deps.Vars.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// collectSystemMetrics periodically refreshes disk and membership gauges.
func (s *AdminServer) collectSystemMetrics() {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *AdminServer) updateSystemMetrics() {
	if s.deps.Disk != nil {
		usage := s.deps.Disk.Usage()
		s.deps.Metrics.SetDiskUsage(usage.Percent(), usage.AvailableBytes)
	}
	if s.deps.Members != nil {
		s.deps.Metrics.SetGossipMembers(len(s.deps.Members()))
	}
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Status: "error", Message: message})
}

// writeStorageError maps a storage error code to an HTTP status.
func writeStorageError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch storageerrors.GetCode(err) {
	case storageerrors.ErrCodeInvalidArgument:
		code = http.StatusBadRequest
	case storageerrors.ErrCodeKeyNotFound:
		code = http.StatusNotFound
	case storageerrors.ErrCodeUnavailable, storageerrors.ErrCodeDiskFull:
		code = http.StatusServiceUnavailable
	}
	writeError(w, code, err.Error())
}
