package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/pgproxy/internal/config"
	"github.com/dbbouncer/pgproxy/internal/health"
	"github.com/dbbouncer/pgproxy/internal/metrics"
	"github.com/dbbouncer/pgproxy/internal/pool"
	"github.com/dbbouncer/pgproxy/internal/router"
)

// maxRequestBodyBytes bounds the size of CRUD request bodies this server
// will decode.
const maxRequestBodyBytes = 1 << 20

// Server is the REST API, dashboard, and Prometheus /metrics server.
type Server struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   []config.ListenEntry
	apiKey      string
}

// NewServer creates a new API server. apiKey, if non-empty, requires a
// "Authorization: Bearer <apiKey>" header on every route except /health,
// /ready, and /metrics.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, listenCfg []config.ListenEntry, apiKey string) *Server {
	return &Server{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   listenCfg,
		apiKey:      apiKey,
	}
}

// authMiddleware enforces the bearer-token check configured via apiKey.
// Health, readiness, and metrics endpoints stay exempt so orchestrators
// and scrapers don't need the token. A blank apiKey disables the check.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != s.apiKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware caps request bodies so a malicious or buggy client
// can't exhaust memory decoding JSON.
func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP API server on addr (e.g. "0.0.0.0:9090").
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	// Target CRUD
	r.HandleFunc("/targets", s.listTargets).Methods("GET")
	r.HandleFunc("/targets", s.createTarget).Methods("POST")
	r.HandleFunc("/targets/{name}", s.getTarget).Methods("GET")
	r.HandleFunc("/targets/{name}", s.updateTarget).Methods("PUT")
	r.HandleFunc("/targets/{name}", s.deleteTarget).Methods("DELETE")
	r.HandleFunc("/targets/{name}/stats", s.targetStats).Methods("GET")
	r.HandleFunc("/targets/{name}/drain", s.drainTarget).Methods("POST")

	// Pause/Resume
	r.HandleFunc("/targets/{name}/pause", s.pauseTarget).Methods("POST")
	r.HandleFunc("/targets/{name}/resume", s.resumeTarget).Methods("POST")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Admin dashboard, served at exactly "/" and "/dashboard"
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(bodyLimitMiddleware(r)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Target Handlers ---

type targetRequest struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Role           string `json:"role"`
	DBName         string `json:"dbname"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	MinConnections *int   `json:"min_connections,omitempty"`
	MaxConnections *int   `json:"max_connections,omitempty"`
}

type targetResponse struct {
	Name   string               `json:"name"`
	Config config.TargetConfig  `json:"config"`
	Stats  *pool.Stats          `json:"stats,omitempty"`
	Health *health.TargetHealth `json:"health,omitempty"`
	Paused bool                 `json:"paused"`
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.router.ListTargets()

	var result []targetResponse
	for name, tc := range targets {
		tr := targetResponse{
			Name:   name,
			Config: tc.Redacted(),
			Paused: s.router.IsPaused(name),
		}
		if stats, ok := s.poolMgr.TargetStats(name); ok {
			tr.Stats = &stats
		}
		h := s.healthCheck.GetStatus(name)
		tr.Health = &h
		result = append(result, tr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		targetRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "target name is required")
		return
	}
	if req.Host == "" || req.Port == 0 || req.DBName == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "host, port, dbname, and username are required")
		return
	}
	if req.Role != "" && req.Role != "primary" && req.Role != "replica" {
		writeError(w, http.StatusBadRequest, "role must be primary or replica")
		return
	}

	tc := config.TargetConfig{
		Host:     req.Host,
		Port:     req.Port,
		Role:     req.Role,
		DBName:   req.DBName,
		Username: req.Username,
		Password: req.Password,
	}
	if req.MinConnections != nil {
		tc.Pool.MinConnections = req.MinConnections
	}
	if req.MaxConnections != nil {
		tc.Pool.MaxConnections = req.MaxConnections
	}

	s.router.AddTarget(req.Name, tc)
	log.Printf("[api] target %s registered (%s at %s:%d)", req.Name, tc.Role, tc.Host, tc.Port)

	writeJSON(w, http.StatusCreated, targetResponse{Name: req.Name, Config: tc.Redacted()})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	tc, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	tr := targetResponse{Name: name, Config: tc.Redacted(), Paused: s.router.IsPaused(name)}
	if stats, ok := s.poolMgr.TargetStats(name); ok {
		tr.Stats = &stats
	}
	h := s.healthCheck.GetStatus(name)
	tr.Health = &h

	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) updateTarget(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	existing, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	if req.Host != "" {
		existing.Host = req.Host
	}
	if req.Port != 0 {
		existing.Port = req.Port
	}
	if req.Role != "" {
		existing.Role = req.Role
	}
	if req.DBName != "" {
		existing.DBName = req.DBName
	}
	if req.Username != "" {
		existing.Username = req.Username
	}
	if req.Password != "" {
		existing.Password = req.Password
	}
	if req.MinConnections != nil {
		existing.Pool.MinConnections = req.MinConnections
	}
	if req.MaxConnections != nil {
		existing.Pool.MaxConnections = req.MaxConnections
	}

	s.router.AddTarget(name, existing)
	log.Printf("[api] target %s updated", name)

	writeJSON(w, http.StatusOK, targetResponse{Name: name, Config: existing.Redacted()})
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.RemoveTarget(name) {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	s.poolMgr.Remove(name)
	s.healthCheck.RemoveTarget(name)
	if s.metrics != nil {
		s.metrics.RemoveTarget(name)
	}

	log.Printf("[api] target %s removed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "target": name})
}

func (s *Server) targetStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	stats, ok := s.poolMgr.TargetStats(name)
	if !ok {
		if _, err := s.router.Resolve(name); err != nil {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		stats = pool.Stats{Target: name}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) drainTarget(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.poolMgr.DrainTarget(name) {
		writeError(w, http.StatusNotFound, "target not found or no active pool")
		return
	}

	log.Printf("[api] target %s drained", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "target": name})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(allHealthy),
		"targets": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready if at least one target is healthy or there are no targets configured.
	targets := s.router.ListTargets()
	if len(targets) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for name := range targets {
		if s.healthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	targets := s.router.ListTargets()

	listenAddrs := make([]string, 0, len(s.listenCfg))
	for _, l := range s.listenCfg {
		listenAddrs = append(listenAddrs, l.Address)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_targets":    len(targets),
		"listen":         listenAddrs,
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.router.Defaults()
	targets := s.router.ListTargets()

	listenAddrs := make([]string, 0, len(s.listenCfg))
	for _, l := range s.listenCfg {
		listenAddrs = append(listenAddrs, l.Address)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": listenAddrs,
		"defaults": map[string]interface{}{
			"mode":            defaults.Mode,
			"min_connections": defaults.MinConnections,
			"max_connections": defaults.MaxConnections,
			"idle_timeout":    defaults.IdleTimeout.String(),
			"max_lifetime":    defaults.MaxLifetime.String(),
		},
		"target_count": len(targets),
	})
}

// --- Pause/Resume Handlers ---

func (s *Server) pauseTarget(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.PauseTarget(name) {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	log.Printf("[api] target %s paused", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "target": name})
}

func (s *Server) resumeTarget(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.ResumeTarget(name) {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	log.Printf("[api] target %s resumed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "target": name})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}

