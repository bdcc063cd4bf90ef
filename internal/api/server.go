// Package api serves the HTTP operator interface: bus control, the traffic
// log, the protocol library, live readings and the optional archive.
package api

import (
	"bms-can-monitor/internal/can"
	"bms-can-monitor/internal/decoder"
	"bms-can-monitor/internal/monitor"
	"bms-can-monitor/internal/protocol"
	"bms-can-monitor/internal/settings"
	"bms-can-monitor/internal/trafficlog"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Deps are the components the handlers operate on. TrafficLog, Settings,
// Archive and Exporter may be nil when the feature is disabled.
// ActiveProtocol is the reference the decoder definition was resolved from.
type Deps struct {
	Driver         *can.Driver
	TrafficLog     *trafficlog.Log
	Loader         *protocol.Loader
	Decoder        *decoder.Decoder
	Readings       *monitor.ReadingStore
	Settings       *settings.Store
	ActiveProtocol string
	Archive        Archive
	Exporter       Exporter
}

// Server represents the HTTP API server
type Server struct {
	server *http.Server
	deps   Deps
	log    logrus.FieldLogger

	mu        sync.Mutex
	activeRef string
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Port int
}

// NewServer creates a new API server instance
func NewServer(config ServerConfig, deps Deps, logger logrus.FieldLogger) *Server {
	s := &Server{
		deps:      deps,
		log:       logger.WithField("component", "api"),
		activeRef: deps.ActiveProtocol,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.loggingMiddleware(corsMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/can/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /api/can/stats", s.handleCANStats)
	mux.HandleFunc("POST /api/can/recover", s.handleRecover)
	mux.HandleFunc("POST /api/can/stats/reset", s.handleResetStats)
	mux.HandleFunc("POST /api/can/ping", s.handlePing)

	mux.HandleFunc("GET /api/canlog", s.handleLogMessages)
	mux.HandleFunc("GET /api/canlog/download", s.handleLogDownload)
	mux.HandleFunc("POST /api/canlog/clear", s.handleLogClear)
	mux.HandleFunc("POST /api/canlog/flush", s.handleLogFlush)

	mux.HandleFunc("GET /api/protocols", s.handleListProtocols)
	mux.HandleFunc("POST /api/protocols", s.handleUploadProtocol)
	mux.HandleFunc("POST /api/protocols/fetch", s.handleFetchProtocol)
	mux.HandleFunc("GET /api/protocols/active", s.handleActiveProtocol)
	mux.HandleFunc("POST /api/protocols/active", s.handleActivateProtocol)
	mux.HandleFunc("GET /api/protocols/{name}", s.handleGetProtocol)
	mux.HandleFunc("DELETE /api/protocols/{name}", s.handleDeleteProtocol)

	mux.HandleFunc("GET /api/readings", s.handleReadings)
	mux.HandleFunc("GET /api/readings/fields", s.handleReadingFields)

	mux.HandleFunc("GET /api/archive/frames", s.handleArchiveFrames)
	mux.HandleFunc("GET /api/archive/count", s.handleArchiveCount)
	mux.HandleFunc("GET /api/archive/ids", s.handleArchiveIDs)
	mux.HandleFunc("GET /api/archive/export", s.handleArchiveExport)
	mux.HandleFunc("GET /api/archive/status/latest", s.handleStatusLatest)
	mux.HandleFunc("GET /api/archive/status/history", s.handleStatusHistory)
	mux.HandleFunc("GET /api/archive/status/aggregated", s.handleStatusAggregated)
}

// handleRoot returns API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "BMS CAN Monitor",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"health": "/health",
			"can": map[string]string{
				"diagnostics": "/api/can/diagnostics",
				"stats":       "/api/can/stats",
				"recover":     "POST /api/can/recover",
				"reset":       "POST /api/can/stats/reset",
				"ping":        "POST /api/can/ping?interval_ms=1000",
			},
			"canlog": map[string]string{
				"messages": "/api/canlog?can_id=0x100&limit=100",
				"download": "/api/canlog/download?can_id=0x100",
				"clear":    "POST /api/canlog/clear",
			},
			"protocols": map[string]string{
				"list":     "/api/protocols",
				"get":      "/api/protocols/{name}?source=builtin",
				"upload":   "POST /api/protocols (body: protocol JSON)",
				"fetch":    "POST /api/protocols/fetch (body: {url, name?})",
				"delete":   "DELETE /api/protocols/{name}",
				"activate": "POST /api/protocols/active (body: {source, name})",
			},
			"readings": "/api/readings?battery_id=1",
			"fields":   "/api/readings/fields?can_id=0x204",
			"archive": map[string]string{
				"frames":  "/api/archive/frames?start_time=2024-01-01T00:00:00Z&can_id=0x100&limit=100",
				"count":   "/api/archive/count",
				"ids":     "/api/archive/ids",
				"export":  "/api/archive/export?start_time=2024-01-01T00:00:00Z&end_time=2024-01-02T00:00:00Z&format=parquet",
				"status":  "/api/archive/status/latest?interface=can0",
				"history": "/api/archive/status/history?interface=can0&limit=100",
			},
		},
	}

	respondWithJSON(w, http.StatusOK, info)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"api": "up",
		"can": s.deps.Driver.StatusString(),
	}
	services["traffic_log"] = "disabled"
	if s.deps.TrafficLog != nil && s.deps.TrafficLog.Initialized() {
		services["traffic_log"] = "up"
	}
	services["archive"] = "disabled"
	if s.deps.Archive != nil {
		services["archive"] = "enabled"
	}

	status := "healthy"
	if s.deps.Driver.State() != can.StateRunning {
		status = "degraded"
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"services":  services,
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("Starting HTTP API server")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the response code for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
