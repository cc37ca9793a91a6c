// Package api provides the read-only HTTP API of the go-victron-ble service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-victron-ble/internal/config"
	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/session"
)

// Registry is the part of the device registry the API reads from.
type Registry interface {
	GetDevice(name string) (*domain.DeviceInfo, bool)
	GetAllDevices() []*domain.DeviceInfo
}

// MetricsProvider reports service metrics for the status endpoint.
type MetricsProvider interface {
	GetMetrics() map[string]interface{}
}

// SessionProvider reports the advertising sessions of the devices.
type SessionProvider interface {
	GetSession(device string) (session.Stats, bool)
	GetAllSessions() []session.Stats
}

// Server represents the HTTP API server that exposes devices, readings and settings.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	registry  Registry
	settings  *domain.Settings
	metrics   MetricsProvider
	sessions  SessionProvider
	logger    zerolog.Logger
	startTime time.Time

	mu   sync.Mutex
	addr string
}

// NewServer creates a new HTTP API server. metrics may be nil.
func NewServer(cfg *config.Config, registry Registry, settings *domain.Settings, metrics MetricsProvider) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		registry:  registry,
		settings:  settings,
		metrics:   metrics,
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{name}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{name}/reading", s.handleGetReading).Methods("GET")

	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{name}", s.handleGetSession).Methods("GET")

	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods("PUT")
}

// SetSessionProvider enables the session endpoints.
func (s *Server) SetSessionProvider(p SessionProvider) {
	s.sessions = p
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := net.JoinHostPort(s.config.API.Host, fmt.Sprint(s.config.API.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	go func() {
		s.logger.Info().
			Str("address", listener.Addr().String()).
			Msg("Starting HTTP API server")

		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":      "ok",
		"version":     "dev",
		"uptime":      time.Since(s.startTime).String(),
		"deviceCount": len(s.registry.GetAllDevices()),
		"verbose":     s.settings.Verbose(),
		"filtering":   s.settings.Filtering(),
	}
	if s.metrics != nil {
		status["metrics"] = s.metrics.GetMetrics()
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListDevices returns a list of all configured devices.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.GetAllDevices()

	result := make([]map[string]interface{}, 0, len(devices))
	for _, dev := range devices {
		result = append(result, deviceSummary(dev))
	}

	s.writeJSON(w, map[string]interface{}{
		"devices": result,
		"count":   len(result),
	}, http.StatusOK)
}

// handleGetDevice returns information about a specific device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	dev, found := s.registry.GetDevice(name)
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, deviceSummary(dev), http.StatusOK)
}

// handleGetReading returns the latest reading of a device in full.
func (s *Server) handleGetReading(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	dev, found := s.registry.GetDevice(name)
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}
	if dev.Latest == nil {
		s.writeError(w, "No reading received yet", http.StatusNotFound)
		return
	}

	s.writeJSON(w, dev.Latest, http.StatusOK)
}

// handleListSessions returns the advertising sessions of all devices.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		s.writeError(w, "Session tracking not available", http.StatusNotFound)
		return
	}

	sessions := s.sessions.GetAllSessions()
	s.writeJSON(w, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	}, http.StatusOK)
}

// handleGetSession returns the advertising session of one device.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, "Session tracking not available", http.StatusNotFound)
		return
	}

	stats, found := s.sessions.GetSession(mux.Vars(r)["name"])
	if !found {
		s.writeError(w, "Session not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, stats, http.StatusOK)
}

// settingsBody is the request and response body of the settings endpoints.
type settingsBody struct {
	Verbose   *bool `json:"verbose,omitempty"`
	Filtering *bool `json:"filtering,omitempty"`
}

// handleGetSettings returns the runtime toggles.
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.currentSettings(), http.StatusOK)
}

// handleUpdateSettings changes the runtime toggles present in the body.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if body.Verbose != nil {
		s.settings.SetVerbose(*body.Verbose)
	}
	if body.Filtering != nil {
		s.settings.SetFiltering(*body.Filtering)
	}

	current := s.currentSettings()
	s.logger.Info().
		Bool("verbose", *current.Verbose).
		Bool("filtering", *current.Filtering).
		Msg("Settings updated")

	s.writeJSON(w, current, http.StatusOK)
}

func (s *Server) currentSettings() settingsBody {
	verbose, filtering := s.settings.Verbose(), s.settings.Filtering()
	return settingsBody{Verbose: &verbose, Filtering: &filtering}
}

// deviceSummary converts registry information into the API representation.
func deviceSummary(dev *domain.DeviceInfo) map[string]interface{} {
	summary := map[string]interface{}{
		"name":        dev.Name,
		"address":     dev.Address,
		"kind":        dev.Kind.String(),
		"lastContact": dev.LastContact,
		"frames":      dev.Frames,
	}
	if dev.Latest != nil {
		summary["latest"] = dev.Latest.Flatten()
		summary["suppressed"] = dev.Latest.Suppressed
	}
	return summary
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
