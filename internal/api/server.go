// Package api serves the locator's state over HTTP: the latest environment
// analysis and report, navigation and hunting sessions, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tower-locator/internal/collector"
	"tower-locator/internal/hunting"
	"tower-locator/internal/logging"
	"tower-locator/internal/navigation"
	"tower-locator/internal/pattern"
	"tower-locator/internal/store"
)

const requestIDHeader = "X-Request-ID"

// Locator is the view of the collector the API serves
type Locator interface {
	Latest() (*collector.Snapshot, error)
	Navigation() navigation.Session
	StartNavigation(ctx context.Context) string
	StopNavigation(ctx context.Context) navigation.Session
	Calibrate(ctx context.Context, points []navigation.CalibrationPoint) (navigation.Calibration, bool)
	Hunting() hunting.Status
	HuntingHistory() []hunting.Sample
	StartHunting(ctx context.Context) string
	StopHunting(ctx context.Context) (string, error)
	Towers(ctx context.Context) ([]store.TowerRecord, error)
}

// Server represents the API server
type Server struct {
	locator Locator
	metrics http.Handler
	log     logging.Logger
	router  *mux.Router
}

// NewServer creates a new API server. metrics may be nil to omit /metrics.
func NewServer(locator Locator, metrics http.Handler, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		locator: locator,
		metrics: metrics,
		log:     log.With(logging.String("component", "api")),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/environment", s.handleEnvironment).Methods("GET")
	s.router.HandleFunc("/api/v1/report", s.handleReport).Methods("GET")
	s.router.HandleFunc("/api/v1/towers", s.handleTowers).Methods("GET")

	s.router.HandleFunc("/api/v1/navigation", s.handleNavigation).Methods("GET")
	s.router.HandleFunc("/api/v1/navigation/start", s.handleNavigationStart).Methods("POST")
	s.router.HandleFunc("/api/v1/navigation/stop", s.handleNavigationStop).Methods("POST")
	s.router.HandleFunc("/api/v1/navigation/calibrate", s.handleCalibrate).Methods("POST")

	s.router.HandleFunc("/api/v1/hunting", s.handleHunting).Methods("GET")
	s.router.HandleFunc("/api/v1/hunting/start", s.handleHuntingStart).Methods("POST")
	s.router.HandleFunc("/api/v1/hunting/stop", s.handleHuntingStop).Methods("POST")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	s.router.Use(requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "API listening", logging.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API shutdown failed: %w", err)
		}
		return nil
	}
}

// Middleware
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.ContextWithRequestID(r.Context(), r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug(r.Context(), "request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int64("duration_us", time.Since(start).Microseconds()))
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

// latest writes a 503 and returns nil until the first scan completes
func (s *Server) latest(w http.ResponseWriter) *collector.Snapshot {
	snap, err := s.locator.Latest()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return nil
	}
	return snap
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "healthy"}
	if snap, err := s.locator.Latest(); err == nil {
		status["lastScan"] = snap.Analysis.Timestamp.UnixMilli()
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest(w); snap != nil {
		respondJSON(w, http.StatusOK, snap.Analysis)
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest(w); snap != nil {
		respondJSON(w, http.StatusOK, snap.Report)
	}
}

func (s *Server) handleTowers(w http.ResponseWriter, r *http.Request) {
	towers, err := s.locator.Towers(r.Context())
	switch {
	case errors.Is(err, collector.ErrStorageDisabled):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if towers == nil {
		towers = []store.TowerRecord{}
	}
	respondJSON(w, http.StatusOK, towers)
}

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.locator.Navigation())
}

func (s *Server) handleNavigationStart(w http.ResponseWriter, r *http.Request) {
	s.locator.StartNavigation(r.Context())
	respondJSON(w, http.StatusOK, s.locator.Navigation())
}

func (s *Server) handleNavigationStop(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.locator.StopNavigation(r.Context()))
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var points []navigation.CalibrationPoint
	if err := json.NewDecoder(r.Body).Decode(&points); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array")
		return
	}
	if len(points) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	cal, accepted := s.locator.Calibrate(r.Context(), points)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"calibration": cal,
		"accepted":    accepted,
	})
}

type huntingResponse struct {
	Status  hunting.Status         `json:"status"`
	Pattern *pattern.SignalPattern `json:"pattern"`
	History []hunting.Sample       `json:"history,omitempty"`
}

func (s *Server) handleHunting(w http.ResponseWriter, r *http.Request) {
	history := s.locator.HuntingHistory()
	resp := huntingResponse{Status: s.locator.Hunting()}
	if p, err := hunting.PatternOf(history); err == nil {
		resp.Pattern = p
	}
	if r.URL.Query().Get("history") == "true" {
		resp.History = history
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHuntingStart(w http.ResponseWriter, r *http.Request) {
	s.locator.StartHunting(r.Context())
	respondJSON(w, http.StatusOK, s.locator.Hunting())
}

func (s *Server) handleHuntingStop(w http.ResponseWriter, r *http.Request) {
	path, err := s.locator.StopHunting(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    s.locator.Hunting(),
		"recording": path,
	})
}
