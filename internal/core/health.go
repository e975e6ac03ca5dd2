package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/serkansokmen/emojispace/internal/types"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string              `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64               `json:"uptime_seconds"`
	TrackingRunning bool                `json:"tracking_running"`
	FramesPublished uint64              `json:"frames_published"`
	ClassifierUp    bool                `json:"classifier_up"`
	MQTTConnected   bool                `json:"mqtt_connected"`
	Classifier      types.WorkerMetrics `json:"classifier"`
	DropRate        float64             `json:"drop_rate"`
}

// JSON encodes the status
func (h HealthStatus) JSON() ([]byte, error) {
	return json.Marshal(h)
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	ts := s.tracker.Stats()
	metrics := s.pipeline.Metrics()

	status := HealthStatus{
		Status:          "healthy",
		UptimeSeconds:   int64(time.Since(started).Seconds()),
		TrackingRunning: ts.Running,
		FramesPublished: ts.FramesPublished,
		ClassifierUp:    running,
		Classifier:      metrics,
		DropRate:        metrics.DropRate(),
	}
	if s.process != nil {
		status.ClassifierUp = running && s.process.Active()
	}

	if s.emitter != nil && s.emitter.Stats().Connected {
		status.MQTTConnected = true
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.TrackingRunning || !status.ClassifierUp:
		status.Status = "degraded"
	case s.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness; 503 until the service runs
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// StatusHandler handles /status: engine state, nodes on the surface and
// component counters
func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := s.GetStatus()
	status["nodes"] = s.surface.Nodes()
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// Router returns the health HTTP routes
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readiness", s.ReadinessHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	return r
}

// StartHealthServer starts the HTTP health server on the given port.
// It does not block.
func (s *Service) StartHealthServer(port string) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.healthServer = server

	s.logger.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/status"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
