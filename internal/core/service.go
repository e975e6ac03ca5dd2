package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/serkansokmen/emojispace/internal/annotation"
	"github.com/serkansokmen/emojispace/internal/classifier"
	"github.com/serkansokmen/emojispace/internal/config"
	"github.com/serkansokmen/emojispace/internal/control"
	"github.com/serkansokmen/emojispace/internal/emitter"
	"github.com/serkansokmen/emojispace/internal/events"
	"github.com/serkansokmen/emojispace/internal/recording"
	"github.com/serkansokmen/emojispace/internal/render"
	"github.com/serkansokmen/emojispace/internal/session"
	"github.com/serkansokmen/emojispace/internal/tracking"
	"github.com/serkansokmen/emojispace/internal/types"
	"github.com/serkansokmen/emojispace/internal/worker"
)

const (
	statsInterval    = 30 * time.Second
	healthInterval   = 10 * time.Second
	watchdogInterval = 30 * time.Second
	commandTimeout   = 5 * time.Second
)

// classifierProcess is a model process the watchdog can restart
type classifierProcess interface {
	ID() string
	Active() bool
	Metrics() types.WorkerMetrics
	Start(ctx context.Context) error
	Stop() error
}

// Service is the main daemon orchestrator
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	// Core components
	loop     *Loop
	machine  *session.Machine
	tracker  *tracking.Session
	feed     *tracking.CameraFeed
	backend  classifier.Classifier
	process  classifierProcess // nil unless the python backend is configured
	pipeline *classifier.Pipeline
	recorder *recording.FrameRecorder
	cache    *annotation.Cache
	bus      *events.Bus
	engine   *Engine
	surface  *render.Surface

	// Outer surfaces
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	healthServer   *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	runCtx    context.Context
}

// NewService loads the configuration at configPath and builds the service
func NewService(configPath string, logger *slog.Logger) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewServiceFromConfig(cfg, logger)
}

// NewServiceFromConfig builds every component from a validated config.
// Nothing runs until Run.
func NewServiceFromConfig(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"classifier_backend", cfg.Classifier.Backend,
	)

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		loop:    NewLoop(0),
		tracker: tracking.NewSession(cfg.Placement.HitRadiusPx, logger),
		cache:   annotation.NewCache(),
		bus:     events.NewBus(logger),
	}
	s.feed = tracking.NewCameraFeed(cfg.Camera, s.tracker, logger)

	if err := s.initializeClassifier(); err != nil {
		return nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}

	recorder, err := recording.NewFrameRecorder(s.tracker, cfg.Recording, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}
	s.recorder = recorder
	s.machine = session.NewMachine(recorder, logger)

	s.engine = NewEngine(EngineConfig{
		Loop:           s.loop,
		Machine:        s.machine,
		Tracker:        s.tracker,
		Cache:          s.cache,
		Pipeline:       s.pipeline,
		Bus:            s.bus,
		VisionDistance: cfg.Placement.VisionDistance,
		Logger:         logger,
	})
	s.surface = render.NewSurface(s.engine, cfg.Render, logger)

	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
	}

	return s, nil
}

// initializeClassifier creates the backend and the pipeline in front of it
func (s *Service) initializeClassifier() error {
	cc := s.cfg.Classifier

	switch cc.Backend {
	case config.BackendPython:
		proc, err := worker.NewPythonClassifier(worker.PythonConfig{
			WorkerID:   "classifier",
			Command:    cc.Command,
			Args:       cc.Args,
			ModelPath:  cc.ModelPath,
			InputSize:  cc.InputSize,
			TopK:       cc.TopK,
			InstanceID: s.cfg.InstanceID,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create python classifier: %w", err)
		}
		s.process = proc
		s.backend = proc
	default:
		s.backend = worker.NewColorClassifier()
	}

	crop, err := classifier.ParseCropPolicy(cc.Crop)
	if err != nil {
		return err
	}

	s.pipeline = classifier.NewPipeline(s.backend, classifier.Options{
		Workers:       cc.Workers,
		QueueSize:     cc.QueueSize,
		TopK:          cc.TopK,
		MinConfidence: cc.MinConfidence,
		Timeout:       cc.RequestTimeout(),
		Crop:          crop,
	}, s.logger)

	s.logger.Info("classifier configured",
		"backend", cc.Backend,
		"workers", cc.Workers,
		"queue_size", cc.QueueSize,
		"min_confidence", cc.MinConfidence,
		"crop", crop.String(),
	)
	return nil
}

// Engine returns the annotation engine
func (s *Service) Engine() *Engine {
	return s.engine
}

// Surface returns the render surface
func (s *Service) Surface() *render.Surface {
	return s.surface
}

// Run starts the service and blocks until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.runCtx = ctx
	s.mu.Unlock()

	s.logger.Info("emojispace service starting", "instance_id", s.cfg.InstanceID)

	// The loop lives until Shutdown so late commands fail cleanly
	go s.loop.Run(context.Background())

	if err := s.consumeEvents(ctx, "render", func(in <-chan events.Event) { s.surface.Run(ctx, in) }); err != nil {
		return err
	}

	if err := s.tracker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tracking session: %w", err)
	}

	if s.process != nil {
		if err := s.process.Start(ctx); err != nil {
			return fmt.Errorf("failed to start classifier process: %w", err)
		}
	}
	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start classification pipeline: %w", err)
	}

	if err := s.feed.Start(ctx); err != nil {
		return fmt.Errorf("failed to start camera feed: %w", err)
	}

	if s.emitter != nil {
		if err := s.startMQTT(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Health.Port != "" {
		if err := s.StartHealthServer(s.cfg.Health.Port); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(ctx)
	}()

	if s.process != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchClassifier(ctx)
		}()
	}

	s.logger.Info("emojispace service running",
		"classifier_backend", s.cfg.Classifier.Backend,
		"mqtt_enabled", s.emitter != nil,
		"health_port", s.cfg.Health.Port,
	)

	<-ctx.Done()

	s.logger.Info("emojispace service run loop exiting")
	return nil
}

// consumeEvents subscribes fn to the event bus in its own goroutine
func (s *Service) consumeEvents(ctx context.Context, name string, fn func(<-chan events.Event)) error {
	sub, err := s.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s to events: %w", name, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(sub)
	}()
	return nil
}

// startMQTT connects the emitter and brings up the control plane
func (s *Service) startMQTT(ctx context.Context) error {
	if err := s.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, s.commandCallbacks())
	if err := s.controlHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	if err := s.consumeEvents(ctx, "emitter", func(in <-chan events.Event) { s.emitter.Run(ctx, in) }); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishHealth(ctx)
	}()
	return nil
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("shutting down emojispace service")

	// 1. Stop the camera so no new frames arrive
	if err := s.feed.Stop(); err != nil {
		s.logger.Error("failed to stop camera feed", "error", err)
	}

	// 2. Close a capture still in progress
	if s.recorder.Recording() {
		if artifact, err := s.recorder.Stop(ctx); err != nil {
			s.logger.Error("failed to stop recording", "error", err)
		} else {
			s.logger.Info("recording closed on shutdown", "dir", artifact.Location, "frames", artifact.Frames)
		}
	}

	// 3. Stop accepting commands
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			s.logger.Error("failed to stop control handler", "error", err)
		}
	}

	// 4. Drain classification, then stop the backend
	if err := s.pipeline.Close(ctx); err != nil {
		s.logger.Error("failed to drain classification pipeline", "error", err)
	}
	if s.process != nil {
		if err := s.process.Stop(); err != nil {
			s.logger.Error("failed to stop classifier process", "error", err)
		}
	}

	// 5. Release frame subscribers
	if err := s.tracker.Stop(); err != nil {
		s.logger.Error("failed to stop tracking session", "error", err)
	}

	if s.healthServer != nil {
		if err := s.healthServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop health server", "error", err)
		}
	}

	// 6. Wait for goroutines to finish
	s.logger.Info("waiting for goroutines to finish")
	s.wg.Wait()

	s.loop.Stop()
	s.bus.Close()

	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			s.logger.Error("failed to disconnect mqtt", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	s.logger.Info("emojispace service shutdown complete", "uptime", uptime)
	return nil
}

// logStats periodically logs component counters
func (s *Service) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := s.engine.Status(ctx)
			if err != nil {
				continue
			}
			ts := s.tracker.Stats()
			pm := s.pipeline.Metrics()
			published, failed := s.bus.Stats()
			s.logger.Info("engine stats",
				"mode", st.Mode,
				"anchors", st.Anchors,
				"annotations", st.Annotations,
				"classifying", st.Classifying,
				"labels_applied", st.LabelsApplied,
				"labels_skipped", st.LabelsSkipped,
				"frames_published", ts.FramesPublished,
				"inbox_drops", ts.InboxDrops,
				"classifier_requests", pm.RequestsProcessed,
				"classifier_dropped", pm.RequestsDropped,
				"classifier_avg_latency_ms", pm.AvgLatencyMS,
				"events_published", published,
				"events_failed", failed,
			)
		}
	}
}

// publishHealth periodically publishes the health status over MQTT
func (s *Service) publishHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := s.HealthCheck().JSON()
			if err != nil {
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				s.logger.Debug("health not published", "error", err)
			}
		}
	}
}

// watchClassifier restarts a model process that exited or stopped
// answering
func (s *Service) watchClassifier(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	// A process silent for three request timeouts (never under 30s) is hung
	timeout := 3 * s.cfg.Classifier.RequestTimeout()
	if timeout < watchdogInterval {
		timeout = watchdogInterval
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.superviseClassifier(ctx, timeout)
		}
	}
}

// superviseClassifier restarts the process when it is down, or when
// requests are waiting and it has been silent for longer than timeout.
// It reports whether a restart succeeded.
func (s *Service) superviseClassifier(ctx context.Context, timeout time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}

	metrics := s.process.Metrics()
	pending := s.pipeline.Pending()
	silent := time.Since(metrics.LastSeenAt)

	var reason string
	switch {
	case !s.process.Active():
		reason = "process exited"
	case pending > 0 && !metrics.LastSeenAt.IsZero() && silent > timeout:
		reason = "process hung"
	default:
		return false
	}

	s.logger.Warn("classifier process unhealthy, attempting restart",
		"worker_id", s.process.ID(),
		"reason", reason,
		"last_seen_ago_s", int(silent.Seconds()),
		"pending", pending,
	)

	if err := s.process.Stop(); err != nil {
		s.logger.Error("failed to stop classifier", "worker_id", s.process.ID(), "error", err)
		return false
	}
	if err := s.process.Start(ctx); err != nil {
		s.logger.Error("failed to restart classifier",
			"worker_id", s.process.ID(),
			"error", err,
			"action", "manual intervention required")
		return false
	}
	s.logger.Info("classifier restarted successfully", "worker_id", s.process.ID())
	return true
}

// GetStatus returns the current status of the service
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"running":     running,
		"uptime_s":    time.Since(started).Seconds(),
		"classifier":  s.pipeline.Metrics(),
		"tracking":    s.tracker.Stats(),
		"render":      s.surface.Stats(),
	}
	if frame := s.tracker.CurrentFrame(); frame != nil {
		status["last_frame"] = frame.Meta()
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if st, err := s.engine.Status(ctx); err == nil {
		status["engine"] = st
	}
	return status
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}
