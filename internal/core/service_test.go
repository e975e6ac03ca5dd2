package core

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serkansokmen/emojispace/internal/config"
	"github.com/serkansokmen/emojispace/internal/control"
	"github.com/serkansokmen/emojispace/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	yaml := fmt.Sprintf(`
instance_id: test-1
camera:
  width: 320
  height: 240
  fps: 30
recording:
  output_dir: %s
  format: png
images:
  dir: %s
`, t.TempDir(), t.TempDir())

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	s, err := NewServiceFromConfig(cfg, nil)
	require.NoError(t, err)
	return s
}

// runService runs s until the test ends.
func runService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		shutdownCtx, stop := context.WithTimeout(context.Background(), s.ShutdownTimeout())
		defer stop()
		require.NoError(t, s.Shutdown(shutdownCtx))
	})

	require.Eventually(t, func() bool {
		return s.tracker.CurrentFrame() != nil
	}, 2*time.Second, 5*time.Millisecond, "camera feed never produced a frame")
}

func TestServiceRejectsBadPythonConfig(t *testing.T) {
	cfg, err := config.Parse([]byte("instance_id: test-1\nclassifier: {backend: python, command: python3, model_path: m.onnx}\n"))
	require.NoError(t, err)
	cfg.Classifier.Command = ""
	_, err = NewServiceFromConfig(cfg, nil)
	assert.Error(t, err)
}

func TestHealthEndpointsBeforeRun(t *testing.T) {
	s := newTestService(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "unhealthy", health.Status)

	resp, err = http.Post(srv.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServiceVisionTouchEndToEnd(t *testing.T) {
	s := newTestService(t)
	runService(t, s)

	require.NoError(t, s.setMode("vision"))
	data, err := s.touch(control.TouchParams{X: 160, Y: 120})
	require.NoError(t, err)
	assert.Equal(t, true, data["placed"])
	assert.Equal(t, true, data["classifying"])
	id := data["anchor_id"].(types.AnchorID)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, ok, _ := s.engine.ContentFor(ctx, id)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	content, _, err := s.engine.ContentFor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ContentLabel, content.Kind)
	assert.NotEmpty(t, content.Text)

	require.Eventually(t, func() bool {
		_, ok := s.surface.Node(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "render surface never drew the label")

	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "test-1", status["instance_id"])
	assert.Len(t, status["nodes"], 1)
	assert.NotNil(t, status["last_frame"])

	assert.Equal(t, "healthy", s.HealthCheck().Status)

	data, err = s.removeAnchor(string(id))
	require.NoError(t, err)
	assert.Equal(t, id, data["anchor_id"])
	require.Eventually(t, func() bool {
		_, ok := s.surface.Node(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "removed anchor still drawn")

	_, err = s.removeAnchor(string(id))
	assert.ErrorIs(t, err, ErrUnknownAnchor)
}

func TestServiceCommands(t *testing.T) {
	s := newTestService(t)
	runService(t, s)

	assert.Error(t, s.setMode("paint"))
	require.NoError(t, s.setText("hello"))

	path := filepath.Join(s.cfg.Images.Dir, "pic.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 50, 25))))
	require.NoError(t, f.Close())

	data, err := s.setImage("pic.png")
	require.NoError(t, err)
	assert.Equal(t, 50, data["width"])

	_, err = s.setImage("missing.png")
	assert.Error(t, err)

	// only names inside the image directory are accepted
	for _, name := range []string{path, "../pic.png", "sub/../../pic.png"} {
		_, err = s.setImage(name)
		assert.ErrorIs(t, err, ErrImageOutsideDir, name)
	}

	data, err = s.toggleRecording()
	require.NoError(t, err)
	assert.Equal(t, true, data["recording"])

	data, err = s.toggleRecording()
	require.NoError(t, err)
	assert.Equal(t, false, data["recording"])
	assert.NotNil(t, data["artifact"])

	data, err = s.resetSession()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), data["generation"])

	status := s.GetStatus()
	assert.Equal(t, true, status["running"])
}

// fakeProcess is a model process whose liveness the test controls.
type fakeProcess struct {
	mu       sync.Mutex
	active   bool
	lastSeen time.Time
	starts   int
	stops    int
}

func (p *fakeProcess) ID() string { return "fake" }

func (p *fakeProcess) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakeProcess) Metrics() types.WorkerMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.WorkerMetrics{LastSeenAt: p.lastSeen}
}

func (p *fakeProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.active = true
	p.lastSeen = time.Now()
	return nil
}

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.active = false
	return nil
}

func TestWatchdogRestartsExitedClassifier(t *testing.T) {
	s := newTestService(t)
	proc := &fakeProcess{active: true, lastSeen: time.Now().Add(-time.Hour)}
	s.process = proc
	ctx := context.Background()

	// running and nothing queued: left alone even though silent
	assert.False(t, s.superviseClassifier(ctx, time.Minute))
	assert.Equal(t, 0, proc.starts)

	// crashed with an empty queue
	proc.Stop()
	assert.True(t, s.superviseClassifier(ctx, time.Minute))
	assert.Equal(t, 1, proc.starts)
	assert.True(t, proc.Active())

	assert.False(t, s.superviseClassifier(ctx, time.Minute), "healthy again")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	proc.Stop()
	assert.False(t, s.superviseClassifier(cancelled, time.Minute), "no restart while shutting down")
}
