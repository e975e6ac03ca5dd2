package tracking

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serkansokmen/emojispace/internal/config"
	"github.com/serkansokmen/emojispace/internal/types"
)

const (
	cameraHeight = 1.4  // meters above the floor
	cameraPitch  = -0.5 // radians, looking down
)

// FrameSink receives frames produced by a camera feed.
type FrameSink interface {
	Publish(frame *types.Frame)
}

// FeedStats contains camera feed statistics
type FeedStats struct {
	FrameCount uint64  `json:"frame_count"`
	FPSTarget  int     `json:"fps_target"`
	FPSReal    float64 `json:"fps_real"`
	Resolution string  `json:"resolution"`
	IsRunning  bool    `json:"is_running"`
}

// CameraFeed generates synthetic tracked frames: a camera standing above
// a floor covered in a grid of feature points, slowly turning around the
// vertical axis.
type CameraFeed struct {
	cfg        config.CameraConfig
	intrinsics types.Intrinsics
	features   []types.Vec3
	sink       FrameSink
	logger     *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.RWMutex
	framesEmitted uint64
	isRunning     bool
	startTime     time.Time
}

// NewCameraFeed creates a feed that publishes into sink.
func NewCameraFeed(cfg config.CameraConfig, sink FrameSink, logger *slog.Logger) *CameraFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &CameraFeed{
		cfg: cfg,
		intrinsics: types.Intrinsics{
			Fx:     cfg.FocalLength,
			Fy:     cfg.FocalLength,
			Cx:     float32(cfg.Width) / 2,
			Cy:     float32(cfg.Height) / 2,
			Width:  cfg.Width,
			Height: cfg.Height,
		},
		features: floorGrid(cfg.FeatureGrid, cfg.FeatureSpanM),
		sink:     sink,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins publishing frames at the configured rate
func (c *CameraFeed) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("camera feed already running")
	}
	c.isRunning = true
	c.startTime = time.Now()
	c.mu.Unlock()

	c.logger.Info("camera feed starting",
		"width", c.cfg.Width,
		"height", c.cfg.Height,
		"fps", c.cfg.FPS,
		"feature_points", len(c.features),
	)

	c.wg.Add(1)
	go c.generateFrames(ctx)

	return nil
}

// Stop stops the feed and waits for the generator to exit
func (c *CameraFeed) Stop() error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()

	c.mu.RLock()
	emitted := c.framesEmitted
	started := c.startTime
	c.mu.RUnlock()

	c.logger.Info("camera feed stopped",
		"frames_emitted", emitted,
		"duration", time.Since(started),
	)
	return nil
}

// Stats returns feed statistics
func (c *CameraFeed) Stats() FeedStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var fpsReal float64
	if c.isRunning && c.framesEmitted > 0 {
		if elapsed := time.Since(c.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(c.framesEmitted) / elapsed
		}
	}

	return FeedStats{
		FrameCount: c.framesEmitted,
		FPSTarget:  c.cfg.FPS,
		FPSReal:    fpsReal,
		Resolution: fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		IsRunning:  c.isRunning,
	}
}

func (c *CameraFeed) generateFrames(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.RLock()
			elapsed := time.Since(c.startTime)
			c.mu.RUnlock()

			c.sink.Publish(c.Capture(elapsed))

			c.mu.Lock()
			c.framesEmitted++
			c.mu.Unlock()
		}
	}
}

// Capture renders the frame seen elapsed after the feed started.
// The session assigns the sequence number on publish.
func (c *CameraFeed) Capture(elapsed time.Duration) *types.Frame {
	yaw := 0.0
	if c.cfg.OrbitPeriodS > 0 {
		yaw = 2 * math.Pi * elapsed.Seconds() / c.cfg.OrbitPeriodS
	}

	camera := types.Translation(0, cameraHeight, 0).
		Mul(types.RotationY(yaw)).
		Mul(types.RotationX(cameraPitch))

	return &types.Frame{
		Timestamp:     time.Now(),
		Image:         newSceneImage(c.cfg.Width, c.cfg.Height, yaw),
		Camera:        camera,
		Intrinsics:    c.intrinsics,
		FeaturePoints: c.features,
		TraceID:       uuid.New().String(),
	}
}

// floorGrid lays n×n points on the y=0 plane, centered on the origin.
func floorGrid(n int, span float32) []types.Vec3 {
	if n <= 0 {
		return nil
	}
	points := make([]types.Vec3, 0, n*n)
	step := float32(0)
	if n > 1 {
		step = span / float32(n-1)
	}
	origin := -span / 2
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			points = append(points, types.Vec3{
				X: origin + float32(i)*step,
				Y: 0,
				Z: origin + float32(j)*step,
			})
		}
	}
	return points
}

// sceneImage is a procedurally shaded camera image. Pixels are computed
// on demand; the hue band shifts with the camera yaw so different
// headings see different dominant colors.
type sceneImage struct {
	rect image.Rectangle
	hue  float64
}

func newSceneImage(w, h int, yaw float64) image.Image {
	hue := math.Mod(yaw*180/math.Pi, 360)
	if hue < 0 {
		hue += 360
	}
	return &sceneImage{rect: image.Rect(0, 0, w, h), hue: hue}
}

func (s *sceneImage) ColorModel() color.Model { return color.RGBAModel }

func (s *sceneImage) Bounds() image.Rectangle { return s.rect }

func (s *sceneImage) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(s.rect)) {
		return color.RGBA{}
	}
	w := float64(s.rect.Dx())
	h := float64(s.rect.Dy())

	// Hue drifts by up to 40 degrees across the width
	hue := math.Mod(s.hue+40*float64(x)/w, 360)
	// Upper third is a pale backdrop, the rest is the lit floor
	sat, val := 0.8, 0.9
	if float64(y) < h/3 {
		sat, val = 0.15, 0.95
	}
	r, g, b := hsvToRGB(hue, sat, val)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	c := v * s
	hp := h / 60
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))
	var r, g, b float64
	switch {
	case hp < 1:
		r, g, b = c, x, 0
	case hp < 2:
		r, g, b = x, c, 0
	case hp < 3:
		r, g, b = 0, c, x
	case hp < 4:
		r, g, b = 0, x, c
	case hp < 5:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	m := v - c
	return uint8((r + m) * 255), uint8((g + m) * 255), uint8((b + m) * 255)
}
