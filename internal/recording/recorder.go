// Package recording captures the tracked camera stream to disk while a
// recording is active.
package recording

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/serkansokmen/emojispace/internal/config"
	"github.com/serkansokmen/emojispace/internal/session"
	"github.com/serkansokmen/emojispace/internal/types"
)

var (
	ErrAlreadyRecording = errors.New("recording: capture already in progress")
	ErrNotRecording     = errors.New("recording: no capture in progress")
)

// FrameSubscriber hands out blocking frame readers. A reader returns nil
// once the subscription is closed.
type FrameSubscriber interface {
	Subscribe(id string) func() *types.Frame
	Unsubscribe(id string)
}

type capture struct {
	id        string
	dir       string
	startedAt time.Time
	saved     atomic.Uint64
	done      chan struct{}
}

// FrameRecorder writes every frame it receives into one directory per
// capture, as PNG or JPEG. Frames the writer cannot keep up with are
// skipped by the subscription mailbox, never queued.
type FrameRecorder struct {
	source      FrameSubscriber
	outputDir   string
	format      string
	jpegQuality int
	logger      *slog.Logger

	mu     sync.Mutex
	active *capture

	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
	captures      atomic.Uint64
}

var _ session.Recorder = (*FrameRecorder)(nil)

// NewFrameRecorder creates a recorder writing below cfg.OutputDir.
func NewFrameRecorder(source FrameSubscriber, cfg config.RecordingConfig, logger *slog.Logger) (*FrameRecorder, error) {
	if cfg.Format != "png" && cfg.Format != "jpeg" {
		return nil, fmt.Errorf("unsupported format: %s (must be png or jpeg)", cfg.Format)
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("output_dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	return &FrameRecorder{
		source:      source,
		outputDir:   cfg.OutputDir,
		format:      cfg.Format,
		jpegQuality: quality,
		logger:      logger,
	}, nil
}

// Start begins a capture.
func (r *FrameRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return ErrAlreadyRecording
	}

	now := time.Now()
	id := uuid.NewString()
	dir := filepath.Join(r.outputDir, fmt.Sprintf("capture_%s_%s", now.Format("20060102_150405"), id[:8]))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	c := &capture{id: id, dir: dir, startedAt: now, done: make(chan struct{})}
	next := r.source.Subscribe(r.subscriberID(c))
	go r.consume(c, next)

	r.active = c
	r.captures.Add(1)
	r.logger.Info("recording started", "capture_id", id, "dir", dir, "format", r.format)
	return nil
}

func (r *FrameRecorder) subscriberID(c *capture) string {
	return "recorder-" + c.id
}

func (r *FrameRecorder) consume(c *capture, next func() *types.Frame) {
	defer close(c.done)
	for {
		frame := next()
		if frame == nil {
			return
		}
		if err := r.saveFrame(c, frame); err != nil {
			r.framesDropped.Add(1)
			r.logger.Warn("frame not saved", "capture_id", c.id, "seq", frame.Seq, "error", err)
			continue
		}
		c.saved.Add(1)
		r.framesSaved.Add(1)
	}
}

// saveFrame writes one frame.
//
// Filename format: frame_{seq:06d}_{timestamp}.{ext}
func (r *FrameRecorder) saveFrame(c *capture, frame *types.Frame) error {
	if frame.Image == nil {
		return fmt.Errorf("frame %d has no image", frame.Seq)
	}

	filename := fmt.Sprintf("frame_%06d_%s.%s",
		frame.Seq,
		frame.Timestamp.Format("20060102_150405.000"),
		r.format)

	file, err := os.Create(filepath.Join(c.dir, filename))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch r.format {
	case "png":
		if err := png.Encode(file, frame.Image); err != nil {
			return fmt.Errorf("PNG encode failed: %w", err)
		}
	case "jpeg":
		if err := jpeg.Encode(file, frame.Image, &jpeg.Options{Quality: r.jpegQuality}); err != nil {
			return fmt.Errorf("JPEG encode failed: %w", err)
		}
	}
	return nil
}

// Stop ends the capture and returns its artifact. The capture is closed
// even when ctx ends before the writer has flushed its last frame.
func (r *FrameRecorder) Stop(ctx context.Context) (session.Artifact, error) {
	r.mu.Lock()
	c := r.active
	r.active = nil
	r.mu.Unlock()

	if c == nil {
		return session.Artifact{}, ErrNotRecording
	}

	r.source.Unsubscribe(r.subscriberID(c))

	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		err = fmt.Errorf("capture %s not flushed: %w", c.id, ctx.Err())
	}

	artifact := session.Artifact{
		ID:        c.id,
		Location:  c.dir,
		Frames:    c.saved.Load(),
		StartedAt: c.startedAt,
		Duration:  time.Since(c.startedAt),
	}
	r.logger.Info("recording stopped",
		"capture_id", c.id,
		"dir", c.dir,
		"frames", artifact.Frames,
		"duration_ms", artifact.Duration.Milliseconds(),
	)
	return artifact, err
}

// Recording reports whether a capture is in progress.
func (r *FrameRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Stats returns recorder counters.
func (r *FrameRecorder) Stats() (saved, dropped, captures uint64) {
	return r.framesSaved.Load(), r.framesDropped.Load(), r.captures.Load()
}
