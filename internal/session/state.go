// Package session tracks which drawing mode is active and whether a
// recording is in progress.
//
// Mode and recording are independent axes: the machine's state is the
// product of the two, and no anchor or classification behavior depends on
// the recording flag.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/serkansokmen/emojispace/internal/types"
)

var (
	ErrInvalidMode = errors.New("session: invalid drawing mode")
	ErrNoRecorder  = errors.New("session: no recorder configured")
)

// Artifact describes a finished capture handed back by the recorder.
type Artifact struct {
	ID        string        `json:"id"`
	Location  string        `json:"location"`
	Frames    uint64        `json:"frames"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Recorder captures the session while recording is active.
type Recorder interface {
	// Start begins a capture
	Start(ctx context.Context) error
	// Stop ends the capture in progress and returns what was captured
	Stop(ctx context.Context) (Artifact, error)
}

// State is the session state shared by the resolver and the UI layer.
type State struct {
	ActiveMode   types.DrawingMode
	IsRecording  bool
	PendingText  string
	PendingImage image.Image
}

// PendingContent returns the content for the next anchor in the active
// mode. Vision mode and modes with nothing pending report false.
func (s State) PendingContent() (types.AnnotationContent, bool) {
	switch s.ActiveMode {
	case types.ModeText:
		if s.PendingText == "" {
			return types.AnnotationContent{}, false
		}
		return types.TextContent(s.PendingText), true
	case types.ModeImage:
		if s.PendingImage == nil {
			return types.AnnotationContent{}, false
		}
		return types.ImageContent(s.PendingImage), true
	default:
		return types.AnnotationContent{}, false
	}
}

// Machine owns the session State and funnels every change through named
// transitions. It is not safe for concurrent use: callers drive it from
// the engine loop.
type Machine struct {
	state      State
	generation uint64
	recorder   Recorder
	logger     *slog.Logger
}

// NewMachine creates a machine in text mode, idle, with nothing pending.
// recorder may be nil, in which case ToggleRecording fails.
func NewMachine(recorder Recorder, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:    State{ActiveMode: types.ModeText},
		recorder: recorder,
		logger:   logger,
	}
}

// Mode returns the active drawing mode.
func (m *Machine) Mode() types.DrawingMode {
	return m.state.ActiveMode
}

// SetMode switches the active drawing mode. Nothing else changes.
func (m *Machine) SetMode(mode types.DrawingMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	if m.state.ActiveMode != mode {
		m.logger.Debug("drawing mode changed", "from", m.state.ActiveMode, "to", mode)
	}
	m.state.ActiveMode = mode
	return nil
}

// SetPendingText stores the text attached to the next text anchor.
func (m *Machine) SetPendingText(text string) {
	m.state.PendingText = text
}

// SetPendingImage stores the image attached to the next image anchor.
func (m *Machine) SetPendingImage(img image.Image) {
	m.state.PendingImage = img
}

// IsRecording reports whether a capture is in progress.
func (m *Machine) IsRecording() bool {
	return m.state.IsRecording
}

// ToggleRecording starts a capture when idle, or stops the one in
// progress and returns its artifact. The returned artifact is nil when
// the toggle started a capture.
func (m *Machine) ToggleRecording(ctx context.Context) (*Artifact, error) {
	if m.recorder == nil {
		return nil, ErrNoRecorder
	}

	if !m.state.IsRecording {
		if err := m.recorder.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start recording: %w", err)
		}
		m.state.IsRecording = true
		m.logger.Info("recording started")
		return nil, nil
	}

	artifact, err := m.recorder.Stop(ctx)
	// The capture is over either way; stay idle so the user can retry
	m.state.IsRecording = false
	if err != nil {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}

	m.logger.Info("recording stopped",
		"artifact", artifact.Location,
		"frames", artifact.Frames,
		"duration", artifact.Duration,
	)
	return &artifact, nil
}

// Reset starts a new session generation and returns it. Anchors and
// content issued under earlier generations are invalid from now on.
//
// The active mode, pending values and recording flag are kept: a reset
// restarts tracking, it does not undo the user's selections.
func (m *Machine) Reset() uint64 {
	m.generation++
	m.logger.Info("session reset", "generation", m.generation)
	return m.generation
}

// Generation returns the current session generation.
func (m *Machine) Generation() uint64 {
	return m.generation
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	return m.state
}
