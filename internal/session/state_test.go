package session

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serkansokmen/emojispace/internal/types"
)

type fakeRecorder struct {
	starts   int
	stops    int
	startErr error
	stopErr  error
}

func (r *fakeRecorder) Start(ctx context.Context) error {
	r.starts++
	return r.startErr
}

func (r *fakeRecorder) Stop(ctx context.Context) (Artifact, error) {
	r.stops++
	if r.stopErr != nil {
		return Artifact{}, r.stopErr
	}
	return Artifact{ID: "cap-1", Location: "/tmp/cap-1", Frames: 12, Duration: time.Second}, nil
}

func TestNewMachineDefaults(t *testing.T) {
	m := NewMachine(nil, nil)

	st := m.Snapshot()
	assert.Equal(t, types.ModeText, st.ActiveMode)
	assert.False(t, st.IsRecording)
	assert.Empty(t, st.PendingText)
	assert.Nil(t, st.PendingImage)
	assert.Equal(t, uint64(0), m.Generation())
}

func TestSetModeKeepsRecording(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewMachine(rec, nil)
	ctx := context.Background()

	_, err := m.ToggleRecording(ctx)
	require.NoError(t, err)

	for _, mode := range []types.DrawingMode{types.ModeImage, types.ModeVision, types.ModeText} {
		require.NoError(t, m.SetMode(mode))
		assert.Equal(t, mode, m.Mode())
		assert.True(t, m.IsRecording())
	}

	err = m.SetMode(types.DrawingMode(7))
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Equal(t, types.ModeText, m.Mode())
}

func TestToggleRecording(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewMachine(rec, nil)
	ctx := context.Background()

	artifact, err := m.ToggleRecording(ctx)
	require.NoError(t, err)
	assert.Nil(t, artifact)
	assert.True(t, m.IsRecording())

	artifact, err = m.ToggleRecording(ctx)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, "cap-1", artifact.ID)
	assert.Equal(t, uint64(12), artifact.Frames)
	assert.False(t, m.IsRecording())

	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 1, rec.stops)
}

func TestToggleRecordingErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no recorder", func(t *testing.T) {
		m := NewMachine(nil, nil)
		_, err := m.ToggleRecording(ctx)
		assert.ErrorIs(t, err, ErrNoRecorder)
		assert.False(t, m.IsRecording())
	})

	t.Run("start fails", func(t *testing.T) {
		boom := errors.New("disk full")
		m := NewMachine(&fakeRecorder{startErr: boom}, nil)
		_, err := m.ToggleRecording(ctx)
		assert.ErrorIs(t, err, boom)
		assert.False(t, m.IsRecording())
	})

	t.Run("stop fails", func(t *testing.T) {
		boom := errors.New("encoder closed")
		m := NewMachine(&fakeRecorder{stopErr: boom}, nil)
		_, err := m.ToggleRecording(ctx)
		require.NoError(t, err)

		_, err = m.ToggleRecording(ctx)
		assert.ErrorIs(t, err, boom)
		assert.False(t, m.IsRecording())
	})
}

func TestPendingContent(t *testing.T) {
	m := NewMachine(nil, nil)
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	_, ok := m.Snapshot().PendingContent()
	assert.False(t, ok, "empty text yields no content")

	m.SetPendingText("hello")
	content, ok := m.Snapshot().PendingContent()
	require.True(t, ok)
	assert.Equal(t, types.TextContent("hello"), content)

	require.NoError(t, m.SetMode(types.ModeImage))
	_, ok = m.Snapshot().PendingContent()
	assert.False(t, ok, "no image picked yet")

	m.SetPendingImage(img)
	content, ok = m.Snapshot().PendingContent()
	require.True(t, ok)
	assert.Equal(t, types.ContentImage, content.Kind)

	require.NoError(t, m.SetMode(types.ModeVision))
	_, ok = m.Snapshot().PendingContent()
	assert.False(t, ok)
}

func TestResetAdvancesGeneration(t *testing.T) {
	m := NewMachine(nil, nil)
	m.SetPendingText("keep me")
	require.NoError(t, m.SetMode(types.ModeVision))

	assert.Equal(t, uint64(1), m.Reset())
	assert.Equal(t, uint64(2), m.Reset())
	assert.Equal(t, uint64(2), m.Generation())

	st := m.Snapshot()
	assert.Equal(t, types.ModeVision, st.ActiveMode)
	assert.Equal(t, "keep me", st.PendingText)
}
