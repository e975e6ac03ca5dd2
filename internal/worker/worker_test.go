package worker

import (
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/serkansokmen/emojispace/internal/classifier"
	"github.com/serkansokmen/emojispace/internal/types"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestColorName(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b float64
		want    string
	}{
		{"red", 1, 0, 0, "red"},
		{"green", 0, 1, 0, "green"},
		{"blue", 0, 0, 1, "blue"},
		{"yellow", 1, 1, 0, "yellow"},
		{"orange", 1, 0.5, 0, "orange"},
		{"white", 0.95, 0.95, 0.95, "white"},
		{"black", 0.05, 0.05, 0.05, "black"},
		{"gray", 0.5, 0.5, 0.5, "gray"},
		{"dark red is black", 0.1, 0, 0, "black"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, colorName(tt.r, tt.g, tt.b))
		})
	}
}

func TestColorClassifierRanksByCoverage(t *testing.T) {
	img := solid(100, 100, color.RGBA{R: 255, A: 255})
	for y := 0; y < 100; y++ {
		for x := 0; x < 25; x++ {
			img.Set(x, y, color.RGBA{B: 255, A: 255})
		}
	}

	obs, err := NewColorClassifier().Classify(context.Background(), img, classifier.CropFull)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "red", obs[0].Identifier)
	assert.InDelta(t, 0.75, obs[0].Confidence, 0.02)
	assert.Equal(t, "blue", obs[1].Identifier)
}

func TestColorClassifierCenterCrop(t *testing.T) {
	// 300x100: left and right thirds green, centre square red
	img := solid(300, 100, color.RGBA{G: 255, A: 255})
	for y := 0; y < 100; y++ {
		for x := 100; x < 200; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	obs, err := NewColorClassifier().Classify(context.Background(), img, classifier.CropCenter)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, types.Observation{Identifier: "red", Confidence: 1}, obs[0])
}

func TestColorClassifierCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewColorClassifier().Classify(ctx, solid(10, 10, color.White), classifier.CropFull)
	assert.ErrorIs(t, err, context.Canceled)
}

func readFrame(r io.Reader) ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint32(lengthBuf))
	_, err := io.ReadFull(r, data)
	return data, err
}

func writeFrame(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// fakeModel answers requests in batches of batch, last request first,
// labelling each with its input width.
func fakeModel(t *testing.T, in io.Reader, out io.WriteCloser, batch int) {
	t.Helper()
	defer out.Close()

	var held []classifyRequest
	for {
		data, err := readFrame(in)
		if err != nil {
			return
		}
		var req classifyRequest
		if err := msgpack.Unmarshal(data, &req); err != nil {
			t.Errorf("bad request: %v", err)
			return
		}
		held = append(held, req)
		if len(held) < batch {
			continue
		}
		for i := len(held) - 1; i >= 0; i-- {
			r := held[i]
			resp := classifyResponse{ID: r.ID}
			if r.Width == 13 {
				resp.Error = "model exploded"
			} else {
				resp.Observations = []types.Observation{
					{Identifier: strings.Repeat("w", r.Width), Confidence: 0.9},
				}
			}
			resp.Timing.TotalMS = 4
			if err := writeFrame(out, resp); err != nil {
				return
			}
		}
		held = held[:0]
	}
}

func newPiped(t *testing.T, batch int) *PythonClassifier {
	t.Helper()
	w, err := NewPythonClassifier(PythonConfig{Command: "python3", ModelPath: "model.onnx"}, nil)
	require.NoError(t, err)

	attachModel(t, w, batch)
	t.Cleanup(func() { w.Stop() })
	return w
}

// attachModel wires a fresh fakeModel as the model process of w.
func attachModel(t *testing.T, w *PythonClassifier, batch int) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go fakeModel(t, reqR, respW, batch)

	w.attach(reqW, respR, strings.NewReader("[INFO] ready\n[WARN] slow model\n"))
}

func TestNewPythonClassifierValidation(t *testing.T) {
	_, err := NewPythonClassifier(PythonConfig{ModelPath: "m"}, nil)
	assert.Error(t, err)
	_, err = NewPythonClassifier(PythonConfig{Command: "python3"}, nil)
	assert.Error(t, err)

	w, err := NewPythonClassifier(PythonConfig{Command: "python3", ModelPath: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "classifier", w.ID())
	assert.Equal(t, 224, w.cfg.InputSize)
	assert.Equal(t, classifier.DefaultTopK, w.cfg.TopK)
}

func TestPythonClassifierNotActive(t *testing.T) {
	w, err := NewPythonClassifier(PythonConfig{Command: "python3", ModelPath: "m"}, nil)
	require.NoError(t, err)
	_, err = w.Classify(context.Background(), solid(4, 4, color.White), classifier.CropFull)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestPythonClassifierRoundTrip(t *testing.T) {
	w := newPiped(t, 1)

	obs, err := w.Classify(context.Background(), solid(5, 3, color.White), classifier.CropFull)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "wwwww", obs[0].Identifier)

	m := w.Metrics()
	assert.Equal(t, uint64(1), m.RequestsProcessed)
	assert.InDelta(t, 4.0, m.AvgLatencyMS, 1e-9)
	assert.False(t, m.LastSeenAt.IsZero())
}

func TestPythonClassifierCenterCropSent(t *testing.T) {
	w := newPiped(t, 1)

	obs, err := w.Classify(context.Background(), solid(9, 4, color.White), classifier.CropCenter)
	require.NoError(t, err)
	assert.Equal(t, "wwww", obs[0].Identifier, "square crop of the short side")
}

func TestPythonClassifierMatchesResponsesById(t *testing.T) {
	// answers come back in reverse order
	w := newPiped(t, 3)

	var wg sync.WaitGroup
	got := make([]string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obs, err := w.Classify(context.Background(), solid(i+1, 1, color.White), classifier.CropFull)
			if assert.NoError(t, err) && assert.Len(t, obs, 1) {
				got[i] = obs[0].Identifier
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{"w", "ww", "www"}, got)
}

func TestPythonClassifierRemoteError(t *testing.T) {
	w := newPiped(t, 1)

	_, err := w.Classify(context.Background(), solid(13, 1, color.White), classifier.CropFull)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
	assert.Equal(t, uint64(1), w.Metrics().RequestsFailed)
}

func TestPythonClassifierContextTimeout(t *testing.T) {
	// batch of 2 never fills with one request
	w := newPiped(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := w.Classify(ctx, solid(2, 2, color.White), classifier.CropFull)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPythonClassifierProcessExit(t *testing.T) {
	w, err := NewPythonClassifier(PythonConfig{Command: "python3", ModelPath: "m"}, nil)
	require.NoError(t, err)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		// read one request then exit without answering
		readFrame(reqR)
		respW.Close()
		io.Copy(io.Discard, reqR)
	}()
	w.attach(reqW, respR, nil)
	t.Cleanup(func() { w.Stop() })

	_, err = w.Classify(context.Background(), solid(2, 2, color.White), classifier.CropFull)
	assert.ErrorIs(t, err, ErrProcessExited)
	assert.False(t, w.Active(), "a process that closed its output is down")
}

func TestPythonClassifierRestartWhileClassifying(t *testing.T) {
	w := newPiped(t, 1)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(width int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				obs, err := w.Classify(context.Background(), solid(width, 1, color.White), classifier.CropFull)
				if err != nil {
					// requests racing a restart fail, they never hang or mix up answers
					continue
				}
				if assert.Len(t, obs, 1) {
					assert.Equal(t, strings.Repeat("w", width), obs[0].Identifier)
				}
			}
		}(g + 1)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Stop())
		assert.False(t, w.Active())
		attachModel(t, w, 1)
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	obs, err := w.Classify(context.Background(), solid(3, 1, color.White), classifier.CropFull)
	require.NoError(t, err)
	assert.Equal(t, "www", obs[0].Identifier)
}
