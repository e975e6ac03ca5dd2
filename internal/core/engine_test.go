package core

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serkansokmen/emojispace/internal/anchor"
	"github.com/serkansokmen/emojispace/internal/annotation"
	"github.com/serkansokmen/emojispace/internal/classifier"
	"github.com/serkansokmen/emojispace/internal/events"
	"github.com/serkansokmen/emojispace/internal/session"
	"github.com/serkansokmen/emojispace/internal/tracking"
	"github.com/serkansokmen/emojispace/internal/types"
)

// gatedClassifier answers each request only once the test releases it.
type gatedClassifier struct {
	mu      sync.Mutex
	label   []types.Observation
	release chan struct{}
	calls   int
}

func newGatedClassifier(obs ...types.Observation) *gatedClassifier {
	return &gatedClassifier{label: obs, release: make(chan struct{})}
}

func (g *gatedClassifier) Classify(ctx context.Context, img image.Image, crop classifier.CropPolicy) ([]types.Observation, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	select {
	case <-g.release:
		return g.label, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedClassifier) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixture struct {
	engine     *Engine
	tracker    *tracking.Session
	classifier *gatedClassifier
	bus        *events.Bus
}

func newFixture(t *testing.T, c *gatedClassifier) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	loop := NewLoop(0)
	go loop.Run(ctx)

	tracker := tracking.NewSession(10, nil)
	pipeline := classifier.NewPipeline(c, classifier.Options{Workers: 4, Timeout: 5 * time.Second}, nil)
	require.NoError(t, pipeline.Start(ctx))

	bus := events.NewBus(nil)

	engine := NewEngine(EngineConfig{
		Loop:     loop,
		Machine:  session.NewMachine(nil, nil),
		Tracker:  tracker,
		Cache:    annotation.NewCache(),
		Pipeline: pipeline,
		Bus:      bus,
	})

	t.Cleanup(func() {
		cancel()
		pipeline.Close(context.Background())
		bus.Close()
		<-loop.Done()
	})

	return &fixture{engine: engine, tracker: tracker, classifier: c, bus: bus}
}

// publishFrame gives the tracker a frame with a single feature point
// under view point (50, 50).
func (f *fixture) publishFrame() {
	f.tracker.Publish(&types.Frame{
		Timestamp: time.Now(),
		Image:     image.NewRGBA(image.Rect(0, 0, 8, 8)),
		Camera:    types.Identity(),
		Intrinsics: types.Intrinsics{
			Fx: 100, Fy: 100, Cx: 50, Cy: 50,
			Width: 100, Height: 100,
		},
		FeaturePoints: []types.Vec3{{X: 0, Y: 0, Z: -1}},
	})
}

var center = anchor.Touch{Point: types.Point{X: 50, Y: 50}}

func TestTouchWithoutTracking(t *testing.T) {
	f := newFixture(t, newGatedClassifier())
	ctx := context.Background()

	_, err := f.engine.Touch(ctx, center)
	assert.ErrorIs(t, err, anchor.ErrNoTracking)
	assert.Empty(t, f.engine.Anchors())
}

func TestTextTouchAttachesContentAtOnce(t *testing.T) {
	f := newFixture(t, newGatedClassifier())
	ctx := context.Background()
	f.publishFrame()

	require.NoError(t, f.engine.SetPendingText(ctx, "hello"))
	out, err := f.engine.Touch(ctx, center)
	require.NoError(t, err)
	require.True(t, out.Placed())

	content, ok, err := f.engine.ContentFor(ctx, out.Anchor.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.TextContent("hello"), content)
	assert.Equal(t, 0, f.classifier.Calls(), "text mode never classifies")

	// A miss places nothing
	out, err = f.engine.Touch(ctx, anchor.Touch{Point: types.Point{X: 5, Y: 95}})
	require.NoError(t, err)
	assert.False(t, out.Placed())
	assert.Len(t, f.engine.Anchors(), 1)
}

func TestImageTouch(t *testing.T) {
	f := newFixture(t, newGatedClassifier())
	ctx := context.Background()
	f.publishFrame()

	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	require.NoError(t, f.engine.SetMode(ctx, types.ModeImage))
	require.NoError(t, f.engine.SetPendingImage(ctx, img))

	out, err := f.engine.Touch(ctx, center)
	require.NoError(t, err)

	content, ok, err := f.engine.ContentFor(ctx, out.Anchor.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ContentImage, content.Kind)
}

func TestVisionLabelArrivesLater(t *testing.T) {
	c := newGatedClassifier(
		types.Observation{Identifier: "mug", Confidence: 0.9},
		types.Observation{Identifier: "table", Confidence: 0.2},
		types.Observation{Identifier: "cup", Confidence: 0.5},
	)
	f := newFixture(t, c)
	ctx := context.Background()
	f.publishFrame()

	require.NoError(t, f.engine.SetMode(ctx, types.ModeVision))
	out, err := f.engine.Touch(ctx, anchor.Touch{Point: types.Point{X: 1, Y: 1}})
	require.NoError(t, err)
	require.True(t, out.Placed(), "vision needs no hit")
	assert.True(t, out.Classifying)
	assert.InDelta(t, -0.4, out.Anchor.Transform.Position().Z, 1e-6)

	_, ok, err := f.engine.ContentFor(ctx, out.Anchor.ID)
	require.NoError(t, err)
	assert.False(t, ok, "no content while classifying")

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Classifying)

	close(c.release)

	require.Eventually(t, func() bool {
		_, ok, _ := f.engine.ContentFor(ctx, out.Anchor.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	content, _, err := f.engine.ContentFor(ctx, out.Anchor.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContentLabel, content.Kind)
	assert.Equal(t, "mug, cup", content.Text)
	assert.InDelta(t, 0.9, content.Confidence, 1e-9)
}

func TestResetDropsLateCompletion(t *testing.T) {
	c := newGatedClassifier(types.Observation{Identifier: "mug", Confidence: 0.9})
	f := newFixture(t, c)
	ctx := context.Background()
	f.publishFrame()

	require.NoError(t, f.engine.SetMode(ctx, types.ModeVision))
	out, err := f.engine.Touch(ctx, center)
	require.NoError(t, err)

	gen, err := f.engine.ResetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Empty(t, f.engine.Anchors())

	_, err = f.engine.Touch(ctx, center)
	assert.ErrorIs(t, err, anchor.ErrNoTracking, "no frame until tracking runs again")

	close(c.release)

	require.Eventually(t, func() bool {
		st, err := f.engine.Status(ctx)
		return err == nil && st.StaleCompletions == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, ok, err := f.engine.ContentFor(ctx, out.Anchor.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Annotations)
	assert.Equal(t, uint64(0), st.LabelsApplied)
	assert.Equal(t, types.ModeVision.String(), st.Mode, "reset keeps the mode")
}

func TestConcurrentVisionTouchesAndDuplicateLabel(t *testing.T) {
	c := newGatedClassifier(types.Observation{Identifier: "plant", Confidence: 0.7})
	f := newFixture(t, c)
	ctx := context.Background()
	f.publishFrame()

	require.NoError(t, f.engine.SetMode(ctx, types.ModeVision))

	var wg sync.WaitGroup
	ids := make([]types.AnchorID, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.engine.Touch(ctx, center)
			assert.NoError(t, err)
			if out.Anchor != nil {
				ids[i] = out.Anchor.ID
			}
		}(i)
	}
	wg.Wait()
	require.NotEqual(t, ids[0], ids[1])

	require.Eventually(t, func() bool { return c.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(c.release)

	require.Eventually(t, func() bool {
		st, err := f.engine.Status(ctx)
		return err == nil && st.LabelsApplied+st.LabelsSkipped == 2
	}, 2*time.Second, 5*time.Millisecond)

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.LabelsApplied)
	assert.Equal(t, uint64(1), st.LabelsSkipped)
	assert.Equal(t, 1, st.Annotations)
	assert.Equal(t, 2, st.Anchors)
}

func TestSetModeRejectsUnknown(t *testing.T) {
	f := newFixture(t, newGatedClassifier())
	ctx := context.Background()

	err := f.engine.SetMode(ctx, types.DrawingMode(9))
	assert.ErrorIs(t, err, session.ErrInvalidMode)

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "text", st.Mode)
}

func TestTouchPublishesEvents(t *testing.T) {
	f := newFixture(t, newGatedClassifier())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)

	f.publishFrame()
	require.NoError(t, f.engine.SetPendingText(ctx, "note"))
	out, err := f.engine.Touch(ctx, center)
	require.NoError(t, err)

	seen := map[events.Type]events.Event{}
	for len(seen) < 2 {
		select {
		case evt := <-sub:
			seen[evt.Type] = evt
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %v", seen)
		}
	}

	require.Contains(t, seen, events.AnchorAdded)
	require.Contains(t, seen, events.ContentAssigned)
	assert.Equal(t, out.Anchor.ID, seen[events.AnchorAdded].AnchorID)
	assert.Equal(t, "text", seen[events.AnchorAdded].Mode)
	assert.Equal(t, "note", seen[events.ContentAssigned].Content.Text)
}

func TestRemoveAnchorDropsInFlightLabel(t *testing.T) {
	c := newGatedClassifier(types.Observation{Identifier: "mug", Confidence: 0.9})
	f := newFixture(t, c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.publishFrame()

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, f.engine.SetMode(ctx, types.ModeVision))
	out, err := f.engine.Touch(ctx, center)
	require.NoError(t, err)
	id := out.Anchor.ID

	removed, err := f.engine.RemoveAnchor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, removed.ID)
	assert.Empty(t, f.engine.Anchors())

	_, err = f.engine.RemoveAnchor(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownAnchor)

	close(c.release)
	require.Eventually(t, func() bool {
		st, err := f.engine.Status(ctx)
		return err == nil && st.StaleCompletions == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, ok, err := f.engine.ContentFor(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "a removed anchor never gets its label")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub:
			if evt.Type == events.AnchorRemoved {
				assert.Equal(t, id, evt.AnchorID)
				return
			}
		case <-deadline:
			t.Fatal("no anchor_removed event")
		}
	}
}

func TestRemoveAnchorClearsContent(t *testing.T) {
	f := newFixture(t, newGatedClassifier())
	ctx := context.Background()
	f.publishFrame()

	require.NoError(t, f.engine.SetPendingText(ctx, "bye"))
	out, err := f.engine.Touch(ctx, center)
	require.NoError(t, err)

	_, err = f.engine.RemoveAnchor(ctx, out.Anchor.ID)
	require.NoError(t, err)

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Annotations)
	assert.Equal(t, 0, st.Anchors)
}

func TestEngineReturnsZeroValuesWhenCallTimesOut(t *testing.T) {
	// the loop never runs, so every call times out
	engine := NewEngine(EngineConfig{
		Loop:     NewLoop(0),
		Machine:  session.NewMachine(nil, nil),
		Tracker:  tracking.NewSession(10, nil),
		Cache:    annotation.NewCache(),
		Pipeline: classifier.NewPipeline(newGatedClassifier(), classifier.Options{}, nil),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	st, err := engine.Status(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Status{}, st)

	gen, err := engine.ResetSession(ctx)
	assert.Error(t, err)
	assert.Zero(t, gen)

	_, ok, err := engine.ContentFor(ctx, "a")
	assert.Error(t, err)
	assert.False(t, ok)
}
