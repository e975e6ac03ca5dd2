// Package core wires the annotation engine together: a single loop that
// owns every piece of interaction state, the Engine facade that callers
// drive from any goroutine, and the Service that builds and runs the
// whole daemon from configuration.
package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"github.com/serkansokmen/emojispace/internal/anchor"
	"github.com/serkansokmen/emojispace/internal/annotation"
	"github.com/serkansokmen/emojispace/internal/classifier"
	"github.com/serkansokmen/emojispace/internal/events"
	"github.com/serkansokmen/emojispace/internal/session"
	"github.com/serkansokmen/emojispace/internal/types"
)

// Tracker is the tracking session as seen by the engine.
type Tracker interface {
	anchor.FrameSource
	// ResetTracking restarts tracking and removes every anchor
	ResetTracking() []types.AnchorID
	// Anchors lists the anchors currently tracked
	Anchors() []types.Anchor
	Anchor(id types.AnchorID) (types.Anchor, bool)
	RemoveAnchor(id types.AnchorID) bool
}

// ErrUnknownAnchor is returned when an operation names an anchor the
// tracking session does not hold.
var ErrUnknownAnchor = errors.New("core: unknown anchor")

// Submitter accepts classification requests without blocking.
type Submitter interface {
	Submit(req classifier.Request, done func(classifier.Completion)) error
}

// Publisher receives annotation events.
type Publisher interface {
	Publish(evt events.Event) error
}

// Status is a snapshot of the engine state.
type Status struct {
	Mode         string `json:"mode"`
	Recording    bool   `json:"recording"`
	PendingText  string `json:"pending_text,omitempty"`
	PendingImage bool   `json:"pending_image"`
	Generation   uint64 `json:"generation"`
	Anchors      int    `json:"anchors"`
	Annotations  int    `json:"annotations"`
	Classifying  int    `json:"classifying"`

	Touches          uint64 `json:"touches"`
	AnchorsPlaced    uint64 `json:"anchors_placed"`
	LabelsApplied    uint64 `json:"labels_applied"`
	LabelsSkipped    uint64 `json:"labels_skipped"`
	StaleCompletions uint64 `json:"stale_completions"`
}

// Engine is the entry point for every user action. Its methods may be
// called from any goroutine except the engine loop; they hop onto the
// loop and wait for the result.
type Engine struct {
	loop     *Loop
	machine  *session.Machine
	tracker  Tracker
	cache    *annotation.Cache
	resolver *anchor.Resolver
	pipeline Submitter
	bus      Publisher
	logger   *slog.Logger

	// in-flight vision requests by anchor, owned by the loop
	classifying map[types.AnchorID]uint64

	touches          uint64
	anchorsPlaced    uint64
	labelsApplied    uint64
	labelsSkipped    uint64
	staleCompletions uint64
}

// EngineConfig bundles the engine collaborators.
type EngineConfig struct {
	Loop           *Loop
	Machine        *session.Machine
	Tracker        Tracker
	Cache          *annotation.Cache
	Pipeline       Submitter
	Bus            Publisher // optional
	VisionDistance float32
	Logger         *slog.Logger
}

// NewEngine creates an engine. The loop must be running for any method
// to make progress.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		loop:        cfg.Loop,
		machine:     cfg.Machine,
		tracker:     cfg.Tracker,
		cache:       cfg.Cache,
		pipeline:    cfg.Pipeline,
		bus:         cfg.Bus,
		logger:      logger,
		classifying: make(map[types.AnchorID]uint64),
	}
	e.resolver = anchor.NewResolver(cfg.Tracker, cfg.Cache, e.dispatch, cfg.VisionDistance, logger)
	return e
}

// Touch resolves a tap at the current session state.
func (e *Engine) Touch(ctx context.Context, touch anchor.Touch) (anchor.Outcome, error) {
	var (
		out anchor.Outcome
		err error
	)
	callErr := e.loop.Call(ctx, func() {
		atomic.AddUint64(&e.touches, 1)
		state := e.machine.Snapshot()

		out, err = e.resolver.ResolveTouch(touch, state)
		if err != nil || !out.Placed() {
			return
		}

		atomic.AddUint64(&e.anchorsPlaced, 1)
		gen := e.machine.Generation()
		pos := out.Anchor.Transform.Position()
		e.publish(events.Event{
			Type:       events.AnchorAdded,
			AnchorID:   out.Anchor.ID,
			Position:   &pos,
			Mode:       state.ActiveMode.String(),
			Generation: gen,
		})
		if !out.Content.IsZero() {
			summary := out.Content.Summary()
			e.publish(events.Event{
				Type:       events.ContentAssigned,
				AnchorID:   out.Anchor.ID,
				Content:    &summary,
				Generation: gen,
			})
		}
	})
	if callErr != nil {
		return anchor.Outcome{}, callErr
	}
	return out, err
}

// dispatch runs on the loop, from inside ResolveTouch.
func (e *Engine) dispatch(a types.Anchor, frame *types.Frame) {
	gen := e.machine.Generation()
	e.classifying[a.ID] = gen

	req := classifier.Request{
		AnchorID:   a.ID,
		Generation: gen,
		Image:      frame.Image,
		TraceID:    frame.TraceID,
	}
	err := e.pipeline.Submit(req, func(c classifier.Completion) {
		// a full queue completes synchronously, still on the loop
		if errors.Is(c.Result.Err, classifier.ErrQueueFull) {
			e.complete(c)
			return
		}
		if err := e.loop.Post(func() { e.complete(c) }); err != nil {
			e.logger.Debug("classification completed after engine stopped", "anchor_id", c.Request.AnchorID)
		}
	})
	if err != nil {
		delete(e.classifying, a.ID)
		e.logger.Warn("classification not dispatched", "anchor_id", a.ID, "error", err)
	}
}

// complete runs on the loop.
func (e *Engine) complete(c classifier.Completion) {
	id := c.Request.AnchorID
	gen, ok := e.classifying[id]
	if !ok || gen != c.Request.Generation || gen != e.machine.Generation() {
		// the anchor was removed or the session reset since dispatch
		atomic.AddUint64(&e.staleCompletions, 1)
		e.logger.Debug("stale classification dropped",
			"anchor_id", id,
			"request_generation", c.Request.Generation,
			"generation", e.machine.Generation(),
		)
		return
	}
	delete(e.classifying, id)

	result := e.resolver.Complete(id, c.Result)
	if result != anchor.Applied {
		atomic.AddUint64(&e.labelsSkipped, 1)
		e.publish(events.Event{
			Type:       events.ContentSkipped,
			AnchorID:   id,
			Reason:     result.String(),
			Generation: c.Request.Generation,
		})
		return
	}

	atomic.AddUint64(&e.labelsApplied, 1)
	content, _ := e.cache.Get(id)
	summary := content.Summary()
	e.publish(events.Event{
		Type:       events.ContentAssigned,
		AnchorID:   id,
		Content:    &summary,
		Generation: c.Request.Generation,
	})
	e.logger.Info("vision label applied",
		"anchor_id", id,
		"label", content.Text,
		"confidence", content.Confidence,
		"latency_ms", c.Result.Latency.Milliseconds(),
	)
}

// SetMode switches the drawing mode.
func (e *Engine) SetMode(ctx context.Context, mode types.DrawingMode) error {
	var err error
	if callErr := e.loop.Call(ctx, func() {
		if err = e.machine.SetMode(mode); err != nil {
			return
		}
		e.publish(events.Event{
			Type:       events.ModeChanged,
			Mode:       mode.String(),
			Generation: e.machine.Generation(),
		})
	}); callErr != nil {
		return callErr
	}
	return err
}

// SetPendingText sets the text used by the next text anchor.
func (e *Engine) SetPendingText(ctx context.Context, text string) error {
	return e.loop.Call(ctx, func() { e.machine.SetPendingText(text) })
}

// SetPendingImage sets the image used by the next image anchor.
func (e *Engine) SetPendingImage(ctx context.Context, img image.Image) error {
	return e.loop.Call(ctx, func() { e.machine.SetPendingImage(img) })
}

// ToggleRecording starts or stops recording. A stop returns the artifact.
func (e *Engine) ToggleRecording(ctx context.Context) (*session.Artifact, error) {
	var (
		artifact *session.Artifact
		err      error
	)
	if callErr := e.loop.Call(ctx, func() {
		artifact, err = e.machine.ToggleRecording(ctx)
		if err != nil {
			return
		}
		evt := events.Event{Type: events.RecordingStarted, Generation: e.machine.Generation()}
		if artifact != nil {
			evt.Type = events.RecordingStopped
			evt.Artifact = artifact.Location
		}
		e.publish(evt)
	}); callErr != nil {
		return nil, callErr
	}
	return artifact, err
}

// ResetSession restarts tracking and forgets every anchor and annotation.
// Classifications still in flight are dropped when they complete.
func (e *Engine) ResetSession(ctx context.Context) (uint64, error) {
	var gen uint64
	err := e.loop.Call(ctx, func() {
		gen = e.machine.Reset()
		removed := e.tracker.ResetTracking()
		e.cache.Clear()
		inFlight := len(e.classifying)
		e.classifying = make(map[types.AnchorID]uint64)

		e.publish(events.Event{Type: events.SessionReset, Generation: gen})
		e.logger.Info("session reset",
			"generation", gen,
			"anchors_removed", len(removed),
			"classifications_abandoned", inFlight,
		)
	})
	if err != nil {
		return 0, err
	}
	return gen, nil
}

// RemoveAnchor destroys one anchor and its annotation. A classification
// still running for it is dropped when it completes.
func (e *Engine) RemoveAnchor(ctx context.Context, id types.AnchorID) (types.Anchor, error) {
	var (
		removed types.Anchor
		found   bool
	)
	if err := e.loop.Call(ctx, func() {
		removed, found = e.tracker.Anchor(id)
		if !found {
			return
		}
		e.tracker.RemoveAnchor(id)
		e.cache.Delete(id)
		_, inFlight := e.classifying[id]
		delete(e.classifying, id)

		gen := e.machine.Generation()
		e.publish(events.Event{Type: events.AnchorRemoved, AnchorID: id, Generation: gen})
		e.logger.Debug("anchor removed", "anchor_id", id, "classification_abandoned", inFlight)
	}); err != nil {
		return types.Anchor{}, err
	}
	if !found {
		return types.Anchor{}, fmt.Errorf("%w: %s", ErrUnknownAnchor, id)
	}
	return removed, nil
}

// ContentFor returns the content to draw for an anchor. Anchors whose
// classification is still running, or that are unknown, report false.
func (e *Engine) ContentFor(ctx context.Context, id types.AnchorID) (types.AnnotationContent, bool, error) {
	var (
		content types.AnnotationContent
		ok      bool
	)
	if err := e.loop.Call(ctx, func() {
		content, ok = e.cache.Get(id)
	}); err != nil {
		return types.AnnotationContent{}, false, err
	}
	return content, ok, nil
}

// Anchors lists the tracked anchors.
func (e *Engine) Anchors() []types.Anchor {
	return e.tracker.Anchors()
}

// Generation returns the current session generation.
func (e *Engine) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	if err := e.loop.Call(ctx, func() { gen = e.machine.Generation() }); err != nil {
		return 0, err
	}
	return gen, nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := e.loop.Call(ctx, func() {
		s := e.machine.Snapshot()
		st = Status{
			Mode:         s.ActiveMode.String(),
			Recording:    s.IsRecording,
			PendingText:  s.PendingText,
			PendingImage: s.PendingImage != nil,
			Generation:   e.machine.Generation(),
			Anchors:      len(e.tracker.Anchors()),
			Annotations:  e.cache.Len(),
			Classifying:  len(e.classifying),
		}
	}); err != nil {
		return Status{}, err
	}
	st.Touches = atomic.LoadUint64(&e.touches)
	st.AnchorsPlaced = atomic.LoadUint64(&e.anchorsPlaced)
	st.LabelsApplied = atomic.LoadUint64(&e.labelsApplied)
	st.LabelsSkipped = atomic.LoadUint64(&e.labelsSkipped)
	st.StaleCompletions = atomic.LoadUint64(&e.staleCompletions)
	return st, nil
}

func (e *Engine) publish(evt events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(evt); err != nil {
		e.logger.Warn("failed to publish event", "type", evt.Type, "error", err)
	}
}
