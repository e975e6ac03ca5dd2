// Package anchor turns screen touches into world anchors and decides what
// content each anchor carries.
//
// Text and image anchors are placed on a tracked feature point and get
// their content at once. Vision anchors are placed at a fixed distance in
// front of the camera and get their content later, when the classifier
// answers. The Resolver is not safe for concurrent use; it runs on the
// engine loop together with the annotation cache it writes.
package anchor

import (
	"errors"
	"log/slog"

	"github.com/serkansokmen/emojispace/internal/annotation"
	"github.com/serkansokmen/emojispace/internal/session"
	"github.com/serkansokmen/emojispace/internal/types"
)

// DefaultVisionDistance is how far in front of the camera a vision anchor
// is placed, in world units.
const DefaultVisionDistance = 0.4

// ErrNoTracking is returned when a touch arrives before the tracking
// session has produced a frame.
var ErrNoTracking = errors.New("anchor: no tracking frame available")

// FrameSource is the tracking session as seen by the resolver.
type FrameSource interface {
	// CurrentFrame returns the latest frame or nil
	CurrentFrame() *types.Frame
	// HitTestFeaturePoint returns the world transform of the feature point under pt
	HitTestFeaturePoint(pt types.Point) (types.Mat4, bool)
	// AddAnchor places an anchor in the session
	AddAnchor(transform types.Mat4) types.Anchor
}

// Dispatcher starts classification of frame for a freshly placed vision
// anchor. It must not block.
type Dispatcher func(a types.Anchor, frame *types.Frame)

// Touch is a single tap on the view.
type Touch struct {
	Point types.Point `json:"point"`
	// EditorFocused is set when the text editor had focus at tap time
	EditorFocused bool `json:"editor_focused"`
}

// Outcome describes what a touch did.
type Outcome struct {
	// DismissedEditor is set when the touch only closed the editor
	DismissedEditor bool
	// Anchor is the placed anchor, nil when nothing was placed
	Anchor *types.Anchor
	// Content is what was attached to the anchor synchronously
	Content types.AnnotationContent
	// Classifying is set when a vision classification was dispatched
	Classifying bool
}

// Placed reports whether the touch created an anchor.
func (o Outcome) Placed() bool { return o.Anchor != nil }

// Completion reports what happened to a classification result.
type Completion int

const (
	// Applied means the label was stored for the anchor
	Applied Completion = iota
	// SkippedEmpty means no observation passed the threshold
	SkippedEmpty
	// SkippedDuplicate means another anchor already shows the same label
	SkippedDuplicate
	// SkippedExisting means the anchor already had content
	SkippedExisting
)

func (c Completion) String() string {
	switch c {
	case Applied:
		return "applied"
	case SkippedEmpty:
		return "empty"
	case SkippedDuplicate:
		return "duplicate"
	case SkippedExisting:
		return "existing"
	default:
		return "unknown"
	}
}

// Resolver places anchors for touches and fills the annotation cache.
type Resolver struct {
	source         FrameSource
	cache          *annotation.Cache
	dispatch       Dispatcher
	visionDistance float32
	logger         *slog.Logger
}

// NewResolver creates a resolver. A visionDistance of zero uses
// DefaultVisionDistance.
func NewResolver(source FrameSource, cache *annotation.Cache, dispatch Dispatcher, visionDistance float32, logger *slog.Logger) *Resolver {
	if visionDistance <= 0 {
		visionDistance = DefaultVisionDistance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source:         source,
		cache:          cache,
		dispatch:       dispatch,
		visionDistance: visionDistance,
		logger:         logger,
	}
}

// ResolveTouch handles a tap under the given session state.
//
// A tap while the editor is focused only dismisses the editor. Without a
// tracking frame the tap is refused with ErrNoTracking. In text and image
// mode the tap must land on a feature point; a miss places nothing and is
// not an error. In vision mode the anchor is placed in front of the
// camera and classification is dispatched.
func (r *Resolver) ResolveTouch(touch Touch, state session.State) (Outcome, error) {
	if touch.EditorFocused {
		return Outcome{DismissedEditor: true}, nil
	}

	frame := r.source.CurrentFrame()
	if frame == nil {
		return Outcome{}, ErrNoTracking
	}

	if state.ActiveMode == types.ModeVision {
		return r.placeVision(frame), nil
	}

	transform, ok := r.source.HitTestFeaturePoint(touch.Point)
	if !ok {
		r.logger.Debug("touch missed feature points", "x", touch.Point.X, "y", touch.Point.Y, "mode", state.ActiveMode)
		return Outcome{}, nil
	}

	a := r.source.AddAnchor(transform)
	out := Outcome{Anchor: &a}

	if content, ok := state.PendingContent(); ok && r.cache.Set(a.ID, content) {
		out.Content = content
	}
	r.logger.Debug("anchor placed",
		"anchor_id", a.ID,
		"mode", state.ActiveMode,
		"content", out.Content.Kind,
	)
	return out, nil
}

func (r *Resolver) placeVision(frame *types.Frame) Outcome {
	transform := frame.Camera.Mul(types.Translation(0, 0, -r.visionDistance))
	a := r.source.AddAnchor(transform)

	r.logger.Debug("vision anchor placed",
		"anchor_id", a.ID,
		"frame_seq", frame.Seq,
		"trace_id", frame.TraceID,
	)

	out := Outcome{Anchor: &a}
	if r.dispatch != nil && frame.Image != nil {
		r.dispatch(a, frame)
		out.Classifying = true
	}
	return out
}

// Complete applies a classification result to the anchor it was
// requested for. Empty labels write nothing. A label already shown by a
// different anchor is skipped.
func (r *Resolver) Complete(id types.AnchorID, result types.ClassificationResult) Completion {
	if result.Empty() {
		return SkippedEmpty
	}
	if r.cache.HasLabelElsewhere(id, result.Label) {
		r.logger.Debug("duplicate label skipped", "anchor_id", id, "label", result.Label)
		return SkippedDuplicate
	}
	if !r.cache.Set(id, types.LabelContent(result.Label, result.Confidence)) {
		return SkippedExisting
	}
	return Applied
}
