package types

import (
	"image"
	"time"
)

// Intrinsics describes the pinhole projection of the tracked camera
// into view coordinates.
type Intrinsics struct {
	// Focal lengths in pixels
	Fx float32
	Fy float32
	// Principal point in pixels
	Cx float32
	Cy float32
	// Viewport size in pixels
	Width  int
	Height int
}

// Project maps a point in camera space to view coordinates.
// Returns false when the point lies behind the camera (camera looks down -Z).
func (in Intrinsics) Project(p Vec3) (Point, bool) {
	if p.Z >= 0 {
		return Point{}, false
	}
	depth := -p.Z
	return Point{
		X: in.Cx + in.Fx*(p.X/depth),
		Y: in.Cy - in.Fy*(p.Y/depth),
	}, true
}

// Contains reports whether pt lies inside the viewport.
func (in Intrinsics) Contains(pt Point) bool {
	return pt.X >= 0 && pt.Y >= 0 && pt.X < float32(in.Width) && pt.Y < float32(in.Height)
}

// Frame is a snapshot of the tracking session: the captured camera image
// plus the camera pose it was captured at.
//
// Frames are immutable once published; consumers share them by pointer.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the session
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Image is the captured camera image
	Image image.Image
	// Camera is the camera transform in world space
	Camera Mat4
	// Intrinsics projects camera space into the viewport
	Intrinsics Intrinsics
	// FeaturePoints are tracked world points available for hit-testing
	FeaturePoints []Vec3
	// TraceID is a unique identifier for following a frame through logs
	TraceID string
}

// FrameMeta contains frame metadata without the image
type FrameMeta struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	FeaturePoints int       `json:"feature_points"`
	TraceID       string    `json:"trace_id"`
}

// Meta returns the frame metadata.
func (f *Frame) Meta() FrameMeta {
	meta := FrameMeta{
		Seq:           f.Seq,
		Timestamp:     f.Timestamp,
		FeaturePoints: len(f.FeaturePoints),
		TraceID:       f.TraceID,
	}
	if f.Image != nil {
		b := f.Image.Bounds()
		meta.Width, meta.Height = b.Dx(), b.Dy()
	}
	return meta
}
