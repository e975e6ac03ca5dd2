// Package classifier runs image classification off the interaction path.
//
// A Classifier is an opaque backend that ranks labels for an image. The
// Pipeline wraps one with a bounded queue and a pool of background
// workers, reduces the ranked observations to a display label with
// Summarize, and reports every request through a completion callback.
// Classifier failures never surface as errors to the submitter; they
// complete with an empty result.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/serkansokmen/emojispace/internal/types"
)

const (
	// DefaultTopK is how many raw observations are considered
	DefaultTopK = 5
	// DefaultMinConfidence is the exclusive lower bound for a kept observation
	DefaultMinConfidence = 0.3
)

var (
	ErrPipelineClosed = errors.New("classifier: pipeline closed")
	ErrQueueFull      = errors.New("classifier: request queue full")
)

// CropPolicy tells a backend which part of the frame to classify.
type CropPolicy int

const (
	// CropCenter takes the largest centered square
	CropCenter CropPolicy = iota
	// CropFull sends the whole frame; the backend resizes it
	CropFull
)

func (p CropPolicy) String() string {
	switch p {
	case CropCenter:
		return "center"
	case CropFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseCropPolicy maps a config value onto a CropPolicy. Empty means
// CropCenter.
func ParseCropPolicy(s string) (CropPolicy, error) {
	switch s {
	case "", "center":
		return CropCenter, nil
	case "full":
		return CropFull, nil
	default:
		return CropCenter, fmt.Errorf("unknown crop policy %q (must be center or full)", s)
	}
}

// Classifier ranks labels for an image. Implementations return
// observations ordered by descending confidence and must honor ctx.
type Classifier interface {
	Classify(ctx context.Context, img image.Image, crop CropPolicy) ([]types.Observation, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, img image.Image, crop CropPolicy) ([]types.Observation, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, img image.Image, crop CropPolicy) ([]types.Observation, error) {
	return f(ctx, img, crop)
}

// Summarize reduces ranked observations to a display label. Only the
// first topK observations are considered and only those with confidence
// strictly above minConfidence are kept. The kept identifiers are joined
// with ", " in their original order; the returned confidence is that of
// the first kept observation. No survivors yields "" and 0.
func Summarize(obs []types.Observation, topK int, minConfidence float64) (string, float64) {
	if topK < len(obs) {
		obs = obs[:topK]
	}

	var (
		kept []string
		top  float64
	)
	for _, o := range obs {
		if o.Confidence <= minConfidence {
			continue
		}
		if len(kept) == 0 {
			top = o.Confidence
		}
		kept = append(kept, o.Identifier)
	}
	return strings.Join(kept, ", "), top
}

// CenterCrop returns the largest square centered in img. When img
// supports SubImage the crop shares its pixels.
func CenterCrop(img image.Image) image.Image {
	b := img.Bounds()
	side := b.Dx()
	if b.Dy() < side {
		side = b.Dy()
	}
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	r := image.Rect(x0, y0, x0+side, y0+side)

	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r)
	}
	return &croppedImage{Image: img, rect: r}
}

type croppedImage struct {
	image.Image
	rect image.Rectangle
}

func (c *croppedImage) Bounds() image.Rectangle { return c.rect }
