package worker

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/serkansokmen/emojispace/internal/classifier"
	"github.com/serkansokmen/emojispace/internal/types"
)

// hueNames splits the color wheel into 30 degree buckets, centred on red.
var hueNames = [12]string{
	"red", "orange", "yellow", "lime", "green", "mint",
	"cyan", "azure", "blue", "violet", "magenta", "pink",
}

const (
	// pixels with less saturation than this are named by brightness
	achromaticSaturation = 0.2
	// sample grid per side
	colorSamples = 64
)

// ColorClassifier names the dominant colors of an image. It needs no
// model, which makes it the default backend and the one used in tests.
type ColorClassifier struct {
	samples int
}

// NewColorClassifier creates a color classifier.
func NewColorClassifier() *ColorClassifier {
	return &ColorClassifier{samples: colorSamples}
}

// Classify returns one observation per color present in the sampled
// pixels, ordered by the share of pixels it covers.
func (c *ColorClassifier) Classify(ctx context.Context, img image.Image, crop classifier.CropPolicy) ([]types.Observation, error) {
	if crop == classifier.CropCenter {
		img = classifier.CenterCrop(img)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	stepX := max(1, b.Dx()/c.samples)
	stepY := max(1, b.Dy()/c.samples)

	counts := make(map[string]int)
	total := 0
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			counts[colorName(float64(r)/0xffff, float64(g)/0xffff, float64(bl)/0xffff)]++
			total++
		}
	}

	obs := make([]types.Observation, 0, len(counts))
	for name, n := range counts {
		obs = append(obs, types.Observation{
			Identifier: name,
			Confidence: float64(n) / float64(total),
		})
	}
	sort.Slice(obs, func(i, j int) bool {
		if obs[i].Confidence != obs[j].Confidence {
			return obs[i].Confidence > obs[j].Confidence
		}
		return obs[i].Identifier < obs[j].Identifier
	})
	return obs, nil
}

// colorName maps an RGB triple in [0,1] to a color word.
func colorName(r, g, b float64) string {
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	v := hi
	if hi == 0 || (hi-lo)/hi < achromaticSaturation {
		switch {
		case v > 0.8:
			return "white"
		case v < 0.2:
			return "black"
		default:
			return "gray"
		}
	}
	if v < 0.15 {
		return "black"
	}

	d := hi - lo
	var h float64
	switch hi {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return hueNames[int((h+15)/30)%len(hueNames)]
}
