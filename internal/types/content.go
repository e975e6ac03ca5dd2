package types

import (
	"image"
)

// ContentKind tags the variant held by an AnnotationContent.
type ContentKind int

const (
	// ContentNone is the zero value; no content.
	ContentNone ContentKind = iota
	ContentText
	ContentImage
	ContentLabel
)

// String returns the wire name of the kind.
func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentImage:
		return "image"
	case ContentLabel:
		return "label"
	default:
		return "none"
	}
}

// AnnotationContent is what gets attached to an anchor: typed text, a
// picked image or a classification label. Only the fields of Kind are set.
type AnnotationContent struct {
	Kind ContentKind

	// Text holds the typed text (ContentText) or the joined label (ContentLabel)
	Text string

	// Image holds the picked bitmap (ContentImage)
	Image image.Image

	// Confidence of the leading observation behind a label (ContentLabel)
	Confidence float64
}

// TextContent returns text content.
func TextContent(text string) AnnotationContent {
	return AnnotationContent{Kind: ContentText, Text: text}
}

// ImageContent returns image content.
func ImageContent(img image.Image) AnnotationContent {
	return AnnotationContent{Kind: ContentImage, Image: img}
}

// LabelContent returns classification label content.
func LabelContent(label string, confidence float64) AnnotationContent {
	return AnnotationContent{Kind: ContentLabel, Text: label, Confidence: confidence}
}

// IsZero reports whether the content carries no variant.
func (c AnnotationContent) IsZero() bool {
	return c.Kind == ContentNone
}

// ContentSummary is a log- and wire-friendly view of content (no pixels).
type ContentSummary struct {
	Kind       string  `json:"kind"`
	Text       string  `json:"text,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Summary returns the content without image data.
func (c AnnotationContent) Summary() ContentSummary {
	s := ContentSummary{
		Kind:       c.Kind.String(),
		Text:       c.Text,
		Confidence: c.Confidence,
	}
	if c.Image != nil {
		b := c.Image.Bounds()
		s.Width, s.Height = b.Dx(), b.Dy()
	}
	return s
}
