package types

import "fmt"

// DrawingMode is the annotation type placed by the next touch.
type DrawingMode int

const (
	ModeText DrawingMode = iota
	ModeImage
	ModeVision
)

// String returns the wire name of the mode.
func (m DrawingMode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeImage:
		return "image"
	case ModeVision:
		return "vision"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the three drawing modes.
func (m DrawingMode) Valid() bool {
	return m == ModeText || m == ModeImage || m == ModeVision
}

// ParseDrawingMode converts a wire name into a DrawingMode.
func ParseDrawingMode(s string) (DrawingMode, error) {
	switch s {
	case "text":
		return ModeText, nil
	case "image":
		return ModeImage, nil
	case "vision":
		return ModeVision, nil
	default:
		return ModeText, fmt.Errorf("unknown drawing mode %q (must be text, image or vision)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m DrawingMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid drawing mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *DrawingMode) UnmarshalText(b []byte) error {
	parsed, err := ParseDrawingMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
