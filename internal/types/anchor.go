package types

import (
	"time"

	"github.com/google/uuid"
)

// AnchorID identifies an anchor across the tracking session and the
// annotation cache. It is opaque and never reused.
type AnchorID string

// NewAnchorID returns a fresh anchor identity.
func NewAnchorID() AnchorID {
	return AnchorID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id AnchorID) String() string { return string(id) }

// Anchor is a point and orientation fixed in tracked world space.
type Anchor struct {
	ID        AnchorID  `json:"id"`
	Transform Mat4      `json:"transform"`
	CreatedAt time.Time `json:"created_at"`
}
