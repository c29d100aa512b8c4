package geometry

import (
	"errors"
	"fmt"
	"image"
)

// ErrInvalidBox is returned for boxes with non-positive width or height.
var ErrInvalidBox = errors.New("invalid bounding box")

// Space tags the coordinate space a Box is expressed in.
type Space int

const (
	// InferenceSpace is the resized square image the detector model sees.
	InferenceSpace Space = iota
	// OriginalSpace is the pixel grid of the source image.
	OriginalSpace
)

// String returns the lowercase name of the space.
func (s Space) String() string {
	switch s {
	case InferenceSpace:
		return "inference"
	case OriginalSpace:
		return "original"
	default:
		return fmt.Sprintf("space(%d)", int(s))
	}
}

// MarshalText encodes the space by name so stored records stay readable.
func (s Space) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *Space) UnmarshalText(text []byte) error {
	switch string(text) {
	case "inference":
		*s = InferenceSpace
	case "original":
		*s = OriginalSpace
	default:
		return fmt.Errorf("unknown coordinate space %q", string(text))
	}
	return nil
}

// Box is an axis-aligned bounding box with floating point corners.
//
// (X1, Y1) is the top-left corner and (X2, Y2) the bottom-right corner.
type Box struct {
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
	Space Space   `json:"space"`
}

// Width returns X2 - X1.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns Y2 - Y1.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns (X2-X1)*(Y2-Y1).
func (b Box) Area() float64 { return b.Width() * b.Height() }

// Validate reports ErrInvalidBox when the box is empty or inverted.
func (b Box) Validate() error {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return fmt.Errorf("%w: (%g,%g)-(%g,%g)", ErrInvalidBox, b.X1, b.Y1, b.X2, b.Y2)
	}
	return nil
}

// Rect truncates the corners to integers.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Midpoint returns the integer center of the truncated box, (x1+x2)/2 and (y1+y2)/2.
func (b Box) Midpoint() image.Point {
	r := b.Rect()
	return image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
}
