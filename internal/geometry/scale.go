package geometry

import "fmt"

// InferenceSize is the side length of the square image fed to the detector.
const InferenceSize = 2000

// Scale holds the factors that map inference-space coordinates to the original image.
type Scale struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewScale returns the factors for an image of width x height resized to a
// side x side square: X = width/side, Y = height/side.
func NewScale(width, height, side int) (Scale, error) {
	if width <= 0 || height <= 0 {
		return Scale{}, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if side <= 0 {
		return Scale{}, fmt.Errorf("invalid inference size %d", side)
	}
	return Scale{
		X: float64(width) / float64(side),
		Y: float64(height) / float64(side),
	}, nil
}

// ToOriginal maps an inference-space box to original-image coordinates.
func (s Scale) ToOriginal(b Box) (Box, error) {
	if b.Space != InferenceSpace {
		return Box{}, fmt.Errorf("box is in %s space, want %s", b.Space, InferenceSpace)
	}
	return Box{
		X1:    b.X1 * s.X,
		Y1:    b.Y1 * s.Y,
		X2:    b.X2 * s.X,
		Y2:    b.Y2 * s.Y,
		Space: OriginalSpace,
	}, nil
}

// ToInference maps an original-space box back into inference space.
func (s Scale) ToInference(b Box) (Box, error) {
	if b.Space != OriginalSpace {
		return Box{}, fmt.Errorf("box is in %s space, want %s", b.Space, OriginalSpace)
	}
	if s.X <= 0 || s.Y <= 0 {
		return Box{}, fmt.Errorf("invalid scale %gx%g", s.X, s.Y)
	}
	return Box{
		X1:    b.X1 / s.X,
		Y1:    b.Y1 / s.Y,
		X2:    b.X2 / s.X,
		Y2:    b.Y2 / s.Y,
		Space: InferenceSpace,
	}, nil
}
