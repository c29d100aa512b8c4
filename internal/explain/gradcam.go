package explain

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/ironsheep/rbc-morphology-mcp/internal/tensor"
)

// Heatmap is a single-channel saliency map with values in [0, 1].
type Heatmap struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"values"`
}

// At returns the value at column x, row y.
func (h *Heatmap) At(x, y int) float64 {
	return h.Values[y*h.Width+x]
}

// GradCAM computes the class activation map for one capture.
//
// Activations and gradients must have identical K x H x W shapes. The result is
// H x W.
func GradCAM(activations, gradients *tensor.FeatureMap) (*Heatmap, error) {
	if err := activations.Validate(); err != nil {
		return nil, fmt.Errorf("invalid activations: %w", err)
	}
	if err := gradients.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gradients: %w", err)
	}
	if !activations.SameShape(gradients) {
		return nil, fmt.Errorf("activations %v and gradients %v differ in shape",
			activations.Shape(), gradients.Shape())
	}

	plane := activations.Height * activations.Width
	cam := make([]float64, plane)
	for k := 0; k < activations.Channels; k++ {
		weight := floats.Sum(gradients.Channel(k)) / float64(plane)
		floats.AddScaled(cam, weight, activations.Channel(k))
	}

	for i, v := range cam {
		if v < 0 {
			cam[i] = 0
		}
	}
	normalize(cam)

	return &Heatmap{
		Width:  activations.Width,
		Height: activations.Height,
		Values: cam,
	}, nil
}

// normalize rescales values to [0, 1] in place. A constant slice becomes zeros.
func normalize(values []float64) {
	lo, hi := floats.Min(values), floats.Max(values)
	span := hi - lo
	if span <= 0 {
		for i := range values {
			values[i] = 0
		}
		return
	}
	floats.AddConst(-lo, values)
	floats.Scale(1/span, values)
}
