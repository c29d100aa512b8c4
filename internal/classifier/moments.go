package classifier

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
	"github.com/ironsheep/rbc-morphology-mcp/internal/tensor"
)

// MomentsOptions tunes the moments backend.
type MomentsOptions struct {
	// ElongationRatio is the ratio of the mask's principal axes at which the
	// Circular and Elongated logits cross.
	ElongationRatio float64

	// MinCoverage is the mask fraction below which the crop scores as Other.
	MinCoverage float64

	// MinContrast is the gray range below which the crop is treated as blank.
	MinContrast float64

	// GridSize is the side of the pooled activation map.
	GridSize int
}

// DefaultMomentsOptions returns the defaults for 224 pixel inputs.
func DefaultMomentsOptions() MomentsOptions {
	return MomentsOptions{
		ElongationRatio: 1.8,
		MinCoverage:     0.02,
		MinContrast:     0.1,
		GridSize:        7,
	}
}

// MomentsModel classifies a crop by the second moments of its dark pixels.
//
// Pixels darker than the midpoint of the crop's gray range form the cell mask.
// The square root of the ratio of the mask covariance eigenvalues measures
// elongation. The activation map is the mask average-pooled to a GridSize grid,
// with a uniform gradient that is positive for Circular and Elongated and
// negative for Other, so saliency covers the cell body.
type MomentsModel struct {
	opts MomentsOptions
}

// NewMomentsModel creates a moments backend.
func NewMomentsModel(opts MomentsOptions) *MomentsModel {
	return &MomentsModel{opts: opts}
}

// Name identifies the backend.
func (m *MomentsModel) Name() string {
	return "moments"
}

// Reentrant is true; the model holds no mutable state.
func (m *MomentsModel) Reentrant() bool {
	return true
}

// Close is a no-op.
func (m *MomentsModel) Close() error {
	return nil
}

// Run classifies input.
func (m *MomentsModel) Run(ctx context.Context, input *tensor.Tensor) (*Capture, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, w := input.Height, input.Width
	n := h * w
	gray := make([]float64, n)
	for c := 0; c < input.Channels; c++ {
		for i, v := range input.Data[c*n : (c+1)*n] {
			gray[i] += float64(v) / float64(input.Channels)
		}
	}

	lo, hi := floats.Min(gray), floats.Max(gray)
	mask := make([]float64, n)
	if hi-lo >= m.opts.MinContrast {
		threshold := (lo + hi) / 2
		for i, g := range gray {
			if g < threshold {
				mask[i] = 1
			}
		}
	}

	coverage := floats.Sum(mask) / float64(n)
	ratio := m.elongation(mask, w, h)

	logits := []float64{
		m.opts.ElongationRatio - ratio,
		ratio - m.opts.ElongationRatio,
		(m.opts.MinCoverage - coverage) * 100,
	}
	classIndex := Argmax(logits)

	grid := m.opts.GridSize
	activations := tensor.NewFeatureMap(1, grid, grid)
	pool(mask, w, h, activations.Channel(0), grid)

	gradients := tensor.NewFeatureMap(1, grid, grid)
	sign := 1.0
	if morphology.Label(classIndex) == morphology.Other {
		sign = -1
	}
	for i := range gradients.Data {
		gradients.Data[i] = sign
	}

	return &Capture{
		Logits:      logits,
		ClassIndex:  classIndex,
		Activations: activations,
		Gradients:   gradients,
	}, nil
}

// elongation returns sqrt(l1/l2) for the eigenvalues l1 >= l2 of the weighted
// covariance of mask pixel coordinates. Masks with fewer than three pixels
// return 1.
func (m *MomentsModel) elongation(mask []float64, w, h int) float64 {
	if floats.Sum(mask) < 3 {
		return 1
	}

	xs := make([]float64, len(mask))
	ys := make([]float64, len(mask))
	for i := range mask {
		xs[i] = float64(i % w)
		ys[i] = float64(i / w)
	}

	vx := stat.Variance(xs, mask)
	vy := stat.Variance(ys, mask)
	cxy := stat.Covariance(xs, ys, mask)

	half := (vx + vy) / 2
	disc := math.Sqrt(math.Max(0, half*half-(vx*vy-cxy*cxy)))
	l1, l2 := half+disc, half-disc
	if l2 <= 1e-9 {
		return 2 * m.opts.ElongationRatio
	}
	return math.Sqrt(l1 / l2)
}

// pool averages mask over a grid x grid partition of the w x h plane into out.
func pool(mask []float64, w, h int, out []float64, grid int) {
	for gy := 0; gy < grid; gy++ {
		y0, y1 := gy*h/grid, (gy+1)*h/grid
		for gx := 0; gx < grid; gx++ {
			x0, x1 := gx*w/grid, (gx+1)*w/grid
			var sum float64
			count := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					sum += mask[y*w+x]
					count++
				}
			}
			if count > 0 {
				out[gy*grid+gx] = sum / float64(count)
			}
		}
	}
}
