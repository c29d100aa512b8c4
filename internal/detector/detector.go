package detector

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/ironsheep/rbc-morphology-mcp/internal/geometry"
	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
)

// ErrModelLoad is returned when a detection model cannot be loaded.
var ErrModelLoad = errors.New("failed to load detection model")

// ErrScoreRange is returned when a model reports a score outside [0, 1].
var ErrScoreRange = errors.New("detection score out of range")

// Prediction is the raw output of one model call, in inference space.
type Prediction struct {
	// Boxes holds [x1, y1, x2, y2] corners.
	Boxes [][4]float64 `json:"boxes"`

	// Labels holds 1-based class ids; 0 is background.
	Labels []int `json:"labels"`

	// Scores holds confidences in [0, 1].
	Scores []float64 `json:"scores"`
}

// Validate checks that the three output arrays have the same length and that
// every score is a probability. Scores reported as percentages are rejected
// rather than rescaled.
func (p *Prediction) Validate() error {
	if p == nil {
		return fmt.Errorf("model returned no prediction")
	}
	if len(p.Boxes) != len(p.Labels) || len(p.Boxes) != len(p.Scores) {
		return fmt.Errorf("model output length mismatch: %d boxes, %d labels, %d scores",
			len(p.Boxes), len(p.Labels), len(p.Scores))
	}
	for i, s := range p.Scores {
		if !(s >= 0 && s <= 1) {
			return fmt.Errorf("%w: score %d is %v", ErrScoreRange, i, s)
		}
	}
	return nil
}

// Model runs object detection on an image that has already been resized to the
// inference square.
type Model interface {
	Predict(ctx context.Context, img *image.NRGBA) (*Prediction, error)
	Name() string
	Close() error
}

// Detection is one detected cell in original image coordinates.
type Detection struct {
	Box     geometry.Box     `json:"box"`
	ClassID int              `json:"class_id"`
	Label   morphology.Label `json:"label"`
	Score   float64          `json:"score"`
}

// Result contains the detections for one image.
type Result struct {
	// Detections that survived the area filter, in model output order.
	Detections []Detection `json:"detections"`

	// Width and Height are the original image dimensions.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Scale maps inference-space coordinates to the original image.
	Scale geometry.Scale `json:"scale"`

	// AreaFilter describes the area-outlier pass.
	AreaFilter geometry.AreaStats `json:"area_filter"`

	// Degenerate counts model boxes dropped for having no area.
	Degenerate int `json:"degenerate"`

	// Model names the backend that produced the detections.
	Model string `json:"model"`
}

// Detector runs a detection model and post-processes its output.
type Detector struct {
	model         Model
	inferenceSize int
}

// New creates a Detector around a loaded model.
func New(model Model) *Detector {
	return &Detector{
		model:         model,
		inferenceSize: geometry.InferenceSize,
	}
}

// ModelName returns the backend name.
func (d *Detector) ModelName() string {
	return d.model.Name()
}

// Close releases the model.
func (d *Detector) Close() error {
	return d.model.Close()
}

// Detect finds cells in img.
//
// Algorithm:
//  1. Resize img to the inference square (geometry.InferenceSize on each side)
//     with bilinear filtering. Aspect ratio is not preserved.
//  2. Call the model once and validate its output (equal array lengths, scores
//     in [0, 1]).
//  3. Scale every box back to original coordinates with the per-axis factors
//     W/size and H/size.
//  4. Discard boxes with zero or negative area and count them in
//     Result.Degenerate.
//  5. Drop area outliers with geometry.FilterByArea(areaTolerancePercent). The
//     mean is taken over all restored boxes before filtering, in one pass.
//
// Scores are not filtered here; the caller applies its own threshold. An image
// with no detections yields an empty result, not an error.
//
// # Errors
//
// Returns an error when img is empty, when the model call fails (wrapped), or
// when the model output is malformed (ErrScoreRange for scores outside [0, 1]).
// Nothing is retried.
func (d *Detector) Detect(ctx context.Context, img image.Image, areaTolerancePercent float64) (*Result, error) {
	bounds := img.Bounds()
	scale, err := geometry.NewScale(bounds.Dx(), bounds.Dy(), d.inferenceSize)
	if err != nil {
		return nil, err
	}

	resized := imaging.Resize(img, d.inferenceSize, d.inferenceSize, imaging.Linear)

	pred, err := d.model.Predict(ctx, resized)
	if err != nil {
		return nil, fmt.Errorf("failed to run detection model: %w", err)
	}
	if err := pred.Validate(); err != nil {
		return nil, err
	}

	result := &Result{
		Detections: []Detection{},
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Scale:      scale,
		Model:      d.model.Name(),
	}

	restored := make([]Detection, 0, len(pred.Boxes))
	for i, raw := range pred.Boxes {
		box, err := scale.ToOriginal(geometry.Box{
			X1: raw[0], Y1: raw[1], X2: raw[2], Y2: raw[3],
			Space: geometry.InferenceSpace,
		})
		if err != nil {
			return nil, err
		}
		if box.Validate() != nil {
			result.Degenerate++
			continue
		}
		restored = append(restored, Detection{
			Box:     box,
			ClassID: pred.Labels[i],
			Label:   ClassLabel(pred.Labels[i]),
			Score:   pred.Scores[i],
		})
	}

	boxes := make([]geometry.Box, len(restored))
	for i, det := range restored {
		boxes[i] = det.Box
	}
	kept, stats := geometry.FilterByArea(boxes, areaTolerancePercent)
	result.AreaFilter = stats
	for _, idx := range kept {
		result.Detections = append(result.Detections, restored[idx])
	}
	return result, nil
}

// ClassLabel maps a 1-based model class id to a morphology label. Background and
// unknown ids map to Other.
func ClassLabel(classID int) morphology.Label {
	switch classID {
	case 1:
		return morphology.Circular
	case 2:
		return morphology.Elongated
	default:
		return morphology.Other
	}
}
