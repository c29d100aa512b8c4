package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/floats"

	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
	"github.com/ironsheep/rbc-morphology-mcp/internal/tensor"
)

// ErrModelLoad is returned when a classification model cannot be loaded.
var ErrModelLoad = errors.New("failed to load classification model")

// ErrSaliencyClass is returned when a model backpropagated a class other than
// the one it predicted.
var ErrSaliencyClass = errors.New("saliency capture does not match predicted class")

const (
	// InputSize is the side of the square image the classifier consumes.
	InputSize = 224

	// DefaultTargetLayer is the convolutional layer used for saliency.
	DefaultTargetLayer = "conv_head"
)

// Capture is the output of one forward and backward pass.
type Capture struct {
	// Logits holds one raw score per class, in morphology.Labels order.
	Logits []float64 `json:"logits"`

	// ClassIndex is the class whose score was backpropagated.
	ClassIndex int `json:"class_index"`

	// Activations of the target layer, K x H x W.
	Activations *tensor.FeatureMap `json:"activations"`

	// Gradients of the class score with respect to Activations.
	Gradients *tensor.FeatureMap `json:"gradients"`
}

// Model runs a classification network with saliency capture.
type Model interface {
	// Run performs a forward pass on input and backpropagates the score of the
	// highest scoring class to the target layer.
	Run(ctx context.Context, input *tensor.Tensor) (*Capture, error)
	Name() string

	// Reentrant reports whether Run may be called concurrently.
	Reentrant() bool
	Close() error
}

// Options configures a Classifier.
type Options struct {
	// InputSize overrides the model input side. Defaults to InputSize.
	InputSize int

	// Normalization is applied after scaling pixels to [0, 1]. The zero value
	// means tensor.Identity.
	Normalization tensor.Normalization
}

// Result is the classification of one cell.
type Result struct {
	Label         morphology.Label `json:"label"`
	Logits        []float64        `json:"logits"`
	Probabilities []float64        `json:"probabilities"`

	// Capture is retained for the saliency explainer.
	Capture *Capture `json:"-"`
}

// Classifier labels cell crops with a Model.
type Classifier struct {
	model     Model
	inputSize int
	norm      tensor.Normalization

	// turn serializes non-reentrant models; nil otherwise.
	turn chan struct{}
}

// New creates a Classifier around a loaded model.
func New(model Model, opts Options) *Classifier {
	c := &Classifier{
		model:     model,
		inputSize: opts.InputSize,
		norm:      opts.Normalization,
	}
	if c.inputSize <= 0 {
		c.inputSize = InputSize
	}
	if c.norm == (tensor.Normalization{}) {
		c.norm = tensor.Identity
	}
	if !model.Reentrant() {
		c.turn = make(chan struct{}, 1)
	}
	return c
}

// ModelName returns the backend name.
func (c *Classifier) ModelName() string {
	return c.model.Name()
}

// Close releases the model.
func (c *Classifier) Close() error {
	return c.model.Close()
}

// Classify predicts the morphology label of crop.
func (c *Classifier) Classify(ctx context.Context, crop image.Image) (*Result, error) {
	input, err := Preprocess(crop, c.inputSize, c.norm)
	if err != nil {
		return nil, err
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	capture, err := c.model.Run(ctx, input)
	release()
	if err != nil {
		return nil, fmt.Errorf("failed to run classification model: %w", err)
	}

	if capture == nil {
		return nil, fmt.Errorf("model returned no output")
	}
	if len(capture.Logits) != len(morphology.Labels()) {
		return nil, fmt.Errorf("model returned %d logits, want %d", len(capture.Logits), len(morphology.Labels()))
	}

	predicted := Argmax(capture.Logits)
	if capture.ClassIndex != predicted {
		return nil, fmt.Errorf("%w: gradients for class %d, predicted %d", ErrSaliencyClass, capture.ClassIndex, predicted)
	}

	return &Result{
		Label:         morphology.Label(predicted),
		Logits:        append([]float64(nil), capture.Logits...),
		Probabilities: Softmax(capture.Logits),
		Capture:       capture,
	}, nil
}

// acquire waits for the model's turn when it is not reentrant.
func (c *Classifier) acquire(ctx context.Context) (func(), error) {
	if c.turn == nil {
		return func() {}, nil
	}
	select {
	case c.turn <- struct{}{}:
		return func() { <-c.turn }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for classification model: %w", ctx.Err())
	}
}

// Preprocess resizes img to size x size with bilinear filtering and converts it
// to a normalized 3 x size x size tensor.
func Preprocess(img image.Image, size int, norm tensor.Normalization) (*tensor.Tensor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid input size %d", size)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("cannot classify an empty image")
	}
	resized := imaging.Resize(img, size, size, imaging.Linear)
	return tensor.FromImage(resized, norm)
}

// Argmax returns the index of the largest logit. Ties go to the lowest index.
func Argmax(logits []float64) int {
	if len(logits) == 0 {
		return -1
	}
	return floats.MaxIdx(logits)
}

// Softmax converts logits to probabilities.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	out := make([]float64, len(logits))
	peak := floats.Max(logits)
	for i, v := range logits {
		out[i] = math.Exp(v - peak)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
