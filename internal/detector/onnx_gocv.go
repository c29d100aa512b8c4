//go:build gocv

package detector

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
)

// onnxOutputs names the network outputs read after each forward pass.
var onnxOutputs = []string{"boxes", "labels", "scores"}

// ONNXModel runs a detection network through OpenCV's DNN module.
//
// The network must accept a 1x3xHxW float blob scaled to [0, 1] in RGB order and
// expose outputs named boxes (Nx4), labels (N) and scores (N).
type ONNXModel struct {
	mu   sync.Mutex
	net  gocv.Net
	path string
}

func loadONNX(path string) (Model, error) {
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("failed to read network from %s", path)
	}
	return &ONNXModel{net: net, path: path}, nil
}

// Name identifies the backend.
func (m *ONNXModel) Name() string {
	return "onnx:" + filepath.Base(m.path)
}

// Close releases the network.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}

// Predict runs one forward pass. Calls are serialized.
func (m *ONNXModel) Predict(ctx context.Context, img *image.NRGBA) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	size := image.Pt(img.Bounds().Dx(), img.Bounds().Dy())
	blob := gocv.BlobFromImage(mat, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.mu.Lock()
	m.net.SetInput(blob, "")
	outs := m.net.ForwardLayers(onnxOutputs)
	m.mu.Unlock()
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()

	if len(outs) != len(onnxOutputs) {
		return nil, fmt.Errorf("network returned %d outputs, want %d", len(outs), len(onnxOutputs))
	}

	boxes, err := matFloats(outs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read boxes: %w", err)
	}
	labels, err := matFloats(outs[1])
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	scores, err := matFloats(outs[2])
	if err != nil {
		return nil, fmt.Errorf("failed to read scores: %w", err)
	}
	if len(boxes) != 4*len(scores) {
		return nil, fmt.Errorf("boxes output has %d values for %d scores", len(boxes), len(scores))
	}

	pred := &Prediction{
		Boxes:  make([][4]float64, len(scores)),
		Labels: make([]int, len(labels)),
		Scores: make([]float64, len(scores)),
	}
	for i := range scores {
		pred.Boxes[i] = [4]float64{
			float64(boxes[4*i]), float64(boxes[4*i+1]),
			float64(boxes[4*i+2]), float64(boxes[4*i+3]),
		}
		pred.Scores[i] = float64(scores[i])
	}
	for i, l := range labels {
		pred.Labels[i] = int(l)
	}
	return pred, nil
}

// matFloats copies the values of m as float32, converting integer outputs first.
func matFloats(m gocv.Mat) ([]float32, error) {
	if m.Empty() {
		return nil, nil
	}
	src := m
	if m.Type() != gocv.MatTypeCV32F {
		converted := gocv.NewMat()
		defer converted.Close()
		m.ConvertTo(&converted, gocv.MatTypeCV32F)
		src = converted
	}
	data, err := src.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), data...), nil
}
