//go:build !gocv

package detector

import "fmt"

func loadONNX(path string) (Model, error) {
	return nil, fmt.Errorf("ONNX model %s needs a build with -tags gocv", path)
}
