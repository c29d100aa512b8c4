package detector

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ContourScheme prefixes model paths that select the contour backend.
const ContourScheme = "contour://"

// LoadOptions configures model loading.
type LoadOptions struct {
	// HTTPClient is used by the http backend. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds each remote inference call. Defaults to 2 minutes.
	Timeout time.Duration
}

// Load opens the detection model at path and wraps it in a Detector.
//
// Failures are wrapped with ErrModelLoad.
func Load(ctx context.Context, path string, opts LoadOptions) (*Detector, error) {
	model, err := openModel(ctx, path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, path, err)
	}
	return New(model), nil
}

func openModel(ctx context.Context, path string, opts LoadOptions) (Model, error) {
	switch {
	case path == "":
		return nil, fmt.Errorf("model path is empty")

	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		client := opts.HTTPClient
		if client == nil {
			timeout := opts.Timeout
			if timeout <= 0 {
				timeout = 2 * time.Minute
			}
			client = &http.Client{Timeout: timeout}
		}
		model := NewHTTPModel(path, client)
		if err := model.CheckHealth(ctx); err != nil {
			return nil, err
		}
		return model, nil

	case strings.HasPrefix(path, ContourScheme):
		return NewContourModel(DefaultContourOptions()), nil

	case strings.EqualFold(filepath.Ext(path), ".onnx"):
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return loadONNX(path)

	default:
		return nil, fmt.Errorf("unsupported model format %q", filepath.Ext(path))
	}
}
