package classifier

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// MomentsScheme prefixes model paths that select the moments backend.
const MomentsScheme = "moments://"

// LoadOptions configures model loading.
type LoadOptions struct {
	Options

	// TargetLayer names the saliency layer for remote models.
	TargetLayer string

	// HTTPClient is used by the http backend. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds each remote call. Defaults to 1 minute.
	Timeout time.Duration
}

// Load opens the classification model at path and wraps it in a Classifier.
//
// Failures are wrapped with ErrModelLoad.
func Load(ctx context.Context, path string, opts LoadOptions) (*Classifier, error) {
	model, err := openModel(ctx, path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, path, err)
	}
	return New(model, opts.Options), nil
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
				timeout = time.Minute
			}
			client = &http.Client{Timeout: timeout}
		}
		model := NewHTTPModel(path, opts.TargetLayer, client)
		if err := model.CheckHealth(ctx); err != nil {
			return nil, err
		}
		return model, nil

	case strings.HasPrefix(path, MomentsScheme):
		return NewMomentsModel(DefaultMomentsOptions()), nil

	case strings.EqualFold(filepath.Ext(path), ".onnx"):
		return nil, fmt.Errorf("ONNX classifiers cannot provide gradients; serve the model over http")

	default:
		return nil, fmt.Errorf("unsupported model format %q", filepath.Ext(path))
	}
}
