package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
)

// HTTPModel calls a remote detection service.
//
// The resized image is posted as a multipart "file" field holding a PNG. The
// service answers with a JSON Prediction. Health is probed with GET /health on
// the same host.
type HTTPModel struct {
	inferenceURL string
	client       *http.Client
}

// NewHTTPModel creates an adapter for the service at inferenceURL.
func NewHTTPModel(inferenceURL string, client *http.Client) *HTTPModel {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPModel{
		inferenceURL: inferenceURL,
		client:       client,
	}
}

// Name identifies the backend.
func (m *HTTPModel) Name() string {
	return "http:" + m.inferenceURL
}

// Close is a no-op; the HTTP client is shared.
func (m *HTTPModel) Close() error {
	return nil
}

// Predict sends img to the inference service.
func (m *HTTPModel) Predict(ctx context.Context, img *image.NRGBA) (*Prediction, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "smear.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(part, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.inferenceURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &pred, nil
}

// CheckHealth verifies that the inference service is reachable.
func (m *HTTPModel) CheckHealth(ctx context.Context) error {
	healthURL, err := url.JoinPath(hostRoot(m.inferenceURL), "health")
	if err != nil {
		return fmt.Errorf("invalid inference url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("inference service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// hostRoot strips the path, query and fragment from rawURL.
func hostRoot(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return (&url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}).String()
}
