package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ironsheep/rbc-morphology-mcp/internal/tensor"
)

// HTTPModel calls a remote classification service.
//
// The request body is {"input": <tensor>, "target_layer": <name>} and the reply
// is a JSON Capture. Health is probed with GET /health on the same host.
type HTTPModel struct {
	inferenceURL string
	targetLayer  string
	client       *http.Client
}

// NewHTTPModel creates an adapter for the service at inferenceURL.
func NewHTTPModel(inferenceURL, targetLayer string, client *http.Client) *HTTPModel {
	if client == nil {
		client = http.DefaultClient
	}
	if targetLayer == "" {
		targetLayer = DefaultTargetLayer
	}
	return &HTTPModel{
		inferenceURL: inferenceURL,
		targetLayer:  targetLayer,
		client:       client,
	}
}

type runRequest struct {
	Input       *tensor.Tensor `json:"input"`
	TargetLayer string         `json:"target_layer"`
}

// Name identifies the backend.
func (m *HTTPModel) Name() string {
	return "http:" + m.inferenceURL
}

// Reentrant is true; the service handles its own concurrency.
func (m *HTTPModel) Reentrant() bool {
	return true
}

// Close is a no-op; the HTTP client is shared.
func (m *HTTPModel) Close() error {
	return nil
}

// Run sends input to the classification service.
func (m *HTTPModel) Run(ctx context.Context, input *tensor.Tensor) (*Capture, error) {
	body, err := json.Marshal(runRequest{Input: input, TargetLayer: m.targetLayer})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.inferenceURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var capture Capture
	if err := json.NewDecoder(resp.Body).Decode(&capture); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &capture, nil
}

// CheckHealth verifies that the classification service is reachable.
func (m *HTTPModel) CheckHealth(ctx context.Context) error {
	u, err := url.Parse(m.inferenceURL)
	if err != nil {
		return fmt.Errorf("invalid inference url: %w", err)
	}
	healthURL := (&url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host, Path: "/health"}).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("classification service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classification service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
