package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ironsheep/rbc-morphology-mcp/internal/pipeline"
)

// JSONResults stores each run record as <dir>/<run id>.json.
//
// JSONResults is safe for concurrent use.
type JSONResults struct {
	mu  sync.Mutex
	dir string
}

// NewJSONResults creates the directory if needed.
func NewJSONResults(dir string) (*JSONResults, error) {
	if dir == "" {
		return nil, fmt.Errorf("results directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for results: %w", err)
	}
	return &JSONResults{dir: dir}, nil
}

// SaveRun writes rec, replacing any earlier record with the same run id.
func (s *JSONResults) SaveRun(ctx context.Context, rec *pipeline.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(rec.RunID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", rec.RunID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run %s: %w", rec.RunID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write run %s: %w", rec.RunID, err)
	}
	return nil
}

// LoadRun reads a saved record. It returns pipeline.ErrRunNotFound for unknown
// run ids.
func (s *JSONResults) LoadRun(ctx context.Context, runID string) (*pipeline.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(runID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, pipeline.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	var rec pipeline.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &rec, nil
}

// RunIDs lists the saved run ids in lexical order.
func (s *JSONResults) RunIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		ids = append(ids, base[:len(base)-len(".json")])
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *JSONResults) path(runID string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runID+".json"), nil
}
