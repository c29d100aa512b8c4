// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ironsheep/rbc-morphology-mcp/internal/classifier"
	"github.com/ironsheep/rbc-morphology-mcp/internal/detector"
	"github.com/ironsheep/rbc-morphology-mcp/internal/pipeline"
)

// Config holds every setting the server reads at startup.
type Config struct {
	DetectionModelPath      string
	ClassificationModelPath string
	TargetLayer             string

	ScoreThresholdPercent float64
	AreaTolerancePercent  float64
	CropSize              int
	CellWorkers           int
	RunWorkers            int
	QueueSize             int
	RunTimeout            time.Duration

	OutputDir   string
	BaseURL     string
	DatabaseURL string
}

// Load reads the configuration from RBC_* environment variables. Unset
// variables take their defaults; malformed numbers are reported as errors.
func Load() (*Config, error) {
	defaults := pipeline.DefaultConfig()
	c := &Config{
		DetectionModelPath:      getEnv("RBC_DETECTION_MODEL", detector.ContourScheme),
		ClassificationModelPath: getEnv("RBC_CLASSIFICATION_MODEL", classifier.MomentsScheme),
		TargetLayer:             getEnv("RBC_TARGET_LAYER", classifier.DefaultTargetLayer),
		OutputDir:               getEnv("RBC_OUTPUT_DIR", "./rbc-output"),
		BaseURL:                 getEnv("RBC_BASE_URL", ""),
		DatabaseURL:             getEnv("RBC_DATABASE_URL", ""),
	}

	var err error
	if c.ScoreThresholdPercent, err = getFloat("RBC_SCORE_THRESHOLD", defaults.ScoreThresholdPercent); err != nil {
		return nil, err
	}
	if c.AreaTolerancePercent, err = getFloat("RBC_AREA_TOLERANCE", defaults.AreaTolerancePercent); err != nil {
		return nil, err
	}
	if c.CropSize, err = getInt("RBC_CROP_SIZE", defaults.CropSize); err != nil {
		return nil, err
	}
	if c.CellWorkers, err = getInt("RBC_CELL_WORKERS", defaults.Workers); err != nil {
		return nil, err
	}
	if c.RunWorkers, err = getInt("RBC_RUN_WORKERS", 1); err != nil {
		return nil, err
	}
	if c.QueueSize, err = getInt("RBC_QUEUE_SIZE", 16); err != nil {
		return nil, err
	}
	if c.RunTimeout, err = getDuration("RBC_RUN_TIMEOUT", defaults.RunTimeout); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges and that local model files exist.
func (c *Config) Validate() error {
	if err := checkModelPath("detection", c.DetectionModelPath, detector.ContourScheme); err != nil {
		return err
	}
	if err := checkModelPath("classification", c.ClassificationModelPath, classifier.MomentsScheme); err != nil {
		return err
	}
	if err := c.Pipeline().Validate(); err != nil {
		return err
	}
	if c.RunWorkers <= 0 {
		return fmt.Errorf("run workers %d must be positive", c.RunWorkers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size %d must be positive", c.QueueSize)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	return nil
}

// Pipeline returns the per-run parameters.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		ScoreThresholdPercent: c.ScoreThresholdPercent,
		AreaTolerancePercent:  c.AreaTolerancePercent,
		CropSize:              c.CropSize,
		Workers:               c.CellWorkers,
		RunTimeout:            c.RunTimeout,
	}
}

// Dispatcher returns the dispatcher sizing.
func (c *Config) Dispatcher() pipeline.DispatcherOptions {
	return pipeline.DispatcherOptions{
		Workers:   c.RunWorkers,
		QueueSize: c.QueueSize,
	}
}

// checkModelPath requires local model files to exist. Remote URLs and the
// built-in scheme are accepted as they are.
func checkModelPath(kind, path, builtin string) error {
	if path == "" {
		return fmt.Errorf("%s model path is required", kind)
	}
	if IsRemote(path) || strings.HasPrefix(path, builtin) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s model not found: %w", kind, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s model %s is a directory", kind, path)
	}
	return nil
}

// IsRemote reports whether path names an HTTP inference service.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return f, nil
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return n, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return d, nil
}
