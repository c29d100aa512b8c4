package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/ironsheep/rbc-morphology-mcp/internal/classifier"
	"github.com/ironsheep/rbc-morphology-mcp/internal/detector"
	"github.com/ironsheep/rbc-morphology-mcp/internal/geometry"
	"github.com/ironsheep/rbc-morphology-mcp/internal/imaging"
	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
)

// RunStatus is the lifecycle state of a detection run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Done reports whether the status is terminal.
func (s RunStatus) Done() bool {
	return s == RunSucceeded || s == RunPartial || s == RunFailed
}

// Detector finds cells in a smear image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, areaTolerancePercent float64) (*detector.Result, error)
}

// Classifier labels a single cell crop.
type Classifier interface {
	Classify(ctx context.Context, crop image.Image) (*classifier.Result, error)
}

// ImageStore reads source images and persists artifacts.
type ImageStore interface {
	ReadImage(ctx context.Context, ref string) (image.Image, error)

	// WriteImage stores img under ref and returns a URL for it.
	WriteImage(ctx context.Context, img image.Image, ref string) (string, error)
}

// ResultStore persists finished runs.
type ResultStore interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
}

// Context holds the long-lived model handles shared by every run. It is built
// once at startup and never modified.
type Context struct {
	Detector   Detector
	Classifier Classifier
}

// NewContext checks that both models are present.
func NewContext(d Detector, c Classifier) (*Context, error) {
	if d == nil {
		return nil, fmt.Errorf("pipeline needs a detector")
	}
	if c == nil {
		return nil, fmt.Errorf("pipeline needs a classifier")
	}
	return &Context{Detector: d, Classifier: c}, nil
}

// Config holds the per-run parameters.
type Config struct {
	// ScoreThresholdPercent keeps detections with score*100 at or above it (0-100).
	ScoreThresholdPercent float64

	// AreaTolerancePercent is passed to the detector's area filter (>= 0).
	AreaTolerancePercent float64

	// CropSize is the side of each cell crop. Defaults to imaging.DefaultCellSize.
	CropSize int

	// Workers bounds concurrent cells within one run. Defaults to 4.
	Workers int

	// RunTimeout bounds a whole run. Zero disables the timeout.
	RunTimeout time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ScoreThresholdPercent: 50,
		AreaTolerancePercent:  15,
		CropSize:              imaging.DefaultCellSize,
		Workers:               4,
		RunTimeout:            10 * time.Minute,
	}
}

// withDefaults fills zero sizes.
func (c Config) withDefaults() Config {
	if c.CropSize == 0 {
		c.CropSize = imaging.DefaultCellSize
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	return c
}

// Validate checks the parameter ranges.
func (c Config) Validate() error {
	if c.ScoreThresholdPercent < 0 || c.ScoreThresholdPercent > 100 {
		return fmt.Errorf("score threshold %g%% out of range [0, 100]", c.ScoreThresholdPercent)
	}
	if c.AreaTolerancePercent < 0 {
		return fmt.Errorf("area tolerance %g%% must not be negative", c.AreaTolerancePercent)
	}
	if c.CropSize <= 0 {
		return fmt.Errorf("crop size %d must be positive", c.CropSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count %d must be positive", c.Workers)
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run timeout %s must not be negative", c.RunTimeout)
	}
	return nil
}

// ScoreThreshold returns the threshold as a fraction in [0, 1].
func (c Config) ScoreThreshold() float64 {
	return c.ScoreThresholdPercent / 100
}

// Request identifies one run.
type Request struct {
	// RunID is generated when empty.
	RunID string `json:"run_id"`

	// SubjectID links the run to a patient or sample.
	SubjectID string `json:"subject_id,omitempty"`

	// ImageRef locates the source image in the ImageStore.
	ImageRef string `json:"image_ref"`
}

// Parameters records the settings a run used.
type Parameters struct {
	ScoreThresholdPercent float64 `json:"score_threshold_percent"`
	AreaTolerancePercent  float64 `json:"area_tolerance_percent"`
	CropSize              int     `json:"crop_size"`
}

// CellResult is the outcome for one detected cell.
type CellResult struct {
	CellID string `json:"cell_id"`

	// Number is the 1-based position among the cells of the run.
	Number int `json:"number"`

	// DetectionIndex points into RunRecord.Detections.
	DetectionIndex int `json:"detection_index"`

	// Detection carries the box and the detector's own label.
	Detection detector.Detection `json:"detection"`

	Crop *imaging.CellCrop `json:"crop,omitempty"`

	// Label is the classifier's prediction. It is meaningless when Failed and
	// is left out of the JSON form then.
	Label         morphology.Label `json:"label"`
	Logits        []float64        `json:"logits,omitempty"`
	Probabilities []float64        `json:"probabilities,omitempty"`

	Overlay *image.NRGBA `json:"-"`

	CropURL      string `json:"crop_url,omitempty"`
	AnnotatedURL string `json:"annotated_url,omitempty"`
	OverlayURL   string `json:"overlay_url,omitempty"`

	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`
	Err           error  `json:"-"`
}

// MarshalJSON omits the label of failed cells so that a record never shows a
// classification that did not happen.
func (c CellResult) MarshalJSON() ([]byte, error) {
	type plain CellResult
	out := struct {
		plain
		Label *morphology.Label `json:"label,omitempty"`
	}{plain: plain(c)}
	if !c.Failed {
		out.Label = &c.Label
	}
	return json.Marshal(out)
}

// fail marks the cell failed with err.
func (c *CellResult) fail(err error) {
	c.Failed = true
	c.Err = err
	c.FailureReason = TruncateReason(err)
}

// RunRecord is the structured result of one run.
type RunRecord struct {
	RunID     string `json:"run_id"`
	SubjectID string `json:"subject_id,omitempty"`
	ImageRef  string `json:"image_ref,omitempty"`

	Status        RunStatus `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`

	Parameters  Parameters `json:"parameters"`
	ImageWidth  int        `json:"image_width"`
	ImageHeight int        `json:"image_height"`

	// Detections are all boxes that passed the area filter, before the score filter.
	Detections []detector.Detection `json:"detections"`
	AreaFilter geometry.AreaStats   `json:"area_filter"`

	OverviewURL string `json:"overview_url,omitempty"`

	Cells   []*CellResult       `json:"cells"`
	Summary *morphology.Summary `json:"summary,omitempty"`

	DetectorModel string `json:"detector_model,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Labels returns the labels of the cells that succeeded, in cell order.
func (r *RunRecord) Labels() []morphology.Label {
	labels := make([]morphology.Label, 0, len(r.Cells))
	for _, c := range r.Cells {
		if c != nil && !c.Failed {
			labels = append(labels, c.Label)
		}
	}
	return labels
}

// FailedCells counts cells marked failed.
func (r *RunRecord) FailedCells() int {
	n := 0
	for _, c := range r.Cells {
		if c != nil && c.Failed {
			n++
		}
	}
	return n
}

// LogValue groups the record's key fields for structured logs.
func (r *RunRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", r.RunID),
		slog.String("status", string(r.Status)),
		slog.Int("detections", len(r.Detections)),
		slog.Int("cells", len(r.Cells)),
		slog.Int("failed_cells", r.FailedCells()),
	)
}
