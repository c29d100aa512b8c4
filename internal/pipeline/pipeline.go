package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ironsheep/rbc-morphology-mcp/internal/detector"
	"github.com/ironsheep/rbc-morphology-mcp/internal/explain"
	"github.com/ironsheep/rbc-morphology-mcp/internal/imaging"
	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
)

// Pipeline runs detection runs against a shared model Context.
type Pipeline struct {
	models  *Context
	images  ImageStore
	results ResultStore
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithImageStore sets where source images are read and artifacts written.
// Without one, artifacts are kept in memory only and Execute cannot be used.
func WithImageStore(s ImageStore) Option {
	return func(p *Pipeline) { p.images = s }
}

// WithResultStore sets where finished runs are saved by Execute.
func WithResultStore(s ResultStore) Option {
	return func(p *Pipeline) { p.results = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a Pipeline.
func New(models *Context, opts ...Option) *Pipeline {
	p := &Pipeline{
		models: models,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute reads the request's image, runs it and saves the record.
//
// The returned record is never nil. The error reports run-level failures and
// result store failures.
func (p *Pipeline) Execute(ctx context.Context, req Request, cfg Config) (*RunRecord, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	var (
		rec *RunRecord
		err error
	)
	if p.images == nil {
		rec = newRecord(req, cfg)
		err = fmt.Errorf("no image store configured")
		p.markFailed(rec, err)
	} else if img, readErr := p.images.ReadImage(ctx, req.ImageRef); readErr != nil {
		rec = newRecord(req, cfg)
		err = fmt.Errorf("failed to read image: %w", readErr)
		p.markFailed(rec, err)
	} else {
		rec, err = p.Run(ctx, req, img, cfg)
	}

	if p.results != nil {
		if saveErr := p.results.SaveRun(ctx, rec); saveErr != nil {
			p.logger.Error("failed to save run", "run_id", rec.RunID, "error", TruncateReason(saveErr))
			if err == nil {
				err = fmt.Errorf("failed to save run: %w", saveErr)
			}
		}
	}
	return rec, err
}

// Run processes one image.
//
// Stages:
//  1. Detect cells with the area filter from cfg.AreaTolerancePercent.
//  2. Keep detections whose score is at least cfg.ScoreThreshold(). The two
//     filters are independent.
//  3. Write the numbered overview image when an image store is configured.
//  4. Crop, classify and explain every kept detection on cfg.Workers goroutines.
//     Cells keep detection order and are numbered from 1.
//  5. Aggregate the labels of the cells that succeeded.
//
// The whole run is bounded by cfg.RunTimeout. Cells not started before the
// deadline fail with the context error.
//
// # Failures
//
// The returned record is never nil. A non-nil error means the run failed before
// the cell stage (invalid config, empty image, detector error or a panic); the
// record then has status RunFailed and a reason truncated to MaxReasonLength.
// Cell failures, including panics, are reported in the record only: the run
// ends as RunPartial and the failed cells are left out of the summary. A run
// with no kept detections succeeds with a NoData summary.
func (p *Pipeline) Run(ctx context.Context, req Request, img image.Image, cfg Config) (rec *RunRecord, err error) {
	cfg = cfg.withDefaults()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	rec = newRecord(req, cfg)
	logger := p.logger.With("run_id", rec.RunID)

	// Cell panics are contained per cell; this catches the rest, such as a
	// detector backend panicking on a malformed image.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during run: %v", r)
			p.markFailed(rec, err)
		}
	}()

	if err := cfg.Validate(); err != nil {
		p.markFailed(rec, err)
		return rec, err
	}

	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	if img == nil || img.Bounds().Empty() {
		err := fmt.Errorf("image is empty")
		p.markFailed(rec, err)
		return rec, err
	}
	src := imaging.ToNRGBA(img)
	rec.ImageWidth = src.Bounds().Dx()
	rec.ImageHeight = src.Bounds().Dy()

	detected, err := p.models.Detector.Detect(ctx, src, cfg.AreaTolerancePercent)
	if err != nil {
		err = fmt.Errorf("detection failed: %w", err)
		p.markFailed(rec, err)
		return rec, err
	}
	rec.Detections = detected.Detections
	rec.AreaFilter = detected.AreaFilter
	rec.DetectorModel = detected.Model

	kept := FilterByScore(detected.Detections, cfg.ScoreThreshold())
	logger.Info("detection finished",
		"detections", len(detected.Detections),
		"above_threshold", len(kept),
		"mean_area", detected.AreaFilter.MeanArea)

	rec.OverviewURL = p.writeOverview(ctx, logger, rec, src, kept)
	rec.Cells = p.processCells(ctx, logger, rec.RunID, src, kept, cfg)

	rec.Summary = morphology.Aggregate(rec.RunID, rec.Labels())
	rec.Status = RunSucceeded
	if rec.FailedCells() > 0 {
		rec.Status = RunPartial
	}
	rec.FinishedAt = time.Now()

	logger.Info("run finished", "record", rec, "elapsed", rec.FinishedAt.Sub(rec.StartedAt))
	return rec, nil
}

// FilterByScore returns the detections scoring at or above threshold, in order,
// with their indices.
func FilterByScore(detections []detector.Detection, threshold float64) []IndexedDetection {
	kept := make([]IndexedDetection, 0, len(detections))
	for i, d := range detections {
		if d.Score >= threshold {
			kept = append(kept, IndexedDetection{Index: i, Detection: d})
		}
	}
	return kept
}

// IndexedDetection pairs a detection with its position in the detector output.
type IndexedDetection struct {
	Index     int
	Detection detector.Detection
}

func newRecord(req Request, cfg Config) *RunRecord {
	return &RunRecord{
		RunID:     req.RunID,
		SubjectID: req.SubjectID,
		ImageRef:  req.ImageRef,
		Status:    RunRunning,
		Parameters: Parameters{
			ScoreThresholdPercent: cfg.ScoreThresholdPercent,
			AreaTolerancePercent:  cfg.AreaTolerancePercent,
			CropSize:              cfg.CropSize,
		},
		Detections: []detector.Detection{},
		Cells:      []*CellResult{},
		StartedAt:  time.Now(),
	}
}

// markFailed records a run-level failure.
func (p *Pipeline) markFailed(rec *RunRecord, err error) {
	rec.Status = RunFailed
	rec.FailureReason = TruncateReason(err)
	rec.FinishedAt = time.Now()
	p.logger.Error("run failed", "run_id", rec.RunID, "error", rec.FailureReason)
}

// writeOverview stores the image with every kept box numbered. Failures are
// logged and leave the URL empty.
func (p *Pipeline) writeOverview(ctx context.Context, logger *slog.Logger, rec *RunRecord, src *image.NRGBA, kept []IndexedDetection) string {
	if p.images == nil {
		return ""
	}
	boxes := make([]imaging.LabeledBox, len(kept))
	for i, k := range kept {
		boxes[i] = imaging.LabeledBox{Rect: k.Detection.Box.Rect(), Number: i + 1}
	}
	overview := imaging.DrawOverview(src, boxes)
	url, err := p.images.WriteImage(ctx, overview, rec.RunID+"_overview.png")
	if err != nil {
		logger.Warn("failed to write overview", "error", TruncateReason(err))
		return ""
	}
	return url
}

// processCells runs every kept detection through the cell stage with a bounded
// worker pool. Results keep detection order.
func (p *Pipeline) processCells(ctx context.Context, logger *slog.Logger, runID string, src *image.NRGBA, kept []IndexedDetection, cfg Config) []*CellResult {
	cells := make([]*CellResult, len(kept))
	if len(kept) == 0 {
		return cells
	}

	workChan := make(chan int, len(kept))
	var wg sync.WaitGroup

	remaining := atomic.Int64{}
	remaining.Store(int64(len(kept)))

	workers := min(cfg.Workers, len(kept))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range workChan {
				cell := p.processCell(ctx, runID, src, n+1, kept[n], cfg)
				cells[n] = cell

				left := remaining.Add(-1)
				if cell.Failed {
					logger.Warn("cell failed", "cell", cell.Number, "error", cell.FailureReason)
				} else {
					logger.Debug("cell classified", "cell", cell.Number, "label", cell.Label, "remaining", left)
				}
			}
		}()
	}

	for n := range kept {
		workChan <- n
	}
	close(workChan)
	wg.Wait()

	return cells
}

// processCell crops, classifies and explains one detection. Errors and panics
// are captured in the result.
func (p *Pipeline) processCell(ctx context.Context, runID string, src *image.NRGBA, number int, det IndexedDetection, cfg Config) (cell *CellResult) {
	cell = &CellResult{
		CellID:         uuid.NewString(),
		Number:         number,
		DetectionIndex: det.Index,
		Detection:      det.Detection,
	}
	defer func() {
		if r := recover(); r != nil {
			cell.fail(fmt.Errorf("panic while processing cell: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		cell.fail(fmt.Errorf("cell not started: %w", err))
		return cell
	}

	crop, err := imaging.CropCell(src, det.Detection.Box, cfg.CropSize)
	if err != nil {
		cell.fail(fmt.Errorf("failed to crop cell: %w", err))
		return cell
	}
	crop.DetectionIndex = det.Index
	cell.Crop = crop

	result, err := p.models.Classifier.Classify(ctx, crop.Clean)
	if err != nil {
		cell.fail(fmt.Errorf("failed to classify cell: %w", err))
		return cell
	}
	if result.Capture == nil {
		cell.fail(fmt.Errorf("classifier returned no saliency capture"))
		return cell
	}

	exp, err := explain.Explain(crop.Clean, result.Capture.Activations, result.Capture.Gradients)
	if err != nil {
		cell.fail(fmt.Errorf("failed to explain cell: %w", err))
		return cell
	}

	cell.Label = result.Label
	cell.Logits = result.Logits
	cell.Probabilities = result.Probabilities
	cell.Overlay = exp.Overlay

	if err := p.writeCellArtifacts(ctx, runID, cell); err != nil {
		cell.fail(err)
	}
	return cell
}

// writeCellArtifacts stores the crops and overlay of a classified cell.
//
// Crops are named <run>_<cell number>_<origin x>_<origin y>.png, with a _CD
// suffix for the annotated variant. Overlays are named gradcam_<cell id>.png.
func (p *Pipeline) writeCellArtifacts(ctx context.Context, runID string, cell *CellResult) error {
	if p.images == nil {
		return nil
	}
	stem := fmt.Sprintf("%s_%d_%d_%d", runID, cell.Number, cell.Crop.OriginX, cell.Crop.OriginY)

	var err error
	if cell.CropURL, err = p.images.WriteImage(ctx, cell.Crop.Clean, stem+".png"); err != nil {
		return fmt.Errorf("failed to write crop: %w", err)
	}
	if cell.AnnotatedURL, err = p.images.WriteImage(ctx, cell.Crop.Annotated, stem+"_CD.png"); err != nil {
		return fmt.Errorf("failed to write annotated crop: %w", err)
	}
	if cell.OverlayURL, err = p.images.WriteImage(ctx, cell.Overlay, "gradcam_"+cell.CellID+".png"); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}
	return nil
}
