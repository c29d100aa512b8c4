package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ironsheep/rbc-morphology-mcp/internal/detector"
	"github.com/ironsheep/rbc-morphology-mcp/internal/explain"
	"github.com/ironsheep/rbc-morphology-mcp/internal/geometry"
	"github.com/ironsheep/rbc-morphology-mcp/internal/imaging"
	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
	"github.com/ironsheep/rbc-morphology-mcp/internal/pipeline"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "smear_detect", "cell_crop").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool execution errors return a JSON-RPC error response with code -32000.
func (s *Server) handleToolsCall(req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	result, err := s.executeTool(context.Background(), params.Name, params.Arguments)
	if err != nil {
		s.logger.Debug("tool failed", "tool", params.Name, "error", pipeline.TruncateReason(err))
		return s.errorResponse(req.ID, -32000, "Tool execution failed", err.Error())
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	// Image Information
	case "smear_load":
		return s.handleSmearLoad(args)

	// Detection
	case "smear_detect":
		return s.handleSmearDetect(ctx, args)

	// Cell Operations
	case "cell_crop":
		return s.handleCellCrop(args)
	case "cell_classify":
		return s.handleCellClassify(ctx, args)

	// Runs
	case "smear_analyze":
		return s.handleSmearAnalyze(args)
	case "smear_run_status":
		return s.handleSmearRunStatus(args)

	// Aggregation
	case "morphology_summary":
		return s.handleMorphologySummary(args)

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// Panics are suppressed; on marshal failure, returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// === Image Information Handlers ===

type smearLoadArgs struct {
	Path string `json:"path"`
}

func (s *Server) handleSmearLoad(args json.RawMessage) (interface{}, error) {
	var a smearLoadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return imaging.LoadImageInfo(s.cache, a.Path, geometry.InferenceSize)
}

// === Detection Handlers ===

type smearDetectArgs struct {
	Path            string   `json:"path"`
	ScoreThreshold  *float64 `json:"score_threshold"`
	AreaTolerance   *float64 `json:"area_tolerance"`
	IncludeOverview bool     `json:"include_overview"`
}

// numberedDetection is a detection with its 1-based cell number.
type numberedDetection struct {
	Number int `json:"number"`
	detector.Detection
}

type smearDetectResult struct {
	Width          int                   `json:"width"`
	Height         int                   `json:"height"`
	Model          string                `json:"model"`
	Detections     []numberedDetection   `json:"detections"`
	AreaFiltered   int                   `json:"area_filtered"`
	BelowThreshold int                   `json:"below_threshold"`
	Degenerate     int                   `json:"degenerate"`
	AreaFilter     geometry.AreaStats    `json:"area_filter"`
	Overview       *imaging.EncodedImage `json:"overview,omitempty"`
	Parameters     pipeline.Parameters   `json:"parameters"`
}

func (s *Server) handleSmearDetect(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a smearDetectArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if s.models == nil {
		return nil, fmt.Errorf("no detection model configured")
	}

	cfg := s.config
	if a.ScoreThreshold != nil {
		cfg.ScoreThresholdPercent = *a.ScoreThreshold
	}
	if a.AreaTolerance != nil {
		cfg.AreaTolerancePercent = *a.AreaTolerance
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	img, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, err
	}

	detected, err := s.models.Detector.Detect(ctx, img, cfg.AreaTolerancePercent)
	if err != nil {
		return nil, err
	}
	kept := pipeline.FilterByScore(detected.Detections, cfg.ScoreThreshold())

	result := &smearDetectResult{
		Width:          detected.Width,
		Height:         detected.Height,
		Model:          detected.Model,
		Detections:     make([]numberedDetection, len(kept)),
		AreaFiltered:   detected.AreaFilter.Total - detected.AreaFilter.Kept,
		BelowThreshold: len(detected.Detections) - len(kept),
		Degenerate:     detected.Degenerate,
		AreaFilter:     detected.AreaFilter,
		Parameters: pipeline.Parameters{
			ScoreThresholdPercent: cfg.ScoreThresholdPercent,
			AreaTolerancePercent:  cfg.AreaTolerancePercent,
			CropSize:              cfg.CropSize,
		},
	}
	boxes := make([]imaging.LabeledBox, len(kept))
	for i, k := range kept {
		result.Detections[i] = numberedDetection{Number: i + 1, Detection: k.Detection}
		boxes[i] = imaging.LabeledBox{Rect: k.Detection.Box.Rect(), Number: i + 1}
	}

	if a.IncludeOverview {
		result.Overview, err = imaging.EncodePNG(imaging.DrawOverview(img, boxes))
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// === Cell Operation Handlers ===

type cellBoxArgs struct {
	Path string  `json:"path"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	Size int     `json:"size"`
}

func (a cellBoxArgs) box() geometry.Box {
	return geometry.Box{X1: a.X1, Y1: a.Y1, X2: a.X2, Y2: a.Y2, Space: geometry.OriginalSpace}
}

type cellCropResult struct {
	OriginX   int                   `json:"origin_x"`
	OriginY   int                   `json:"origin_y"`
	Size      int                   `json:"size"`
	Clean     *imaging.EncodedImage `json:"clean"`
	Annotated *imaging.EncodedImage `json:"annotated"`
}

// cropFromArgs loads the image and cuts the cell window described by a.
func (s *Server) cropFromArgs(a cellBoxArgs) (*imaging.CellCrop, error) {
	if a.Size == 0 {
		a.Size = s.config.CropSize
	}
	img, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, err
	}
	return imaging.CropCell(img, a.box(), a.Size)
}

func (s *Server) handleCellCrop(args json.RawMessage) (interface{}, error) {
	var a cellBoxArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	crop, err := s.cropFromArgs(a)
	if err != nil {
		return nil, err
	}

	clean, err := imaging.EncodePNG(crop.Clean)
	if err != nil {
		return nil, err
	}
	annotated, err := imaging.EncodePNG(crop.Annotated)
	if err != nil {
		return nil, err
	}
	return &cellCropResult{
		OriginX:   crop.OriginX,
		OriginY:   crop.OriginY,
		Size:      crop.Size,
		Clean:     clean,
		Annotated: annotated,
	}, nil
}

type cellClassifyResult struct {
	Label         morphology.Label      `json:"label"`
	Logits        []float64             `json:"logits"`
	Probabilities []float64             `json:"probabilities"`
	OriginX       int                   `json:"origin_x"`
	OriginY       int                   `json:"origin_y"`
	Overlay       *imaging.EncodedImage `json:"overlay"`
}

func (s *Server) handleCellClassify(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a cellBoxArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if s.models == nil {
		return nil, fmt.Errorf("no classification model configured")
	}
	crop, err := s.cropFromArgs(a)
	if err != nil {
		return nil, err
	}

	result, err := s.models.Classifier.Classify(ctx, crop.Clean)
	if err != nil {
		return nil, err
	}
	if result.Capture == nil {
		return nil, fmt.Errorf("classifier returned no saliency capture")
	}
	exp, err := explain.Explain(crop.Clean, result.Capture.Activations, result.Capture.Gradients)
	if err != nil {
		return nil, err
	}
	overlay, err := imaging.EncodePNG(exp.Overlay)
	if err != nil {
		return nil, err
	}

	return &cellClassifyResult{
		Label:         result.Label,
		Logits:        result.Logits,
		Probabilities: result.Probabilities,
		OriginX:       crop.OriginX,
		OriginY:       crop.OriginY,
		Overlay:       overlay,
	}, nil
}

// === Run Handlers ===

type smearAnalyzeArgs struct {
	Path      string `json:"path"`
	SubjectID string `json:"subject_id"`
}

type smearAnalyzeResult struct {
	RunID  string             `json:"run_id"`
	Status pipeline.RunStatus `json:"status"`
}

func (s *Server) handleSmearAnalyze(args json.RawMessage) (interface{}, error) {
	var a smearAnalyzeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if s.dispatcher == nil {
		return nil, fmt.Errorf("asynchronous runs are not enabled")
	}

	runID, err := s.dispatcher.Submit(pipeline.Request{SubjectID: a.SubjectID, ImageRef: a.Path})
	if err != nil {
		return nil, err
	}
	return &smearAnalyzeResult{RunID: runID, Status: pipeline.RunQueued}, nil
}

type smearRunStatusArgs struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleSmearRunStatus(args json.RawMessage) (interface{}, error) {
	var a smearRunStatusArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if s.dispatcher == nil {
		return nil, fmt.Errorf("asynchronous runs are not enabled")
	}
	state, err := s.dispatcher.Status(a.RunID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, a.RunID)
	}
	return state, nil
}

// === Aggregation Handlers ===

type morphologySummaryArgs struct {
	Labels []string `json:"labels"`
	RunID  string   `json:"run_id"`
}

func (s *Server) handleMorphologySummary(args json.RawMessage) (interface{}, error) {
	var a morphologySummaryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	labels := make([]morphology.Label, len(a.Labels))
	for i, name := range a.Labels {
		l, err := morphology.ParseLabel(name)
		if err != nil {
			return nil, err
		}
		labels[i] = l
	}
	return morphology.Aggregate(a.RunID, labels), nil
}
