package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ironsheep/rbc-morphology-mcp/internal/classifier"
	"github.com/ironsheep/rbc-morphology-mcp/internal/config"
	"github.com/ironsheep/rbc-morphology-mcp/internal/detector"
	"github.com/ironsheep/rbc-morphology-mcp/internal/imaging"
	"github.com/ironsheep/rbc-morphology-mcp/internal/logging"
	"github.com/ironsheep/rbc-morphology-mcp/internal/pipeline"
	"github.com/ironsheep/rbc-morphology-mcp/internal/server"
	"github.com/ironsheep/rbc-morphology-mcp/internal/store"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Handle --version and -v flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Printf("rbc-morphology-mcp %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		case "--help", "-h", "help":
			printHelp()
			return
		}
	}

	// Logs go to stderr (stdout is for MCP protocol)
	logger := logging.Setup()
	logger.Debug("starting", "version", Version, "built", BuildTime, "commit", GitCommit)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "invalid configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(logger, "invalid configuration", err)
	}

	ctx := context.Background()
	deps, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "startup failed", err)
	}
	defer deps.close()

	if len(os.Args) > 1 && os.Args[1] == "run" {
		if err := runOnce(ctx, deps, cfg.Pipeline(), os.Args[2:]); err != nil {
			deps.close()
			fatal(logger, "run failed", err)
		}
		return
	}

	srv := server.New(
		server.WithModels(deps.models),
		server.WithConfig(cfg.Pipeline()),
		server.WithCache(deps.cache),
		server.WithLogger(logger),
		server.WithVersion(Version),
	)
	opts := cfg.Dispatcher()
	opts.Notifier = pipeline.MultiNotifier(srv, pipeline.LogNotifier{Logger: logger})
	opts.Logger = logger
	dispatcher := pipeline.NewDispatcher(deps.pipeline, cfg.Pipeline(), opts)
	srv.SetDispatcher(dispatcher)

	err = srv.Run()
	dispatcher.Close()
	if err != nil {
		deps.close()
		fatal(logger, "server error", err)
	}
}

func printHelp() {
	fmt.Println("rbc-morphology-mcp - MCP server for red blood cell morphology analysis")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rbc-mcp                              Run the MCP server on stdin/stdout")
	fmt.Println("  rbc-mcp run <image> [subject-id]     Analyze one image and print the run record")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --version, -v    Print version information")
	fmt.Println("  --help, -h       Print this help message")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  RBC_DETECTION_MODEL       Detector: http(s) URL, contour://, or .onnx file (default contour://)")
	fmt.Println("  RBC_CLASSIFICATION_MODEL  Classifier: http(s) URL or moments:// (default moments://)")
	fmt.Println("  RBC_TARGET_LAYER          Saliency layer for remote classifiers (default conv_head)")
	fmt.Println("  RBC_SCORE_THRESHOLD       Minimum detection score in percent (default 50)")
	fmt.Println("  RBC_AREA_TOLERANCE        Area outlier tolerance in percent (default 15)")
	fmt.Println("  RBC_CROP_SIZE             Cell crop side in pixels (default 80)")
	fmt.Println("  RBC_CELL_WORKERS          Cells processed at once per run (default 4)")
	fmt.Println("  RBC_RUN_WORKERS           Runs processed at once (default 1)")
	fmt.Println("  RBC_QUEUE_SIZE            Runs waiting for a worker (default 16)")
	fmt.Println("  RBC_RUN_TIMEOUT           Whole-run timeout (default 10m)")
	fmt.Println("  RBC_OUTPUT_DIR            Artifact and record directory (default ./rbc-output)")
	fmt.Println("  RBC_BASE_URL              Public URL prefix for artifacts")
	fmt.Println("  RBC_DATABASE_URL          PostgreSQL DSN; records are stored as JSON files when unset")
	fmt.Println("  RBC_MCP_LOG_LEVEL         debug, info, warn or error (default info)")
	fmt.Println("  RBC_MCP_LOG_FORMAT        json for machine-readable logs")
	fmt.Println()
	fmt.Println("This server communicates via MCP protocol over stdin/stdout.")
	fmt.Println("Configure it in your MCP client (e.g., Claude Desktop).")
}

// app holds the long-lived components shared by both modes.
type app struct {
	models   *pipeline.Context
	pipeline *pipeline.Pipeline
	cache    *imaging.ImageCache
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cache: imaging.NewImageCache()}

	det, err := detector.Load(ctx, cfg.DetectionModelPath, detector.LoadOptions{})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { det.Close() })

	cls, err := classifier.Load(ctx, cfg.ClassificationModelPath, classifier.LoadOptions{TargetLayer: cfg.TargetLayer})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { cls.Close() })
	logger.Info("models loaded", "detector", det.ModelName(), "classifier", cls.ModelName())

	if a.models, err = pipeline.NewContext(det, cls); err != nil {
		a.close()
		return nil, err
	}

	images, err := store.NewFileImages(cfg.OutputDir, cfg.BaseURL, a.cache)
	if err != nil {
		a.close()
		return nil, err
	}

	results, err := a.openResults(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.pipeline = pipeline.New(a.models,
		pipeline.WithImageStore(images),
		pipeline.WithResultStore(results),
		pipeline.WithLogger(logger),
	)
	return a, nil
}

func (a *app) openResults(ctx context.Context, cfg *config.Config) (pipeline.ResultStore, error) {
	if cfg.DatabaseURL == "" {
		return store.NewJSONResults(filepath.Join(cfg.OutputDir, "runs"))
	}
	if err := store.InitSchema(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}
	pg, err := store.NewPostgresResults(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// runOnce analyzes a single image synchronously and prints the record as JSON.
func runOnce(ctx context.Context, a *app, cfg pipeline.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: rbc-mcp run <image> [subject-id]")
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	req := pipeline.Request{ImageRef: path}
	if len(args) > 1 {
		req.SubjectID = args[1]
	}

	rec, runErr := a.pipeline.Execute(ctx, req, cfg)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}
	return runErr
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
