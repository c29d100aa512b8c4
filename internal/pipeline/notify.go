package pipeline

import (
	"context"
	"log/slog"

	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
)

// CompletionEvent is the event name carried by every Completion.
const CompletionEvent = "classification_complete"

// Completion is emitted once per dispatched run when it reaches a terminal status.
type Completion struct {
	Event         string              `json:"event"`
	RunID         string              `json:"run_id"`
	SubjectID     string              `json:"subject_id,omitempty"`
	Status        RunStatus           `json:"status"`
	Summary       *morphology.Summary `json:"summary,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
}

// NewCompletion builds the completion event for rec.
func NewCompletion(rec *RunRecord) Completion {
	return Completion{
		Event:         CompletionEvent,
		RunID:         rec.RunID,
		SubjectID:     rec.SubjectID,
		Status:        rec.Status,
		Summary:       rec.Summary,
		FailureReason: rec.FailureReason,
	}
}

// Notifier receives completion events.
type Notifier interface {
	Notify(ctx context.Context, c Completion) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Completion) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, c Completion) error {
	return f(ctx, c)
}

// LogNotifier writes completion events to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs c at info level, or warn for failed runs.
func (n LogNotifier) Notify(ctx context.Context, c Completion) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if c.Status == RunFailed {
		level = slog.LevelWarn
	}
	attrs := []any{"event", c.Event, "run_id", c.RunID, "status", c.Status}
	if c.Summary != nil {
		attrs = append(attrs, "total_cells", c.Summary.TotalCells)
	}
	if c.FailureReason != "" {
		attrs = append(attrs, "reason", c.FailureReason)
	}
	logger.Log(ctx, level, "run complete", attrs...)
	return nil
}

// multiNotifier fans a completion out to several notifiers.
type multiNotifier []Notifier

// MultiNotifier returns a Notifier that calls each of ns in order and returns
// the first error.
func MultiNotifier(ns ...Notifier) Notifier {
	return multiNotifier(ns)
}

func (m multiNotifier) Notify(ctx context.Context, c Completion) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, c); err != nil && first == nil {
			first = err
		}
	}
	return first
}
