package pipeline

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ironsheep/rbc-morphology-mcp/internal/classifier"
	"github.com/ironsheep/rbc-morphology-mcp/internal/detector"
	"github.com/ironsheep/rbc-morphology-mcp/internal/morphology"
)

// gatedDetector blocks every Detect call until the gate is closed.
type gatedDetector struct {
	started chan struct{}
	gate    chan struct{}
}

func (d *gatedDetector) Detect(ctx context.Context, img image.Image, tol float64) (*detector.Result, error) {
	d.started <- struct{}{}
	<-d.gate
	return &detector.Result{Detections: []detector.Detection{}}, nil
}

// recordingNotifier collects completions.
type recordingNotifier struct {
	mu   sync.Mutex
	seen []Completion
}

func (n *recordingNotifier) Notify(ctx context.Context, c Completion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, c)
	return nil
}

func (n *recordingNotifier) completions() []Completion {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Completion(nil), n.seen...)
}

func newSmearDispatcher(t *testing.T, opts DispatcherOptions) (*Dispatcher, *memImages) {
	t.Helper()
	img, pred := threeCellSmear()
	images := newMemImages()
	images.images["smear.png"] = img
	p := newTestPipeline(t, pred, &fakeClassificationModel{label: morphology.Elongated}, WithImageStore(images))
	d := NewDispatcher(p, testConfig(50), opts)
	t.Cleanup(d.Close)
	return d, images
}

func waitFor(t *testing.T, d *Dispatcher, runID string) RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	state, err := d.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait(%s) error: %v", runID, err)
	}
	return state
}

func TestDispatcher_SubmitAndComplete(t *testing.T) {
	notifier := &recordingNotifier{}
	d, _ := newSmearDispatcher(t, DispatcherOptions{Notifier: notifier})

	runID, err := d.Submit(Request{SubjectID: "s-1", ImageRef: "smear.png"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if runID == "" {
		t.Fatal("Submit() returned empty run id")
	}

	state := waitFor(t, d, runID)
	if state.Status != RunSucceeded {
		t.Fatalf("Status = %s, want %s", state.Status, RunSucceeded)
	}
	if state.Record == nil || state.Record.Summary.Counts[morphology.Elongated] != 3 {
		t.Errorf("record = %+v, want 3 Elongated", state.Record)
	}

	got := notifier.completions()
	if len(got) != 1 {
		t.Fatalf("got %d completions, want 1", len(got))
	}
	c := got[0]
	if c.Event != CompletionEvent || c.RunID != runID || c.SubjectID != "s-1" || c.Status != RunSucceeded {
		t.Errorf("completion = %+v", c)
	}
	if c.Summary == nil || c.Summary.TotalCells != 3 {
		t.Errorf("completion summary = %+v", c.Summary)
	}
}

func TestDispatcher_FailedRunNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	d, _ := newSmearDispatcher(t, DispatcherOptions{Notifier: notifier})

	runID, err := d.Submit(Request{ImageRef: "missing.png"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	state := waitFor(t, d, runID)
	if state.Status != RunFailed {
		t.Errorf("Status = %s, want %s", state.Status, RunFailed)
	}
	got := notifier.completions()
	if len(got) != 1 || got[0].Status != RunFailed || got[0].FailureReason == "" {
		t.Errorf("completions = %+v", got)
	}
}

// panickingResults panics on every save.
type panickingResults struct{}

func (panickingResults) SaveRun(ctx context.Context, rec *RunRecord) error {
	panic("result store exploded")
}

func TestDispatcher_PanickingRunCompletes(t *testing.T) {
	img, pred := threeCellSmear()

	tests := []struct {
		name     string
		detector *fakeDetectionModel
		results  ResultStore
		reason   string
	}{
		{"detector panic", &fakeDetectionModel{panic: "corrupt tensor in backend"}, nil, "corrupt tensor in backend"},
		{"result store panic", &fakeDetectionModel{pred: pred}, panickingResults{}, "result store exploded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images := newMemImages()
			images.images["smear.png"] = img
			models, err := NewContext(
				detector.New(tt.detector),
				classifier.New(&fakeClassificationModel{}, classifier.Options{}),
			)
			if err != nil {
				t.Fatal(err)
			}
			opts := []Option{WithImageStore(images)}
			if tt.results != nil {
				opts = append(opts, WithResultStore(tt.results))
			}
			notifier := &recordingNotifier{}
			d := NewDispatcher(New(models, opts...), testConfig(50), DispatcherOptions{Notifier: notifier})
			t.Cleanup(d.Close)

			runID, err := d.Submit(Request{ImageRef: "smear.png"})
			if err != nil {
				t.Fatalf("Submit() error: %v", err)
			}
			state := waitFor(t, d, runID)
			if state.Status != RunFailed {
				t.Errorf("Status = %s, want %s", state.Status, RunFailed)
			}
			if state.Record == nil || !strings.Contains(state.Record.FailureReason, tt.reason) {
				t.Errorf("record = %+v, want reason containing %q", state.Record, tt.reason)
			}
			got := notifier.completions()
			if len(got) != 1 || got[0].Status != RunFailed {
				t.Errorf("completions = %+v", got)
			}
		})
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	det := &gatedDetector{started: make(chan struct{}, 4), gate: make(chan struct{})}
	models, err := NewContext(det, classifier.New(&fakeClassificationModel{}, classifier.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	images := newMemImages()
	images.images["smear.png"] = image.NewNRGBA(image.Rect(0, 0, 20, 20))
	d := NewDispatcher(New(models, WithImageStore(images)), testConfig(50), DispatcherOptions{Workers: 1, QueueSize: 1})
	defer d.Close()

	first, err := d.Submit(Request{ImageRef: "smear.png"})
	if err != nil {
		t.Fatalf("first Submit() error: %v", err)
	}
	<-det.started

	state, err := d.Status(first)
	if err != nil || state.Status != RunRunning {
		t.Errorf("first run = %s, %v; want running", state.Status, err)
	}

	second, err := d.Submit(Request{ImageRef: "smear.png"})
	if err != nil {
		t.Fatalf("second Submit() error: %v", err)
	}
	if state, _ := d.Status(second); state.Status != RunQueued {
		t.Errorf("second run = %s, want queued", state.Status)
	}

	if _, err := d.Submit(Request{ImageRef: "smear.png"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third Submit() error = %v, want ErrQueueFull", err)
	}

	close(det.gate)
	waitFor(t, d, first)
	waitFor(t, d, second)
}

func TestDispatcher_Errors(t *testing.T) {
	d, _ := newSmearDispatcher(t, DispatcherOptions{})

	if _, err := d.Status("unknown"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Status(unknown) error = %v, want ErrRunNotFound", err)
	}
	if _, err := d.Wait(context.Background(), "unknown"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Wait(unknown) error = %v, want ErrRunNotFound", err)
	}
	if _, err := d.Submit(Request{}); err == nil {
		t.Error("Submit() without image expected error")
	}

	runID, err := d.Submit(Request{RunID: "fixed", ImageRef: "smear.png"})
	if err != nil || runID != "fixed" {
		t.Fatalf("Submit() = %q, %v", runID, err)
	}
	if _, err := d.Submit(Request{RunID: "fixed", ImageRef: "smear.png"}); err == nil {
		t.Error("duplicate run id expected error")
	}
	waitFor(t, d, runID)

	d.Close()
	d.Close()
	if _, err := d.Submit(Request{ImageRef: "smear.png"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrDispatcherClosed", err)
	}
}

func TestDispatcher_EvictsOldRuns(t *testing.T) {
	d, _ := newSmearDispatcher(t, DispatcherOptions{MaxTracked: 1})

	first, _ := d.Submit(Request{ImageRef: "missing.png"})
	waitFor(t, d, first)
	second, _ := d.Submit(Request{ImageRef: "missing.png"})
	waitFor(t, d, second)

	if _, err := d.Status(first); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Status(first) error = %v, want eviction", err)
	}
	if _, err := d.Status(second); err != nil {
		t.Errorf("Status(second) error: %v", err)
	}
}

func TestMultiNotifier(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	failing := NotifierFunc(func(ctx context.Context, c Completion) error {
		return errors.New("webhook down")
	})

	n := MultiNotifier(a, nil, failing, b, LogNotifier{})
	err := n.Notify(context.Background(), Completion{Event: CompletionEvent, RunID: "r"})
	if err == nil {
		t.Error("expected the failing notifier's error")
	}
	if len(a.completions()) != 1 || len(b.completions()) != 1 {
		t.Error("every notifier should be called")
	}
}
