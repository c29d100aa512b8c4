package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Workers is the number of runs processed at once. Defaults to 1.
	Workers int

	// QueueSize bounds runs waiting for a worker. Defaults to 16.
	QueueSize int

	// MaxTracked bounds finished runs kept for Status. Defaults to 256.
	MaxTracked int

	// Notifier receives a Completion for every run. Optional.
	Notifier Notifier

	// NotifyTimeout bounds each Notify call. Defaults to 10s.
	NotifyTimeout time.Duration

	Logger *slog.Logger
}

// RunState is what Status reports about a dispatched run.
type RunState struct {
	RunID     string     `json:"run_id"`
	SubjectID string     `json:"subject_id,omitempty"`
	Status    RunStatus  `json:"status"`
	Record    *RunRecord `json:"record,omitempty"`
}

type trackedRun struct {
	state RunState
	done  chan struct{}
}

type job struct {
	req Request
	run *trackedRun
}

// Dispatcher queues runs and executes them on a fixed pool of workers.
type Dispatcher struct {
	pipeline *Pipeline
	cfg      Config
	opts     DispatcherOptions
	logger   *slog.Logger

	queue chan job
	wg    sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	runs     map[string]*trackedRun
	finished []string
}

// NewDispatcher starts the workers. Call Close to stop them.
func NewDispatcher(p *Pipeline, cfg Config, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.MaxTracked <= 0 {
		opts.MaxTracked = 256
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		pipeline: p,
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		queue:    make(chan job, opts.QueueSize),
		runs:     make(map[string]*trackedRun),
	}
	d.startWorkers()
	return d
}

func (d *Dispatcher) startWorkers() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.queue {
				d.execute(j)
			}
		}()
	}
}

// Submit queues req and returns its run id without waiting.
//
// It returns ErrQueueFull when the queue has no free slot and
// ErrDispatcherClosed after Close.
func (d *Dispatcher) Submit(req Request) (string, error) {
	if req.ImageRef == "" {
		return "", fmt.Errorf("image reference is required")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrDispatcherClosed
	}
	if _, exists := d.runs[req.RunID]; exists {
		return "", fmt.Errorf("run %s already exists", req.RunID)
	}

	run := &trackedRun{
		state: RunState{RunID: req.RunID, SubjectID: req.SubjectID, Status: RunQueued},
		done:  make(chan struct{}),
	}

	select {
	case d.queue <- job{req: req, run: run}:
		d.runs[req.RunID] = run
	default:
		return "", ErrQueueFull
	}

	d.logger.Info("run queued", "run_id", req.RunID, "image", req.ImageRef)
	return req.RunID, nil
}

// Status returns a snapshot of a run's state.
func (d *Dispatcher) Status(runID string) (RunState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	run, ok := d.runs[runID]
	if !ok {
		return RunState{}, ErrRunNotFound
	}
	return run.state, nil
}

// Wait blocks until the run finishes or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, runID string) (RunState, error) {
	d.mu.Lock()
	run, ok := d.runs[runID]
	d.mu.Unlock()
	if !ok {
		return RunState{}, ErrRunNotFound
	}

	select {
	case <-run.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return run.state, nil
	case <-ctx.Done():
		return RunState{}, ctx.Err()
	}
}

// Close stops accepting runs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) execute(j job) {
	d.setStatus(j.run, RunRunning, nil)

	rec := d.runJob(j.req)

	d.finish(j.run, rec)
	d.notify(rec)
	close(j.run.done)
}

// runJob executes req and always returns a finished record. A panic outside the
// run itself, for example in a result store, fails the run.
func (d *Dispatcher) runJob(req Request) (rec *RunRecord) {
	defer func() {
		if r := recover(); r != nil {
			if rec == nil {
				rec = newRecord(req, d.cfg)
			}
			d.pipeline.markFailed(rec, fmt.Errorf("panic during run: %v", r))
		}
	}()

	rec, err := d.pipeline.Execute(context.Background(), req, d.cfg)
	if err != nil {
		d.logger.Warn("run ended with error", "run_id", req.RunID, "error", TruncateReason(err))
	}
	return rec
}

func (d *Dispatcher) setStatus(run *trackedRun, status RunStatus, rec *RunRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run.state.Status = status
	if rec != nil {
		run.state.Record = rec
	}
}

// finish records the final state and drops the oldest finished runs beyond
// MaxTracked.
func (d *Dispatcher) finish(run *trackedRun, rec *RunRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	run.state.Status = rec.Status
	run.state.Record = rec

	d.finished = append(d.finished, run.state.RunID)
	for len(d.finished) > d.opts.MaxTracked {
		delete(d.runs, d.finished[0])
		d.finished = d.finished[1:]
	}
}

func (d *Dispatcher) notify(rec *RunRecord) {
	if d.opts.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.NotifyTimeout)
	defer cancel()

	if err := d.opts.Notifier.Notify(ctx, NewCompletion(rec)); err != nil {
		d.logger.Warn("failed to deliver completion", "run_id", rec.RunID, "error", TruncateReason(err))
	}
}
