// Package dispatch runs the per-execution lifecycle: report "Started",
// materialize the payload, spawn it and wait for it to exit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ngenohkevin/schedules-runner/internal/api"
	"github.com/ngenohkevin/schedules-runner/internal/runner"
	"github.com/ngenohkevin/schedules-runner/internal/script"
)

// StatusReporter pushes a status report and reduces the outcome to a bool
type StatusReporter interface {
	ReportStatus(ctx context.Context, execID string, status api.ExecutionStatus) bool
}

// ErrNotAdmitted is recorded on lifecycles abandoned while waiting for a slot
var ErrNotAdmitted = errors.New("not admitted")

// Config controls lifecycle behaviour
type Config struct {
	// LogsRoot is the directory holding tasks/<task>/execs/<exec>/
	LogsRoot    string
	Interpreter string
	// MaxConcurrency caps running lifecycles; 0 means unbounded
	MaxConcurrency int
	// ReportExit sends Succeeded/Failed after the child exits
	ReportExit bool
}

// Dispatcher fans executions out to independent lifecycle goroutines. Its
// only shared state is read-only after New.
type Dispatcher struct {
	reporter  StatusReporter
	runner    runner.Runner
	cfg       Config
	sem       *semaphore.Weighted
	observers []Observer
	logger    *slog.Logger
	wg        sync.WaitGroup
	now       func() time.Time
}

// New creates a dispatcher
func New(reporter StatusReporter, run runner.Runner, cfg Config, logger *slog.Logger, observers ...Observer) *Dispatcher {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "bash"
	}
	// The child runs in the agent's working directory, so the script path
	// it is handed must not depend on it.
	if abs, err := filepath.Abs(cfg.LogsRoot); err == nil {
		cfg.LogsRoot = abs
	}

	d := &Dispatcher{
		reporter:  reporter,
		runner:    run,
		cfg:       cfg,
		observers: observers,
		logger:    logger.With("component", "dispatcher"),
		now:       time.Now,
	}
	if cfg.MaxConcurrency > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return d
}

// Dispatch starts the lifecycle of exec in its own goroutine and returns its
// dispatch id without waiting. The same execution may be dispatched more than
// once; each dispatch gets its own id.
//
// ctx only gates admission when MaxConcurrency is set. Once admitted, a
// lifecycle runs to completion even if ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, exec api.Execution) string {
	now := d.now()
	lc := &Lifecycle{
		DispatchID:   uuid.NewString(),
		ExecID:       exec.ID,
		TaskID:       exec.Task.ID,
		TaskName:     exec.Task.Name,
		State:        StateFetched,
		DispatchedAt: now,
		UpdatedAt:    now,
	}
	d.publish(lc)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(ctx, exec, lc)
	}()

	return lc.DispatchID
}

// Wait blocks until every dispatched lifecycle has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) execute(ctx context.Context, exec api.Execution, lc *Lifecycle) {
	logger := d.logger.With("exec_id", exec.ID, "task_id", exec.Task.ID, "dispatch_id", lc.DispatchID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("lifecycle panic", "panic", r)
			d.fail(context.Background(), logger, lc, fmt.Errorf("panic: %v", r))
		}
	}()

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			logger.Warn("execution not admitted, giving up", "error", err)
			lc.Error = fmt.Errorf("%w: %v", ErrNotAdmitted, err).Error()
			d.transition(lc, StateAbandoned)
			return
		}
		defer d.sem.Release(1)
	}

	// Past admission the lifecycle is not cancellable.
	ctx = context.WithoutCancel(ctx)

	if !d.reporter.ReportStatus(ctx, exec.ID, api.NewStatus(exec.ID, api.StatusStarted)) {
		logger.Warn("cannot mark execution as started, giving up execution")
		d.transition(lc, StateAbandoned)
		return
	}
	d.transition(lc, StateStartReported)

	dir, err := script.ExecDir(d.cfg.LogsRoot, exec.Task.ID, exec.ID)
	if err != nil {
		d.fail(ctx, logger, lc, err)
		return
	}
	path, err := script.Materialize(dir, exec.Task.Payload)
	if err != nil {
		d.fail(ctx, logger, lc, err)
		return
	}
	lc.ScriptPath = path
	d.transition(lc, StateMaterialized)
	logger.Info("running execution",
		"task_name", exec.Task.Name,
		"script", path,
		"payload", humanize.Bytes(uint64(len(exec.Task.Payload))),
		"scheduled", humanize.Time(exec.StartTime.Time),
	)

	status, err := d.runner.Run(ctx, runner.Spec{
		Interpreter: d.cfg.Interpreter,
		Script:      path,
		OnStart: func(pid int) {
			lc.PID = pid
			d.transition(lc, StateSpawned)
		},
	})
	if err != nil {
		d.fail(ctx, logger, lc, err)
		return
	}
	if lc.State != StateSpawned {
		// Runners that never announce a PID still pass through Spawned.
		d.transition(lc, StateSpawned)
	}

	code := status.Code
	lc.ExitCode = &code
	d.transition(lc, StateExited)
	logger.Info("execution exited", "exit_code", code, "duration", status.Duration.Round(time.Millisecond))

	if d.cfg.ReportExit {
		value := api.StatusSucceeded
		if !status.Success() {
			value = api.StatusFailed
		}
		d.reportTerminal(ctx, logger, lc, value)
	}
}

// fail ends the lifecycle after a local error without touching other lifecycles.
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, lc *Lifecycle, err error) {
	if lc.State.Terminal(d.cfg.ReportExit) || lc.State == StateFailed {
		return
	}
	logger.Error("execution failed", "state", lc.State, "error", err)
	lc.Error = err.Error()
	switch {
	case CanTransition(lc.State, StateFailed):
	case CanTransition(lc.State, StateAbandoned):
		// Failing before Started was acknowledged means nothing ran.
		d.transition(lc, StateAbandoned)
		return
	default:
		// The child already exited; keep its state and close the lifecycle.
		lc.Final = true
		d.publish(lc)
		return
	}
	d.transition(lc, StateFailed)

	if d.cfg.ReportExit {
		d.reportTerminal(ctx, logger, lc, api.StatusFailed)
	}
}

func (d *Dispatcher) reportTerminal(ctx context.Context, logger *slog.Logger, lc *Lifecycle, value api.StatusValue) {
	if !d.reporter.ReportStatus(ctx, lc.ExecID, api.NewStatus(lc.ExecID, value)) {
		logger.Warn("terminal status not accepted", "status", value)
		lc.Final = true
		d.publish(lc)
		return
	}
	d.transition(lc, StateReported)
}

func (d *Dispatcher) transition(lc *Lifecycle, to State) {
	if !CanTransition(lc.State, to) {
		d.logger.Error("illegal lifecycle transition", "exec_id", lc.ExecID, "from", lc.State, "to", to)
		return
	}
	lc.State = to
	lc.UpdatedAt = d.now()
	lc.Final = to.Terminal(d.cfg.ReportExit)
	d.publish(lc)
}

func (d *Dispatcher) publish(lc *Lifecycle) {
	snapshot := *lc
	for _, o := range d.observers {
		o.Observe(snapshot)
	}
}
