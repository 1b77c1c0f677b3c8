// Package poller asks the scheduler server for due executions on a fixed
// interval and hands each one to the dispatcher.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ngenohkevin/schedules-runner/internal/api"
)

// ErrFetch wraps a failed fetch in strict mode
var ErrFetch = errors.New("fetch due executions")

// Fetcher returns the executions that are due now
type Fetcher interface {
	FetchDueExecutions(ctx context.Context) ([]api.Execution, error)
}

// Dispatcher starts a lifecycle without blocking
type Dispatcher interface {
	Dispatch(ctx context.Context, exec api.Execution) string
}

// Ticker is the tick source of the poll loop
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Config holds poller settings
type Config struct {
	Interval time.Duration
	// Strict ends Run on the first failed fetch
	Strict bool
	// OnTick is called after every poll attempt, failed fetches included,
	// as a liveness signal for the loop
	OnTick func()
}

// Poller runs the fetch loop
type Poller struct {
	fetcher    Fetcher
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
	newTicker  func(time.Duration) Ticker
}

// New creates a poller
func New(fetcher Fetcher, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Poller{
		fetcher:    fetcher,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "poller"),
		newTicker: func(d time.Duration) Ticker {
			return timeTicker{t: time.NewTicker(d)}
		},
	}
}

// Run fetches immediately and then once per interval until ctx is cancelled.
// It returns nil on cancellation and a wrapped ErrFetch when a fetch fails in
// strict mode.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.newTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("polling for due executions", "interval", p.cfg.Interval, "strict", p.cfg.Strict)

	if err := p.step(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C():
			if err := p.step(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *Poller) step(ctx context.Context) error {
	_, err := p.Tick(ctx)
	if p.cfg.OnTick != nil {
		p.cfg.OnTick()
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// Cancellation mid-request is not a fetch failure.
		return nil
	}
	if p.cfg.Strict {
		return err
	}
	p.logger.Warn("fetch failed, retrying on next tick", "error", err)
	return nil
}

// Tick performs one fetch and dispatches every returned execution. It returns
// the number of executions dispatched.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	execs, err := p.fetcher.FetchDueExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	if len(execs) == 0 {
		p.logger.Debug("no due executions")
		return 0, nil
	}

	p.logger.Info("due executions received", "count", len(execs))
	for _, exec := range execs {
		id := p.dispatcher.Dispatch(ctx, exec)
		p.logger.Debug("execution dispatched", "exec_id", exec.ID, "task_id", exec.Task.ID, "dispatch_id", id)
	}
	return len(execs), nil
}
