// Package agent wires the runner's components together and owns the
// process lifetime: poll until cancelled, then drain in-flight lifecycles.
package agent

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ngenohkevin/schedules-runner/config"
	"github.com/ngenohkevin/schedules-runner/internal/api"
	"github.com/ngenohkevin/schedules-runner/internal/dispatch"
	"github.com/ngenohkevin/schedules-runner/internal/journal"
	"github.com/ngenohkevin/schedules-runner/internal/poller"
	"github.com/ngenohkevin/schedules-runner/internal/process"
	"github.com/ngenohkevin/schedules-runner/internal/runner"
	"github.com/ngenohkevin/schedules-runner/internal/server"
	"github.com/ngenohkevin/schedules-runner/internal/system"
	"github.com/ngenohkevin/schedules-runner/internal/systemd"
	"github.com/ngenohkevin/schedules-runner/internal/tracker"
)

// Option customises an Agent
type Option func(*Agent)

// WithRunner replaces the process runner
func WithRunner(r runner.Runner) Option {
	return func(a *Agent) { a.runner = r }
}

// WithVersion sets the version reported by the status API
func WithVersion(v string) Option {
	return func(a *Agent) { a.version = v }
}

// Agent is a configured runner instance
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	runner     runner.Runner
	client     *api.Client
	tracker    *tracker.Tracker
	journal    *journal.Journal
	hub        *server.Hub
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller
	server     *server.Server
	notifier   *systemd.Notifier
}

// New builds an agent from cfg. It opens the journal when one is configured.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		version: "dev",
		runner:  runner.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.client = api.NewClient(cfg.Server, cfg.Token, logger)
	a.tracker = tracker.New(tracker.DefaultRetention)
	a.hub = server.NewHub()
	a.notifier = systemd.NewNotifier(logger)

	observers := []dispatch.Observer{a.tracker, a.hub, dispatch.ObserverFunc(a.logTransition)}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, logger)
		if err != nil {
			a.tracker.Close()
			return nil, err
		}
		a.journal = j
		observers = append(observers, j)
	}

	a.dispatcher = dispatch.New(a.client, a.runner, dispatch.Config{
		LogsRoot:       cfg.Logs,
		Interpreter:    cfg.Interpreter,
		MaxConcurrency: cfg.MaxConcurrency,
		ReportExit:     cfg.ReportExit,
	}, logger, observers...)

	a.poller = poller.New(a.client, a.dispatcher, poller.Config{
		Interval: cfg.PollInterval,
		Strict:   cfg.StrictFetch(),
		OnTick:   a.notifier.Watchdog,
	}, logger)

	if cfg.StatusAddr != "" {
		src := server.Sources{
			Lifecycles: a.tracker,
			Processes:  process.NewInspector(),
			Host:       system.NewCollector(cfg.Logs),
			Events:     a.hub,
		}
		if a.journal != nil {
			src.Journal = a.journal
		}
		a.server = server.New(server.Options{
			Addr:    cfg.StatusAddr,
			Token:   cfg.Token,
			Debug:   cfg.LogLevel == "debug",
			Version: a.version,
		}, src, logger)
	}

	return a, nil
}

// Run polls until ctx is cancelled or a strict fetch fails, then waits up to
// the shutdown grace for in-flight lifecycles. Children still running after
// the grace are left alone.
func (a *Agent) Run(ctx context.Context) error {
	drained := true
	defer func() { a.close(drained) }()

	if wd := a.notifier.WatchdogInterval(); wd > 0 && wd <= a.cfg.PollInterval {
		a.logger.Warn("watchdog timeout is not above the poll interval", "watchdog", wd, "poll_interval", a.cfg.PollInterval)
	}

	a.logger.Info("schedules runner starting",
		"server", a.cfg.Server,
		"logs", a.cfg.Logs,
		"poll_interval", a.cfg.PollInterval,
		"fetch_mode", a.cfg.FetchMode,
		"max_concurrency", a.cfg.MaxConcurrency,
		"report_exit", a.cfg.ReportExit,
		"status_addr", a.cfg.StatusAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.poller.Run(gctx)
	})
	if a.server != nil {
		g.Go(func() error {
			return a.server.Run(gctx)
		})
	}

	a.notifier.Ready()
	a.notifier.Status("polling %s", a.cfg.Server)

	// Poller and server only return on cancellation or failure; either way
	// the other must stop too.
	runErr := g.Wait()

	a.notifier.Stopping()
	drained = a.drain()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// drain reports whether every lifecycle finished within the grace
func (a *Agent) drain() bool {
	inflight := a.tracker.InFlight()
	if inflight > 0 {
		a.logger.Info("waiting for in-flight executions", "count", inflight, "grace", a.cfg.ShutdownGrace)
		a.notifier.Status("draining %d executions", inflight)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := a.dispatcher.Wait(ctx); err != nil {
		a.logger.Warn("shutdown grace expired, leaving executions running", "count", a.tracker.InFlight())
		return false
	}
	return true
}

// close releases the tracker and journal. Lifecycles left running past the
// grace still record into the journal, so it stays open for them.
func (a *Agent) close(drained bool) {
	a.tracker.Close()
	if a.journal != nil {
		if !drained {
			a.logger.Info("journal left open for running executions")
			return
		}
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("closing journal", "error", err)
		}
	}
}

func (a *Agent) logTransition(lc dispatch.Lifecycle) {
	a.logger.Debug("lifecycle transition",
		"exec_id", lc.ExecID,
		"dispatch_id", lc.DispatchID,
		"state", lc.State,
		"final", lc.Final,
	)
}

// Tracker exposes the lifecycle registry
func (a *Agent) Tracker() *tracker.Tracker {
	return a.tracker
}
