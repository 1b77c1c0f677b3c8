package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngenohkevin/schedules-runner/config"
	"github.com/ngenohkevin/schedules-runner/internal/agent"
	"github.com/ngenohkevin/schedules-runner/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type flags struct {
	token          string
	settings       string
	logLevel       string
	logFormat      string
	strictFetch    bool
	maxConcurrency int
	statusAddr     string
	journal        string
	reportExit     bool
	pollInterval   time.Duration
	shutdownGrace  time.Duration
}

// runFunc runs the agent with a validated configuration
type runFunc func(cmd *cobra.Command, cfg *config.Config) error

func newRootCmd(run runFunc) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:     "schedules-runner -t APP_TOKEN",
		Short:   "Run scheduled shell tasks handed out by a schedules server",
		Long:    "schedules-runner polls the schedules server for due executions, marks each one as started and runs its payload with bash.",
		Version: version,
		Args:    cobra.NoArgs,
		// main prints the error once
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			// Configuration is valid; later failures are not usage errors.
			cmd.SilenceUsage = true
			return run(cmd, cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.token, "token", "t", "", "application token presented to the schedules server")
	fl.StringVar(&f.settings, "settings", "", "settings file or base name (default \"settings\")")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fl.StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")
	fl.BoolVar(&f.strictFetch, "strict-fetch", false, "exit when fetching due executions fails")
	fl.IntVar(&f.maxConcurrency, "max-concurrency", 0, "maximum executions running at once (0 = unbounded)")
	fl.StringVar(&f.statusAddr, "status-addr", "", "listen address of the local status API (disabled when empty)")
	fl.StringVar(&f.journal, "journal", "", "path of the SQLite lifecycle journal (disabled when empty)")
	fl.BoolVar(&f.reportExit, "report-exit", false, "report Succeeded/Failed after the script exits")
	fl.DurationVar(&f.pollInterval, "poll-interval", 10*time.Second, "interval between fetches")
	fl.DurationVar(&f.shutdownGrace, "shutdown-grace", 30*time.Second, "how long to wait for running scripts on shutdown")

	_ = cmd.MarkFlagRequired("token")

	return cmd
}

// loadConfig resolves file and environment settings, then applies the flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{Token: f.token, SettingsFile: f.settings})
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("strict-fetch") {
		cfg.FetchMode = config.FetchLenient
		if f.strictFetch {
			cfg.FetchMode = config.FetchStrict
		}
	}
	if changed("max-concurrency") {
		cfg.MaxConcurrency = f.maxConcurrency
	}
	if changed("status-addr") {
		cfg.StatusAddr = f.statusAddr
	}
	if changed("journal") {
		cfg.JournalPath = f.journal
	}
	if changed("report-exit") {
		cfg.ReportExit = f.reportExit
	}
	if changed("poll-interval") {
		cfg.PollInterval = f.pollInterval
	}
	if changed("shutdown-grace") {
		cfg.ShutdownGrace = f.shutdownGrace
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAgent(cmd *cobra.Command, cfg *config.Config) error {
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	if cfg.SettingsFile != "" {
		logger.Info("settings loaded", "file", cfg.SettingsFile)
	}

	a, err := agent.New(cfg, logger, agent.WithVersion(version))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}

func main() {
	if err := newRootCmd(runAgent).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "schedules-runner:", err)
		os.Exit(1)
	}
}
