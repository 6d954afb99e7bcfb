package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"opensase/sase-policy/pkg/audit"
	"opensase/sase-policy/pkg/bus"
	"opensase/sase-policy/pkg/cli"
	"opensase/sase-policy/pkg/config"
	"opensase/sase-policy/pkg/policy/engine"
	"opensase/sase-policy/pkg/policy/manager"
	"opensase/sase-policy/pkg/policy/snapshot"
	"opensase/sase-policy/pkg/policy/source"
	"opensase/sase-policy/pkg/server"
	"opensase/sase-policy/pkg/telemetry"
	"opensase/sase-policy/pkg/telemetry/health"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	rulesPath     string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the policy node",
	Long: `Start the policy node with the specified configuration.

The node loads rules from rules.path (restoring the latest snapshot when
the source is unavailable), optionally watches the path and subscribes to
rule pushes over NATS, and serves the admin API on server.listen_address.
SIGHUP reloads rules from the source; SIGINT and SIGTERM shut down.

Examples:
  # Start with defaults and SASE_* environment variables
  sase-policy run

  # Start with a config file
  sase-policy run --config /etc/sase-policy/config.yaml

  # Override the rule path and listen address
  sase-policy run --rules /etc/sase-policy/rules.d --listen 0.0.0.0:9090

  # Validate config and rules without starting
  sase-policy run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override server.listen_address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&runFlags.rulesPath, "rules", "", "override rules.path")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config and rules without starting")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if runFlags.rulesPath != "" {
		cfg.Rules.Path = runFlags.rulesPath
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError("", err.Error())
	}
	config.SetConfig(cfg)

	out := cmd.OutOrStdout()
	if runFlags.dryRun {
		return dryRun(cmd.Context(), cfg, out)
	}

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	n, err := buildNode(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer n.close()

	printBanner(out, cfg, n)
	if err := n.run(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(out, "✓ Node stopped")
	return nil
}

// node is a fully wired policy node.
type node struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    *slog.Logger
	engine    *engine.Engine
	source    *source.FileSource
	snapshots *snapshot.Store
	storage   audit.Storage
	recorder  *audit.Recorder
	pruner    *audit.Pruner
	manager   *manager.Manager
	checker   *health.Checker
	bus       *bus.Subscriber
	server    *server.Server

	closers []func() error
}

// buildNode wires every component and performs the initial load. Logs go
// to logOut, or stderr when nil.
func buildNode(ctx context.Context, cfg *config.Config, logOut io.Writer) (*node, error) {
	n := &node{cfg: cfg}
	if err := n.wire(ctx, logOut); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) wire(ctx context.Context, logOut io.Writer) error {
	cfg := n.cfg
	var err error
	n.telemetry, err = telemetry.New(&cfg.Telemetry, Version, logOut)
	if err != nil {
		return cli.NewConfigError("telemetry", err.Error())
	}
	n.closers = append(n.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.telemetry.Shutdown(shutdownCtx)
	})
	n.logger = n.telemetry.Logger()
	slog.SetDefault(n.logger)

	engCfg, err := cfg.Engine.EngineOptions()
	if err != nil {
		return cli.NewConfigError("engine", err.Error())
	}
	n.engine, err = engine.New(engCfg, n.logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	opts := manager.Options{
		Engine:    n.engine,
		Tracer:    n.telemetry.Tracer().Tracer(),
		Logger:    n.logger,
		NoRestore: cfg.Snapshot.DisableRestore,
	}

	if cfg.Rules.Path != "" {
		n.source = newFileSource(cfg, n.logger)
		opts.Source = n.source
	}

	if cfg.Snapshot.Path != "" {
		n.snapshots, err = snapshot.Open(snapshot.Config{Path: cfg.Snapshot.Path, Keep: cfg.Snapshot.Keep})
		if err != nil {
			return fmt.Errorf("failed to open snapshot store: %w", err)
		}
		n.closers = append(n.closers, n.snapshots.Close)
		opts.Snapshots = n.snapshots
	}

	if err := n.openAudit(ctx); err != nil {
		return err
	}
	opts.Auditor = n.recorder

	if m := n.telemetry.Metrics(); m != nil {
		if err := m.RegisterEngine(n.engine); err != nil {
			return fmt.Errorf("failed to register engine metrics: %w", err)
		}
		if err := m.RegisterAudit(n.recorder); err != nil {
			return fmt.Errorf("failed to register audit metrics: %w", err)
		}
		opts.Observer = m
	}

	if n.manager, err = manager.New(opts); err != nil {
		return err
	}
	n.closers = append(n.closers, n.manager.Close)

	if err := n.manager.Start(ctx); err != nil {
		return cli.NewCommandError("run", fmt.Errorf("initial rule load failed: %w", err))
	}

	n.checker = health.New(2 * time.Second)
	n.checker.RegisterCheck("rules", health.RulesCheck(n.manager))
	if n.source != nil && cfg.Rules.Watch {
		n.checker.RegisterOptional("watch", health.WatchCheck(n.manager))
	}

	if cfg.Bus.Enabled {
		n.bus = bus.NewSubscriber(bus.Config{
			URL:          cfg.Bus.URL,
			Subject:      cfg.Bus.Subject,
			Queue:        cfg.Bus.Queue,
			ApplyTimeout: cfg.Bus.ApplyTimeout,
		}, n.manager, n.logger)
		if err := n.bus.Start(); err != nil {
			return fmt.Errorf("failed to start rule subscriber: %w", err)
		}
		n.closers = append(n.closers, n.bus.Close)
		n.checker.RegisterOptional("bus", n.bus.Check)
	}

	n.server, err = server.New(&cfg.Server, &cfg.Telemetry.Metrics, server.Deps{
		Manager: n.manager,
		Audit:   n.storage,
		Metrics: n.telemetry.Metrics(),
		Health:  n.checker,
		Version: health.VersionInfo{
			Version:   Version,
			Commit:    GitCommit,
			BuildTime: BuildDate,
			GoVersion: runtime.Version(),
		},
	}, n.logger)
	if err != nil {
		return err
	}
	if check := n.server.CertificateCheck(); check != nil {
		n.checker.RegisterOptional("tls", check)
	}
	return nil
}

func newFileSource(cfg *config.Config, logger *slog.Logger) *source.FileSource {
	wcfg := source.DefaultWatcherConfig()
	wcfg.Debounce = cfg.Rules.Debounce
	src := source.NewFileSource(cfg.Rules.Path, logger).WithWatcherConfig(wcfg)
	src.SkipInvalid = cfg.Rules.SkipInvalid
	return src
}

// openAudit opens the audit store, the async recorder and the retention
// scheduler.
func (n *node) openAudit(ctx context.Context) error {
	cfg := n.cfg.Audit
	if cfg.Path != "" {
		s, err := audit.NewSQLiteStorage(audit.SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		n.storage = s
	} else {
		n.storage = audit.NewMemoryStorage()
	}
	n.closers = append(n.closers, n.storage.Close)

	n.recorder = audit.NewRecorder(n.storage, audit.RecorderConfig{Buffer: cfg.Buffer}, n.logger)
	n.closers = append(n.closers, n.recorder.Close)

	if cfg.RetentionDays > 0 && cfg.PruneSchedule != "" {
		n.pruner = audit.NewPruner(n.storage, audit.RetentionConfig{
			RetentionDays: cfg.RetentionDays,
			Schedule:      cfg.PruneSchedule,
		})
		sched := n.pruner.Scheduler()
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start audit retention: %w", err)
		}
		n.closers = append(n.closers, func() error { sched.Stop(); return nil })
		if next := sched.NextRun(); next != nil {
			n.logger.Debug("audit retention scheduled", "next_run", next)
		}
	}
	return nil
}

// run serves until ctx is done. Source watching and SIGHUP reloads run
// alongside the admin server.
func (n *node) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if n.source != nil && n.cfg.Rules.Watch {
		go func() {
			if err := n.manager.Watch(ctx); err != nil && !errors.Is(err, manager.ErrClosed) {
				n.logger.Error("rule watch stopped", "error", err)
			}
		}()
	}
	if n.source != nil {
		go func() {
			for range cli.ReloadSignals(ctx) {
				n.logger.Info("reload requested by signal")
				// Failures are logged and audited by the manager.
				_, _ = n.manager.Reload(ctx)
			}
		}()
	}

	return n.server.Serve(ctx)
}

// close releases components in reverse order of creation.
func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && n.logger != nil {
			n.logger.Warn("shutdown error", "error", err)
		}
	}
	n.closers = nil
}

// dryRun checks that the engine configuration is valid and that the rule
// source loads and would be accepted.
func dryRun(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	engCfg, err := cfg.Engine.EngineOptions()
	if err != nil {
		return cli.NewConfigError("engine", err.Error())
	}
	fmt.Fprintln(out, "✓ Configuration valid")

	if cfg.Rules.Path == "" {
		fmt.Fprintln(out, "✓ No rule source configured")
		return nil
	}
	eng, err := loadEngine(ctx, engCfg, cfg.Rules.Path)
	if err != nil {
		return cli.NewCommandError("run", err).WithCode(cli.ExitInvalid)
	}
	fmt.Fprintf(out, "✓ Rules valid (%d rules from %s)\n", len(eng.Snapshot().Rules), cfg.Rules.Path)
	return nil
}

func printBanner(out io.Writer, cfg *config.Config, n *node) {
	st := n.manager.Status()
	fmt.Fprintf(out, "sase-policy v%s\n", Version)
	if cfgFile != "" {
		fmt.Fprintf(out, "Loading configuration from: %s\n", cfgFile)
	}
	if st.Ready() {
		fmt.Fprintf(out, "✓ Rules loaded (%d rules, version %d, origin %s)\n", st.RuleCount, st.Version, st.Origin)
	} else {
		fmt.Fprintf(out, "✓ No rules yet, answering %s\n", n.engine.DefaultDecision().Action)
	}
	if cfg.Rules.Watch && n.source != nil {
		fmt.Fprintf(out, "✓ Watching %s\n", cfg.Rules.Path)
	}
	if n.bus != nil {
		fmt.Fprintf(out, "✓ Subscribed to %s on %s\n", cfg.Bus.Subject, cfg.Bus.URL)
	}
	fmt.Fprintf(out, "✓ Admin API on http://%s\n", cfg.Server.ListenAddress)
	if !cfg.Telemetry.Metrics.Disabled {
		fmt.Fprintf(out, "✓ Metrics endpoint: http://%s%s\n", cfg.Server.ListenAddress, cfg.Telemetry.Metrics.Path)
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")
}
