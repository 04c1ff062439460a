package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/porter/config"
	"github.com/fieldline/porter/engine"
	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/logger"
	"github.com/fieldline/porter/ratelimit"
	"github.com/fieldline/porter/retry"
	"github.com/fieldline/porter/source"
	"github.com/fieldline/porter/target"
)

// EngineCmd is the parent command for engine operations
var EngineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the migration engine",
	Long: `The engine polls the state database for queued runs and executes them
one at a time. Runs survive restarts: a run interrupted mid-flight is
requeued on startup and resumes from its persisted cursors.

Examples:
  porter engine start               # Run in foreground until interrupted
  porter engine start --once        # Execute at most one queued run, then exit`,
}

var engineStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the migration engine",
	Long: `Start the engine loop. The engine claims queued runs, executes them,
and records progress, ID mappings, and record errors in the state database.

While running, porter.toml is watched for changes; rate limits and engine
knobs apply on the next batch without a restart.`,
	RunE: runEngineStart,
}

var engineOnce bool

func init() {
	engineStartCmd.Flags().BoolVar(&engineOnce, "once", false, "Execute at most one queued run, then exit")
	EngineCmd.AddCommand(engineStartCmd)
}

// stack bundles the fully wired engine and the handles the CLI needs to
// manage its lifecycle.
type stack struct {
	db            *sql.DB
	cfg           *config.Config
	stores        *engine.Stores
	orchestrator  *engine.Orchestrator
	sourceLimiter *ratelimit.Limiter
	targetLimiter *ratelimit.Limiter
}

func (s *stack) Close() {
	s.db.Close()
}

// buildStack wires the external-system clients, stores, and orchestrator
// from configuration. Shared by engine start and the error sweep.
func buildStack() (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase()
	if err != nil {
		return nil, err
	}

	sourceLimiter := ratelimit.NewLimiter(cfg.Source.RatePerSecond, cfg.Source.Burst)
	targetLimiter := ratelimit.NewLimiter(cfg.Target.RatePerSecond, cfg.Target.Burst)

	stores := engine.NewStores(database)
	src := source.NewClient(cfg.Source, sourceLimiter)

	loadPolicy := retry.NewPolicy(
		cfg.Engine.RetryMaxAttempts,
		time.Duration(cfg.Engine.RetryBaseDelayMS)*time.Millisecond,
		retry.ParseStrategy(cfg.Engine.RetryStrategy),
	)
	api := target.NewAPI(cfg.Target, targetLimiter)
	loader := target.NewLoader(api, stores.Mappings, cfg.Target.MaxBatchSize, loadPolicy)

	registry, err := buildRegistry()
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to build migration registry")
	}

	return &stack{
		db:            database,
		cfg:           cfg,
		stores:        stores,
		orchestrator:  engine.NewOrchestrator(cfg.Engine, registry, stores, src, loader),
		sourceLimiter: sourceLimiter,
		targetLimiter: targetLimiter,
	}, nil
}

func runEngineStart(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if engineOnce {
		s.orchestrator.RunOnce(ctx)
		return nil
	}

	if err := s.orchestrator.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start engine")
	}

	fmt.Printf("Porter engine started (poll interval: %ds)\n", pollInterval(s.cfg))
	fmt.Println("Press Ctrl+C to stop")

	if watcher := startConfigWatcher(s); watcher != nil {
		defer watcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, stopping engine...\n", sig)
	case <-ctx.Done():
	}

	s.orchestrator.Stop()
	fmt.Println("Engine stopped")
	return nil
}

func pollInterval(cfg *config.Config) int {
	if cfg.Engine.PollIntervalSeconds > 0 {
		return cfg.Engine.PollIntervalSeconds
	}
	return 5
}

// startConfigWatcher wires live reload of rate limits and engine knobs.
// Returns nil when no porter.toml governs the working directory.
func startConfigWatcher(s *stack) *config.Watcher {
	path := config.ProjectConfigPath()
	if path == "" {
		return nil
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable, continuing without live reload",
			"error", err)
		return nil
	}

	watcher.OnReload(func(fresh *config.Config) error {
		s.sourceLimiter.SetRate(fresh.Source.RatePerSecond, fresh.Source.Burst)
		s.targetLimiter.SetRate(fresh.Target.RatePerSecond, fresh.Target.Burst)
		s.orchestrator.SetConfig(fresh.Engine)
		return nil
	})
	watcher.Start()

	logger.Infow("Watching config for changes", "path", path)
	return watcher
}
