package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldline/porter/config"
	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/logger"
	"github.com/fieldline/porter/source"
	"github.com/fieldline/porter/state"
	"github.com/fieldline/porter/target"
)

// Orchestrator owns the run lifecycle: it polls for queued runs on a fixed
// ticker, claims them one at a time, and executes each to completion before
// looking at the queue again. A single goroutine does all of this, which is
// what preserves strict cursor ordering within a run.
type Orchestrator struct {
	cfg      config.EngineConfig
	registry *Registry
	stores   *Stores
	source   *source.Client
	loader   *target.Loader

	mu          sync.Mutex
	activeRunID string
	activeStop  *atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator builds the orchestrator. All collaborators are injected;
// nothing here is a process-wide singleton.
func NewOrchestrator(cfg config.EngineConfig, registry *Registry, stores *Stores, src *source.Client, loader *target.Loader) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		stores:   stores,
		source:   src,
		loader:   loader,
	}
}

// Start recovers stranded runs and launches the polling loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	requeued, err := o.stores.Runs.RequeueStranded()
	if err != nil {
		return errors.Wrap(err, "stranded-run recovery failed")
	}
	if requeued > 0 {
		logger.Warnw("requeued runs stranded by previous shutdown", logger.FieldCount, requeued)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})

	interval := time.Duration(o.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go o.pollLoop(pollCtx, interval)
	logger.Infow("orchestrator started", "poll_interval", interval.String())
	return nil
}

// Stop halts the polling loop and waits for any executing run to finish its
// cooperative shutdown.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()

	o.mu.Lock()
	if o.activeStop != nil {
		o.activeStop.Store(true)
	}
	o.mu.Unlock()

	<-o.done
	logger.Infow("orchestrator stopped")
}

func (o *Orchestrator) pollLoop(ctx context.Context, interval time.Duration) {
	defer close(o.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunOnce(ctx)
		}
	}
}

// RunOnce claims and executes at most one queued run: the oldest. The poll
// loop calls it every tick; one-shot invocations can call it directly. A
// claim lost to another engine instance is silently skipped.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	next, err := o.stores.Runs.NextQueued()
	if err != nil {
		logger.Errorw("failed to poll for queued runs", logger.FieldError, err.Error())
		return
	}
	if next == nil {
		return
	}

	run, err := o.stores.Runs.Claim(next.ID)
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return
		}
		logger.Errorw("failed to claim run", logger.FieldRunID, next.ID, logger.FieldError, err.Error())
		return
	}

	o.execute(ctx, run)
}

// execute runs one claimed run to a terminal state. Nothing escapes this
// boundary: any error, including a panic inside a migration, lands in the
// run's notes, and the polling loop stays alive for the next queued run.
func (o *Orchestrator) execute(ctx context.Context, run *state.Run) {
	log := logger.Logger.With(logger.FieldRunID, run.ID, "migration_kind", run.MigrationKind)

	// resolve before any I/O: an unknown kind is a configuration bug
	migration, err := o.registry.Resolve(run.MigrationKind)
	if err != nil {
		log.Errorw("unknown migration kind", logger.FieldError, err.Error())
		o.finishRun(run, err)
		return
	}

	stop := &atomic.Bool{}
	o.mu.Lock()
	o.activeRunID = run.ID
	o.activeStop = stop
	cfg := o.cfg // snapshot under the lock; live reload swaps it concurrently
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.activeRunID = ""
		o.activeStop = nil
		o.mu.Unlock()
	}()

	o.appendAudit(run.ID, state.AuditActionRunStarted, "", 0)
	log.Infow("run started")

	rc := &RunContext{
		Run:    run,
		Config: cfg,
		Source: o.source,
		Loader: o.loader,
		Stores: o.stores,
		stop:   stop,
	}

	err = o.runMigration(ctx, migration, rc)
	o.finishRun(run, err)

	switch {
	case err == nil:
		log.Infow("run completed")
	case errors.Is(err, errors.ErrRunStopped):
		log.Infow("run stopped by operator")
	default:
		log.Errorw("run failed", logger.FieldError, err.Error())
	}
}

// runMigration isolates migration panics into ordinary errors
func (o *Orchestrator) runMigration(ctx context.Context, migration Migration, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("migration panicked: %v", r)
		}
	}()
	return migration.Run(ctx, rc)
}

// finishRun moves the run to its terminal (or paused) state exactly once
func (o *Orchestrator) finishRun(run *state.Run, err error) {
	switch {
	case err == nil:
		run.Complete()
		o.appendAudit(run.ID, state.AuditActionRunCompleted, "", 0)
	case errors.Is(err, errors.ErrRunStopped):
		// cursor is persisted; the run can be requeued and resumed
		run.Pause("stopped by operator")
		o.appendAudit(run.ID, state.AuditActionRunPaused, "", 0)
	default:
		run.Fail(err)
		o.appendAudit(run.ID, state.AuditActionRunFailed, "", 0)
	}

	if uerr := o.stores.Runs.Update(run); uerr != nil {
		logger.Errorw("failed to persist run state",
			logger.FieldRunID, run.ID, logger.FieldStatus, string(run.Status), logger.FieldError, uerr.Error())
	}
}

// StopRun requests a cooperative stop of the executing run. The flag is
// checked between batches; the in-flight network call completes first.
func (o *Orchestrator) StopRun(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.activeRunID != runID || o.activeStop == nil {
		return errors.Wrapf(errors.ErrNotFound, "run %s is not executing", runID)
	}
	o.activeStop.Store(true)
	logger.Infow("stop requested", logger.FieldRunID, runID)
	return nil
}

// ActiveRunID returns the id of the currently executing run, or empty
func (o *Orchestrator) ActiveRunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeRunID
}

// SetConfig swaps the engine knobs used for subsequently claimed runs,
// called by config live-reload. The executing run keeps its snapshot.
func (o *Orchestrator) SetConfig(cfg config.EngineConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
}

func (o *Orchestrator) appendAudit(runID, action, entityType string, count int) {
	err := o.stores.Audit.Append(&state.AuditEntry{
		RunID:       runID,
		Action:      action,
		EntityType:  entityType,
		RecordCount: count,
	})
	if err != nil {
		logger.Warnw("failed to append audit entry",
			logger.FieldRunID, runID, "action", action, logger.FieldError, err.Error())
	}
}
