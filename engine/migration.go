// Package engine drives migration runs through their extract, transform,
// and load phases, persisting enough state after every batch to resume
// exactly where a crashed or stopped run left off.
package engine

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/fieldline/porter/config"
	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/source"
	"github.com/fieldline/porter/state"
	"github.com/fieldline/porter/target"
)

// Stores bundles the persistence layer handed to migrations
type Stores struct {
	Runs         *state.RunStore
	Progress     *state.ProgressStore
	Mappings     *state.MappingStore
	RecordErrors *state.RecordErrorStore
	Audit        *state.AuditStore
}

// NewStores wires all state stores over one database handle
func NewStores(db *sql.DB) *Stores {
	return &Stores{
		Runs:         state.NewRunStore(db),
		Progress:     state.NewProgressStore(db),
		Mappings:     state.NewMappingStore(db),
		RecordErrors: state.NewRecordErrorStore(db),
		Audit:        state.NewAuditStore(db),
	}
}

// RunContext carries everything a migration needs while executing one run
type RunContext struct {
	Run    *state.Run
	Config config.EngineConfig
	Source *source.Client
	Loader *target.Loader
	Stores *Stores

	stop *atomic.Bool
}

// Stopped reports whether a cooperative stop was requested. Migrations check
// it between batches and between per-record sub-steps; in-flight network
// calls always complete.
func (rc *RunContext) Stopped() bool {
	return rc.stop != nil && rc.stop.Load()
}

// StopRequested additionally checks the persisted run status, so a stop
// issued from another process (CLI against the shared state store) is
// honored at the next batch boundary.
func (rc *RunContext) StopRequested() (bool, error) {
	if rc.Stopped() {
		return true, nil
	}
	run, err := rc.Stores.Runs.Get(rc.Run.ID)
	if err != nil {
		return false, err
	}
	return run.Status == state.RunStatusPaused, nil
}

// Migration executes one migration kind against a claimed run. Implementations
// are strategy values registered by kind; the orchestrator resolves the kind
// before any I/O happens.
type Migration interface {
	Kind() string
	Run(ctx context.Context, rc *RunContext) error
}

// RecordRetrier is implemented by migrations whose record-level failures can
// be retried individually by the error sweep.
type RecordRetrier interface {
	RetryRecord(ctx context.Context, rc *RunContext, re *state.RecordError) error
}

// Registry maps migration kinds to their handlers
type Registry struct {
	migrations map[string]Migration
}

// NewRegistry creates an empty migration registry
func NewRegistry() *Registry {
	return &Registry{migrations: make(map[string]Migration)}
}

// Register adds a migration. Panics on duplicate kind: registration happens
// at startup and a collision is a programming error.
func (r *Registry) Register(m Migration) {
	kind := m.Kind()
	if _, exists := r.migrations[kind]; exists {
		panic("migration already registered for kind: " + kind)
	}
	r.migrations[kind] = m
}

// Resolve returns the migration for a kind, or ErrUnknownMigrationKind.
// Unknown kinds indicate a configuration bug, never a transient condition.
func (r *Registry) Resolve(kind string) (Migration, error) {
	m, ok := r.migrations[kind]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownMigrationKind, "kind %q", kind)
	}
	return m, nil
}

// Kinds returns the registered migration kinds
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.migrations))
	for kind := range r.migrations {
		kinds = append(kinds, kind)
	}
	return kinds
}
