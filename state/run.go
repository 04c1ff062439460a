// Package state persists Porter's durable migration state: runs, per-entity
// progress, source→target id mappings, record-level errors, and the audit log.
package state

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/porter/errors"
)

// RunStatus represents the lifecycle state of a migration run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPaused    RunStatus = "paused"
)

// IsValidRunStatus returns true if the status string is a valid RunStatus
func IsValidRunStatus(s string) bool {
	switch RunStatus(s) {
	case RunStatusQueued, RunStatusRunning, RunStatusCompleted,
		RunStatusFailed, RunStatusPaused:
		return true
	default:
		return false
	}
}

// Run identifies one migration attempt. The config snapshot is immutable
// once the run is claimed; terminal states are set exactly once.
type Run struct {
	ID             string          `json:"id"`
	Status         RunStatus       `json:"status"`
	MigrationKind  string          `json:"migration_kind"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewRun creates a queued run for the given migration kind.
// configSnapshot captures the knobs the run will execute under.
func NewRun(migrationKind string, configSnapshot json.RawMessage) (*Run, error) {
	if migrationKind == "" {
		return nil, errors.New("migrationKind cannot be empty")
	}

	now := time.Now().UTC()
	return &Run{
		ID:             "run_" + uuid.NewString(),
		Status:         RunStatusQueued,
		MigrationKind:  migrationKind,
		ConfigSnapshot: configSnapshot,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Start marks the run as running
func (r *Run) Start() {
	now := time.Now().UTC()
	r.Status = RunStatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now
}

// Complete marks the run as completed
func (r *Run) Complete() {
	now := time.Now().UTC()
	r.Status = RunStatusCompleted
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Fail marks the run as failed and records the error message in notes
func (r *Run) Fail(err error) {
	now := time.Now().UTC()
	r.Status = RunStatusFailed
	r.Notes = err.Error()
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Pause marks the run as paused with a reason in notes; progress cursors
// stay persisted so the run can be re-queued and resumed later
func (r *Run) Pause(reason string) {
	r.Status = RunStatusPaused
	r.Notes = reason
	r.UpdatedAt = time.Now().UTC()
}

// Requeue returns the run to the queue for re-execution (manual recovery
// or resume after pause/crash)
func (r *Run) Requeue() {
	r.Status = RunStatusQueued
	r.StartedAt = nil
	r.CompletedAt = nil
	r.UpdatedAt = time.Now().UTC()
}

// IsTerminal reports whether the run reached a terminal state
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}
