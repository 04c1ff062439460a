package state

import (
	"database/sql"
	"time"

	"github.com/fieldline/porter/errors"
)

// RunStore handles persistence of migration runs
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a run store backed by the given database
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runSelectColumns = `id, status, migration_kind, config_snapshot, notes,
	created_at, started_at, completed_at, updated_at`

// Create inserts a new run
func (s *RunStore) Create(run *Run) error {
	query := `
		INSERT INTO runs (
			id, status, migration_kind, config_snapshot, notes,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	snapshot := sql.NullString{String: string(run.ConfigSnapshot), Valid: len(run.ConfigSnapshot) > 0}

	_, err := s.db.Exec(query,
		run.ID,
		run.Status,
		run.MigrationKind,
		snapshot,
		run.Notes,
		run.CreatedAt,
		run.StartedAt,
		run.CompletedAt,
		run.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create run")
		err = errors.WithDetailf(err, "Run ID: %s", run.ID)
		err = errors.WithDetailf(err, "Migration kind: %s", run.MigrationKind)
		return err
	}

	return nil
}

// Get retrieves a run by ID
func (s *RunStore) Get(id string) (*Run, error) {
	query := `SELECT ` + runSelectColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}

	return run, nil
}

// Update persists a run's current state
func (s *RunStore) Update(run *Run) error {
	query := `
		UPDATE runs
		SET status = ?,
		    notes = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	_, err := s.db.Exec(query,
		run.Status,
		run.Notes,
		run.StartedAt,
		run.CompletedAt,
		run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update run")
		err = errors.WithDetailf(err, "Run ID: %s", run.ID)
		err = errors.WithDetailf(err, "Status: %s", run.Status)
		return err
	}

	return nil
}

// Claim atomically transitions the run from queued to running.
// The conditional update with an affected-row check guarantees at most one
// engine instance executes a given run even if several poll concurrently.
// Returns errors.ErrConflict if the run was not in queued status.
func (s *RunStore) Claim(id string) (*Run, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		RunStatusRunning, now, now, id, RunStatusQueued,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim run %s", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return nil, errors.Wrapf(errors.ErrConflict, "run %s is not queued", id)
	}

	return s.Get(id)
}

// NextQueued returns the oldest queued run, or nil if none is waiting.
func (s *RunStore) NextQueued() (*Run, error) {
	query := `SELECT ` + runSelectColumns + `
		FROM runs
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT 1`

	run, err := scanRun(s.db.QueryRow(query, RunStatusQueued))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // empty queue is not an error
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next queued run")
	}

	return run, nil
}

// ListByStatus returns runs filtered by status, newest first.
// A nil status returns all runs.
func (s *RunStore) ListByStatus(status *RunStatus, limit int) ([]*Run, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + runSelectColumns + ` FROM runs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating runs")
	}

	return runs, nil
}

// RequestStop pauses a queued or running run from outside the engine
// process. A running run winds down cooperatively: the engine notices the
// status change between batches, finishes the in-flight call, and leaves
// the cursor persisted for resume. Existing notes are kept; the stop marker
// is appended.
func (s *RunStore) RequestStop(id string) error {
	result, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, updated_at = ?,
		    notes = CASE WHEN notes = '' THEN 'stop requested'
		                 ELSE notes || '; stop requested' END
		WHERE id = ? AND status IN (?, ?)`,
		RunStatusPaused, time.Now().UTC(), id, RunStatusQueued, RunStatusRunning,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to request stop of run %s", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrConflict, "run %s is not queued or running", id)
	}

	return nil
}

// RequeueStranded re-queues runs left in running state by an ungraceful
// shutdown. Called once at engine startup, before polling begins; their
// cursors and id mappings make re-execution safe.
func (s *RunStore) RequeueStranded() (int, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, started_at = NULL, updated_at = ?,
		    notes = 'requeued after engine restart'
		WHERE status = ?`,
		RunStatusQueued, now, RunStatusRunning,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue stranded runs")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(affected), nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var snapshot sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.MigrationKind,
		&snapshot,
		&run.Notes,
		&run.CreatedAt,
		&startedAt,
		&completedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if snapshot.Valid {
		run.ConfigSnapshot = []byte(snapshot.String)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}
