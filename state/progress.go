package state

import (
	"database/sql"
	"time"

	"github.com/fieldline/porter/errors"
)

// ProgressStatus represents the state of one entity type within a run
type ProgressStatus string

const (
	ProgressStatusPending    ProgressStatus = "pending"
	ProgressStatusInProgress ProgressStatus = "in_progress"
	ProgressStatusCompleted  ProgressStatus = "completed"
	ProgressStatusFailed     ProgressStatus = "failed"
)

// Progress tracks one (run, entity type) pair. processed_records is
// monotonically non-decreasing and last_cursor only moves forward; both are
// enforced by ProgressStore.Advance.
type Progress struct {
	ID               int64          `json:"id"`
	RunID            string         `json:"run_id"`
	EntityType       string         `json:"entity_type"`
	TotalRecords     *int           `json:"total_records,omitempty"` // estimate for UI only
	ProcessedRecords int            `json:"processed_records"`
	FailedRecords    int            `json:"failed_records"`
	SkippedRecords   int            `json:"skipped_records"`
	LastCursor       string         `json:"last_cursor"`
	Status           ProgressStatus `json:"status"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// ProgressStore handles persistence of per-entity-type progress rows
type ProgressStore struct {
	db *sql.DB
}

// NewProgressStore creates a progress store backed by the given database
func NewProgressStore(db *sql.DB) *ProgressStore {
	return &ProgressStore{db: db}
}

const progressSelectColumns = `id, run_id, entity_type, total_records,
	processed_records, failed_records, skipped_records, last_cursor, status,
	started_at, completed_at`

// GetOrCreate returns the progress row for (runID, entityType), creating a
// pending row if none exists. Resumed runs reuse the existing row so
// counters and cursor carry over.
func (s *ProgressStore) GetOrCreate(runID, entityType string) (*Progress, error) {
	existing, err := s.Get(runID, entityType)
	if err == nil {
		return existing, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO progress (run_id, entity_type, status, started_at)
		VALUES (?, ?, ?, ?)`,
		runID, entityType, ProgressStatusPending, now,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create progress row")
		err = errors.WithDetailf(err, "Run ID: %s", runID)
		err = errors.WithDetailf(err, "Entity type: %s", entityType)
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get progress row id")
	}

	return &Progress{
		ID:         id,
		RunID:      runID,
		EntityType: entityType,
		Status:     ProgressStatusPending,
		StartedAt:  &now,
	}, nil
}

// Get retrieves the progress row for (runID, entityType)
func (s *ProgressStore) Get(runID, entityType string) (*Progress, error) {
	query := `SELECT ` + progressSelectColumns + `
		FROM progress WHERE run_id = ? AND entity_type = ?`

	var p Progress
	var total sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := s.db.QueryRow(query, runID, entityType).Scan(
		&p.ID,
		&p.RunID,
		&p.EntityType,
		&total,
		&p.ProcessedRecords,
		&p.FailedRecords,
		&p.SkippedRecords,
		&p.LastCursor,
		&p.Status,
		&startedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("progress not found for run %s entity %s", runID, entityType)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get progress")
	}

	if total.Valid {
		t := int(total.Int64)
		p.TotalRecords = &t
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}

	return &p, nil
}

// SetTotal records the estimated total record count (UI denominator only,
// never used for loop termination)
func (s *ProgressStore) SetTotal(runID, entityType string, total int) error {
	_, err := s.db.Exec(`
		UPDATE progress SET total_records = ?, status = ?
		WHERE run_id = ? AND entity_type = ?`,
		total, ProgressStatusInProgress, runID, entityType,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set total for run %s entity %s", runID, entityType)
	}
	return nil
}

// Advance adds the batch's outcomes to the counters and moves the cursor.
// Counters only grow and the cursor never moves backward: the MAX() guard
// makes a replayed batch after crash-resume a no-op rather than a
// regression. Source ids must sort lexicographically in extraction order
// (fixed-width or ULID-style identifiers).
func (s *ProgressStore) Advance(runID, entityType string, processed, failed, skipped int, cursor string) error {
	if processed < 0 || failed < 0 || skipped < 0 {
		return errors.Newf("progress deltas must be non-negative (processed=%d failed=%d skipped=%d)",
			processed, failed, skipped)
	}

	result, err := s.db.Exec(`
		UPDATE progress
		SET processed_records = processed_records + ?,
		    failed_records = failed_records + ?,
		    skipped_records = skipped_records + ?,
		    last_cursor = MAX(last_cursor, ?),
		    status = ?
		WHERE run_id = ? AND entity_type = ?`,
		processed, failed, skipped, cursor, ProgressStatusInProgress, runID, entityType,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to advance progress")
		err = errors.WithDetailf(err, "Run ID: %s", runID)
		err = errors.WithDetailf(err, "Entity type: %s", entityType)
		err = errors.WithDetailf(err, "Cursor: %s", cursor)
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("progress not found for run %s entity %s", runID, entityType)
	}

	return nil
}

// MarkCompleted finalizes the entity type's progress row
func (s *ProgressStore) MarkCompleted(runID, entityType string) error {
	return s.finalize(runID, entityType, ProgressStatusCompleted)
}

// MarkFailed records that the entity type's processing failed
func (s *ProgressStore) MarkFailed(runID, entityType string) error {
	return s.finalize(runID, entityType, ProgressStatusFailed)
}

func (s *ProgressStore) finalize(runID, entityType string, status ProgressStatus) error {
	_, err := s.db.Exec(`
		UPDATE progress SET status = ?, completed_at = ?
		WHERE run_id = ? AND entity_type = ?`,
		status, time.Now().UTC(), runID, entityType,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark progress %s for run %s entity %s", status, runID, entityType)
	}
	return nil
}

// ListForRun returns all progress rows for a run, in entity-type order
func (s *ProgressStore) ListForRun(runID string) ([]*Progress, error) {
	query := `SELECT ` + progressSelectColumns + `
		FROM progress WHERE run_id = ? ORDER BY entity_type ASC`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list progress")
	}
	defer rows.Close()

	var all []*Progress
	for rows.Next() {
		var p Progress
		var total sql.NullInt64
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(
			&p.ID, &p.RunID, &p.EntityType, &total,
			&p.ProcessedRecords, &p.FailedRecords, &p.SkippedRecords,
			&p.LastCursor, &p.Status, &startedAt, &completedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan progress")
		}

		if total.Valid {
			t := int(total.Int64)
			p.TotalRecords = &t
		}
		if startedAt.Valid {
			p.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			p.CompletedAt = &completedAt.Time
		}
		all = append(all, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating progress rows")
	}

	return all, nil
}
