package state

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/porter/errors"
)

// RecordErrorStatus represents the state of a failed record
type RecordErrorStatus string

const (
	RecordErrorStatusPendingRetry RecordErrorStatus = "pending_retry"
	RecordErrorStatusFailed       RecordErrorStatus = "failed"
	RecordErrorStatusResolved     RecordErrorStatus = "resolved"
	RecordErrorStatusSkipped      RecordErrorStatus = "skipped"
)

// RecordError captures one record-level failure (transform validation or
// individual load failure). Retry counts are incremented by the retry
// sweep, never by the main pipeline.
type RecordError struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	EntityType string            `json:"entity_type"`
	SourceID   string            `json:"source_id"`
	SourceType string            `json:"source_type"`
	Message    string            `json:"message"`
	Details    json.RawMessage   `json:"details,omitempty"`
	RetryCount int               `json:"retry_count"`
	Status     RecordErrorStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewRecordError builds a pending-retry record error for a failed record
func NewRecordError(runID, entityType, sourceID, sourceType, message string, details json.RawMessage) *RecordError {
	now := time.Now().UTC()
	return &RecordError{
		ID:         "rerr_" + uuid.NewString(),
		RunID:      runID,
		EntityType: entityType,
		SourceID:   sourceID,
		SourceType: sourceType,
		Message:    message,
		Details:    details,
		Status:     RecordErrorStatusPendingRetry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RecordErrorStore handles persistence of record-level errors
type RecordErrorStore struct {
	db *sql.DB
}

// NewRecordErrorStore creates a record error store backed by the given database
func NewRecordErrorStore(db *sql.DB) *RecordErrorStore {
	return &RecordErrorStore{db: db}
}

const recordErrorSelectColumns = `id, run_id, entity_type, source_id, source_type,
	message, details, retry_count, status, created_at, updated_at`

// Create inserts a record error
func (s *RecordErrorStore) Create(re *RecordError) error {
	details := sql.NullString{String: string(re.Details), Valid: len(re.Details) > 0}

	_, err := s.db.Exec(`
		INSERT INTO record_errors (
			id, run_id, entity_type, source_id, source_type,
			message, details, retry_count, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		re.ID, re.RunID, re.EntityType, re.SourceID, re.SourceType,
		re.Message, details, re.RetryCount, re.Status, re.CreatedAt, re.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create record error")
		err = errors.WithDetailf(err, "Run ID: %s", re.RunID)
		err = errors.WithDetailf(err, "Source: %s/%s", re.SourceType, re.SourceID)
		return err
	}

	return nil
}

// ListPendingRetry returns record errors awaiting the retry sweep, oldest first
func (s *RecordErrorStore) ListPendingRetry(limit int) ([]*RecordError, error) {
	query := `SELECT ` + recordErrorSelectColumns + `
		FROM record_errors
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, RecordErrorStatusPendingRetry, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending-retry record errors")
	}
	defer rows.Close()

	return scanRecordErrors(rows)
}

// ListForRun returns all record errors for a run, newest first
func (s *RecordErrorStore) ListForRun(runID string, limit int) ([]*RecordError, error) {
	query := `SELECT ` + recordErrorSelectColumns + `
		FROM record_errors
		WHERE run_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, runID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list record errors for run")
	}
	defer rows.Close()

	return scanRecordErrors(rows)
}

// IncrementRetry bumps retry_count after a sweep attempt
func (s *RecordErrorStore) IncrementRetry(id string) error {
	result, err := s.db.Exec(`
		UPDATE record_errors
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to increment retry count for %s", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("record error not found: %s", id)
	}

	return nil
}

// SetStatus updates a record error's status
func (s *RecordErrorStore) SetStatus(id string, status RecordErrorStatus) error {
	result, err := s.db.Exec(`
		UPDATE record_errors SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set record error %s status to %s", id, status)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("record error not found: %s", id)
	}

	return nil
}

// CountForRun returns the number of record errors per status for a run
func (s *RecordErrorStore) CountForRun(runID string) (map[RecordErrorStatus]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM record_errors WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count record errors")
	}
	defer rows.Close()

	counts := make(map[RecordErrorStatus]int)
	for rows.Next() {
		var status RecordErrorStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan record error count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating record error counts")
	}

	return counts, nil
}

func scanRecordErrors(rows *sql.Rows) ([]*RecordError, error) {
	var all []*RecordError
	for rows.Next() {
		var re RecordError
		var details sql.NullString

		if err := rows.Scan(
			&re.ID, &re.RunID, &re.EntityType, &re.SourceID, &re.SourceType,
			&re.Message, &details, &re.RetryCount, &re.Status, &re.CreatedAt, &re.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan record error")
		}

		if details.Valid {
			re.Details = []byte(details.String)
		}
		all = append(all, &re)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating record errors")
	}

	return all, nil
}
