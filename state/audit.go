package state

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fieldline/porter/errors"
)

// Audit actions recorded by the engine
const (
	AuditActionRunCreated    = "run_created"
	AuditActionRunStarted    = "run_started"
	AuditActionRunCompleted  = "run_completed"
	AuditActionRunFailed     = "run_failed"
	AuditActionRunPaused     = "run_paused"
	AuditActionRunStopped    = "run_stopped"
	AuditActionRunRequeued   = "run_requeued"
	AuditActionBatchLoaded   = "batch_loaded"
	AuditActionBatchDegraded = "batch_degraded"
	AuditActionEntityDone    = "entity_completed"
	AuditActionRetrySweep    = "retry_sweep"
)

// AuditEntry is one append-only engine event for a run
type AuditEntry struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entity_type,omitempty"`
	RecordCount int             `json:"record_count"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditStore handles the append-only audit log
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store backed by the given database
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes one audit entry
func (s *AuditStore) Append(entry *AuditEntry) error {
	metadata := sql.NullString{String: string(entry.Metadata), Valid: len(entry.Metadata) > 0}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := s.db.Exec(`
		INSERT INTO audit_log (run_id, action, entity_type, record_count, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Action, entry.EntityType, entry.RecordCount, metadata, createdAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to append audit entry")
		err = errors.WithDetailf(err, "Run ID: %s", entry.RunID)
		err = errors.WithDetailf(err, "Action: %s", entry.Action)
		return err
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	entry.CreatedAt = createdAt

	return nil
}

// ListForRun returns a run's audit trail in chronological order
func (s *AuditStore) ListForRun(runID string, limit int) ([]*AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, action, entity_type, record_count, metadata, created_at
		FROM audit_log
		WHERE run_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var metadata sql.NullString

		if err := rows.Scan(
			&e.ID, &e.RunID, &e.Action, &e.EntityType, &e.RecordCount, &metadata, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}

		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating audit entries")
	}

	return entries, nil
}
