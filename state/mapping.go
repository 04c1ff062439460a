package state

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/fieldline/porter/errors"
)

// IdMapping records that a source record has been migrated to a target
// record. At most one mapping exists per (SourceID, SourceType); re-running
// a batch updates the row in place, which is what makes retries and resumes
// safe.
type IdMapping struct {
	SourceID   string          `json:"source_id"`
	SourceType string          `json:"source_type"`
	TargetID   string          `json:"target_id"`
	TargetType string          `json:"target_type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	MigratedAt time.Time       `json:"migrated_at"`
}

// MappingStore handles persistence of source→target id mappings
type MappingStore struct {
	db *sql.DB
}

// NewMappingStore creates a mapping store backed by the given database
func NewMappingStore(db *sql.DB) *MappingStore {
	return &MappingStore{db: db}
}

// upsertChunkSize bounds the number of rows per multi-row upsert statement,
// staying well under SQLite's bind-parameter limit.
const upsertChunkSize = 100

// UpsertBatch writes mappings with insert-or-update semantics keyed on
// (source_id, source_type), one multi-row statement per chunk. Re-running a
// batch after a crash updates target_id/metadata instead of duplicating.
func (s *MappingStore) UpsertBatch(mappings []*IdMapping) error {
	for start := 0; start < len(mappings); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(mappings) {
			end = len(mappings)
		}
		if err := s.upsertChunk(mappings[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MappingStore) upsertChunk(chunk []*IdMapping) error {
	if len(chunk) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO id_mappings
		(source_id, source_type, target_id, target_type, metadata, migrated_at)
		VALUES `)

	args := make([]interface{}, 0, len(chunk)*6)
	for i, m := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")

		metadata := sql.NullString{String: string(m.Metadata), Valid: len(m.Metadata) > 0}
		migratedAt := m.MigratedAt
		if migratedAt.IsZero() {
			migratedAt = time.Now().UTC()
		}
		args = append(args, m.SourceID, m.SourceType, m.TargetID, m.TargetType, metadata, migratedAt)
	}

	sb.WriteString(`
		ON CONFLICT(source_id, source_type) DO UPDATE SET
			target_id = excluded.target_id,
			target_type = excluded.target_type,
			metadata = excluded.metadata,
			migrated_at = excluded.migrated_at`)

	if _, err := s.db.Exec(sb.String(), args...); err != nil {
		err = errors.Wrap(err, "failed to upsert id mappings")
		err = errors.WithDetailf(err, "Chunk size: %d", len(chunk))
		return err
	}

	return nil
}

// Get retrieves the mapping for a source identity, or ErrNotFound
func (s *MappingStore) Get(sourceID, sourceType string) (*IdMapping, error) {
	query := `SELECT source_id, source_type, target_id, target_type, metadata, migrated_at
		FROM id_mappings WHERE source_id = ? AND source_type = ?`

	var m IdMapping
	var metadata sql.NullString

	err := s.db.QueryRow(query, sourceID, sourceType).Scan(
		&m.SourceID, &m.SourceType, &m.TargetID, &m.TargetType, &metadata, &m.MigratedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no mapping for %s/%s", sourceType, sourceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get id mapping")
	}

	if metadata.Valid {
		m.Metadata = []byte(metadata.String)
	}

	return &m, nil
}

// GetManyBySourceIDs returns existing mappings for the given source ids,
// keyed by source id. Used for lookup-before-create on resume: records that
// already map to a target object are updated, not re-created.
func (s *MappingStore) GetManyBySourceIDs(sourceType string, sourceIDs []string) (map[string]*IdMapping, error) {
	found := make(map[string]*IdMapping, len(sourceIDs))

	for start := 0; start < len(sourceIDs); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(sourceIDs) {
			end = len(sourceIDs)
		}
		chunk := sourceIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		query := `SELECT source_id, source_type, target_id, target_type, metadata, migrated_at
			FROM id_mappings
			WHERE source_type = ? AND source_id IN (` + placeholders + `)`

		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, sourceType)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := s.db.Query(query, args...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to query id mappings by source ids")
		}

		for rows.Next() {
			var m IdMapping
			var metadata sql.NullString
			if err := rows.Scan(&m.SourceID, &m.SourceType, &m.TargetID, &m.TargetType, &metadata, &m.MigratedAt); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan id mapping")
			}
			if metadata.Valid {
				m.Metadata = []byte(metadata.String)
			}
			found[m.SourceID] = &m
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "error iterating id mappings")
		}
		rows.Close()
	}

	return found, nil
}

// CountByType returns the number of mappings per source type
func (s *MappingStore) CountByType() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT source_type, COUNT(*) FROM id_mappings GROUP BY source_type`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count id mappings")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sourceType string
		var count int
		if err := rows.Scan(&sourceType, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan mapping count")
		}
		counts[sourceType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating mapping counts")
	}

	return counts, nil
}
