package engine

import (
	"context"
	"encoding/json"

	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/logger"
	"github.com/fieldline/porter/source"
	"github.com/fieldline/porter/state"
	"github.com/fieldline/porter/target"
	"github.com/fieldline/porter/transform"
)

// EntitySpec describes how one entity type flows through the pipeline
type EntitySpec struct {
	// EntityType is the target object type the records become
	EntityType string
	// SourceEntity is the record type queried from the source system
	SourceEntity string
	// SourceType keys id mappings and record errors for this entity
	SourceType string
	// Table drives the field mapping
	Table *transform.Table
	// Strategy picks the batch failure handling: HardStop for primary
	// entities, DegradeToIndividual for dependent ones
	Strategy target.Strategy
	// Links derive associations from reference fields, created after the
	// owning record's create is confirmed
	Links []LinkRule
}

// LinkRule derives a target association from a reference field on the
// source record. The referenced record must already be migrated; references
// that resolve to nothing are counted as skips, never errors.
type LinkRule struct {
	// SourceField holds the referenced record's source id
	SourceField string
	// ToSourceType keys the id-mapping lookup for the referenced record
	ToSourceType string
	// Kind is the association kind created on the target
	Kind string
}

// EntityMigration is the standard migration: entity types processed in
// order, each through the extract, transform, load loop with a persisted
// cursor per entity type.
type EntityMigration struct {
	kind     string
	entities []EntitySpec
}

// NewEntityMigration builds a migration for the given kind
func NewEntityMigration(kind string, entities ...EntitySpec) (*EntityMigration, error) {
	if kind == "" {
		return nil, errors.New("migration kind cannot be empty")
	}
	if len(entities) == 0 {
		return nil, errors.Newf("migration %s has no entity specs", kind)
	}
	for _, e := range entities {
		if e.EntityType == "" || e.SourceEntity == "" || e.SourceType == "" || e.Table == nil {
			return nil, errors.Newf("entity spec %q for migration %s is incomplete", e.EntityType, kind)
		}
		for _, link := range e.Links {
			if link.SourceField == "" || link.ToSourceType == "" || link.Kind == "" {
				return nil, errors.Newf("link rule on entity %q for migration %s is incomplete", e.EntityType, kind)
			}
		}
	}
	return &EntityMigration{kind: kind, entities: entities}, nil
}

// Kind returns the migration kind this handler is registered under
func (m *EntityMigration) Kind() string {
	return m.kind
}

// Run processes every entity type in order. The stop flag is checked
// between entity types and between batches.
func (m *EntityMigration) Run(ctx context.Context, rc *RunContext) error {
	if err := rc.Source.Connect(ctx); err != nil {
		return err
	}

	for _, spec := range m.entities {
		if stopped, err := rc.StopRequested(); err != nil {
			return err
		} else if stopped {
			return errors.ErrRunStopped
		}

		if err := m.runEntity(ctx, rc, spec); err != nil {
			if !errors.Is(err, errors.ErrRunStopped) {
				if perr := rc.Stores.Progress.MarkFailed(rc.Run.ID, spec.EntityType); perr != nil {
					logger.Warnw("failed to mark progress failed",
						logger.FieldRunID, rc.Run.ID, logger.FieldEntityType, spec.EntityType, logger.FieldError, perr.Error())
				}
			}
			return err
		}
	}

	return nil
}

// runEntity drives the batch loop for one entity type. Resumes from the
// persisted cursor; the cursor only advances after the batch's id-mapping
// upserts are durably written.
func (m *EntityMigration) runEntity(ctx context.Context, rc *RunContext, spec EntitySpec) error {
	log := logger.Logger.With(logger.FieldRunID, rc.Run.ID, logger.FieldEntityType, spec.EntityType)

	progress, err := rc.Stores.Progress.GetOrCreate(rc.Run.ID, spec.EntityType)
	if err != nil {
		return err
	}
	cursor := progress.LastCursor
	seen := progress.ProcessedRecords + progress.FailedRecords

	// total is a UI denominator only, never a loop bound
	if total, err := rc.Source.Count(ctx, spec.SourceEntity); err != nil {
		log.Warnw("record count unavailable", logger.FieldError, err.Error())
	} else if err := rc.Stores.Progress.SetTotal(rc.Run.ID, spec.EntityType, total); err != nil {
		return err
	}

	batchSize := rc.Config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	for {
		if stopped, err := rc.StopRequested(); err != nil {
			return err
		} else if stopped {
			return errors.ErrRunStopped
		}

		page, err := rc.Source.Extract(ctx, source.ExtractQuery{
			EntityType:  spec.SourceEntity,
			Fields:      extractFields(spec),
			BatchSize:   batchSize,
			AfterCursor: cursor,
		})
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			break
		}

		records, failed := m.transformBatch(rc, spec, page.Records)

		result, err := rc.Loader.BatchCreate(ctx, spec.EntityType, records, spec.Strategy)
		if err != nil {
			// batch-level failures are systemic: abort the run
			return err
		}

		for _, f := range result.Failed {
			m.recordFailure(rc, spec, f.SourceID, f.Err, m.fieldsFor(page.Records, f.SourceID))
			failed++
		}

		skipped := 0
		if len(spec.Links) > 0 {
			as, af, err := m.associateLinks(ctx, rc, spec, page.Records, result.Successful)
			if err != nil {
				return err
			}
			skipped += as
			failed += af
		}

		processed := len(result.Successful)
		if err := rc.Stores.Progress.Advance(rc.Run.ID, spec.EntityType, processed, failed, skipped, page.NextCursor); err != nil {
			return err
		}
		m.appendBatchAudit(rc, spec.EntityType, processed, page.NextCursor)
		if result.DegradedChunks > 0 {
			m.appendDegradeAudit(rc, spec.EntityType, result)
		}

		log.Infow("batch loaded",
			logger.FieldProcessed, processed,
			logger.FieldFailed, failed,
			logger.FieldCursor, page.NextCursor)

		cursor = page.NextCursor
		seen += len(page.Records)

		if rc.Stopped() {
			return errors.ErrRunStopped
		}
		if rc.Config.MaxRecords > 0 && seen >= rc.Config.MaxRecords {
			log.Infow("record budget reached", logger.FieldCount, seen)
			break
		}
		if !page.HasMore {
			break
		}
	}

	if err := rc.Stores.Progress.MarkCompleted(rc.Run.ID, spec.EntityType); err != nil {
		return err
	}
	m.appendEntityAudit(rc, spec.EntityType)
	log.Infow("entity type completed")
	return nil
}

// extractFields is the union of the mapping table's source fields and the
// reference fields the link rules read.
func extractFields(spec EntitySpec) []string {
	fields := spec.Table.SourceFields()
	if len(spec.Links) == 0 {
		return fields
	}

	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		seen[f] = true
	}
	for _, link := range spec.Links {
		if !seen[link.SourceField] {
			fields = append(fields, link.SourceField)
			seen[link.SourceField] = true
		}
	}
	return fields
}

// associateLinks creates the associations the spec's link rules derive from
// this batch, restricted to records whose own create was confirmed.
// References to unmigrated records and not-found responses count as skips;
// create failures become record errors without aborting the batch. The
// recorded errors carry no fields, so the retry sweep reports them instead
// of re-loading the owning record.
func (m *EntityMigration) associateLinks(ctx context.Context, rc *RunContext, spec EntitySpec, records []source.Record, successes []target.Success) (skipped, failed int, err error) {
	confirmed := make(map[string]bool, len(successes))
	for _, s := range successes {
		confirmed[s.SourceID] = true
	}

	var links []target.Link
	for _, rec := range records {
		if !confirmed[rec.ID] {
			continue
		}
		for _, rule := range spec.Links {
			ref, _ := rec.Fields[rule.SourceField].(string)
			if ref == "" {
				continue // records without the reference carry nothing to link
			}
			links = append(links, target.Link{
				FromSourceID:   rec.ID,
				FromSourceType: spec.SourceType,
				ToSourceID:     ref,
				ToSourceType:   rule.ToSourceType,
				Kind:           rule.Kind,
			})
		}
	}
	if len(links) == 0 {
		return 0, 0, nil
	}

	assocs, unresolved, err := rc.Loader.ResolveLinks(links)
	if err != nil {
		return 0, 0, err
	}

	result, err := rc.Loader.AssociateBatch(ctx, assocs)
	if err != nil {
		return 0, 0, err
	}
	for _, f := range result.Failed {
		m.recordFailure(rc, spec, f.SourceID, errors.Wrap(f.Err, "association failed"), nil)
	}

	return unresolved + result.Skipped, len(result.Failed), nil
}

// transformBatch maps the page's records, writing a RecordError for each
// validation failure. Record-level failures never abort the batch.
func (m *EntityMigration) transformBatch(rc *RunContext, spec EntitySpec, records []source.Record) ([]target.Record, int) {
	out := make([]target.Record, 0, len(records))
	failed := 0

	for _, rec := range records {
		props, err := spec.Table.Apply(rec.Fields)
		if err != nil {
			m.recordFailure(rc, spec, rec.ID, err, rec.Fields)
			failed++
			continue
		}
		out = append(out, target.Record{
			SourceID:   rec.ID,
			SourceType: spec.SourceType,
			Properties: props,
		})
	}

	return out, failed
}

// recordFailure persists one RecordError. The source fields are kept in the
// details so the retry sweep can re-transform and reload the record without
// a source round trip.
func (m *EntityMigration) recordFailure(rc *RunContext, spec EntitySpec, sourceID string, cause error, fields map[string]interface{}) {
	details, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		details = nil
	}

	re := state.NewRecordError(rc.Run.ID, spec.EntityType, sourceID, spec.SourceType, cause.Error(), details)
	if err := rc.Stores.RecordErrors.Create(re); err != nil {
		logger.Errorw("failed to persist record error",
			logger.FieldRunID, rc.Run.ID, logger.FieldSourceID, sourceID, logger.FieldError, err.Error())
	}
}

func (m *EntityMigration) fieldsFor(records []source.Record, sourceID string) map[string]interface{} {
	for _, rec := range records {
		if rec.ID == sourceID {
			return rec.Fields
		}
	}
	return nil
}

func (m *EntityMigration) appendBatchAudit(rc *RunContext, entityType string, count int, cursor string) {
	metadata, _ := json.Marshal(map[string]string{"cursor": cursor})
	err := rc.Stores.Audit.Append(&state.AuditEntry{
		RunID:       rc.Run.ID,
		Action:      state.AuditActionBatchLoaded,
		EntityType:  entityType,
		RecordCount: count,
		Metadata:    metadata,
	})
	if err != nil {
		logger.Warnw("failed to append audit entry", logger.FieldRunID, rc.Run.ID, logger.FieldError, err.Error())
	}
}

func (m *EntityMigration) appendDegradeAudit(rc *RunContext, entityType string, result *target.Result) {
	metadata, _ := json.Marshal(map[string]int{"degraded_chunks": result.DegradedChunks})
	err := rc.Stores.Audit.Append(&state.AuditEntry{
		RunID:       rc.Run.ID,
		Action:      state.AuditActionBatchDegraded,
		EntityType:  entityType,
		RecordCount: len(result.Failed),
		Metadata:    metadata,
	})
	if err != nil {
		logger.Warnw("failed to append audit entry", logger.FieldRunID, rc.Run.ID, logger.FieldError, err.Error())
	}
}

func (m *EntityMigration) appendEntityAudit(rc *RunContext, entityType string) {
	err := rc.Stores.Audit.Append(&state.AuditEntry{
		RunID:      rc.Run.ID,
		Action:     state.AuditActionEntityDone,
		EntityType: entityType,
	})
	if err != nil {
		logger.Warnw("failed to append audit entry", logger.FieldRunID, rc.Run.ID, logger.FieldError, err.Error())
	}
}

// RetryRecord re-transforms and individually reloads one failed record from
// the fields preserved in its details. Called by the error sweep, never by
// the main pipeline.
func (m *EntityMigration) RetryRecord(ctx context.Context, rc *RunContext, re *state.RecordError) error {
	var spec *EntitySpec
	for i := range m.entities {
		if m.entities[i].EntityType == re.EntityType {
			spec = &m.entities[i]
			break
		}
	}
	if spec == nil {
		return errors.Newf("no entity spec for %s in migration %s", re.EntityType, m.kind)
	}

	var details struct {
		Fields map[string]interface{} `json:"fields"`
	}
	if err := json.Unmarshal(re.Details, &details); err != nil || details.Fields == nil {
		return errors.Newf("record error %s has no replayable fields", re.ID)
	}

	props, err := spec.Table.Apply(details.Fields)
	if err != nil {
		return err
	}

	result, err := rc.Loader.BatchCreate(ctx, spec.EntityType, []target.Record{{
		SourceID:   re.SourceID,
		SourceType: re.SourceType,
		Properties: props,
	}}, target.DegradeToIndividual)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return result.Failed[0].Err
	}

	return nil
}
