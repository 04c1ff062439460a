package engine

import (
	"context"
	"encoding/json"

	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/logger"
	"github.com/fieldline/porter/state"
)

// SweepResult summarizes one retry sweep
type SweepResult struct {
	Attempted int
	Resolved  int
	Failed    int // moved to terminal failed after exhausting attempts
	Skipped   int // no retrier for the migration kind, or details unusable
}

// RetrySweep re-attempts record errors left in pending_retry. It runs as a
// separate pass (CLI or scheduled), never inside the main pipeline, and is
// the only writer of retry_count.
func (o *Orchestrator) RetrySweep(ctx context.Context, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = o.cfg.ErrorSweepLimit
	}
	if limit <= 0 {
		limit = 100
	}

	pending, err := o.stores.RecordErrors.ListPendingRetry(limit)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	maxAttempts := o.cfg.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	attemptedByRun := make(map[string]int)
	resolvedByRun := make(map[string]int)

	for _, re := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		retrier, rc, err := o.retrierFor(re)
		if err != nil {
			logger.Warnw("record error not retryable",
				"record_error_id", re.ID, logger.FieldError, err.Error())
			result.Skipped++
			continue
		}

		result.Attempted++
		attemptedByRun[re.RunID]++
		retryErr := retrier.RetryRecord(ctx, rc, re)

		if retryErr == nil {
			if err := o.stores.RecordErrors.SetStatus(re.ID, state.RecordErrorStatusResolved); err != nil {
				return result, err
			}
			result.Resolved++
			resolvedByRun[re.RunID]++
			continue
		}

		if err := o.stores.RecordErrors.IncrementRetry(re.ID); err != nil {
			return result, err
		}
		if re.RetryCount+1 >= maxAttempts {
			if err := o.stores.RecordErrors.SetStatus(re.ID, state.RecordErrorStatusFailed); err != nil {
				return result, err
			}
			result.Failed++
			logger.Warnw("record error exhausted retries",
				"record_error_id", re.ID,
				logger.FieldSourceID, re.SourceID,
				logger.FieldError, retryErr.Error())
		}
	}

	// one audit entry per touched run, so the run's history shows the sweep
	for runID, attempted := range attemptedByRun {
		metadata, _ := json.Marshal(map[string]int{"resolved": resolvedByRun[runID]})
		aerr := o.stores.Audit.Append(&state.AuditEntry{
			RunID:       runID,
			Action:      state.AuditActionRetrySweep,
			RecordCount: attempted,
			Metadata:    metadata,
		})
		if aerr != nil {
			logger.Warnw("failed to append audit entry",
				logger.FieldRunID, runID, logger.FieldError, aerr.Error())
		}
	}

	logger.Infow("retry sweep finished",
		"attempted", result.Attempted,
		"resolved", result.Resolved,
		logger.FieldFailed, result.Failed,
		logger.FieldSkipped, result.Skipped)
	return result, nil
}

// retrierFor resolves the migration that owns a record error and checks it
// supports individual record retry.
func (o *Orchestrator) retrierFor(re *state.RecordError) (RecordRetrier, *RunContext, error) {
	run, err := o.stores.Runs.Get(re.RunID)
	if err != nil {
		return nil, nil, err
	}

	migration, err := o.registry.Resolve(run.MigrationKind)
	if err != nil {
		return nil, nil, err
	}

	retrier, ok := migration.(RecordRetrier)
	if !ok {
		return nil, nil, errors.Newf("migration kind %s does not support record retry", run.MigrationKind)
	}

	return retrier, &RunContext{
		Run:    run,
		Config: o.cfg,
		Source: o.source,
		Loader: o.loader,
		Stores: o.stores,
	}, nil
}
