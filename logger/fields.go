package logger

// Standard field names for consistent structured logging across Porter.
// Use these constants instead of raw strings to keep log queries stable.
const (
	FieldRunID      = "run_id"
	FieldEntityType = "entity_type"
	FieldSourceID   = "source_id"
	FieldTargetID   = "target_id"
	FieldCursor     = "cursor"

	FieldComponent = "component"
	FieldOperation = "operation"

	FieldBatchSize = "batch_size"
	FieldCount     = "count"
	FieldProcessed = "processed"
	FieldFailed    = "failed"
	FieldSkipped   = "skipped"

	FieldError      = "error"
	FieldStatus     = "status"
	FieldDurationMS = "duration_ms"
	FieldAttempt    = "attempt"
)
