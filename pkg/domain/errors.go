package domain

import "fmt"

// EntityType identifies the kind of record referenced by a persistence error.
type EntityType string

// Entity identifiers used in errors and persistence buckets.
const (
	EntityVersion EntityType = "parameter_version"
	EntityCase    EntityType = "validation_case"
	EntityReview  EntityType = "expert_review"
	EntityBatch   EntityType = "validation_batch"
	EntityMetric  EntityType = "performance_metric"
)

// ValidationError rejects malformed input before any write takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// ConflictError reports a duplicate id or an operation that would recreate the
// current state (for example rolling back to the active version).
type ConflictError struct {
	Entity EntityType
	ID     string
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Entity, e.ID, e.Reason)
}

// DiagnosisError wraps a voice-analysis failure. The case it belongs to has
// already transitioned to insufficient when this error reaches the caller.
type DiagnosisError struct {
	CaseID string
	Err    error
}

func (e DiagnosisError) Error() string {
	return fmt.Sprintf("voice diagnosis failed for case %q: %v", e.CaseID, e.Err)
}

// Unwrap exposes the underlying collaborator failure.
func (e DiagnosisError) Unwrap() error { return e.Err }
