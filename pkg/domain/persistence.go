package domain

import "context"

// VersionStore is the durable, versioned record of parameter snapshots.
// SaveVersion must be atomic: either the full record is written or the call
// fails with no partial record visible.
type VersionStore interface {
	SaveVersion(ctx context.Context, version ParameterVersion) (string, error)
	FindVersion(ctx context.Context, id string) (ParameterVersion, error)
	FindDefaultVersion(ctx context.Context) (ParameterVersion, error)
	FindLatestVersion(ctx context.Context, excludeDefault bool) (ParameterVersion, error)
	ListRecentVersions(ctx context.Context, limit int) ([]ParameterVersion, error)
}

// CaseFilter selects validation cases. Results are ordered createdAt-desc;
// Limit <= 0 means no limit.
type CaseFilter struct {
	BatchID  string
	Status   CaseStatus
	Category CaseCategory
	Limit    int
	Offset   int
}

// CaseStore persists validation cases. Cases are never deleted.
type CaseStore interface {
	CreateCase(ctx context.Context, c ValidationCase) error
	GetCase(ctx context.Context, id string) (ValidationCase, error)
	UpdateCase(ctx context.Context, id string, mutator func(*ValidationCase) error) (ValidationCase, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]ValidationCase, error)
}

// ReviewStore persists immutable expert reviews.
type ReviewStore interface {
	CreateReview(ctx context.Context, r ExpertReview) error
	GetReview(ctx context.Context, id string) (ExpertReview, error)
	ListReviewsByCases(ctx context.Context, caseIDs []string) ([]ExpertReview, error)
}

// BatchStore persists validation batches.
type BatchStore interface {
	CreateBatch(ctx context.Context, b ValidationBatch) error
	GetBatch(ctx context.Context, id string) (ValidationBatch, error)
	UpdateBatch(ctx context.Context, id string, mutator func(*ValidationBatch) error) (ValidationBatch, error)
	FindLatestBatch(ctx context.Context) (ValidationBatch, error)
}

// MetricFilter selects performance metric rows, newest first.
type MetricFilter struct {
	BatchID    string
	MetricName string
	Limit      int
}

// MetricStore is the append-only performance metric time series.
type MetricStore interface {
	InsertMetric(ctx context.Context, m PerformanceMetric) error
	ListMetrics(ctx context.Context, filter MetricFilter) ([]PerformanceMetric, error)
}

// PersistentStore is the combined storage surface the core wires at startup.
// Durable implementations snapshot their state after each mutation.
type PersistentStore interface {
	VersionStore
	CaseStore
	ReviewStore
	BatchStore
	MetricStore
}

// DiagnosisProvider is the external voice-diagnosis collaborator.
type DiagnosisProvider interface {
	Analyze(ctx context.Context, audio []byte, caseID string, patient PatientInfo) (DiagnosisResult, error)
}

// ModelConsumer receives committed parameter snapshots. Consumers are notified
// synchronously after every commit; a failing consumer is logged, never
// propagated, and never blocks the others.
type ModelConsumer interface {
	Name() string
	UpdateParameters(ctx context.Context, snapshot ParameterSnapshot) error
}

// MetricSink receives performance metric rows as they are produced at batch
// close, in addition to the durable MetricStore write.
type MetricSink interface {
	RecordMetric(ctx context.Context, m PerformanceMetric) error
}
