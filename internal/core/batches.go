package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"diagcore/pkg/domain"
)

// BatchCompletion reports the result of closing a batch.
type BatchCompletion struct {
	CompletedBatchID string
	NewBatchID       string
	Metrics          domain.BatchMetrics
}

// BatchLifecycleManager owns the current-batch pointer and turns a closed
// batch's cases and reviews into aggregate performance metrics. Mutating
// entry points are serialized by the manager's mutex.
type BatchLifecycleManager struct {
	mu      sync.Mutex
	batches domain.BatchStore
	cases   domain.CaseStore
	reviews domain.ReviewStore
	metrics domain.MetricStore
	sinks   []domain.MetricSink
	ins     instrumentation

	currentBatchID string
}

// NewBatchLifecycleManager loads the most recent batch and resumes it when it
// is still in progress; otherwise a fresh in-progress batch is created.
func NewBatchLifecycleManager(ctx context.Context, batches domain.BatchStore, cases domain.CaseStore, reviews domain.ReviewStore, metrics domain.MetricStore, opts ...Option) (*BatchLifecycleManager, error) {
	m := &BatchLifecycleManager{
		batches: batches,
		cases:   cases,
		reviews: reviews,
		metrics: metrics,
		ins:     newInstrumentation(opts),
	}

	latest, err := batches.FindLatestBatch(ctx)
	var notFound domain.NotFoundError
	switch {
	case err == nil && latest.Status == domain.BatchInProgress:
		m.currentBatchID = latest.BatchID
		m.ins.logger.Info("resumed validation batch", "batchId", latest.BatchID, "caseCount", latest.CaseCount)
		return m, nil
	case err == nil, errors.As(err, &notFound):
	default:
		return nil, fmt.Errorf("load latest batch: %w", err)
	}

	if _, err := m.openBatchLocked(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// openBatchLocked creates a fresh in-progress batch and makes it current.
// Callers hold m.mu or run during construction.
func (m *BatchLifecycleManager) openBatchLocked(ctx context.Context) (string, error) {
	batch := domain.ValidationBatch{
		BatchID:   uuid.NewString(),
		Status:    domain.BatchInProgress,
		CreatedAt: m.ins.nowFn(),
	}
	if err := m.batches.CreateBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("create validation batch: %w", err)
	}
	m.currentBatchID = batch.BatchID
	m.ins.logger.Info("opened validation batch", "batchId", batch.BatchID)
	return batch.BatchID, nil
}

// CurrentBatchID returns the id of the in-progress batch.
func (m *BatchLifecycleManager) CurrentBatchID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBatchID
}

// RegisterSink adds a metric sink fed at every batch close.
func (m *BatchLifecycleManager) RegisterSink(s domain.MetricSink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// NoteCaseSubmitted increments the current batch's case counter. Counter
// bookkeeping is best-effort: a persistence failure is logged, not raised.
func (m *BatchLifecycleManager) NoteCaseSubmitted(ctx context.Context) {
	m.bumpCounter(ctx, func(b *domain.ValidationBatch) { b.CaseCount++ })
}

// NoteReviewSubmitted increments the current batch's review counter,
// best-effort like NoteCaseSubmitted.
func (m *BatchLifecycleManager) NoteReviewSubmitted(ctx context.Context) {
	m.bumpCounter(ctx, func(b *domain.ValidationBatch) { b.ReviewCount++ })
}

func (m *BatchLifecycleManager) bumpCounter(ctx context.Context, bump func(*domain.ValidationBatch)) {
	m.mu.Lock()
	id := m.currentBatchID
	m.mu.Unlock()
	if _, err := m.batches.UpdateBatch(ctx, id, func(b *domain.ValidationBatch) error {
		bump(b)
		return nil
	}); err != nil {
		m.ins.logger.Warn("batch counter update failed", "batchId", id, "error", err)
	}
}

// CompleteBatch aggregates metrics over the current batch's completed cases
// and their reviews, persists them as individual metric rows, marks the
// batch completed and opens a successor. Metric persistence failures abort
// the close; sink failures are logged and skipped.
func (m *BatchLifecycleManager) CompleteBatch(ctx context.Context) (out BatchCompletion, err error) {
	ctx, done := m.ins.begin(ctx, "complete_batch")
	defer func() { done(err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	batchID := m.currentBatchID
	completed, err := m.cases.ListCases(ctx, domain.CaseFilter{BatchID: batchID, Status: domain.CaseStatusCompleted})
	if err != nil {
		return BatchCompletion{}, fmt.Errorf("list batch cases: %w", err)
	}
	caseIDs := make([]string, 0, len(completed))
	diagnosisByCase := make(map[string]string, len(completed))
	for _, c := range completed {
		caseIDs = append(caseIDs, c.CaseID)
		diagnosisByCase[c.CaseID] = c.TraditionalDiagnosis.Diagnosis
	}
	reviews, err := m.reviews.ListReviewsByCases(ctx, caseIDs)
	if err != nil {
		return BatchCompletion{}, fmt.Errorf("list batch reviews: %w", err)
	}

	metrics := aggregateMetrics(completed, reviews, diagnosisByCase)

	now := m.ins.nowFn()
	rows := []domain.PerformanceMetric{
		{MetricName: domain.MetricAccuracyRate, Value: metrics.AccuracyRate, BatchID: batchID, Timestamp: now},
		{MetricName: domain.MetricConcordanceRate, Value: metrics.ConcordanceRate, BatchID: batchID, Timestamp: now},
	}
	for _, diagnosis := range sortedKeys(metrics.DisharmonyAccuracy) {
		rows = append(rows, domain.PerformanceMetric{
			MetricName: domain.MetricDisharmonyAccuracy,
			Value:      metrics.DisharmonyAccuracy[diagnosis],
			Diagnosis:  diagnosis,
			BatchID:    batchID,
			Timestamp:  now,
		})
	}
	for _, row := range rows {
		if err = m.metrics.InsertMetric(ctx, row); err != nil {
			return BatchCompletion{}, fmt.Errorf("persist %s metric: %w", row.MetricName, err)
		}
	}
	for _, sink := range m.sinks {
		for _, row := range rows {
			if sinkErr := sink.RecordMetric(ctx, row); sinkErr != nil {
				m.ins.logger.Warn("metric sink failed", "metric", row.MetricName, "batchId", batchID, "error", sinkErr)
				break
			}
		}
	}

	if _, err = m.batches.UpdateBatch(ctx, batchID, func(b *domain.ValidationBatch) error {
		b.Status = domain.BatchCompleted
		b.CompletedAt = &now
		snapshot := metrics
		b.Metrics = &snapshot
		return nil
	}); err != nil {
		return BatchCompletion{}, fmt.Errorf("mark batch completed: %w", err)
	}

	newID, err := m.openBatchLocked(ctx)
	if err != nil {
		return BatchCompletion{}, err
	}
	m.ins.logger.Info("completed validation batch",
		"batchId", batchID, "newBatchId", newID,
		"accuracyRate", metrics.AccuracyRate, "concordanceRate", metrics.ConcordanceRate)
	return BatchCompletion{CompletedBatchID: batchID, NewBatchID: newID, Metrics: metrics}, nil
}

// aggregateMetrics computes the batch-level accuracy and concordance figures.
// Every ratio with an empty denominator is 0, never an error.
func aggregateMetrics(cases []domain.ValidationCase, reviews []domain.ExpertReview, diagnosisByCase map[string]string) domain.BatchMetrics {
	metrics := domain.BatchMetrics{
		DisharmonyAccuracy: make(map[string]float64),
		CaseCount:          len(cases),
		ReviewCount:        len(reviews),
	}

	var accurate, withAccuracy, rated int
	var ratingSum float64
	perDiagnosisTotal := make(map[string]int)
	perDiagnosisAccurate := make(map[string]int)
	for _, r := range reviews {
		if r.IsAccurate != nil {
			withAccuracy++
			if *r.IsAccurate {
				accurate++
			}
		}
		if r.ConcordanceRating > 0 {
			rated++
			ratingSum += float64(r.ConcordanceRating)
		}
		diagnosis := diagnosisByCase[r.CaseID]
		if diagnosis == "" {
			continue
		}
		perDiagnosisTotal[diagnosis]++
		if r.IsAccurate != nil && *r.IsAccurate {
			perDiagnosisAccurate[diagnosis]++
		}
	}

	if withAccuracy > 0 {
		metrics.AccuracyRate = float64(accurate) / float64(withAccuracy)
	}
	if rated > 0 {
		metrics.ConcordanceRate = ratingSum / float64(rated)
	}
	for _, c := range cases {
		diagnosis := c.TraditionalDiagnosis.Diagnosis
		if diagnosis == "" {
			continue
		}
		if total := perDiagnosisTotal[diagnosis]; total > 0 {
			metrics.DisharmonyAccuracy[diagnosis] = float64(perDiagnosisAccurate[diagnosis]) / float64(total)
		} else {
			metrics.DisharmonyAccuracy[diagnosis] = 0
		}
	}
	return metrics
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetBatch returns a batch by id.
func (m *BatchLifecycleManager) GetBatch(ctx context.Context, batchID string) (domain.ValidationBatch, error) {
	return m.batches.GetBatch(ctx, batchID)
}

// ListMetrics returns persisted performance metric rows, newest first.
func (m *BatchLifecycleManager) ListMetrics(ctx context.Context, filter domain.MetricFilter) ([]domain.PerformanceMetric, error) {
	return m.metrics.ListMetrics(ctx, filter)
}
