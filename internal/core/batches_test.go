package core

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"diagcore/internal/infra/persistence/memory"
	"diagcore/pkg/domain"
)

type recordingSink struct {
	rows []domain.PerformanceMetric
	err  error
}

func (s *recordingSink) RecordMetric(_ context.Context, m domain.PerformanceMetric) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, m)
	return nil
}

type failingMetricStore struct {
	*memory.Store
	failInsert bool
}

func (s *failingMetricStore) InsertMetric(ctx context.Context, m domain.PerformanceMetric) error {
	if s.failInsert {
		return fmt.Errorf("metric table unavailable")
	}
	return s.Store.InsertMetric(ctx, m)
}

type failingBatchStore struct {
	*memory.Store
	failUpdate bool
}

func (s *failingBatchStore) UpdateBatch(ctx context.Context, id string, mutator func(*domain.ValidationBatch) error) (domain.ValidationBatch, error) {
	if s.failUpdate {
		return domain.ValidationBatch{}, fmt.Errorf("batch table unavailable")
	}
	return s.Store.UpdateBatch(ctx, id, mutator)
}

func newBatchManager(t *testing.T, store domain.PersistentStore) *BatchLifecycleManager {
	t.Helper()
	m, err := NewBatchLifecycleManager(context.Background(), store, store, store, store, WithClock(newFakeClock().Now))
	if err != nil {
		t.Fatalf("NewBatchLifecycleManager: %v", err)
	}
	return m
}

func seedCompletedCase(t *testing.T, store *memory.Store, batchID, caseID, diagnosis string) {
	t.Helper()
	err := store.CreateCase(context.Background(), domain.ValidationCase{
		CaseID:               caseID,
		PatientInfo:          domain.PatientInfo{Age: 50},
		TraditionalDiagnosis: domain.TraditionalDiagnosis{Diagnosis: diagnosis},
		AudioReference:       "ref-" + caseID,
		Category:             domain.CategoryClinicalCase,
		Status:               domain.CaseStatusCompleted,
		BatchID:              batchID,
		CreatedAt:            time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed case %s: %v", caseID, err)
	}
}

func seedReview(t *testing.T, store *memory.Store, reviewID, caseID string, rating int, accurate *bool) {
	t.Helper()
	err := store.CreateReview(context.Background(), domain.ExpertReview{
		ReviewID:          reviewID,
		CaseID:            caseID,
		ExpertID:          "expert-1",
		ConcordanceRating: rating,
		IsAccurate:        accurate,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed review %s: %v", reviewID, err)
	}
}

func boolPtr(v bool) *bool { return &v }

func TestManagerResumesInProgressBatch(t *testing.T) {
	store := memory.NewStore()
	first := newBatchManager(t, store)
	id := first.CurrentBatchID()

	second := newBatchManager(t, store)
	if second.CurrentBatchID() != id {
		t.Fatalf("resumed batch %q, want %q", second.CurrentBatchID(), id)
	}
}

func TestManagerOpensFreshBatchAfterCompletion(t *testing.T) {
	store := memory.NewStore()
	first := newBatchManager(t, store)
	out, err := first.CompleteBatch(context.Background())
	if err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}

	second := newBatchManager(t, store)
	if second.CurrentBatchID() != out.NewBatchID {
		t.Fatalf("resumed batch %q, want successor %q", second.CurrentBatchID(), out.NewBatchID)
	}
}

func TestCompleteBatchWithoutReviewsYieldsZeroRates(t *testing.T) {
	store := memory.NewStore()
	m := newBatchManager(t, store)
	batchID := m.CurrentBatchID()

	out, err := m.CompleteBatch(context.Background())
	if err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	if out.CompletedBatchID != batchID {
		t.Fatalf("completed %q, want %q", out.CompletedBatchID, batchID)
	}
	if out.Metrics.AccuracyRate != 0 || out.Metrics.ConcordanceRate != 0 {
		t.Fatalf("rates %+v, want zeros", out.Metrics)
	}
	if out.NewBatchID == "" || out.NewBatchID == batchID {
		t.Fatalf("no fresh batch opened: %q", out.NewBatchID)
	}

	closed, err := m.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if closed.Status != domain.BatchCompleted || closed.CompletedAt == nil {
		t.Fatalf("batch not marked completed: %+v", closed)
	}

	rows, err := m.ListMetrics(context.Background(), domain.MetricFilter{BatchID: batchID})
	if err != nil {
		t.Fatalf("ListMetrics: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("metric rows %d, want accuracy and concordance only", len(rows))
	}
}

func TestCompleteBatchAggregatesMetrics(t *testing.T) {
	store := memory.NewStore()
	m := newBatchManager(t, store)
	batchID := m.CurrentBatchID()

	seedCompletedCase(t, store, batchID, "case-1", "脾虚")
	seedCompletedCase(t, store, batchID, "case-2", "肺气虚")
	seedReview(t, store, "rev-1", "case-1", 5, boolPtr(true))
	seedReview(t, store, "rev-2", "case-1", 3, boolPtr(false))
	seedReview(t, store, "rev-3", "case-2", 4, nil)

	out, err := m.CompleteBatch(context.Background())
	if err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	if math.Abs(out.Metrics.AccuracyRate-0.5) > 1e-9 {
		t.Fatalf("accuracyRate %v, want 0.5", out.Metrics.AccuracyRate)
	}
	if math.Abs(out.Metrics.ConcordanceRate-4) > 1e-9 {
		t.Fatalf("concordanceRate %v, want 4", out.Metrics.ConcordanceRate)
	}
	if got := out.Metrics.DisharmonyAccuracy["脾虚"]; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("disharmonyAccuracy[脾虚] %v, want 0.5", got)
	}
	if got := out.Metrics.DisharmonyAccuracy["肺气虚"]; got != 0 {
		t.Fatalf("disharmonyAccuracy[肺气虚] %v, want 0", got)
	}
	if out.Metrics.CaseCount != 2 || out.Metrics.ReviewCount != 3 {
		t.Fatalf("counts %+v", out.Metrics)
	}

	rows, err := m.ListMetrics(context.Background(), domain.MetricFilter{BatchID: batchID, MetricName: domain.MetricDisharmonyAccuracy})
	if err != nil {
		t.Fatalf("ListMetrics: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("disharmony rows %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.Diagnosis == "" {
			t.Fatalf("disharmony row missing diagnosis label: %+v", row)
		}
	}
}

func TestCompleteBatchFeedsSinksBestEffort(t *testing.T) {
	store := memory.NewStore()
	m := newBatchManager(t, store)
	broken := &recordingSink{err: fmt.Errorf("scrape endpoint down")}
	healthy := &recordingSink{}
	m.RegisterSink(broken)
	m.RegisterSink(healthy)

	if _, err := m.CompleteBatch(context.Background()); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	if len(healthy.rows) != 2 {
		t.Fatalf("healthy sink rows %d, want 2", len(healthy.rows))
	}
}

func TestMetricInsertFailureAbortsClose(t *testing.T) {
	store := &failingMetricStore{Store: memory.NewStore()}
	m, err := NewBatchLifecycleManager(context.Background(), store, store, store, store, WithClock(newFakeClock().Now))
	if err != nil {
		t.Fatalf("NewBatchLifecycleManager: %v", err)
	}
	batchID := m.CurrentBatchID()

	store.failInsert = true
	if _, err := m.CompleteBatch(context.Background()); err == nil {
		t.Fatalf("expected metric persistence failure to abort")
	}
	if m.CurrentBatchID() != batchID {
		t.Fatalf("current batch advanced after failed close")
	}
	current, err := m.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if current.Status != domain.BatchInProgress {
		t.Fatalf("batch status %s after failed close, want in_progress", current.Status)
	}
}

func TestCounterFailureIsSwallowed(t *testing.T) {
	store := &failingBatchStore{Store: memory.NewStore()}
	m, err := NewBatchLifecycleManager(context.Background(), store, store, store, store, WithClock(newFakeClock().Now))
	if err != nil {
		t.Fatalf("NewBatchLifecycleManager: %v", err)
	}

	store.failUpdate = true
	m.NoteCaseSubmitted(context.Background())
	m.NoteReviewSubmitted(context.Background())

	store.failUpdate = false
	batch, err := m.GetBatch(context.Background(), m.CurrentBatchID())
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if batch.CaseCount != 0 || batch.ReviewCount != 0 {
		t.Fatalf("counters advanced despite failing store: %+v", batch)
	}
}
