// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"diagcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// ParameterVersion aliases domain.ParameterVersion for in-memory persistence operations.
	ParameterVersion = domain.ParameterVersion
	// ValidationCase aliases domain.ValidationCase.
	ValidationCase = domain.ValidationCase
	// ExpertReview aliases domain.ExpertReview.
	ExpertReview = domain.ExpertReview
	// ValidationBatch aliases domain.ValidationBatch.
	ValidationBatch = domain.ValidationBatch
	// PerformanceMetric aliases domain.PerformanceMetric.
	PerformanceMetric = domain.PerformanceMetric
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

// memoryState holds each bucket in insertion order; newest records are at the
// tail. Listings read the slices back to front.
type memoryState struct {
	versions []ParameterVersion
	cases    []ValidationCase
	reviews  []ExpertReview
	batches  []ValidationBatch
	metrics  []PerformanceMetric
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Versions []ParameterVersion  `json:"versions"`
	Cases    []ValidationCase    `json:"cases"`
	Reviews  []ExpertReview      `json:"reviews"`
	Batches  []ValidationBatch   `json:"batches"`
	Metrics  []PerformanceMetric `json:"metrics"`
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Versions: make([]ParameterVersion, 0, len(state.versions)),
		Cases:    make([]ValidationCase, 0, len(state.cases)),
		Reviews:  make([]ExpertReview, 0, len(state.reviews)),
		Batches:  make([]ValidationBatch, 0, len(state.batches)),
		Metrics:  make([]PerformanceMetric, 0, len(state.metrics)),
	}
	for _, v := range state.versions {
		s.Versions = append(s.Versions, cloneVersion(v))
	}
	for _, c := range state.cases {
		s.Cases = append(s.Cases, cloneCase(c))
	}
	for _, r := range state.reviews {
		s.Reviews = append(s.Reviews, cloneReview(r))
	}
	for _, b := range state.batches {
		s.Batches = append(s.Batches, cloneBatch(b))
	}
	s.Metrics = append(s.Metrics, state.metrics...)
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{}
	for _, v := range s.Versions {
		state.versions = append(state.versions, cloneVersion(v))
	}
	for _, c := range s.Cases {
		state.cases = append(state.cases, cloneCase(c))
	}
	for _, r := range s.Reviews {
		state.reviews = append(state.reviews, cloneReview(r))
	}
	for _, b := range s.Batches {
		state.batches = append(state.batches, cloneBatch(b))
	}
	state.metrics = append(state.metrics, s.Metrics...)
	return state
}

// Store is the mutex-guarded in-memory persistence backend.
type Store struct {
	mu    sync.RWMutex
	state memoryState
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{}
}

func cloneVersion(v ParameterVersion) ParameterVersion {
	if v.Parameters != nil {
		v.Parameters = v.Parameters.Clone()
	}
	return v
}

func cloneCase(c ValidationCase) ValidationCase {
	if c.VoiceDiagnosisResult != nil {
		result := *c.VoiceDiagnosisResult
		if result.ToneScores != nil {
			scores := make(map[string]float64, len(result.ToneScores))
			for k, v := range result.ToneScores {
				scores[k] = v
			}
			result.ToneScores = scores
		}
		result.DetectedFeatures = append([]string(nil), result.DetectedFeatures...)
		c.VoiceDiagnosisResult = &result
	}
	c.ReviewIDs = append([]string{}, c.ReviewIDs...)
	return c
}

func cloneReview(r ExpertReview) ExpertReview {
	if r.ConcordanceAnalysis.MatchScore != nil {
		score := *r.ConcordanceAnalysis.MatchScore
		r.ConcordanceAnalysis.MatchScore = &score
	}
	r.Suggestions = append([]domain.ReviewSuggestion(nil), r.Suggestions...)
	if r.IsAccurate != nil {
		accurate := *r.IsAccurate
		r.IsAccurate = &accurate
	}
	return r
}

func cloneBatch(b ValidationBatch) ValidationBatch {
	if b.Metrics != nil {
		metrics := *b.Metrics
		if metrics.DisharmonyAccuracy != nil {
			acc := make(map[string]float64, len(metrics.DisharmonyAccuracy))
			for k, v := range metrics.DisharmonyAccuracy {
				acc[k] = v
			}
			metrics.DisharmonyAccuracy = acc
		}
		b.Metrics = &metrics
	}
	if b.CompletedAt != nil {
		at := *b.CompletedAt
		b.CompletedAt = &at
	}
	return b
}

// SaveVersion appends an immutable parameter version. An empty id is
// assigned; a duplicate id or a second default version is rejected.
func (s *Store) SaveVersion(_ context.Context, version ParameterVersion) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version.Version == "" {
		version.Version = uuid.NewString()
	}
	for _, existing := range s.state.versions {
		if existing.Version == version.Version {
			return "", domain.ConflictError{Entity: domain.EntityVersion, ID: version.Version, Reason: "duplicate id"}
		}
		if version.IsDefault && existing.IsDefault {
			return "", domain.ConflictError{Entity: domain.EntityVersion, ID: version.Version, Reason: "default version already exists"}
		}
	}
	s.state.versions = append(s.state.versions, cloneVersion(version))
	return version.Version, nil
}

// FindVersion returns a version by id.
func (s *Store) FindVersion(_ context.Context, id string) (ParameterVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.state.versions {
		if v.Version == id {
			return cloneVersion(v), nil
		}
	}
	return ParameterVersion{}, domain.NotFoundError{Entity: domain.EntityVersion, ID: id}
}

// FindDefaultVersion returns the single default version.
func (s *Store) FindDefaultVersion(_ context.Context) (ParameterVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.state.versions {
		if v.IsDefault {
			return cloneVersion(v), nil
		}
	}
	return ParameterVersion{}, domain.NotFoundError{Entity: domain.EntityVersion, ID: "default"}
}

// FindLatestVersion returns the most recently saved version, optionally
// skipping the default.
func (s *Store) FindLatestVersion(_ context.Context, excludeDefault bool) (ParameterVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.state.versions) - 1; i >= 0; i-- {
		v := s.state.versions[i]
		if excludeDefault && v.IsDefault {
			continue
		}
		return cloneVersion(v), nil
	}
	return ParameterVersion{}, domain.NotFoundError{Entity: domain.EntityVersion, ID: "latest"}
}

// ListRecentVersions returns versions newest first; limit <= 0 means all.
func (s *Store) ListRecentVersions(_ context.Context, limit int) ([]ParameterVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ParameterVersion, 0, len(s.state.versions))
	for i := len(s.state.versions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneVersion(s.state.versions[i]))
	}
	return out, nil
}

// CreateCase persists a new case; duplicate ids are rejected.
func (s *Store) CreateCase(_ context.Context, c ValidationCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.cases {
		if existing.CaseID == c.CaseID {
			return domain.ConflictError{Entity: domain.EntityCase, ID: c.CaseID, Reason: "duplicate id"}
		}
	}
	s.state.cases = append(s.state.cases, cloneCase(c))
	return nil
}

// GetCase returns a case by id.
func (s *Store) GetCase(_ context.Context, id string) (ValidationCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.state.cases {
		if c.CaseID == id {
			return cloneCase(c), nil
		}
	}
	return ValidationCase{}, domain.NotFoundError{Entity: domain.EntityCase, ID: id}
}

// UpdateCase applies the mutator to a copy of the stored case and swaps it in
// atomically when the mutator succeeds.
func (s *Store) UpdateCase(_ context.Context, id string, mutator func(*ValidationCase) error) (ValidationCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.state.cases {
		if c.CaseID != id {
			continue
		}
		updated := cloneCase(c)
		if err := mutator(&updated); err != nil {
			return ValidationCase{}, err
		}
		updated.CaseID = id
		s.state.cases[i] = updated
		return cloneCase(updated), nil
	}
	return ValidationCase{}, domain.NotFoundError{Entity: domain.EntityCase, ID: id}
}

// ListCases returns cases matching the filter, newest first.
func (s *Store) ListCases(_ context.Context, filter domain.CaseFilter) ([]ValidationCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ValidationCase
	skipped := 0
	for i := len(s.state.cases) - 1; i >= 0; i-- {
		c := s.state.cases[i]
		if filter.BatchID != "" && c.BatchID != filter.BatchID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		out = append(out, cloneCase(c))
	}
	return out, nil
}

// CreateReview persists an immutable review; duplicate ids are rejected.
func (s *Store) CreateReview(_ context.Context, r ExpertReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.reviews {
		if existing.ReviewID == r.ReviewID {
			return domain.ConflictError{Entity: domain.EntityReview, ID: r.ReviewID, Reason: "duplicate id"}
		}
	}
	s.state.reviews = append(s.state.reviews, cloneReview(r))
	return nil
}

// GetReview returns a review by id.
func (s *Store) GetReview(_ context.Context, id string) (ExpertReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.state.reviews {
		if r.ReviewID == id {
			return cloneReview(r), nil
		}
	}
	return ExpertReview{}, domain.NotFoundError{Entity: domain.EntityReview, ID: id}
}

// ListReviewsByCases returns every review referencing one of the case ids,
// oldest first.
func (s *Store) ListReviewsByCases(_ context.Context, caseIDs []string) ([]ExpertReview, error) {
	wanted := make(map[string]struct{}, len(caseIDs))
	for _, id := range caseIDs {
		wanted[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExpertReview
	for _, r := range s.state.reviews {
		if _, ok := wanted[r.CaseID]; ok {
			out = append(out, cloneReview(r))
		}
	}
	return out, nil
}

// CreateBatch persists a new batch; duplicate ids are rejected.
func (s *Store) CreateBatch(_ context.Context, b ValidationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.batches {
		if existing.BatchID == b.BatchID {
			return domain.ConflictError{Entity: domain.EntityBatch, ID: b.BatchID, Reason: "duplicate id"}
		}
	}
	s.state.batches = append(s.state.batches, cloneBatch(b))
	return nil
}

// GetBatch returns a batch by id.
func (s *Store) GetBatch(_ context.Context, id string) (ValidationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.state.batches {
		if b.BatchID == id {
			return cloneBatch(b), nil
		}
	}
	return ValidationBatch{}, domain.NotFoundError{Entity: domain.EntityBatch, ID: id}
}

// UpdateBatch applies the mutator to a copy of the stored batch and swaps it
// in atomically when the mutator succeeds.
func (s *Store) UpdateBatch(_ context.Context, id string, mutator func(*ValidationBatch) error) (ValidationBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.state.batches {
		if b.BatchID != id {
			continue
		}
		updated := cloneBatch(b)
		if err := mutator(&updated); err != nil {
			return ValidationBatch{}, err
		}
		updated.BatchID = id
		s.state.batches[i] = updated
		return cloneBatch(updated), nil
	}
	return ValidationBatch{}, domain.NotFoundError{Entity: domain.EntityBatch, ID: id}
}

// FindLatestBatch returns the most recently created batch.
func (s *Store) FindLatestBatch(_ context.Context) (ValidationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.state.batches) == 0 {
		return ValidationBatch{}, domain.NotFoundError{Entity: domain.EntityBatch, ID: "latest"}
	}
	return cloneBatch(s.state.batches[len(s.state.batches)-1]), nil
}

// InsertMetric appends one row to the metric time series.
func (s *Store) InsertMetric(_ context.Context, m PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.metrics = append(s.state.metrics, m)
	return nil
}

// ListMetrics returns metric rows matching the filter, newest first.
func (s *Store) ListMetrics(_ context.Context, filter domain.MetricFilter) ([]PerformanceMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PerformanceMetric
	for i := len(s.state.metrics) - 1; i >= 0; i-- {
		m := s.state.metrics[i]
		if filter.BatchID != "" && m.BatchID != filter.BatchID {
			continue
		}
		if filter.MetricName != "" && m.MetricName != filter.MetricName {
			continue
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

// ExportState returns a deep copy of the store state for durable snapshots.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}
