package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"diagcore/internal/infra/blob"
	"diagcore/pkg/domain"
)

// CaseSubmission is the input to SubmitCase. Exactly one of AudioReference or
// AudioData must be supplied; both is allowed.
type CaseSubmission struct {
	CaseID               string
	PatientInfo          domain.PatientInfo
	TraditionalDiagnosis domain.TraditionalDiagnosis
	AudioReference       string
	AudioData            []byte
	Category             domain.CaseCategory
}

// ReviewSubmission is the input to SubmitExpertReview.
type ReviewSubmission struct {
	CaseID              string
	ExpertID            string
	ConcordanceRating   int
	ConcordanceAnalysis domain.ConcordanceAnalysis
	Suggestions         []domain.ReviewSuggestion
	IsAccurate          *bool
	// ApplyAdjustment derives an adjustment payload from the review and
	// feeds it to the adjustment engine as an expert adjustment.
	ApplyAdjustment bool
}

// CaseLifecycleManager drives validation cases from submission through
// automated diagnosis and expert review to completion. Mutating entry points
// are serialized by the manager's mutex.
type CaseLifecycleManager struct {
	mu       sync.Mutex
	cases    domain.CaseStore
	reviews  domain.ReviewStore
	blobs    blob.Store
	provider domain.DiagnosisProvider
	adjuster *AdjustmentEngine
	batches  *BatchLifecycleManager
	ins      instrumentation
}

// NewCaseLifecycleManager wires the case manager. The blob store and
// diagnosis provider may be nil; cases then carry external audio references
// only and stay pending until a diagnosis is recorded explicitly.
func NewCaseLifecycleManager(cases domain.CaseStore, reviews domain.ReviewStore, blobs blob.Store, provider domain.DiagnosisProvider, adjuster *AdjustmentEngine, batches *BatchLifecycleManager, opts ...Option) *CaseLifecycleManager {
	return &CaseLifecycleManager{
		cases:    cases,
		reviews:  reviews,
		blobs:    blobs,
		provider: provider,
		adjuster: adjuster,
		batches:  batches,
		ins:      newInstrumentation(opts),
	}
}

// SubmitCase validates and persists a new case in the current batch. When
// inline audio is supplied the external voice-diagnosis collaborator runs
// immediately: on success the case moves to in_review, on failure to
// insufficient with the error recorded, and the failure is returned.
func (m *CaseLifecycleManager) SubmitCase(ctx context.Context, sub CaseSubmission) (c domain.ValidationCase, err error) {
	ctx, done := m.ins.begin(ctx, "submit_case")
	defer func() { done(err) }()

	if err = validateSubmission(sub); err != nil {
		return domain.ValidationCase{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.ins.nowFn()
	c = domain.ValidationCase{
		CaseID:               sub.CaseID,
		PatientInfo:          sub.PatientInfo,
		TraditionalDiagnosis: sub.TraditionalDiagnosis,
		AudioReference:       sub.AudioReference,
		Category:             sub.Category,
		Status:               domain.CaseStatusPending,
		BatchID:              m.batches.CurrentBatchID(),
		ReviewIDs:            []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if c.CaseID == "" {
		c.CaseID = uuid.NewString()
	}

	if len(sub.AudioData) > 0 && m.blobs != nil {
		key := fmt.Sprintf("cases/%s/audio", c.CaseID)
		if _, blobErr := m.blobs.Put(ctx, key, bytes.NewReader(sub.AudioData), blob.PutOptions{ContentType: "audio/wav"}); blobErr != nil {
			// Audio archival is best-effort; the analysis still runs on
			// the inline bytes.
			m.ins.logger.Warn("audio blob write failed", "caseId", c.CaseID, "error", blobErr)
		} else if c.AudioReference == "" {
			c.AudioReference = key
		}
	}

	if err = m.cases.CreateCase(ctx, c); err != nil {
		return domain.ValidationCase{}, err
	}
	m.batches.NoteCaseSubmitted(ctx)
	m.ins.logger.Info("case submitted", "caseId", c.CaseID, "batchId", c.BatchID, "category", c.Category)

	if len(sub.AudioData) == 0 {
		return c, nil
	}
	return m.runDiagnosisLocked(ctx, c, sub.AudioData)
}

func validateSubmission(sub CaseSubmission) error {
	if sub.PatientInfo == (domain.PatientInfo{}) {
		return domain.ValidationError{Field: "patientInfo", Reason: "required"}
	}
	if sub.TraditionalDiagnosis.Diagnosis == "" {
		return domain.ValidationError{Field: "traditionalDiagnosis.diagnosis", Reason: "required"}
	}
	if sub.AudioReference == "" && len(sub.AudioData) == 0 {
		return domain.ValidationError{Field: "audio", Reason: "audioReference or inline audio data required"}
	}
	if !domain.ValidCategory(sub.Category) {
		return domain.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", sub.Category)}
	}
	return nil
}

// runDiagnosisLocked invokes the voice-diagnosis collaborator for a pending
// case and applies the resulting state transition. Callers hold m.mu.
func (m *CaseLifecycleManager) runDiagnosisLocked(ctx context.Context, c domain.ValidationCase, audio []byte) (domain.ValidationCase, error) {
	if m.provider == nil {
		return c, nil
	}
	result, err := m.provider.Analyze(ctx, audio, c.CaseID, c.PatientInfo)
	if err != nil {
		failed, updateErr := m.cases.UpdateCase(ctx, c.CaseID, func(vc *domain.ValidationCase) error {
			vc.Status = domain.CaseStatusInsufficient
			vc.DiagnosisError = err.Error()
			vc.UpdatedAt = m.ins.nowFn()
			return nil
		})
		if updateErr != nil {
			m.ins.logger.Error("marking case insufficient failed", "caseId", c.CaseID, "error", updateErr)
			failed = c
		}
		m.ins.logger.Warn("voice diagnosis failed", "caseId", c.CaseID, "error", err)
		return failed, domain.DiagnosisError{CaseID: c.CaseID, Err: err}
	}
	return m.cases.UpdateCase(ctx, c.CaseID, func(vc *domain.ValidationCase) error {
		vc.VoiceDiagnosisResult = &result
		vc.Status = domain.CaseStatusInReview
		vc.UpdatedAt = m.ins.nowFn()
		return nil
	})
}

// RecordDiagnosis attaches an externally produced diagnosis result to a
// pending case and moves it to in_review. Used when analysis runs out of band
// against the case's audio reference.
func (m *CaseLifecycleManager) RecordDiagnosis(ctx context.Context, caseID string, result domain.DiagnosisResult) (c domain.ValidationCase, err error) {
	ctx, done := m.ins.begin(ctx, "record_diagnosis")
	defer func() { done(err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cases.UpdateCase(ctx, caseID, func(vc *domain.ValidationCase) error {
		if vc.Status != domain.CaseStatusPending {
			return domain.ConflictError{Entity: domain.EntityCase, ID: caseID, Reason: fmt.Sprintf("cannot record diagnosis in status %s", vc.Status)}
		}
		vc.VoiceDiagnosisResult = &result
		vc.Status = domain.CaseStatusInReview
		vc.UpdatedAt = m.ins.nowFn()
		return nil
	})
}

// SimulateDiagnosis re-runs the voice-diagnosis collaborator against a
// pending case using the supplied audio payload. It follows the same success
// and failure transitions as inline submission.
func (m *CaseLifecycleManager) SimulateDiagnosis(ctx context.Context, caseID string, audio []byte) (c domain.ValidationCase, err error) {
	ctx, done := m.ins.begin(ctx, "simulate_diagnosis")
	defer func() { done(err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err = m.cases.GetCase(ctx, caseID)
	if err != nil {
		return domain.ValidationCase{}, err
	}
	if c.Status != domain.CaseStatusPending {
		return domain.ValidationCase{}, domain.ConflictError{Entity: domain.EntityCase, ID: caseID, Reason: fmt.Sprintf("cannot diagnose in status %s", c.Status)}
	}
	return m.runDiagnosisLocked(ctx, c, audio)
}

// SubmitExpertReview persists an expert review against a diagnosed case and
// completes the case. When the submission requests it, an adjustment payload
// is derived from the review and fed to the adjustment engine.
func (m *CaseLifecycleManager) SubmitExpertReview(ctx context.Context, sub ReviewSubmission) (review domain.ExpertReview, outcome *AdjustmentOutcome, err error) {
	ctx, done := m.ins.begin(ctx, "submit_expert_review")
	defer func() { done(err) }()

	if sub.CaseID == "" {
		return domain.ExpertReview{}, nil, domain.ValidationError{Field: "caseId", Reason: "required"}
	}
	if sub.ExpertID == "" {
		return domain.ExpertReview{}, nil, domain.ValidationError{Field: "expertId", Reason: "required"}
	}
	if sub.ConcordanceRating < 1 || sub.ConcordanceRating > 5 {
		return domain.ExpertReview{}, nil, domain.ValidationError{Field: "concordanceRating", Reason: "must be an integer between 1 and 5"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.cases.GetCase(ctx, sub.CaseID)
	if err != nil {
		return domain.ExpertReview{}, nil, err
	}
	if c.VoiceDiagnosisResult == nil {
		return domain.ExpertReview{}, nil, domain.ValidationError{Field: "caseId", Reason: fmt.Sprintf("case %s is not yet diagnosed", sub.CaseID)}
	}

	review = domain.ExpertReview{
		ReviewID:            uuid.NewString(),
		CaseID:              sub.CaseID,
		ExpertID:            sub.ExpertID,
		ConcordanceRating:   sub.ConcordanceRating,
		ConcordanceAnalysis: sub.ConcordanceAnalysis,
		Suggestions:         sub.Suggestions,
		IsAccurate:          sub.IsAccurate,
		CreatedAt:           m.ins.nowFn(),
	}
	if err = m.reviews.CreateReview(ctx, review); err != nil {
		return domain.ExpertReview{}, nil, err
	}
	if _, err = m.cases.UpdateCase(ctx, sub.CaseID, func(vc *domain.ValidationCase) error {
		vc.ReviewIDs = append(vc.ReviewIDs, review.ReviewID)
		vc.Status = domain.CaseStatusCompleted
		vc.UpdatedAt = m.ins.nowFn()
		return nil
	}); err != nil {
		return domain.ExpertReview{}, nil, err
	}
	m.batches.NoteReviewSubmitted(ctx)
	m.ins.logger.Info("expert review submitted",
		"caseId", sub.CaseID, "reviewId", review.ReviewID, "rating", sub.ConcordanceRating)

	if !sub.ApplyAdjustment || m.adjuster == nil {
		return review, nil, nil
	}

	payload := m.buildAdjustmentPayload(c, review)
	if payload.Len() == 0 {
		m.ins.logger.Debug("review produced no adjustable terms", "caseId", sub.CaseID)
		return review, nil, nil
	}
	out, err := m.adjuster.ApplyAdjustments(ctx, payload, AdjustmentOptions{
		IsExpertAdjustment: true,
		Description:        fmt.Sprintf("expert review %s for case %s", review.ReviewID, sub.CaseID),
		AuthorID:           sub.ExpertID,
	})
	if err != nil {
		return domain.ExpertReview{}, nil, err
	}
	return review, &out, nil
}

// buildAdjustmentPayload derives the parameter edits implied by a review.
// When the predicted diagnosis matches the clinician's, the review's match
// score reinforces the dominant tone's mapping to that diagnosis; every
// detected feature reinforces the feature mapping under the diagnosis.
func (m *CaseLifecycleManager) buildAdjustmentPayload(c domain.ValidationCase, review domain.ExpertReview) domain.AdjustmentPayload {
	result := c.VoiceDiagnosisResult
	diagnosis := c.TraditionalDiagnosis.Diagnosis

	score := 0.5
	if review.ConcordanceAnalysis.MatchScore != nil {
		score = *review.ConcordanceAnalysis.MatchScore
	}

	payload := domain.Group(nil)
	if result.PredictedDiagnosis == diagnosis && result.DominantTone != "" {
		m.accumulate(payload, score, "toneDisharmonyMapping", result.DominantTone, diagnosis)
	}
	for _, feature := range result.DetectedFeatures {
		m.accumulate(payload, score, "featureDisharmonyMapping", diagnosis, feature)
	}
	return payload
}

// accumulate adds delta on top of the live snapshot's value at the path and
// writes the sum into the payload, creating intermediate groups as needed.
func (m *CaseLifecycleManager) accumulate(payload domain.AdjustmentPayload, delta float64, path ...string) {
	current := 0.0
	node := m.adjuster.CurrentSnapshot()
	for i, name := range path {
		child, ok := node.Child(name)
		if !ok {
			break
		}
		if i == len(path)-1 && child.IsLeaf() {
			current = child.Value()
		}
		node = child
	}

	leaf := path[len(path)-1]
	group := payload
	for _, name := range path[:len(path)-1] {
		next, ok := group.Child(name)
		if !ok || next.IsLeaf() {
			next = domain.Group(nil)
			group.SetChild(name, next)
		}
		group = next
	}
	group.SetChild(leaf, domain.Leaf(current+delta))
}

// GetCase returns a single case by id.
func (m *CaseLifecycleManager) GetCase(ctx context.Context, caseID string) (domain.ValidationCase, error) {
	return m.cases.GetCase(ctx, caseID)
}

// ListCases returns cases matching the filter, newest first.
func (m *CaseLifecycleManager) ListCases(ctx context.Context, filter domain.CaseFilter) ([]domain.ValidationCase, error) {
	return m.cases.ListCases(ctx, filter)
}
