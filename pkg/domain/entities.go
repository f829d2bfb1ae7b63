package domain

import "time"

// CaseStatus enumerates the validation-case lifecycle states.
type CaseStatus string

// Canonical case statuses. Insufficient is terminal and reachable only from
// pending; the main path is pending -> in_review -> completed.
const (
	CaseStatusPending      CaseStatus = "pending"
	CaseStatusInReview     CaseStatus = "in_review"
	CaseStatusCompleted    CaseStatus = "completed"
	CaseStatusInsufficient CaseStatus = "insufficient"
)

// CaseCategory classifies the provenance of a validation case.
type CaseCategory string

// Allowed case categories; submissions outside this set are rejected.
const (
	CategoryClinicalCase     CaseCategory = "clinical_case"
	CategoryResearchSample   CaseCategory = "research_sample"
	CategoryTeachingMaterial CaseCategory = "teaching_material"
	CategoryModelTraining    CaseCategory = "model_training"
)

// ValidCategory reports whether the category belongs to the allowed set.
func ValidCategory(c CaseCategory) bool {
	switch c {
	case CategoryClinicalCase, CategoryResearchSample, CategoryTeachingMaterial, CategoryModelTraining:
		return true
	}
	return false
}

// BatchStatus enumerates validation-batch states.
type BatchStatus string

// Batch statuses: exactly one in_progress batch is current at any time.
const (
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
)

// ParameterVersion is one immutable entry in the singly-linked version history.
// The JSON field names are a wire contract read by external tooling.
type ParameterVersion struct {
	Version            string            `json:"version"`
	Parameters         ParameterSnapshot `json:"parameters"`
	CreatedAt          time.Time         `json:"createdAt"`
	IsDefault          bool              `json:"isDefault"`
	Description        string            `json:"description"`
	UserID             string            `json:"userId"`
	IsExpertAdjustment bool              `json:"isExpertAdjustment"`
	PreviousVersion    string            `json:"previousVersion"`
	IsRollback         bool              `json:"isRollback,omitempty"`
	IsReset            bool              `json:"isReset,omitempty"`
}

// TraditionalDiagnosis carries the clinician-supplied diagnosis for a case.
type TraditionalDiagnosis struct {
	Diagnosis string `json:"diagnosis"`
	Syndrome  string `json:"syndrome,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// PatientInfo is the de-identified patient context attached to a case.
type PatientInfo struct {
	Age    int    `json:"age,omitempty"`
	Gender string `json:"gender,omitempty"`
	Region string `json:"region,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// DiagnosisResult is the output of the external voice-diagnosis collaborator.
type DiagnosisResult struct {
	DominantTone       string             `json:"dominantTone"`
	PredictedDiagnosis string             `json:"predictedDiagnosis"`
	Confidence         float64            `json:"confidence"`
	ToneScores         map[string]float64 `json:"toneScores,omitempty"`
	DetectedFeatures   []string           `json:"detectedFeatures,omitempty"`
	AnalyzedAt         time.Time          `json:"analyzedAt"`
}

// ValidationCase is a clinical validation case owned by the case lifecycle
// manager. Cases are never deleted; they form the audit trail.
type ValidationCase struct {
	CaseID               string               `json:"caseId"`
	PatientInfo          PatientInfo          `json:"patientInfo"`
	TraditionalDiagnosis TraditionalDiagnosis `json:"traditionalDiagnosis"`
	AudioReference       string               `json:"audioReference,omitempty"`
	Category             CaseCategory         `json:"category"`
	Status               CaseStatus           `json:"status"`
	BatchID              string               `json:"batchId"`
	VoiceDiagnosisResult *DiagnosisResult     `json:"voiceDiagnosisResult,omitempty"`
	DiagnosisError       string               `json:"diagnosisError,omitempty"`
	ReviewIDs            []string             `json:"reviewIds"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// ConcordanceAnalysis qualifies how well the automated diagnosis matched.
type ConcordanceAnalysis struct {
	MatchLevel string   `json:"matchLevel,omitempty"`
	MatchScore *float64 `json:"matchScore,omitempty"`
}

// ReviewSuggestion is a field-level correction proposed by the expert.
type ReviewSuggestion struct {
	Field        string `json:"field"`
	CorrectValue string `json:"correctValue"`
	Note         string `json:"note,omitempty"`
}

// ExpertReview is an immutable expert assessment of a diagnosed case.
type ExpertReview struct {
	ReviewID            string              `json:"reviewId"`
	CaseID              string              `json:"caseId"`
	ExpertID            string              `json:"expertId"`
	ConcordanceRating   int                 `json:"concordanceRating"`
	ConcordanceAnalysis ConcordanceAnalysis `json:"concordanceAnalysis"`
	Suggestions         []ReviewSuggestion  `json:"suggestions,omitempty"`
	IsAccurate          *bool               `json:"isAccurate,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
}

// BatchMetrics aggregates accuracy and concordance over a completed batch.
type BatchMetrics struct {
	AccuracyRate       float64            `json:"accuracyRate"`
	ConcordanceRate    float64            `json:"concordanceRate"`
	DisharmonyAccuracy map[string]float64 `json:"disharmonyAccuracy"`
	CaseCount          int                `json:"caseCount"`
	ReviewCount        int                `json:"reviewCount"`
}

// ValidationBatch groups cases for aggregate metric computation.
type ValidationBatch struct {
	BatchID     string        `json:"batchId"`
	Status      BatchStatus   `json:"status"`
	CaseCount   int           `json:"caseCount"`
	ReviewCount int           `json:"reviewCount"`
	Metrics     *BatchMetrics `json:"metrics,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// PerformanceMetric is one row of the append-only metric time series produced
// at batch close.
type PerformanceMetric struct {
	MetricName string    `json:"metricName"`
	Value      float64   `json:"value"`
	Diagnosis  string    `json:"diagnosis,omitempty"`
	BatchID    string    `json:"batchId"`
	Timestamp  time.Time `json:"timestamp"`
}

// Metric names emitted at batch close.
const (
	MetricAccuracyRate       = "accuracy_rate"
	MetricConcordanceRate    = "concordance_rate"
	MetricDisharmonyAccuracy = "disharmony_accuracy"
)
