package diagnosis

import (
	"context"

	"diagcore/pkg/domain"
)

// Stub is a canned DiagnosisProvider for tests and offline environments.
type Stub struct {
	Result domain.DiagnosisResult
	Err    error
	Calls  int
}

var _ domain.DiagnosisProvider = (*Stub)(nil)

// Analyze returns the canned result or error.
func (s *Stub) Analyze(_ context.Context, _ []byte, _ string, _ domain.PatientInfo) (domain.DiagnosisResult, error) {
	s.Calls++
	if s.Err != nil {
		return domain.DiagnosisResult{}, s.Err
	}
	return s.Result, nil
}
