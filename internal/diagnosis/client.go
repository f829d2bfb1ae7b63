// Package diagnosis integrates the external voice-diagnosis service.
package diagnosis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"diagcore/pkg/domain"
)

const defaultHTTPTimeout = 30 * time.Second

var _ domain.DiagnosisProvider = (*Client)(nil)

// Client calls a remote voice-diagnosis HTTP endpoint.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient constructs a client for the service at baseURL. A zero timeout
// uses the default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	CaseID      string             `json:"caseId"`
	PatientInfo domain.PatientInfo `json:"patientInfo"`
	AudioData   string             `json:"audioData"`
}

// Analyze posts the audio payload and decodes the service's diagnosis result.
func (c *Client) Analyze(ctx context.Context, audio []byte, caseID string, patient domain.PatientInfo) (domain.DiagnosisResult, error) {
	body, err := json.Marshal(analyzeRequest{
		CaseID:      caseID,
		PatientInfo: patient,
		AudioData:   base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("encode analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("call diagnosis service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.DiagnosisResult{}, fmt.Errorf("diagnosis service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var result domain.DiagnosisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("decode diagnosis result: %w", err)
	}
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = time.Now().UTC()
	}
	return result, nil
}
