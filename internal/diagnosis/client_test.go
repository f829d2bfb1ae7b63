package diagnosis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"diagcore/pkg/domain"
)

func TestClientAnalyze(t *testing.T) {
	var got analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/analyze" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(domain.DiagnosisResult{
			DominantTone:       "gong",
			PredictedDiagnosis: "脾虚",
			Confidence:         0.82,
			DetectedFeatures:   []string{"roughness"},
			AnalyzedAt:         time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0)
	result, err := client.Analyze(context.Background(), []byte("waveform"), "case-1", domain.PatientInfo{Age: 33})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.PredictedDiagnosis != "脾虚" || result.DominantTone != "gong" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got.CaseID != "case-1" || got.PatientInfo.Age != 33 {
		t.Fatalf("request context not forwarded: %+v", got)
	}
	audio, err := base64.StdEncoding.DecodeString(got.AudioData)
	if err != nil || string(audio) != "waveform" {
		t.Fatalf("audio payload %q err %v", audio, err)
	}
}

func TestClientSurfacesServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).Analyze(context.Background(), []byte("x"), "case-1", domain.PatientInfo{})
	if err == nil {
		t.Fatalf("expected error on 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("error lacks status and body: %v", err)
	}
}

func TestClientFillsMissingAnalyzedAt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"dominantTone":"yu","predictedDiagnosis":"肾阳虚","confidence":0.5}`))
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, 0).Analyze(context.Background(), []byte("x"), "case-1", domain.PatientInfo{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.AnalyzedAt.IsZero() {
		t.Fatalf("analyzedAt not defaulted")
	}
}

func TestStubCountsCalls(t *testing.T) {
	stub := &Stub{Result: domain.DiagnosisResult{DominantTone: "zhi"}}
	for i := 0; i < 3; i++ {
		if _, err := stub.Analyze(context.Background(), nil, "c", domain.PatientInfo{}); err != nil {
			t.Fatalf("Analyze: %v", err)
		}
	}
	if stub.Calls != 3 {
		t.Fatalf("calls %d, want 3", stub.Calls)
	}
}
