package core

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"diagcore/pkg/domain"
)

func TestPrometheusSinkPublishesBatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusMetricSink(reg)
	if err != nil {
		t.Fatalf("NewPrometheusMetricSink: %v", err)
	}

	ctx := context.Background()
	rows := []domain.PerformanceMetric{
		{BatchID: "batch-1", MetricName: "accuracy_rate", Value: 0.5},
		{BatchID: "batch-1", MetricName: "concordance_rate", Value: 4},
		{BatchID: "batch-1", MetricName: "disharmony_accuracy", Diagnosis: "脾虚", Value: 0.75},
	}
	for _, row := range rows {
		if err := sink.RecordMetric(ctx, row); err != nil {
			t.Fatalf("RecordMetric(%s): %v", row.MetricName, err)
		}
	}

	if got := testutil.ToFloat64(sink.gauge.WithLabelValues("accuracy_rate", "")); got != 0.5 {
		t.Fatalf("accuracy_rate gauge = %v, want 0.5", got)
	}
	if got := testutil.ToFloat64(sink.gauge.WithLabelValues("disharmony_accuracy", "脾虚")); got != 0.75 {
		t.Fatalf("disharmony_accuracy gauge = %v, want 0.75", got)
	}
}

func TestPrometheusSinkOverwritesOnNextBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusMetricSink(reg)
	if err != nil {
		t.Fatalf("NewPrometheusMetricSink: %v", err)
	}

	ctx := context.Background()
	_ = sink.RecordMetric(ctx, domain.PerformanceMetric{BatchID: "batch-1", MetricName: "accuracy_rate", Value: 0.25})
	_ = sink.RecordMetric(ctx, domain.PerformanceMetric{BatchID: "batch-2", MetricName: "accuracy_rate", Value: 1})

	if got := testutil.ToFloat64(sink.gauge.WithLabelValues("accuracy_rate", "")); got != 1 {
		t.Fatalf("accuracy_rate gauge = %v, want most recent batch value 1", got)
	}
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetricSink(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusMetricSink(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
