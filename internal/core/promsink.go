package core

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"diagcore/pkg/domain"
)

// PrometheusMetricSink exports batch-close performance metrics as a gauge
// vector. The batch id is deliberately not a label to keep cardinality
// bounded; the gauge always reflects the most recently closed batch.
type PrometheusMetricSink struct {
	gauge *prometheus.GaugeVec
}

// NewPrometheusMetricSink registers the sink's collectors with the registry.
func NewPrometheusMetricSink(reg prometheus.Registerer) (*PrometheusMetricSink, error) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "diagcore",
		Name:      "batch_performance_metric",
		Help:      "Aggregate performance metric from the most recently completed validation batch.",
	}, []string{"metric", "diagnosis"})
	if err := reg.Register(gauge); err != nil {
		return nil, err
	}
	return &PrometheusMetricSink{gauge: gauge}, nil
}

// RecordMetric publishes one performance metric row.
func (s *PrometheusMetricSink) RecordMetric(_ context.Context, m domain.PerformanceMetric) error {
	s.gauge.WithLabelValues(m.MetricName, m.Diagnosis).Set(m.Value)
	return nil
}
