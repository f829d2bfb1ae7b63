package core

import (
	"context"
	"time"
)

// instrumentation bundles the ambient collaborators shared by every engine.
type instrumentation struct {
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	nowFn   func() time.Time
}

// Option configures an engine's ambient collaborators at construction.
type Option func(*instrumentation)

// WithLogger routes engine logging to the supplied logger.
func WithLogger(l Logger) Option {
	return func(ins *instrumentation) {
		if l != nil {
			ins.logger = l
		}
	}
}

// WithMetricsRecorder attaches an operation metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(ins *instrumentation) {
		if m != nil {
			ins.metrics = m
		}
	}
}

// WithTracer attaches an operation tracer.
func WithTracer(t Tracer) Option {
	return func(ins *instrumentation) {
		if t != nil {
			ins.tracer = t
		}
	}
}

// WithClock overrides the time source. Tests use this to drive cooldown
// windows deterministically.
func WithClock(now func() time.Time) Option {
	return func(ins *instrumentation) {
		if now != nil {
			ins.nowFn = now
		}
	}
}

func newInstrumentation(opts []Option) instrumentation {
	ins := instrumentation{
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&ins)
	}
	return ins
}

// begin opens a span for the named operation and returns a completion
// callback that closes it and records the outcome.
func (ins instrumentation) begin(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := ins.tracer.Start(ctx, operation)
	return ctx, func(err error) {
		span.End(err)
		ins.metrics.Observe(ctx, operation, err == nil, time.Since(start))
	}
}
