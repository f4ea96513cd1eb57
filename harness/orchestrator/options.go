package orchestrator

import (
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// Option defines a functional option for the observability of the orchestrator components.
type Option func(*observability) error

// WithLogger sets the logger.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: sampled rows, interference step SQL, idle pause samples
// Info level: attempt outcomes, pool snapshots, cycle completion, run summary
// Warn level: classified failures, release failures, snapshot invariant violations, abandoned connections
// Error level: recovered panics.
func WithLogger(logger harness.Logger) Option {
	return func(o *observability) error {
		o.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for trace correlated logging.
func WithContextualLogger(logger harness.ContextualLogger) Option {
	return func(o *observability) error {
		o.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector.
// Context-aware recording is used when the collector implements harness.ContextualMetricsCollector.
func WithMetrics(collector harness.MetricsCollector) Option {
	return func(o *observability) error {
		o.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector. Every query attempt and every interference step gets a span.
func WithTracing(collector harness.TracingCollector) Option {
	return func(o *observability) error {
		o.tracingCollector = collector
		return nil
	}
}

func newObservability(options ...Option) (*observability, error) {
	o := &observability{}
	for _, option := range options {
		if err := option(o); err != nil {
			return nil, err
		}
	}

	return o, nil
}
