package poolengine

import (
	"time"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// Option defines a functional option for configuring a Pool.
type Option func(*Pool) error

// WithAcquireTimeout sets the bounded wait of Acquire. Zero means the wait is bounded by the caller's context only.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(p *Pool) error {
		if timeout < 0 {
			return harness.ErrNegativeDuration
		}

		p.acquireTimeout = timeout

		return nil
	}
}

// WithValidation configures the validation query and when it runs.
func WithValidation(query string, timeout time.Duration, onBorrow, onReturn bool) Option {
	return func(p *Pool) error {
		if timeout < 0 {
			return harness.ErrNegativeDuration
		}

		if query == "" && (onBorrow || onReturn) {
			return harness.ErrEmptySQL
		}

		p.validation = validation{
			query:    query,
			timeout:  timeout,
			onBorrow: onBorrow,
			onReturn: onReturn,
		}

		return nil
	}
}

// WithAbandonedTimeout sets the duration after which a checked-out connection is reported as abandoned.
// Zero disables the detection.
func WithAbandonedTimeout(timeout time.Duration) Option {
	return func(p *Pool) error {
		if timeout < 0 {
			return harness.ErrNegativeDuration
		}

		p.abandonedTimeout = timeout

		return nil
	}
}

// WithMaxSize overrides the maximum pool size reported by the pool library.
func WithMaxSize(maxSize int64) Option {
	return func(p *Pool) error {
		p.maxSize = maxSize
		return nil
	}
}

// WithLogger sets the logger for the Pool.
//
// Debug level: acquire and release of every connection
// Warn level: validation failures, release failures, abandoned connections
// Error level: acquire failures.
func WithLogger(logger harness.Logger) Option {
	return func(p *Pool) error {
		p.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the Pool.
func WithContextualLogger(logger harness.ContextualLogger) Option {
	return func(p *Pool) error {
		p.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Pool.
// The collector receives acquire durations, acquire failures and release failures.
func WithMetrics(collector harness.MetricsCollector) Option {
	return func(p *Pool) error {
		p.metricsCollector = collector
		return nil
	}
}
