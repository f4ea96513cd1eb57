package poolengine

import (
	"context"
	"math"
	"time"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// logDebug logs at debug level to whichever loggers are configured.
func (p *Pool) logDebug(ctx context.Context, message string, args ...any) {
	allArgs := p.withRole(args)

	if p.logger != nil {
		p.logger.Debug(message, allArgs...)
	}

	if p.contextualLogger != nil {
		p.contextualLogger.DebugContext(ctx, message, allArgs...)
	}
}

// logWarn logs at warn level to whichever loggers are configured.
func (p *Pool) logWarn(ctx context.Context, message string, args ...any) {
	allArgs := p.withRole(args)

	if p.logger != nil {
		p.logger.Warn(message, allArgs...)
	}

	if p.contextualLogger != nil {
		p.contextualLogger.WarnContext(ctx, message, allArgs...)
	}
}

// logError logs error information at the error level if a logger is configured.
func (p *Pool) logError(ctx context.Context, message string, err error, args ...any) {
	allArgs := []any{logAttrError, err.Error()}
	allArgs = append(allArgs, p.withRole(args)...)

	if p.logger != nil {
		p.logger.Error(message, allArgs...)
	}

	if p.contextualLogger != nil {
		p.contextualLogger.ErrorContext(ctx, message, allArgs...)
	}
}

func (p *Pool) withRole(args []any) []any {
	return append([]any{logAttrRole, string(p.endpoint.Role())}, args...)
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// recordDuration records a duration metric if the metrics collector is configured.
func (p *Pool) recordDuration(metricName string, duration time.Duration) {
	if p.metricsCollector != nil {
		p.metricsCollector.RecordDuration(metricName, duration, p.labels(nil))
	}
}

// recordCounter increments a counter metric if the metrics collector is configured.
func (p *Pool) recordCounter(metricName string, labels map[string]string) {
	if p.metricsCollector != nil {
		p.metricsCollector.IncrementCounter(metricName, p.labels(labels))
	}
}

func (p *Pool) recordAcquireFailure(reason string) {
	p.recordCounter(metricAcquireFailures, map[string]string{labelReason: reason})
}

func (p *Pool) recordValidationFailure(kind string) {
	p.recordCounter(metricValidationFailures, map[string]string{labelReason: kind})
}

func (p *Pool) labels(extra map[string]string) map[string]string {
	labels := map[string]string{labelRole: string(p.endpoint.Role())}
	for k, v := range extra {
		labels[k] = v
	}

	return labels
}

var _ harness.PoolHandle = (*Pool)(nil)
