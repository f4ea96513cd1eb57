package orchestrator

import (
	"context"
	"math"
	"time"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

const (
	logMsgAttemptStarted      = "query attempt started"
	logMsgAttemptSucceeded    = "query attempt succeeded"
	logMsgAttemptFailed       = "query attempt failed"
	logMsgAttemptPanicked     = "query attempt panicked"
	logMsgResultColumns       = "result columns"
	logMsgRowSample           = "row sample"
	logMsgIdleSample          = "idle pause sample"
	logMsgReleaseFailed       = "resource release failed"
	logMsgPoolSnapshot        = "pool snapshot"
	logMsgSnapshotInvalid     = "pool snapshot violates invariants"
	logMsgAbandonedConnection = "connection held longer than abandoned timeout"
	logMsgStepSucceeded       = "interference step succeeded"
	logMsgStepFailed          = "interference step failed"
	logMsgCycleCompleted      = "interference cycle completed"
	logMsgCycleInterrupted    = "interference cycle interrupted"
	logMsgInjectorStarted     = "interference injector started"
	logMsgInjectorStopped     = "interference injector stopped"
	logMsgWorkersStarted      = "query workers started"
	logMsgWorkersFinished     = "query workers finished"
	logMsgReadinessReached    = "query in flight, releasing interference"
	logAttrError              = "error"
	logAttrWorker             = "worker"
	logAttrIteration          = "iteration"
	logAttrRole               = "role"
	logAttrSQL                = "sql"
	logAttrRowCount           = "row_count"
	logAttrRow                = "row"
	logAttrValues             = "values"
	logAttrColumns            = "columns"
	logAttrConnectionStatus   = "connection_status"
	logAttrDurationMS         = "duration_ms"
	logAttrAcquireMS          = "acquire_ms"
	logAttrQueryMS            = "query_ms"
	logAttrClassification     = "classification"
	logAttrCode               = "code"
	logAttrPhase              = "phase"
	logAttrInterrupted        = "interrupted"
	logAttrResource           = "resource"
	logAttrLabel              = "label"
	logAttrActive             = "active"
	logAttrIdle               = "idle"
	logAttrWaiting            = "waiting"
	logAttrCreated            = "created"
	logAttrDestroyed          = "destroyed"
	logAttrErrors             = "errors"
	logAttrHeldMS             = "held_ms"
	logAttrCycle              = "cycle"
	logAttrStep               = "step"
	logAttrRowsAffected       = "rows_affected"
	logAttrFailedSteps        = "failed_steps"
	logAttrWorkers            = "workers"
	logAttrWarmUpMS           = "warm_up_ms"
	logAttrRemainingMS        = "remaining_ms"
	metricQueryDuration       = "harness_query_duration_seconds"
	metricAcquireDuration     = "harness_query_acquire_duration_seconds"
	metricQueryRows           = "harness_query_rows"
	metricQueryAttempts       = "harness_query_attempts_total"
	metricQueryFailures       = "harness_query_failures_total"
	metricReleaseFailures     = "harness_resource_release_failures_total"
	metricStepDuration        = "harness_interference_step_duration_seconds"
	metricStepFailures        = "harness_interference_step_failures_total"
	metricCycles              = "harness_interference_cycles_total"
	metricPoolActive          = "harness_pool_active_connections"
	metricPoolIdle            = "harness_pool_idle_connections"
	metricPoolWaiting         = "harness_pool_waiting_requests"
	metricSnapshotViolations  = "harness_pool_snapshot_violations_total"
	labelRole                 = "role"
	labelStatus               = "status"
	labelClassification       = "classification"
	labelPhase                = "phase"
	labelStep                 = "step"
	labelResource             = "resource"
	spanNameQueryAttempt      = "harness.query_attempt"
	spanNameInterferenceStep  = "harness.interference_step"
	spanAttrWorker            = "harness.worker"
	spanAttrIteration         = "harness.iteration"
	spanAttrRole              = "harness.role"
	spanAttrStep              = "harness.step"
	spanAttrCycle             = "harness.cycle"
	spanAttrRowCount          = "harness.row_count"
	spanAttrClassification    = "harness.classification"
	spanAttrDurationMS        = "harness.duration_ms"
	statusSuccess             = "success"
	statusError               = "error"
	connectionStatusAlive     = "alive"
	connectionStatusClosed    = "closed"
	resourceRows              = "result_cursor"
	resourceConnection        = "connection"
	snapshotLabelBeforeQuery  = "before query"
	snapshotLabelAfterQuery   = "after query"
	snapshotLabelIdlePause    = "idle pause"
	snapshotLabelInterference = "during interference"
)

// observability bundles the optional logging, metrics and tracing collaborators of a component.
// All methods are no-ops for collaborators that are not configured.
type observability struct {
	logger           harness.Logger
	contextualLogger harness.ContextualLogger
	metricsCollector harness.MetricsCollector
	tracingCollector harness.TracingCollector
}

func (o *observability) logDebug(ctx context.Context, message string, args ...any) {
	if o.logger != nil {
		o.logger.Debug(message, args...)
	}

	if o.contextualLogger != nil {
		o.contextualLogger.DebugContext(ctx, message, args...)
	}
}

func (o *observability) logInfo(ctx context.Context, message string, args ...any) {
	if o.logger != nil {
		o.logger.Info(message, args...)
	}

	if o.contextualLogger != nil {
		o.contextualLogger.InfoContext(ctx, message, args...)
	}
}

func (o *observability) logWarn(ctx context.Context, message string, args ...any) {
	if o.logger != nil {
		o.logger.Warn(message, args...)
	}

	if o.contextualLogger != nil {
		o.contextualLogger.WarnContext(ctx, message, args...)
	}
}

// logError logs error information at the error level if a logger is configured.
func (o *observability) logError(ctx context.Context, message string, err error, args ...any) {
	allArgs := []any{logAttrError, err.Error()}
	allArgs = append(allArgs, args...)

	if o.logger != nil {
		o.logger.Error(message, allArgs...)
	}

	if o.contextualLogger != nil {
		o.contextualLogger.ErrorContext(ctx, message, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// recordDuration records a duration metric with context if the collector supports it.
func (o *observability) recordDuration(ctx context.Context, metricName string, duration time.Duration, labels map[string]string) {
	if o.metricsCollector == nil {
		return
	}

	// Use context-aware method if available
	if contextualCollector, ok := o.metricsCollector.(harness.ContextualMetricsCollector); ok {
		contextualCollector.RecordDurationContext(ctx, metricName, duration, labels)
	} else {
		o.metricsCollector.RecordDuration(metricName, duration, labels)
	}
}

// incrementCounter increments a counter metric with context if the collector supports it.
func (o *observability) incrementCounter(ctx context.Context, metricName string, labels map[string]string) {
	if o.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := o.metricsCollector.(harness.ContextualMetricsCollector); ok {
		contextualCollector.IncrementCounterContext(ctx, metricName, labels)
	} else {
		o.metricsCollector.IncrementCounter(metricName, labels)
	}
}

// recordValue records a value metric with context if the collector supports it.
func (o *observability) recordValue(ctx context.Context, metricName string, value float64, labels map[string]string) {
	if o.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := o.metricsCollector.(harness.ContextualMetricsCollector); ok {
		contextualCollector.RecordValueContext(ctx, metricName, value, labels)
	} else {
		o.metricsCollector.RecordValue(metricName, value, labels)
	}
}

// startSpan starts a tracing span if the tracing collector is configured.
func (o *observability) startSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, harness.SpanContext) {
	if o.tracingCollector != nil {
		return o.tracingCollector.StartSpan(ctx, name, attrs)
	}

	return ctx, nil
}

// finishSpan finishes a tracing span if the tracing collector is configured.
func (o *observability) finishSpan(span harness.SpanContext, status string, attrs map[string]string) {
	if o.tracingCollector != nil && span != nil {
		for k, v := range attrs {
			span.AddAttribute(k, v)
		}

		span.SetStatus(status)
		o.tracingCollector.FinishSpan(span, status, attrs)
	}
}

// outcomeStatus maps an outcome to the span and metric status label.
func outcomeStatus(outcome harness.Outcome) string {
	if outcome != nil && outcome.Succeeded() {
		return statusSuccess
	}

	return statusError
}
