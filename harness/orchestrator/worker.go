package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

const (
	defaultRowSampleHead  = 10
	defaultRowSampleEvery = 1000
)

// RowSampling selects which streamed rows are logged: the first Head rows and every Every-th row after.
type RowSampling struct {
	Head  int64
	Every int64
}

// DefaultRowSampling logs the first 10 rows and every 1000th row.
func DefaultRowSampling() RowSampling {
	return RowSampling{Head: defaultRowSampleHead, Every: defaultRowSampleEvery}
}

// ShouldLog reports whether the row with the 1-based number rowNumber is sampled.
func (s RowSampling) ShouldLog(rowNumber int64) bool {
	if rowNumber <= s.Head {
		return true
	}

	return s.Every > 0 && rowNumber%s.Every == 0
}

// WorkerConfig holds the parameters of a QueryWorker.
type WorkerConfig struct {
	ID          int
	RowSampling RowSampling

	// IdleSampleInterval makes the worker report a pool snapshot at this interval while pausing
	// between iterations. Zero disables sampling during pauses.
	IdleSampleInterval time.Duration

	// OnQueryInFlight is called right before each query is issued.
	OnQueryInFlight func(workerID int)
}

// QueryWorker runs one long query end-to-end against a pool, once per iteration.
type QueryWorker struct {
	cfg      WorkerConfig
	observer *PoolObserver
	obs      *observability
}

// NewQueryWorker creates a QueryWorker.
func NewQueryWorker(cfg WorkerConfig, observer *PoolObserver, options ...Option) (*QueryWorker, error) {
	if cfg.IdleSampleInterval < 0 {
		return nil, harness.ErrNegativeDuration
	}

	obs, err := newObservability(options...)
	if err != nil {
		return nil, err
	}

	if observer == nil {
		observer = &PoolObserver{obs: obs}
	}

	return &QueryWorker{cfg: cfg, observer: observer, obs: obs}, nil
}

// Run executes sql against pool as often as policy allows and returns one record per attempt.
// An attempt never fails the run: driver failures become Failure outcomes. Run stops starting new
// attempts once ctx is done; an attempt in flight at that moment is finalized as interrupted.
func (w *QueryWorker) Run(
	ctx context.Context,
	pool harness.PoolHandle,
	sql string,
	policy harness.IterationPolicy,
) ([]harness.QueryExecutionRecord, error) {
	if pool == nil {
		return nil, harness.ErrNilPool
	}

	if sql == "" {
		return nil, harness.ErrEmptySQL
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var records []harness.QueryExecutionRecord

	for completed := 0; ctx.Err() == nil && policy.Continue(completed, time.Now()); {
		records = append(records, w.attempt(ctx, pool, sql, completed+1))
		completed++

		if !policy.Continue(completed, time.Now()) {
			break
		}

		if !w.pause(ctx, pool, policy.PauseBefore(time.Now())) {
			break
		}
	}

	return records, nil
}

// attempt runs one acquire, begin, query, stream and release cycle.
// The deferred block releases the cursor and then the connection on every exit path,
// including a panic, and guarantees a terminal outcome.
func (w *QueryWorker) attempt(
	ctx context.Context,
	pool harness.PoolHandle,
	sql string,
	iteration int,
) (record harness.QueryExecutionRecord) {
	record = harness.QueryExecutionRecord{
		WorkerID:  w.cfg.ID,
		Iteration: iteration,
		SQL:       sql,
		Role:      pool.Endpoint().Role(),
	}

	ctx, span := w.obs.startSpan(ctx, spanNameQueryAttempt, map[string]string{
		spanAttrWorker:    strconv.Itoa(w.cfg.ID),
		spanAttrIteration: strconv.Itoa(iteration),
		spanAttrRole:      string(record.Role),
	})

	w.observer.Report(ctx, snapshotLabelBeforeQuery, pool)
	w.obs.logInfo(ctx, logMsgAttemptStarted, w.recordAttrs(record, logAttrSQL, sql)...)

	var (
		conn harness.Conn
		rows harness.Rows
	)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			w.obs.logError(ctx, logMsgAttemptPanicked, err, w.recordAttrs(record)...)
			record.Outcome = harness.Failure{
				Classification: harness.Unknown,
				Message:        err.Error(),
				Phase:          harness.PhaseWorker,
			}
		}

		releaseCtx := context.WithoutCancel(ctx)

		if rows != nil {
			if err := rows.Close(); err != nil {
				w.releaseFailed(releaseCtx, record, resourceRows, err)
			}
		}

		if conn != nil {
			if err := conn.Release(releaseCtx); err != nil {
				w.releaseFailed(releaseCtx, record, resourceConnection, err)
			}
		}

		if record.Outcome == nil {
			record.Outcome = harness.Failure{
				Classification: harness.Unknown,
				Message:        "attempt ended without outcome",
				Phase:          harness.PhaseWorker,
			}
		}

		w.observer.Report(releaseCtx, snapshotLabelAfterQuery, pool)
		w.finish(releaseCtx, span, record)
	}()

	var err error

	record.AcquireStartTime = time.Now()
	conn, err = pool.Acquire(ctx)
	record.AcquireEndTime = time.Now()

	if err != nil {
		conn = nil
		record.Outcome = w.failure(ctx, err, harness.PhaseAcquire)

		return record
	}

	if err = conn.DisableAutoCommit(ctx); err != nil {
		record.Outcome = w.failure(ctx, err, harness.PhaseBegin)

		return record
	}

	if w.cfg.OnQueryInFlight != nil {
		w.cfg.OnQueryInFlight(w.cfg.ID)
	}

	record.QueryStartTime = time.Now()
	rows, err = conn.Query(ctx, sql)

	if err != nil {
		rows = nil
		record.QueryEndTime = time.Now()
		record.Outcome = w.failure(ctx, err, harness.PhaseExecute)

		return record
	}

	record.RowCount = w.stream(ctx, record, conn, rows)
	record.QueryEndTime = time.Now()

	if err = rows.Err(); err != nil {
		record.Outcome = w.failure(ctx, err, harness.PhaseStream)

		return record
	}

	record.Outcome = harness.Success{
		RowCount:        record.RowCount,
		Elapsed:         record.QueryEndTime.Sub(record.AcquireStartTime),
		AcquireDuration: record.AcquireEndTime.Sub(record.AcquireStartTime),
		QueryDuration:   record.QueryEndTime.Sub(record.QueryStartTime),
	}

	return record
}

// stream exhausts rows, logging the column header and the sampled rows with progress and connection status.
func (w *QueryWorker) stream(
	ctx context.Context,
	record harness.QueryExecutionRecord,
	conn harness.Conn,
	rows harness.Rows,
) int64 {
	if columns, err := rows.Columns(); err == nil {
		w.obs.logInfo(ctx, logMsgResultColumns, w.recordAttrs(record, logAttrColumns, columns)...)
	}

	var count int64
	for rows.Next() {
		count++

		if !w.cfg.RowSampling.ShouldLog(count) {
			continue
		}

		values, err := rows.Values()
		if err != nil {
			values = []any{err.Error()}
		}

		w.obs.logDebug(ctx, logMsgRowSample, w.recordAttrs(record,
			logAttrRow, count,
			logAttrValues, values,
			logAttrConnectionStatus, connectionStatus(conn),
		)...)
	}

	return count
}

// failure classifies err. A failure caused by the caller's cancellation is an interruption,
// whatever the driver reported after the cancel.
func (w *QueryWorker) failure(ctx context.Context, err error, phase harness.Phase) harness.Failure {
	classification, code, message := harness.ClassifyError(err)

	f := harness.Failure{
		Classification: classification,
		Code:           code,
		Message:        message,
		Phase:          phase,
	}

	if ctx.Err() != nil && !errors.Is(err, harness.ErrAcquireTimeout) {
		f.Classification = harness.Unknown
		f.Interrupted = true
	}

	return f
}

func (w *QueryWorker) finish(ctx context.Context, span harness.SpanContext, record harness.QueryExecutionRecord) {
	role := string(record.Role)
	status := outcomeStatus(record.Outcome)
	spanAttrs := map[string]string{spanAttrRowCount: strconv.FormatInt(record.RowCount, 10)}

	w.obs.incrementCounter(ctx, metricQueryAttempts, map[string]string{labelRole: role, labelStatus: status})

	switch outcome := record.Outcome.(type) {
	case harness.Success:
		w.obs.logInfo(ctx, logMsgAttemptSucceeded, w.recordAttrs(record,
			logAttrRowCount, outcome.RowCount,
			logAttrAcquireMS, toMilliseconds(outcome.AcquireDuration),
			logAttrQueryMS, toMilliseconds(outcome.QueryDuration),
			logAttrDurationMS, toMilliseconds(outcome.Elapsed),
		)...)

		labels := map[string]string{labelRole: role}
		w.obs.recordDuration(ctx, metricAcquireDuration, outcome.AcquireDuration, labels)
		w.obs.recordDuration(ctx, metricQueryDuration, outcome.QueryDuration, labels)
		w.obs.recordValue(ctx, metricQueryRows, float64(outcome.RowCount), labels)
		spanAttrs[spanAttrDurationMS] = strconv.FormatFloat(toMilliseconds(outcome.Elapsed), 'f', 3, 64)

	case harness.Failure:
		w.obs.logWarn(ctx, logMsgAttemptFailed, w.recordAttrs(record,
			logAttrClassification, outcome.Classification.Label(),
			logAttrCode, outcome.Code.String(),
			logAttrPhase, string(outcome.Phase),
			logAttrInterrupted, outcome.Interrupted,
			logAttrRowCount, record.RowCount,
			logAttrError, outcome.Message,
		)...)

		w.obs.incrementCounter(ctx, metricQueryFailures, map[string]string{
			labelRole:           role,
			labelClassification: outcome.Classification.Label(),
			labelPhase:          string(outcome.Phase),
		})
		spanAttrs[spanAttrClassification] = outcome.Classification.Label()
	}

	w.obs.finishSpan(span, status, spanAttrs)
}

func (w *QueryWorker) releaseFailed(ctx context.Context, record harness.QueryExecutionRecord, resource string, err error) {
	w.obs.logWarn(ctx, logMsgReleaseFailed, w.recordAttrs(record, logAttrResource, resource, logAttrError, err.Error())...)
	w.obs.incrementCounter(ctx, metricReleaseFailures, map[string]string{
		labelRole:     string(record.Role),
		labelResource: resource,
	})
}

// pause waits d without holding a connection, reporting pool snapshots at the idle sample interval.
// It returns false when ctx was done before d elapsed.
func (w *QueryWorker) pause(ctx context.Context, pool harness.PoolHandle, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var tick <-chan time.Time
	if w.cfg.IdleSampleInterval > 0 {
		ticker := time.NewTicker(w.cfg.IdleSampleInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	deadline := time.Now().Add(d)

	for {
		select {
		case <-ctx.Done():
			return false

		case <-timer.C:
			return true

		case now := <-tick:
			w.obs.logDebug(ctx, logMsgIdleSample, logAttrWorker, w.cfg.ID, logAttrRemainingMS, toMilliseconds(deadline.Sub(now)))
			w.observer.Report(ctx, snapshotLabelIdlePause, pool)
		}
	}
}

func (w *QueryWorker) recordAttrs(record harness.QueryExecutionRecord, args ...any) []any {
	return append([]any{
		logAttrWorker, record.WorkerID,
		logAttrIteration, record.Iteration,
		logAttrRole, string(record.Role),
	}, args...)
}

func connectionStatus(conn harness.Conn) string {
	if conn.IsClosed() {
		return connectionStatusClosed
	}

	return connectionStatusAlive
}
