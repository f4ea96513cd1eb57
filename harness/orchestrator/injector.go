package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// InjectorConfig holds the parameters of an InterferenceInjector.
type InjectorConfig struct {
	Plan CyclePlan

	// StepDelay is waited between two steps of a cycle.
	StepDelay time.Duration

	// CycleInterval is waited between the end of a cycle and the start of the next one.
	CycleInterval time.Duration

	// SnapshotInterval makes the injector report a primary pool snapshot at this interval
	// while it runs. Zero disables the snapshots.
	SnapshotInterval time.Duration

	// OnCycle is called with every recorded cycle, including a partial last one.
	OnCycle func(harness.InterferenceCycleRecord)
}

// InterferenceInjector keeps mutating schema and data on the primary until it is cancelled.
// Every step acquires and releases its own connection, and a failing step never stops the cycle or the loop.
type InterferenceInjector struct {
	pool     harness.PoolHandle
	cfg      InjectorConfig
	observer *PoolObserver
	obs      *observability

	mu      sync.Mutex
	cycles  []harness.InterferenceCycleRecord
	current *harness.InterferenceCycleRecord
}

// NewInterferenceInjector creates an InterferenceInjector that runs cfg.Plan against pool.
func NewInterferenceInjector(
	pool harness.PoolHandle,
	cfg InjectorConfig,
	observer *PoolObserver,
	options ...Option,
) (*InterferenceInjector, error) {
	if pool == nil {
		return nil, harness.ErrNilPool
	}

	if cfg.Plan == nil {
		return nil, harness.ErrNoInterferenceSteps
	}

	if cfg.StepDelay < 0 || cfg.CycleInterval < 0 || cfg.SnapshotInterval < 0 {
		return nil, harness.ErrNegativeDuration
	}

	obs, err := newObservability(options...)
	if err != nil {
		return nil, err
	}

	if observer == nil {
		observer = &PoolObserver{obs: obs}
	}

	return &InterferenceInjector{pool: pool, cfg: cfg, observer: observer, obs: obs}, nil
}

// Run executes cycles until ctx is done and returns the recorded cycles.
// A cycle cut short by cancellation is recorded as not completed.
func (i *InterferenceInjector) Run(ctx context.Context) []harness.InterferenceCycleRecord {
	i.obs.logInfo(ctx, logMsgInjectorStarted, logAttrRole, string(i.pool.Endpoint().Role()))

	var wg sync.WaitGroup
	if i.cfg.SnapshotInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i.sampleSnapshots(ctx)
		}()
	}

	for cycle := 1; ctx.Err() == nil; cycle++ {
		i.runCycle(ctx, cycle)

		if !sleepContext(ctx, i.cfg.CycleInterval) {
			break
		}
	}

	wg.Wait()

	cycles := i.Cycles()
	i.obs.logInfo(context.WithoutCancel(ctx), logMsgInjectorStopped, logAttrCycle, len(cycles))

	return cycles
}

// Cycles returns a copy of the cycles recorded so far, followed by the cycle in progress, if any,
// as not completed. It is safe to call while Run is active.
func (i *InterferenceInjector) Cycles() []harness.InterferenceCycleRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	cycles := make([]harness.InterferenceCycleRecord, len(i.cycles), len(i.cycles)+1)
	copy(cycles, i.cycles)

	if i.current != nil {
		cycles = append(cycles, cloneCycle(*i.current))
	}

	return cycles
}

// publish makes the steps of the running cycle visible to Cycles before the cycle ends.
func (i *InterferenceInjector) publish(cycle harness.InterferenceCycleRecord) {
	progress := cloneCycle(cycle)

	i.mu.Lock()
	i.current = &progress
	i.mu.Unlock()
}

func (i *InterferenceInjector) runCycle(ctx context.Context, number int) {
	cycle := harness.InterferenceCycleRecord{CycleNumber: number}

	steps, err := i.cfg.Plan.Steps(number)
	if err == nil && len(steps) == 0 {
		err = harness.ErrNoInterferenceSteps
	}

	if err != nil {
		classification, code, message := harness.ClassifyError(err)
		now := time.Now()
		cycle.Steps = append(cycle.Steps, harness.StepRecord{
			Description: stepPlanCycle,
			StartTime:   now,
			EndTime:     now,
			Outcome:     harness.Failure{Classification: classification, Code: code, Message: message, Phase: harness.PhaseWorker},
		})
		i.obs.logError(ctx, logMsgStepFailed, err, logAttrCycle, number)
		i.record(ctx, cycle)

		return
	}

	for n, step := range steps {
		if n > 0 && !sleepContext(ctx, i.cfg.StepDelay) {
			break
		}

		if ctx.Err() != nil {
			break
		}

		cycle.Steps = append(cycle.Steps, harness.StepRecord{Description: step.Description, SQL: step.SQL, StartTime: time.Now()})
		i.publish(cycle)

		cycle.Steps[len(cycle.Steps)-1] = i.runStep(ctx, number, step)
		i.publish(cycle)
	}

	cycle.Completed = len(cycle.Steps) == len(steps) && ctx.Err() == nil
	i.record(ctx, cycle)
}

func (i *InterferenceInjector) record(ctx context.Context, cycle harness.InterferenceCycleRecord) {
	i.mu.Lock()
	i.cycles = append(i.cycles, cycle)
	i.current = nil
	i.mu.Unlock()

	logCtx := context.WithoutCancel(ctx)
	if cycle.Completed {
		i.obs.logInfo(logCtx, logMsgCycleCompleted, logAttrCycle, cycle.CycleNumber, logAttrFailedSteps, cycle.FailedSteps())
		i.obs.incrementCounter(logCtx, metricCycles, map[string]string{labelStatus: statusSuccess})
	} else {
		i.obs.logWarn(logCtx, logMsgCycleInterrupted, logAttrCycle, cycle.CycleNumber, logAttrStep, len(cycle.Steps))
	}

	if i.cfg.OnCycle != nil {
		i.cfg.OnCycle(cycle)
	}
}

// runStep executes one step on its own connection. The connection is released on every exit path.
func (i *InterferenceInjector) runStep(ctx context.Context, cycle int, step InterferenceStep) (record harness.StepRecord) {
	record = harness.StepRecord{Description: step.Description, SQL: step.SQL, StartTime: time.Now()}

	ctx, span := i.obs.startSpan(ctx, spanNameInterferenceStep, map[string]string{
		spanAttrCycle: strconv.Itoa(cycle),
		spanAttrStep:  step.Description,
		spanAttrRole:  string(i.pool.Endpoint().Role()),
	})

	var conn harness.Conn

	defer func() {
		if r := recover(); r != nil {
			record.Outcome = harness.Failure{Classification: harness.Unknown, Message: "panic during interference step", Phase: harness.PhaseWorker}
		}

		releaseCtx := context.WithoutCancel(ctx)
		if conn != nil {
			if err := conn.Release(releaseCtx); err != nil {
				i.obs.logWarn(releaseCtx, logMsgReleaseFailed, logAttrCycle, cycle, logAttrStep, step.Description, logAttrResource, resourceConnection, logAttrError, err.Error())
				i.obs.incrementCounter(releaseCtx, metricReleaseFailures, map[string]string{
					labelRole:     string(i.pool.Endpoint().Role()),
					labelResource: resourceConnection,
				})
			}
		}

		record.EndTime = time.Now()
		i.finishStep(releaseCtx, span, cycle, record)
	}()

	i.obs.logDebug(ctx, step.Description, logAttrCycle, cycle, logAttrSQL, step.SQL)

	c, err := i.pool.Acquire(ctx)
	if err != nil {
		record.Outcome = stepFailure(ctx, err, harness.PhaseAcquire)

		return record
	}

	conn = c

	affected, err := conn.Exec(ctx, step.SQL)
	if err != nil {
		record.Outcome = stepFailure(ctx, err, harness.PhaseExecute)

		return record
	}

	record.Outcome = harness.Success{RowCount: affected, Elapsed: time.Since(record.StartTime)}

	return record
}

func (i *InterferenceInjector) finishStep(ctx context.Context, span harness.SpanContext, cycle int, record harness.StepRecord) {
	duration := record.EndTime.Sub(record.StartTime)
	status := outcomeStatus(record.Outcome)

	i.obs.recordDuration(ctx, metricStepDuration, duration, map[string]string{labelStep: stepKind(record.Description), labelStatus: status})

	spanAttrs := map[string]string{spanAttrDurationMS: strconv.FormatFloat(toMilliseconds(duration), 'f', 3, 64)}

	switch outcome := record.Outcome.(type) {
	case harness.Success:
		i.obs.logInfo(ctx, logMsgStepSucceeded,
			logAttrCycle, cycle,
			logAttrStep, record.Description,
			logAttrRowsAffected, outcome.RowCount,
			logAttrDurationMS, toMilliseconds(duration),
		)

	case harness.Failure:
		i.obs.logWarn(ctx, logMsgStepFailed,
			logAttrCycle, cycle,
			logAttrStep, record.Description,
			logAttrClassification, outcome.Classification.Label(),
			logAttrCode, outcome.Code.String(),
			logAttrPhase, string(outcome.Phase),
			logAttrError, outcome.Message,
			logAttrDurationMS, toMilliseconds(duration),
		)
		i.obs.incrementCounter(ctx, metricStepFailures, map[string]string{
			labelStep:           stepKind(record.Description),
			labelClassification: outcome.Classification.Label(),
		})
		spanAttrs[spanAttrClassification] = outcome.Classification.Label()
	}

	i.obs.finishSpan(span, status, spanAttrs)
}

func (i *InterferenceInjector) sampleSnapshots(ctx context.Context) {
	ticker := time.NewTicker(i.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.observer.Report(ctx, snapshotLabelInterference, i.pool)
		}
	}
}

func cloneCycle(cycle harness.InterferenceCycleRecord) harness.InterferenceCycleRecord {
	cycle.Steps = append([]harness.StepRecord(nil), cycle.Steps...)

	return cycle
}

func stepFailure(ctx context.Context, err error, phase harness.Phase) harness.Failure {
	classification, code, message := harness.ClassifyError(err)

	return harness.Failure{
		Classification: classification,
		Code:           code,
		Message:        message,
		Phase:          phase,
		Interrupted:    ctx.Err() != nil,
	}
}

// stepKind strips the probe column name from a step description to keep metric label cardinality low.
func stepKind(description string) string {
	for _, kind := range []string{stepAddColumn, stepBulkUpdate, stepDropColumn} {
		if strings.HasPrefix(description, kind) {
			return kind
		}
	}

	return description
}

// sleepContext waits d and returns false when ctx was done first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
