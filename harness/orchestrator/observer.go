package orchestrator

import (
	"context"
	"time"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// abandonedReporter is implemented by pools that track checkout times.
type abandonedReporter interface {
	Abandoned(now time.Time) []time.Duration
}

// PoolObserver takes and reports pool snapshots. It never blocks on pool internals
// beyond the counter reads of the pool.
type PoolObserver struct {
	obs *observability
}

// NewPoolObserver creates a PoolObserver with optional observability.
func NewPoolObserver(options ...Option) (*PoolObserver, error) {
	obs, err := newObservability(options...)
	if err != nil {
		return nil, err
	}

	return &PoolObserver{obs: obs}, nil
}

// Snapshot returns the current counters of pool.
func (o *PoolObserver) Snapshot(pool harness.PoolHandle) harness.PoolSnapshot {
	return pool.Snapshot()
}

// Report takes a snapshot, logs it under label and verifies its invariants.
// Invariant violations and abandoned connections are logged, never returned.
func (o *PoolObserver) Report(ctx context.Context, label string, pool harness.PoolHandle) harness.PoolSnapshot {
	snapshot := o.Snapshot(pool)
	role := string(pool.Endpoint().Role())

	o.obs.logInfo(ctx, logMsgPoolSnapshot,
		logAttrLabel, label,
		logAttrRole, role,
		logAttrActive, snapshot.ActiveCount,
		logAttrIdle, snapshot.IdleCount,
		logAttrWaiting, snapshot.WaitingCount,
		logAttrCreated, snapshot.TotalCreated,
		logAttrDestroyed, snapshot.TotalDestroyed,
		logAttrErrors, snapshot.ErrorCount,
	)

	labels := map[string]string{labelRole: role}
	o.obs.recordValue(ctx, metricPoolActive, float64(snapshot.ActiveCount), labels)
	o.obs.recordValue(ctx, metricPoolIdle, float64(snapshot.IdleCount), labels)
	o.obs.recordValue(ctx, metricPoolWaiting, float64(snapshot.WaitingCount), labels)

	if err := snapshot.Verify(pool.MaxSize()); err != nil {
		o.obs.logWarn(ctx, logMsgSnapshotInvalid, logAttrLabel, label, logAttrRole, role, logAttrError, err.Error())
		o.obs.incrementCounter(ctx, metricSnapshotViolations, labels)
	}

	if reporter, ok := pool.(abandonedReporter); ok {
		for _, held := range reporter.Abandoned(snapshot.TakenAt) {
			o.obs.logWarn(ctx, logMsgAbandonedConnection, logAttrRole, role, logAttrHeldMS, toMilliseconds(held))
		}
	}

	return snapshot
}
