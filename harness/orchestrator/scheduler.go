package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// SchedulerConfig holds the parameters of a WorkloadScheduler.
type SchedulerConfig struct {
	// Workers is the number of concurrent QueryWorkers.
	Workers int

	// SQL is the pool of long queries, assigned to workers round-robin.
	SQL []string

	Policy harness.IterationPolicy

	// WarmUpDelay is waited before the interference starts.
	WarmUpDelay time.Duration

	// ReadinessHandshake holds the interference back until the first query is in flight.
	// The warm-up delay is applied after that signal.
	ReadinessHandshake bool

	// Worker is the template for every worker; its ID and OnQueryInFlight are set by the scheduler.
	Worker WorkerConfig
}

// Validate checks that the scheduler can run the configuration.
func (c SchedulerConfig) Validate() error {
	if c.Workers <= 0 {
		return harness.ErrInvalidWorkerCount
	}

	if len(c.SQL) == 0 {
		return harness.ErrEmptySQL
	}

	for _, sql := range c.SQL {
		if sql == "" {
			return harness.ErrEmptySQL
		}
	}

	if c.WarmUpDelay < 0 || c.Worker.IdleSampleInterval < 0 {
		return harness.ErrNegativeDuration
	}

	return c.Policy.Validate()
}

// WorkloadScheduler runs the QueryWorkers against the replica and the InterferenceInjector against the primary.
type WorkloadScheduler struct {
	cfg      SchedulerConfig
	replica  harness.PoolHandle
	injector *InterferenceInjector
	observer *PoolObserver
	obs      *observability
	options  []Option

	runID        string
	injectorDone chan struct{}
	inFlight     chan struct{}
	inFlightOnce sync.Once
	started      atomic.Bool
}

// NewWorkloadScheduler creates a WorkloadScheduler. The injector may be nil to run queries without interference.
func NewWorkloadScheduler(
	cfg SchedulerConfig,
	replica harness.PoolHandle,
	injector *InterferenceInjector,
	observer *PoolObserver,
	options ...Option,
) (*WorkloadScheduler, error) {
	if replica == nil {
		return nil, harness.ErrNilPool
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	obs, err := newObservability(options...)
	if err != nil {
		return nil, err
	}

	if observer == nil {
		observer = &PoolObserver{obs: obs}
	}

	return &WorkloadScheduler{
		cfg:          cfg,
		replica:      replica,
		injector:     injector,
		observer:     observer,
		obs:          obs,
		options:      options,
		runID:        uuid.NewString(),
		injectorDone: make(chan struct{}),
		inFlight:     make(chan struct{}),
	}, nil
}

// RunID identifies the run in logs and in the summary.
func (s *WorkloadScheduler) RunID() string {
	return s.runID
}

// InterferenceDone is closed when the interference goroutine has returned.
// Run does not wait for it; callers that close the primary pool can.
func (s *WorkloadScheduler) InterferenceDone() <-chan struct{} {
	return s.injectorDone
}

// Run starts the workers immediately and the interference after the warm-up, waits for all workers
// to reach a terminal state and returns the summary. The interference is cancelled, not joined,
// once the workers are done.
// A scheduler runs once; a second call returns harness.ErrSchedulerStarted.
func (s *WorkloadScheduler) Run(ctx context.Context) (Summary, error) {
	if !s.started.CompareAndSwap(false, true) {
		return Summary{}, harness.ErrSchedulerStarted
	}

	start := time.Now()

	injectorCtx, cancelInjector := context.WithCancel(ctx)
	defer cancelInjector()

	workers := make([]*QueryWorker, s.cfg.Workers)
	for i := range workers {
		workerCfg := s.cfg.Worker
		workerCfg.ID = i + 1
		workerCfg.OnQueryInFlight = s.signalInFlight

		worker, err := NewQueryWorker(workerCfg, s.observer, s.options...)
		if err != nil {
			close(s.injectorDone)
			return Summary{}, err
		}

		workers[i] = worker
	}

	s.startInterference(injectorCtx)

	s.obs.logInfo(ctx, logMsgWorkersStarted,
		logAttrWorkers, s.cfg.Workers,
		logAttrRole, string(s.replica.Endpoint().Role()),
		logAttrWarmUpMS, toMilliseconds(s.cfg.WarmUpDelay),
	)

	results := make([][]harness.QueryExecutionRecord, len(workers))

	var wg sync.WaitGroup
	for i, worker := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Run only fails on invalid input, which Validate already rejected.
			results[i], _ = worker.Run(ctx, s.replica, s.cfg.SQL[i%len(s.cfg.SQL)], s.cfg.Policy)
		}()
	}

	wg.Wait()
	cancelInjector()

	var records []harness.QueryExecutionRecord
	for _, r := range results {
		records = append(records, r...)
	}

	var cycles []harness.InterferenceCycleRecord
	if s.injector != nil {
		cycles = s.injector.Cycles()
	}

	summary := NewSummary(s.runID, records, cycles, time.Since(start))

	s.obs.logInfo(context.WithoutCancel(ctx), logMsgWorkersFinished,
		logAttrIteration, summary.Iterations,
		logAttrCycle, summary.Cycles,
		logAttrDurationMS, toMilliseconds(summary.Elapsed),
	)

	return summary, nil
}

func (s *WorkloadScheduler) startInterference(ctx context.Context) {
	if s.injector == nil {
		close(s.injectorDone)
		return
	}

	go func() {
		defer close(s.injectorDone)

		if s.cfg.ReadinessHandshake {
			select {
			case <-ctx.Done():
				return
			case <-s.inFlight:
				s.obs.logInfo(ctx, logMsgReadinessReached)
			}
		}

		if !sleepContext(ctx, s.cfg.WarmUpDelay) {
			return
		}

		s.injector.Run(ctx)
	}()
}

func (s *WorkloadScheduler) signalInFlight(_ int) {
	s.inFlightOnce.Do(func() { close(s.inFlight) })
}
