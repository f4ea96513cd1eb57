// Package orchestrator runs the long-query disconnect reproduction.
//
// A WorkloadScheduler starts N QueryWorkers against the replica pool and one InterferenceInjector
// against the primary pool. Each QueryWorker acquires a connection, opens a transaction, runs a
// long query without statement timeout and streams its rows, recording one
// harness.QueryExecutionRecord per attempt. The InterferenceInjector repeatedly adds a probe column,
// bulk-updates it and drops it again until it is cancelled. A PoolObserver reports pool snapshots
// around every attempt and on a timer while interference is running.
//
// Failures never escape an attempt or an interference step: they are classified with
// harness.ClassifyError and become harness.Failure outcomes.
//
// Basic usage:
//
//	observer, err := orchestrator.NewPoolObserver(orchestrator.WithLogger(logger))
//	injector, err := orchestrator.NewInterferenceInjector(primary, orchestrator.InjectorConfig{
//		Plan:          orchestrator.NewSchemaChurnPlan(harness.DialectPostgres, "public.orders"),
//		StepDelay:     2 * time.Second,
//		CycleInterval: 30 * time.Second,
//	}, observer, orchestrator.WithLogger(logger))
//	scheduler, err := orchestrator.NewWorkloadScheduler(orchestrator.SchedulerConfig{
//		Workers:     4,
//		SQL:         []string{"SELECT * FROM orders"},
//		Policy:      harness.UntilDeadline(time.Now().Add(time.Hour), time.Second),
//		WarmUpDelay: 5 * time.Second,
//	}, replica, injector, observer, orchestrator.WithLogger(logger))
//	summary, err := scheduler.Run(ctx)
package orchestrator
