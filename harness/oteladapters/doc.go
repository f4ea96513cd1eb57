// Package oteladapters connects the harness observability interfaces to OpenTelemetry.
//
// The harness packages only know harness.ContextualLogger, harness.ContextualMetricsCollector and
// harness.TracingCollector. The types in this package implement them on top of the OpenTelemetry
// API, so that pool snapshots, query attempts and interference steps end up in whatever backend
// the configured providers export to.
//
//	meter := otel.Meter("disconnect-harness")
//	tracer := otel.Tracer("disconnect-harness")
//
//	worker, err := orchestrator.NewQueryWorker(cfg, observer,
//		orchestrator.WithMetrics(oteladapters.NewMetricsCollector(meter)),
//		orchestrator.WithTracing(oteladapters.NewTracingCollector(tracer)),
//		orchestrator.WithContextualLogger(oteladapters.NewSlogBridgeLogger("disconnect-harness", nil)),
//	)
package oteladapters
