// Package harness provides the core types and boundaries of the long-query disconnect
// reproduction harness.
//
// The harness reproduces unexpected connection terminations of pooled database clients that run
// long read queries against a replica while schema and data mutations hit the primary.
// This package defines the vocabulary shared by all other packages:
//
// Key types:
//   - Endpoint: a database target identified by its Role (primary or replica)
//   - PoolHandle, Conn, Rows: the boundary to the external connection pool and driver
//   - PoolSnapshot: point-in-time pool counters
//   - QueryExecutionRecord and Outcome (Success or Failure): the result of one query attempt
//   - InterferenceCycleRecord: the steps of one interference cycle
//   - Classification: the failure taxonomy produced by Classify and ClassifyError
//
// Common usage pattern:
//
//	classification, code, msg := harness.ClassifyError(err)
//	if classification == harness.ConnectionLost {
//		// the reproduction succeeded
//	}
package harness
