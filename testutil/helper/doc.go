// Package helper provides test doubles for the observability interfaces of the harness
// together with small helpers shared by the package tests.
//
// The spies record every call so tests can assert on log messages, metric names, labels and spans
// without a real logging, metrics or tracing backend.
package helper
