// Package fakepool provides a deterministic in-memory harness.PoolHandle for tests.
//
// Queries and statements are scripted by substring match. A scripted query can block for a while,
// stream a number of rows and fail at execution or while streaming. TerminateInFlight fails all
// queries that are currently executing, which simulates a server closing connections mid-query.
// The pool counts every acquire and release so tests can check that each acquired connection is
// released exactly once.
package fakepool
