// Package poolengine provides harness.PoolHandle implementations on top of real connection pool libraries.
//
// This package wraps pgxpool.Pool, sql.DB and sqlx.DB behind one PoolHandle, adding the behavior the
// harness needs from a pool regardless of the library in use:
//   - Bounded acquisition: an acquire that does not finish within the acquire timeout fails with
//     harness.ErrAcquireTimeout
//   - Validation: an optional validation query on borrow and on return, with its own timeout
//   - Counters: waiting acquirers and connection errors, merged with the library's own statistics
//   - Abandoned connection detection: connections held longer than the abandoned timeout are reported
//   - Exactly-once release: releasing a connection twice fails with harness.ErrConnectionReleased
//
// Usage examples:
//
//	db, _ := pgxpool.NewWithConfig(ctx, pgxConfig)
//	replica, _ := poolengine.NewPoolFromPGXPool(
//		db,
//		harness.NewEndpoint(harness.RoleReplica, harness.DialectPostgres, dsn),
//		poolengine.WithAcquireTimeout(30*time.Second),
//		poolengine.WithLogger(logger),
//	)
//
//	conn, err := replica.Acquire(ctx)
//	if err != nil {
//		// errors.Is(err, harness.ErrAcquireTimeout) for a bounded wait that elapsed
//	}
//	defer conn.Release(ctx)
package poolengine
