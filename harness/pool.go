package harness

import "context"

// PoolHandle is a managed connection source for one database endpoint.
// Implementations must be safe for concurrent use; their own locking governs acquire and release.
type PoolHandle interface {
	// Acquire returns a connection or an error wrapping ErrAcquireTimeout
	// when none became available within the pool's bounded wait.
	Acquire(ctx context.Context) (Conn, error)

	// Snapshot returns the pool counters without blocking on pool internals.
	Snapshot() PoolSnapshot

	// MaxSize returns the configured maximum number of active connections.
	MaxSize() int64

	// Endpoint returns the endpoint the pool connects to.
	Endpoint() Endpoint

	// Close closes all connections of the pool.
	Close()
}

// Conn is one connection checked out of a PoolHandle.
// A Conn is owned by exactly one goroutine between Acquire and Release.
type Conn interface {
	// DisableAutoCommit opens a transaction that stays open until Release.
	DisableAutoCommit(ctx context.Context) error

	// Query executes sql without a statement timeout and returns a streaming cursor.
	Query(ctx context.Context, sql string) (Rows, error)

	// Exec executes a mutating statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string) (int64, error)

	// IsClosed reports whether the underlying physical connection is known to be closed.
	IsClosed() bool

	// Release rolls back an open transaction and returns the connection to its pool.
	// Calling Release more than once returns ErrConnectionReleased.
	Release(ctx context.Context) error
}

// Rows is a streaming result cursor.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}
