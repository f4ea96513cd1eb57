package adapters

import (
	"context"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// DBPool defines the interface of a connection pool library needed by the pool engine.
type DBPool interface {
	Acquire(ctx context.Context) (DBConn, error)
	Stats() Stats
	Close()
}

// DBConn defines the interface of one checked-out connection.
type DBConn interface {
	Begin(ctx context.Context) error
	Query(ctx context.Context, query string) (harness.Rows, error)
	Exec(ctx context.Context, query string) (int64, error)
	IsClosed() bool
	Release(ctx context.Context) error
}

// Stats holds the counters a pool library exposes.
type Stats struct {
	Active    int64
	Idle      int64
	Created   int64
	Destroyed int64
	MaxSize   int64
}
