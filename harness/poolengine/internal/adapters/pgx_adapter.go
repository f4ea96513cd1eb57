package adapters

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// PGXAdapter implements DBPool for pgxpool.Pool.
type PGXAdapter struct {
	pool *pgxpool.Pool
}

// NewPGXAdapter creates a new PGX adapter.
func NewPGXAdapter(pool *pgxpool.Pool) *PGXAdapter {
	return &PGXAdapter{pool: pool}
}

// Acquire checks out a connection from the pgx pool.
func (p *PGXAdapter) Acquire(ctx context.Context) (DBConn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	return &pgxConn{conn: conn}, nil
}

// Stats maps pgxpool.Stat onto the adapter counters.
func (p *PGXAdapter) Stats() Stats {
	stat := p.pool.Stat()

	return Stats{
		Active:    int64(stat.AcquiredConns()),
		Idle:      int64(stat.IdleConns()),
		Created:   stat.NewConnsCount(),
		Destroyed: stat.MaxLifetimeDestroyCount() + stat.MaxIdleDestroyCount(),
		MaxSize:   int64(stat.MaxConns()),
	}
}

// Close closes all connections of the pgx pool.
func (p *PGXAdapter) Close() {
	p.pool.Close()
}

// pgxConn wraps a pgxpool.Conn and its optional open transaction.
type pgxConn struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

// Begin opens a transaction that stays open until Release.
func (c *pgxConn) Begin(ctx context.Context) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return err
	}

	c.tx = tx

	return nil
}

// Query runs the query inside the open transaction, if any.
func (c *pgxConn) Query(ctx context.Context, query string) (harness.Rows, error) {
	var rows pgx.Rows
	var err error

	if c.tx != nil {
		rows, err = c.tx.Query(ctx, query)
	} else {
		rows, err = c.conn.Query(ctx, query)
	}

	if err != nil {
		return nil, err
	}

	return &pgxRows{rows: rows}, nil
}

// Exec executes a statement and returns the affected row count.
func (c *pgxConn) Exec(ctx context.Context, query string) (int64, error) {
	var err error
	var tag pgconn.CommandTag

	if c.tx != nil {
		tag, err = c.tx.Exec(ctx, query)
	} else {
		tag, err = c.conn.Exec(ctx, query)
	}

	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// IsClosed reports whether the physical connection is closed.
func (c *pgxConn) IsClosed() bool {
	return c.conn.Conn().IsClosed()
}

// Release rolls back the open transaction and returns the connection to the pool.
func (c *pgxConn) Release(ctx context.Context) error {
	var rollbackErr error
	if c.tx != nil && !c.conn.Conn().IsClosed() {
		rollbackErr = c.tx.Rollback(ctx)
		if errors.Is(rollbackErr, pgx.ErrTxClosed) {
			rollbackErr = nil
		}
	}

	c.tx = nil
	c.conn.Release()

	return rollbackErr
}

// pgxRows wraps pgx.Rows to implement the harness.Rows interface.
type pgxRows struct {
	rows pgx.Rows
}

// Columns returns the column names of the result.
func (r *pgxRows) Columns() ([]string, error) {
	fields := r.rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, field := range fields {
		columns[i] = field.Name
	}

	return columns, nil
}

// Next advances to the next row.
func (r *pgxRows) Next() bool {
	return r.rows.Next()
}

// Values returns the decoded values of the current row.
func (r *pgxRows) Values() ([]any, error) {
	return r.rows.Values()
}

// Err returns the error that ended the iteration, if any.
func (r *pgxRows) Err() error {
	return r.rows.Err()
}

// Close closes the rows iterator.
func (r *pgxRows) Close() error {
	r.rows.Close()
	return nil
}
