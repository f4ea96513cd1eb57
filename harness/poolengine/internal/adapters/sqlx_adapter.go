package adapters

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// SQLXAdapter implements DBPool for sqlx.DB
type SQLXAdapter struct {
	db *sqlx.DB
}

// NewSQLXAdapter creates a new SQLX adapter
func NewSQLXAdapter(db *sqlx.DB) *SQLXAdapter {
	return &SQLXAdapter{db: db}
}

// Acquire checks out a connection using sqlx.DB.Connx.
func (s *SQLXAdapter) Acquire(ctx context.Context) (DBConn, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, err
	}

	return &sqlxConn{conn: conn}, nil
}

// Stats maps the sql.DBStats of the underlying sql.DB onto the adapter counters.
func (s *SQLXAdapter) Stats() Stats {
	return statsFromDB(s.db.Stats())
}

// Close closes the sqlx.DB.
func (s *SQLXAdapter) Close() {
	_ = s.db.Close()
}

type sqlxConn struct {
	conn *sqlx.Conn
	tx   *sqlx.Tx
}

// Begin opens a transaction using BeginTxx.
func (c *sqlxConn) Begin(ctx context.Context) error {
	tx, err := c.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	c.tx = tx

	return nil
}

// Query executes a query using Queryx and returns wrapped rows.
func (c *sqlxConn) Query(ctx context.Context, query string) (harness.Rows, error) {
	var rows *sqlx.Rows
	var err error

	if c.tx != nil {
		rows, err = c.tx.QueryxContext(ctx, query)
	} else {
		rows, err = c.conn.QueryxContext(ctx, query)
	}

	if err != nil {
		return nil, err
	}

	return &sqlxRows{rows: rows}, nil
}

// Exec executes a statement and returns the affected row count.
func (c *sqlxConn) Exec(ctx context.Context, query string) (int64, error) {
	if c.tx != nil {
		return execRowsAffected(ctx, c.tx, query)
	}

	return execRowsAffected(ctx, c.conn, query)
}

// IsClosed reports whether the driver connection is no longer valid.
func (c *sqlxConn) IsClosed() bool {
	return rawConnIsClosed(c.conn.Conn)
}

// Release rolls back the open transaction and closes the connection handle, returning it to the pool.
func (c *sqlxConn) Release(_ context.Context) error {
	var rollbackErr error
	if c.tx != nil {
		rollbackErr = c.tx.Rollback()
		if errors.Is(rollbackErr, sql.ErrTxDone) {
			rollbackErr = nil
		}
		c.tx = nil
	}

	return errors.Join(rollbackErr, c.conn.Close())
}

// sqlxRows wraps sqlx.Rows and scans rows with SliceScan.
type sqlxRows struct {
	rows *sqlx.Rows
}

// Columns returns the column names of the result.
func (r *sqlxRows) Columns() ([]string, error) {
	return r.rows.Columns()
}

// Next advances to the next row.
func (r *sqlxRows) Next() bool {
	return r.rows.Next()
}

// Values returns the current row as a slice.
func (r *sqlxRows) Values() ([]any, error) {
	values, err := r.rows.SliceScan()
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}

	return values, nil
}

// Err returns the error that ended the iteration, if any.
func (r *sqlxRows) Err() error {
	return r.rows.Err()
}

// Close closes the rows iterator.
func (r *sqlxRows) Close() error {
	return r.rows.Close()
}
