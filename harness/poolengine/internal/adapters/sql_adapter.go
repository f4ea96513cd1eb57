package adapters

import (
	"context"
	"database/sql"
	"errors"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// SQLAdapter implements DBPool for sql.DB
type SQLAdapter struct {
	db *sql.DB
}

// NewSQLAdapter creates a new SQL adapter
func NewSQLAdapter(db *sql.DB) *SQLAdapter {
	return &SQLAdapter{db: db}
}

func (s *SQLAdapter) Acquire(ctx context.Context) (DBConn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	return &sqlConn{conn: conn}, nil
}

func (s *SQLAdapter) Stats() Stats {
	return statsFromDB(s.db.Stats())
}

func (s *SQLAdapter) Close() {
	_ = s.db.Close()
}

type sqlConn struct {
	conn *sql.Conn
	tx   *sql.Tx
}

func (c *sqlConn) queryer() sqlQueryer {
	if c.tx != nil {
		return c.tx
	}

	return c.conn
}

func (c *sqlConn) Begin(ctx context.Context) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	c.tx = tx

	return nil
}

func (c *sqlConn) Query(ctx context.Context, query string) (harness.Rows, error) {
	rows, err := c.queryer().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string) (int64, error) {
	return execRowsAffected(ctx, c.queryer(), query)
}

func (c *sqlConn) IsClosed() bool {
	return rawConnIsClosed(c.conn)
}

func (c *sqlConn) Release(_ context.Context) error {
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
