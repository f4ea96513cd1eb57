package adapters

import (
	"context"
	"database/sql"
	"database/sql/driver"
)

// sqlQueryer is implemented by sql.Conn, sql.Tx, sqlx.Conn and sqlx.Tx.
type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// stdRows wraps standard library sql.Rows to implement the harness.Rows interface.
type stdRows struct {
	rows *sql.Rows
}

// Columns returns the column names of the result.
func (s *stdRows) Columns() ([]string, error) {
	return s.rows.Columns()
}

// Next advances to the next row.
func (s *stdRows) Next() bool {
	return s.rows.Next()
}

// Values scans the current row into generic values.
func (s *stdRows) Values() ([]any, error) {
	columns, err := s.rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	if scanErr := s.rows.Scan(dest...); scanErr != nil {
		return nil, scanErr
	}

	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}

	return values, nil
}

// Err returns the error that ended the iteration, if any.
func (s *stdRows) Err() error {
	return s.rows.Err()
}

// Close closes the rows iterator.
func (s *stdRows) Close() error {
	return s.rows.Close()
}

// execRowsAffected runs a statement and returns the affected row count.
func execRowsAffected(ctx context.Context, q sqlQueryer, query string) (int64, error) {
	result, err := q.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// rawConnIsClosed asks the driver connection whether it is still usable.
// Drivers without driver.Validator are reported as open.
func rawConnIsClosed(conn *sql.Conn) bool {
	closed := false

	err := conn.Raw(func(driverConn any) error {
		if validator, ok := driverConn.(driver.Validator); ok {
			closed = !validator.IsValid()
		}

		return nil
	})

	return closed || err != nil
}

// statsFromDB maps sql.DBStats onto the adapter counters.
// database/sql does not count opened connections, so created is derived from the open and closed counts.
// Both are approximations: connections that database/sql discards as bad (driver.ErrBadConn, or a
// failed session reset) are counted nowhere, so they are missing from created and destroyed alike.
func statsFromDB(stats sql.DBStats) Stats {
	destroyed := stats.MaxIdleClosed + stats.MaxIdleTimeClosed + stats.MaxLifetimeClosed

	return Stats{
		Active:    int64(stats.InUse),
		Idle:      int64(stats.Idle),
		Created:   int64(stats.OpenConnections) + destroyed,
		Destroyed: destroyed,
		MaxSize:   int64(stats.MaxOpenConnections),
	}
}
