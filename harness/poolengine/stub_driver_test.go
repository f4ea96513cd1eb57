package poolengine_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// stubConnector is an in-process database/sql connector whose connections stream a fixed
// number of rows, or fail with a configured error.
type stubConnector struct {
	rows      int
	queryErr  error
	execErr   error
	mu        sync.Mutex
	queries   []string
	opened    atomic.Int64
	rollbacks atomic.Int64
}

func newStubDB(rows int) (*sql.DB, *stubConnector) {
	connector := &stubConnector{rows: rows}

	return sql.OpenDB(connector), connector
}

func (c *stubConnector) Connect(_ context.Context) (driver.Conn, error) {
	c.opened.Add(1)

	return &stubConn{connector: c}, nil
}

func (c *stubConnector) Driver() driver.Driver {
	return stubDriver{connector: c}
}

func (c *stubConnector) setQueryErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryErr = err
}

func (c *stubConnector) recordQuery(query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)

	return c.queryErr
}

func (c *stubConnector) executedQueries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.queries...)
}

type stubDriver struct {
	connector *stubConnector
}

func (d stubDriver) Open(_ string) (driver.Conn, error) {
	return d.connector.Connect(context.Background())
}

type stubConn struct {
	connector *stubConnector
}

func (c *stubConn) Prepare(_ string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements are not supported")
}

func (c *stubConn) Close() error {
	return nil
}

func (c *stubConn) Begin() (driver.Tx, error) {
	return &stubTx{connector: c.connector}, nil
}

func (c *stubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	return &stubTx{connector: c.connector}, nil
}

func (c *stubConn) QueryContext(ctx context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if err := c.connector.recordQuery(query); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &stubRows{total: c.connector.rows}, nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	if err := c.connector.recordQuery(query); err != nil {
		return nil, err
	}

	if c.connector.execErr != nil {
		return nil, c.connector.execErr
	}

	return driver.RowsAffected(int64(c.connector.rows)), nil
}

type stubTx struct {
	connector *stubConnector
}

func (t *stubTx) Commit() error {
	return nil
}

func (t *stubTx) Rollback() error {
	t.connector.rollbacks.Add(1)

	return nil
}

type stubRows struct {
	total int
	next  int
}

func (r *stubRows) Columns() []string {
	return []string{"id", "payload"}
}

func (r *stubRows) Close() error {
	return nil
}

func (r *stubRows) Next(dest []driver.Value) error {
	if r.next >= r.total {
		return io.EOF
	}

	dest[0] = int64(r.next)
	dest[1] = []byte("payload")
	r.next++

	return nil
}
