package fakepool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

// QueryScript describes how a query behaves.
type QueryScript struct {
	// Match selects the query by substring. The first matching script wins.
	Match string

	// Delay blocks Query before the first row is returned.
	Delay time.Duration

	// Rows is the number of rows streamed.
	Rows int

	// ExecuteErr is returned by Query after Delay.
	ExecuteErr error

	// StreamErr ends the iteration after Rows rows.
	StreamErr error
}

// ExecScript describes how a mutating statement behaves.
type ExecScript struct {
	Match    string
	Affected int64
	Err      error

	// Then runs after the statement, for example to terminate in-flight queries of another pool.
	Then func()
}

// Option configures a Pool.
type Option func(*Pool)

// WithQuery adds a query script.
func WithQuery(script QueryScript) Option {
	return func(p *Pool) {
		p.queries = append(p.queries, script)
	}
}

// WithExec adds a statement script.
func WithExec(script ExecScript) Option {
	return func(p *Pool) {
		p.execs = append(p.execs, script)
	}
}

// WithAcquireTimeout bounds the wait of Acquire.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		p.acquireTimeout = timeout
	}
}

// WithBeginErr makes every DisableAutoCommit fail with err.
func WithBeginErr(err error) Option {
	return func(p *Pool) {
		p.beginErr = err
	}
}

// WithReleaseErr makes every Release return err after the connection was returned.
func WithReleaseErr(err error) Option {
	return func(p *Pool) {
		p.releaseErr = err
	}
}

// WithAbandonedTimeout enables the abandoned connection report.
func WithAbandonedTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		p.abandonedTimeout = timeout
	}
}

// Pool is an in-memory harness.PoolHandle with a fixed capacity.
type Pool struct {
	endpoint         harness.Endpoint
	capacity         int
	slots            chan struct{}
	acquireTimeout   time.Duration
	queries          []QueryScript
	execs            []ExecScript
	beginErr         error
	releaseErr       error
	abandonedTimeout time.Duration

	acquires  atomic.Int64
	releases  atomic.Int64
	rollbacks atomic.Int64
	waiting   atomic.Int64
	errCount  atomic.Int64
	closed    atomic.Bool
	maxActive atomic.Int64

	mu       sync.Mutex
	idle     int64
	created  int64
	inFlight map[*conn]struct{}
	active   map[*conn]time.Time
	executed []string
}

// New creates a Pool for role with capacity connections. A capacity of zero never hands out a connection.
func New(role harness.Role, capacity int, options ...Option) *Pool {
	p := &Pool{
		endpoint: harness.NewEndpoint(role, harness.DialectPostgres, "postgres://fake:fake@"+string(role)+"/fake"),
		capacity: capacity,
		slots:    make(chan struct{}, capacity),
		inFlight: make(map[*conn]struct{}),
		active:   make(map[*conn]time.Time),
	}

	for _, option := range options {
		option(p)
	}

	return p
}

// Acquire hands out a connection or waits for one until the acquire timeout or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (harness.Conn, error) {
	if p.closed.Load() {
		return nil, harness.ErrPoolClosed
	}

	var timeout <-chan time.Time
	if p.acquireTimeout > 0 {
		timer := time.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	select {
	case p.slots <- struct{}{}:
	case <-timeout:
		p.errCount.Add(1)
		return nil, fmt.Errorf("fakepool: no connection within %s: %w", p.acquireTimeout, harness.ErrAcquireTimeout)
	case <-ctx.Done():
		p.errCount.Add(1)
		return nil, ctx.Err()
	}

	c := &conn{pool: p, kill: make(chan error, 1)}

	p.mu.Lock()
	if p.idle > 0 {
		p.idle--
	} else {
		p.created++
	}
	p.active[c] = time.Now()
	active := int64(len(p.active))
	p.mu.Unlock()

	for {
		highest := p.maxActive.Load()
		if active <= highest || p.maxActive.CompareAndSwap(highest, active) {
			break
		}
	}

	p.acquires.Add(1)

	return c, nil
}

// Snapshot returns the pool counters.
func (p *Pool) Snapshot() harness.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return harness.PoolSnapshot{
		TakenAt:      time.Now(),
		ActiveCount:  int64(len(p.active)),
		IdleCount:    p.idle,
		WaitingCount: p.waiting.Load(),
		TotalCreated: p.created,
		ErrorCount:   p.errCount.Load(),
	}
}

// MaxSize returns the capacity.
func (p *Pool) MaxSize() int64 {
	return int64(p.capacity)
}

// Endpoint returns the endpoint of the pool.
func (p *Pool) Endpoint() harness.Endpoint {
	return p.endpoint
}

// Close closes the pool.
func (p *Pool) Close() {
	p.closed.Store(true)
}

// Abandoned reports how long connections held longer than the abandoned timeout have been checked out.
func (p *Pool) Abandoned(now time.Time) []time.Duration {
	if p.abandonedTimeout <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var held []time.Duration
	for _, since := range p.active {
		if d := now.Sub(since); d > p.abandonedTimeout {
			held = append(held, d)
		}
	}

	return held
}

// TerminateInFlight fails every query that is currently executing or streaming with err.
func (p *Pool) TerminateInFlight(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for c := range p.inFlight {
		select {
		case c.kill <- err:
		default:
		}
	}

	return len(p.inFlight)
}

// InFlight returns the number of queries currently executing or streaming.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.inFlight)
}

// Acquires returns the number of successful acquires.
func (p *Pool) Acquires() int64 {
	return p.acquires.Load()
}

// Releases returns the number of releases.
func (p *Pool) Releases() int64 {
	return p.releases.Load()
}

// Rollbacks returns the number of releases that rolled back an open transaction.
func (p *Pool) Rollbacks() int64 {
	return p.rollbacks.Load()
}

// MaxActive returns the highest number of simultaneously active connections.
func (p *Pool) MaxActive() int64 {
	return p.maxActive.Load()
}

// Executed returns all statements and queries in execution order.
func (p *Pool) Executed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.executed...)
}

func (p *Pool) record(sql string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, sql)
}

func (p *Pool) queryScript(sql string) QueryScript {
	for _, script := range p.queries {
		if strings.Contains(sql, script.Match) {
			return script
		}
	}

	return QueryScript{}
}

func (p *Pool) execScript(sql string) ExecScript {
	for _, script := range p.execs {
		if strings.Contains(sql, script.Match) {
			return script
		}
	}

	return ExecScript{}
}

func (p *Pool) setInFlight(c *conn, inFlight bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inFlight {
		p.inFlight[c] = struct{}{}
	} else {
		delete(p.inFlight, c)
	}
}

// conn is one checked-out fake connection.
type conn struct {
	pool     *Pool
	kill     chan error
	released atomic.Bool
	closed   atomic.Bool
	inTx     bool
}

func (c *conn) DisableAutoCommit(_ context.Context) error {
	if c.released.Load() {
		return harness.ErrConnectionReleased
	}

	if c.pool.beginErr != nil {
		return c.pool.beginErr
	}

	c.inTx = true

	return nil
}

func (c *conn) Query(ctx context.Context, sql string) (harness.Rows, error) {
	if c.released.Load() {
		return nil, harness.ErrConnectionReleased
	}

	c.pool.record(sql)
	script := c.pool.queryScript(sql)
	c.pool.setInFlight(c, true)

	if script.Delay > 0 {
		timer := time.NewTimer(script.Delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case err := <-c.kill:
			c.closed.Store(true)
			c.pool.setInFlight(c, false)
			return nil, err
		case <-ctx.Done():
			c.pool.setInFlight(c, false)
			return nil, ctx.Err()
		}
	}

	if script.ExecuteErr != nil {
		c.pool.setInFlight(c, false)
		return nil, script.ExecuteErr
	}

	return &rows{conn: c, total: script.Rows, streamErr: script.StreamErr}, nil
}

func (c *conn) Exec(ctx context.Context, sql string) (int64, error) {
	if c.released.Load() {
		return 0, harness.ErrConnectionReleased
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.pool.record(sql)
	script := c.pool.execScript(sql)

	if script.Then != nil {
		defer script.Then()
	}

	return script.Affected, script.Err
}

func (c *conn) IsClosed() bool {
	return c.closed.Load() || c.released.Load()
}

func (c *conn) Release(_ context.Context) error {
	if !c.released.CompareAndSwap(false, true) {
		return harness.ErrConnectionReleased
	}

	c.pool.setInFlight(c, false)

	if c.inTx {
		c.pool.rollbacks.Add(1)
	}

	c.pool.mu.Lock()
	delete(c.pool.active, c)
	if !c.closed.Load() {
		c.pool.idle++
	}
	c.pool.mu.Unlock()

	<-c.pool.slots
	c.pool.releases.Add(1)

	return c.pool.releaseErr
}

type rows struct {
	conn      *conn
	total     int
	next      int
	err       error
	streamErr error
	closed    bool
}

func (r *rows) Columns() ([]string, error) {
	return []string{"id", "payload"}, nil
}

func (r *rows) Next() bool {
	if r.closed || r.err != nil {
		return false
	}

	select {
	case err := <-r.conn.kill:
		r.conn.closed.Store(true)
		r.err = err
		return false
	default:
	}

	if r.next >= r.total {
		r.err = r.streamErr
		r.conn.pool.setInFlight(r.conn, false)
		return false
	}

	r.next++

	return true
}

func (r *rows) Values() ([]any, error) {
	if r.next == 0 {
		return nil, errors.New("fakepool: Values called before Next")
	}

	return []any{int64(r.next), fmt.Sprintf("row-%d", r.next)}, nil
}

func (r *rows) Err() error {
	return r.err
}

func (r *rows) Close() error {
	if !r.closed {
		r.closed = true
		r.conn.pool.setInFlight(r.conn, false)
	}

	return nil
}

var _ harness.PoolHandle = (*Pool)(nil)
