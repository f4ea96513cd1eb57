package poolengine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness/poolengine/internal/adapters"
)

const (
	logMsgAcquired           = "connection acquired"
	logMsgAcquireFailed      = "connection acquire failed"
	logMsgReleased           = "connection released"
	logMsgReleaseFailed      = "connection release failed"
	logMsgValidationFailed   = "connection validation failed"
	logAttrRole              = "role"
	logAttrError             = "error"
	logAttrDurationMS        = "duration_ms"
	logAttrValidation        = "validation"
	logAttrConnectionID      = "connection_id"
	metricAcquireDuration    = "harness_pool_acquire_duration_seconds"
	metricAcquireFailures    = "harness_pool_acquire_failures_total"
	metricReleaseFailures    = "harness_pool_release_failures_total"
	metricValidationFailures = "harness_pool_validation_failures_total"
	labelRole                = "role"
	labelReason              = "reason"
	reasonTimeout            = "timeout"
	reasonError              = "error"
	validationOnBorrow       = "on_borrow"
	validationOnReturn       = "on_return"
)

type validation struct {
	query    string
	timeout  time.Duration
	onBorrow bool
	onReturn bool
}

// Pool implements harness.PoolHandle on top of a pool library adapter.
type Pool struct {
	db               adapters.DBPool
	endpoint         harness.Endpoint
	acquireTimeout   time.Duration
	validation       validation
	abandonedTimeout time.Duration
	maxSize          int64
	logger           harness.Logger
	contextualLogger harness.ContextualLogger
	metricsCollector harness.MetricsCollector

	waiting    atomic.Int64
	errorCount atomic.Int64
	closed     atomic.Bool
	nextID     atomic.Uint64
	mu         sync.Mutex
	checkout   map[uint64]time.Time
}

// NewPoolFromPGXPool creates a Pool using a pgx Pool with optional configuration.
func NewPoolFromPGXPool(db *pgxpool.Pool, endpoint harness.Endpoint, options ...Option) (*Pool, error) {
	if db == nil {
		return nil, harness.ErrNilPool
	}

	return newPool(adapters.NewPGXAdapter(db), endpoint, options...)
}

// NewPoolFromSQLDB creates a Pool using a sql.DB with optional configuration.
func NewPoolFromSQLDB(db *sql.DB, endpoint harness.Endpoint, options ...Option) (*Pool, error) {
	if db == nil {
		return nil, harness.ErrNilPool
	}

	return newPool(adapters.NewSQLAdapter(db), endpoint, options...)
}

// NewPoolFromSQLX creates a Pool using a sqlx.DB with optional configuration.
func NewPoolFromSQLX(db *sqlx.DB, endpoint harness.Endpoint, options ...Option) (*Pool, error) {
	if db == nil {
		return nil, harness.ErrNilPool
	}

	return newPool(adapters.NewSQLXAdapter(db), endpoint, options...)
}

func newPool(db adapters.DBPool, endpoint harness.Endpoint, options ...Option) (*Pool, error) {
	p := &Pool{
		db:       db,
		endpoint: endpoint,
		checkout: make(map[uint64]time.Time),
	}

	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Acquire checks out a connection, waiting at most the acquire timeout.
// With validation on borrow, a connection that fails the validation query is released again
// and the acquire fails with harness.ErrValidationFailed.
func (p *Pool) Acquire(ctx context.Context) (harness.Conn, error) {
	if p.closed.Load() {
		return nil, harness.ErrPoolClosed
	}

	acquireCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	start := time.Now()
	p.waiting.Add(1)
	dbConn, err := p.db.Acquire(acquireCtx)
	p.waiting.Add(-1)
	duration := time.Since(start)

	if err != nil {
		p.errorCount.Add(1)

		if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			err = errors.Join(harness.ErrAcquireTimeout, err)
			p.recordAcquireFailure(reasonTimeout)
		} else {
			p.recordAcquireFailure(reasonError)
		}

		p.logError(ctx, logMsgAcquireFailed, err, logAttrDurationMS, toMilliseconds(duration))

		return nil, err
	}

	p.recordDuration(metricAcquireDuration, duration)

	if p.validation.onBorrow {
		if validateErr := p.validate(ctx, dbConn); validateErr != nil {
			p.errorCount.Add(1)
			p.recordValidationFailure(validationOnBorrow)
			p.logWarn(ctx, logMsgValidationFailed, logAttrValidation, validationOnBorrow, logAttrError, validateErr.Error())

			return nil, errors.Join(harness.ErrValidationFailed, validateErr, dbConn.Release(ctx))
		}
	}

	id := p.nextID.Add(1)
	p.mu.Lock()
	p.checkout[id] = time.Now()
	p.mu.Unlock()

	p.logDebug(ctx, logMsgAcquired, logAttrConnectionID, id, logAttrDurationMS, toMilliseconds(duration))

	return &pooledConn{pool: p, conn: dbConn, id: id}, nil
}

// Snapshot returns the pool counters. It only reads library statistics and atomic counters.
func (p *Pool) Snapshot() harness.PoolSnapshot {
	stats := p.db.Stats()

	return harness.PoolSnapshot{
		TakenAt:        time.Now(),
		ActiveCount:    harness.NonNegative(stats.Active),
		IdleCount:      harness.NonNegative(stats.Idle),
		WaitingCount:   harness.NonNegative(p.waiting.Load()),
		TotalCreated:   harness.NonNegative(stats.Created),
		TotalDestroyed: harness.NonNegative(stats.Destroyed),
		ErrorCount:     harness.NonNegative(p.errorCount.Load()),
	}
}

// MaxSize returns the configured maximum pool size.
func (p *Pool) MaxSize() int64 {
	if p.maxSize > 0 {
		return p.maxSize
	}

	return p.db.Stats().MaxSize
}

// Endpoint returns the endpoint of the pool.
func (p *Pool) Endpoint() harness.Endpoint {
	return p.endpoint
}

// Close closes the pool. Acquire fails with harness.ErrPoolClosed afterward.
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.db.Close()
	}
}

// Abandoned returns how long each connection held longer than the abandoned timeout has been checked out,
// longest first. It returns nil when abandoned connection detection is disabled.
func (p *Pool) Abandoned(now time.Time) []time.Duration {
	if p.abandonedTimeout <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var held []time.Duration
	for _, since := range p.checkout {
		if d := now.Sub(since); d > p.abandonedTimeout {
			held = append(held, d)
		}
	}

	sort.Slice(held, func(i, j int) bool { return held[i] > held[j] })

	return held
}

func (p *Pool) validate(ctx context.Context, conn adapters.DBConn) error {
	validateCtx := ctx
	if p.validation.timeout > 0 {
		var cancel context.CancelFunc
		validateCtx, cancel = context.WithTimeout(ctx, p.validation.timeout)
		defer cancel()
	}

	rows, err := conn.Query(validateCtx, p.validation.query)
	if err != nil {
		return err
	}

	for rows.Next() {
	}

	return errors.Join(rows.Err(), rows.Close())
}

func (p *Pool) release(ctx context.Context, c *pooledConn) error {
	p.mu.Lock()
	delete(p.checkout, c.id)
	p.mu.Unlock()

	var validateErr error
	if p.validation.onReturn && !c.conn.IsClosed() {
		if validateErr = p.validate(ctx, c.conn); validateErr != nil {
			p.errorCount.Add(1)
			p.recordValidationFailure(validationOnReturn)
			p.logWarn(ctx, logMsgValidationFailed, logAttrValidation, validationOnReturn, logAttrError, validateErr.Error())
		}
	}

	if releaseErr := c.conn.Release(ctx); releaseErr != nil {
		p.errorCount.Add(1)
		p.recordCounter(metricReleaseFailures, nil)
		p.logWarn(ctx, logMsgReleaseFailed, logAttrConnectionID, c.id, logAttrError, releaseErr.Error())

		return releaseErr
	}

	p.logDebug(ctx, logMsgReleased, logAttrConnectionID, c.id)

	return nil
}

// pooledConn is a harness.Conn that can be released exactly once.
type pooledConn struct {
	pool     *Pool
	conn     adapters.DBConn
	id       uint64
	released atomic.Bool
}

func (c *pooledConn) DisableAutoCommit(ctx context.Context) error {
	if c.released.Load() {
		return harness.ErrConnectionReleased
	}

	return c.conn.Begin(ctx)
}

func (c *pooledConn) Query(ctx context.Context, query string) (harness.Rows, error) {
	if c.released.Load() {
		return nil, harness.ErrConnectionReleased
	}

	return c.conn.Query(ctx, query)
}

func (c *pooledConn) Exec(ctx context.Context, query string) (int64, error) {
	if c.released.Load() {
		return 0, harness.ErrConnectionReleased
	}

	return c.conn.Exec(ctx, query)
}

func (c *pooledConn) IsClosed() bool {
	return c.released.Load() || c.conn.IsClosed()
}

func (c *pooledConn) Release(ctx context.Context) error {
	if !c.released.CompareAndSwap(false, true) {
		return harness.ErrConnectionReleased
	}

	return c.pool.release(ctx, c)
}
