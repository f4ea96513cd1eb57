package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness/poolengine"
)

const mysqlKeepAliveNet = "tcp-keepalive"

var registerMySQLKeepAlive sync.Once

// Pools holds the pools of both endpoints.
type Pools struct {
	Primary *poolengine.Pool
	Replica *poolengine.Pool
}

// Close closes both pools.
func (p Pools) Close() {
	if p.Primary != nil {
		p.Primary.Close()
	}

	if p.Replica != nil {
		p.Replica.Close()
	}
}

// OpenPools opens, verifies and pre-warms the primary and the replica pool with the configured pool library.
// options are applied to both pools after the options derived from the configuration.
func OpenPools(ctx context.Context, cfg Config, options ...poolengine.Option) (Pools, error) {
	primary, err := OpenPool(ctx, cfg, harness.RolePrimary, cfg.Database.PrimaryURL, options...)
	if err != nil {
		return Pools{}, err
	}

	replica, err := OpenPool(ctx, cfg, harness.RoleReplica, cfg.Database.ReplicaURL, options...)
	if err != nil {
		primary.Close()
		return Pools{}, err
	}

	return Pools{Primary: primary, Replica: replica}, nil
}

// OpenPool opens the pool for one endpoint.
func OpenPool(ctx context.Context, cfg Config, role harness.Role, rawDSN string, options ...poolengine.Option) (*poolengine.Pool, error) {
	endpoint, err := NewEndpoint(cfg, role, rawDSN)
	if err != nil {
		return nil, err
	}

	poolOptions := append(PoolOptions(cfg), options...)

	switch cfg.Database.Adapter {
	case AdapterPGX:
		db, err := OpenPGXPool(ctx, endpoint, cfg)
		if err != nil {
			return nil, err
		}

		return poolengine.NewPoolFromPGXPool(db, endpoint, poolOptions...)

	case AdapterSQL:
		db, err := OpenSQLDB(ctx, endpoint, cfg)
		if err != nil {
			return nil, err
		}

		return poolengine.NewPoolFromSQLDB(db, endpoint, poolOptions...)

	case AdapterSQLX:
		db, err := OpenSQLDB(ctx, endpoint, cfg)
		if err != nil {
			return nil, err
		}

		name, _ := driverName(endpoint.Dialect())

		return poolengine.NewPoolFromSQLX(sqlx.NewDb(db, name), endpoint, poolOptions...)

	default:
		return nil, harness.ErrUnsupportedAdapter
	}
}

// NewEndpoint injects the configured credentials into rawDSN and detects its dialect.
func NewEndpoint(cfg Config, role harness.Role, rawDSN string) (harness.Endpoint, error) {
	dsn, err := WithCredentials(rawDSN, cfg.Database.Username, cfg.Database.Password)
	if err != nil {
		return harness.Endpoint{}, err
	}

	dialect, err := harness.DetectDialect(dsn)
	if err != nil {
		return harness.Endpoint{}, err
	}

	return harness.NewEndpoint(role, dialect, dsn), nil
}

// PoolOptions maps the pool settings that the pool libraries cannot enforce to poolengine options.
func PoolOptions(cfg Config) []poolengine.Option {
	return []poolengine.Option{
		poolengine.WithAcquireTimeout(cfg.Run.AcquireTimeout),
		poolengine.WithValidation(
			cfg.Pool.ValidationQuery,
			cfg.Pool.ValidationQueryTimeout,
			cfg.Pool.TestOnBorrow,
			cfg.Pool.TestOnReturn,
		),
		poolengine.WithAbandonedTimeout(cfg.Pool.RemoveAbandonedTimeout),
		poolengine.WithMaxSize(int64(cfg.Pool.MaxActive)),
	}
}

// PGXPoolConfig creates the pgxpool.Config for a Postgres endpoint.
func PGXPoolConfig(endpoint harness.Endpoint, cfg Config) (*pgxpool.Config, error) {
	if endpoint.Dialect() != harness.DialectPostgres {
		return nil, fmt.Errorf("%s with %s: %w", AdapterPGX, endpoint.Dialect(), harness.ErrUnsupportedAdapter)
	}

	dbConfig, err := pgxpool.ParseConfig(endpoint.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pgx config for %s: %w", endpoint, err)
	}

	dbConfig.MaxConns = int32(cfg.Pool.MaxActive)
	dbConfig.MinConns = int32(min(max(cfg.Pool.InitialSize, cfg.Pool.MinIdle), cfg.Pool.MaxActive))
	dbConfig.MaxConnIdleTime = cfg.Pool.MinEvictableIdle
	dbConfig.MaxConnLifetime = cfg.Pool.MaxEvictableIdle
	dbConfig.ConnConfig.ConnectTimeout = cfg.Database.ConnectTimeout

	if cfg.Pool.TestWhileIdle && cfg.Pool.EvictionInterval > 0 {
		dbConfig.HealthCheckPeriod = cfg.Pool.EvictionInterval
	}

	dialer := newDialer(cfg)
	dbConfig.ConnConfig.DialFunc = dialer.DialContext

	return dbConfig, nil
}

// OpenPGXPool creates a pgx pool and waits until it can reach the endpoint.
func OpenPGXPool(ctx context.Context, endpoint harness.Endpoint, cfg Config) (*pgxpool.Pool, error) {
	dbConfig, err := PGXPoolConfig(endpoint, cfg)
	if err != nil {
		return nil, err
	}

	db, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool for %s: %w", endpoint, err)
	}

	pingCtx, cancel := connectContext(ctx, cfg)
	defer cancel()

	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", endpoint, err)
	}

	return db, nil
}

// NewSQLDB creates a database/sql pool for the endpoint without connecting.
// Postgres endpoints use lib/pq, MySQL endpoints go-sql-driver/mysql.
func NewSQLDB(endpoint harness.Endpoint, cfg Config) (*sql.DB, error) {
	var db *sql.DB

	switch endpoint.Dialect() {
	case harness.DialectPostgres:
		connector, err := pq.NewConnector(endpoint.DSN())
		if err != nil {
			return nil, fmt.Errorf("create postgres connector for %s: %w", endpoint, err)
		}

		connector.Dialer(pqDialer{Dialer: newDialer(cfg)})
		db = sql.OpenDB(connector)

	case harness.DialectMySQL:
		mysqlConfig, err := MySQLConfig(endpoint.DSN())
		if err != nil {
			return nil, fmt.Errorf("parse mysql config for %s: %w", endpoint, err)
		}

		mysqlConfig.Timeout = cfg.Database.ConnectTimeout

		if cfg.Pool.KeepAlive && mysqlConfig.Net == "tcp" {
			registerMySQLKeepAlive.Do(func() {
				dialer := newDialer(cfg)
				mysql.RegisterDialContext(mysqlKeepAliveNet, func(ctx context.Context, addr string) (net.Conn, error) {
					return dialer.DialContext(ctx, "tcp", addr)
				})
			})
			mysqlConfig.Net = mysqlKeepAliveNet
		}

		connector, err := mysql.NewConnector(mysqlConfig)
		if err != nil {
			return nil, fmt.Errorf("create mysql connector for %s: %w", endpoint, err)
		}

		db = sql.OpenDB(connector)

	default:
		return nil, harness.ErrUnsupportedDialect
	}

	ConfigureSQLDB(db, cfg.Pool)

	return db, nil
}

// ConfigureSQLDB applies the pool limits to db.
func ConfigureSQLDB(db *sql.DB, pool PoolConfig) {
	db.SetMaxOpenConns(pool.MaxActive)
	db.SetMaxIdleConns(min(max(pool.InitialSize, pool.MinIdle), pool.MaxActive))
	db.SetConnMaxIdleTime(pool.MinEvictableIdle)
	db.SetConnMaxLifetime(pool.MaxEvictableIdle)
}

// OpenSQLDB creates a database/sql pool, verifies it can reach the endpoint and opens the initial connections.
func OpenSQLDB(ctx context.Context, endpoint harness.Endpoint, cfg Config) (*sql.DB, error) {
	db, err := NewSQLDB(endpoint, cfg)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := connectContext(ctx, cfg)
	defer cancel()

	if err := db.PingContext(connectCtx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping %s: %w", endpoint, err), db.Close())
	}

	if err := Prewarm(connectCtx, db, min(cfg.Pool.InitialSize, cfg.Pool.MaxActive)); err != nil {
		return nil, errors.Join(fmt.Errorf("pre-warm %s: %w", endpoint, err), db.Close())
	}

	return db, nil
}

// Prewarm opens n connections at once and hands them back to the idle pool.
func Prewarm(ctx context.Context, db *sql.DB, n int) error {
	conns := make([]*sql.Conn, 0, n)

	var err error
	for range n {
		var conn *sql.Conn
		if conn, err = db.Conn(ctx); err != nil {
			break
		}

		conns = append(conns, conn)
	}

	for _, conn := range conns {
		err = errors.Join(err, conn.Close())
	}

	return err
}

func connectContext(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if cfg.Database.ConnectTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
}

// newDialer returns the TCP dialer for all drivers. Keep-alive probes are disabled unless configured.
func newDialer(cfg Config) *net.Dialer {
	dialer := &net.Dialer{Timeout: cfg.Database.ConnectTimeout, KeepAlive: -1}
	if cfg.Pool.KeepAlive {
		dialer.KeepAlive = cfg.Pool.KeepAliveInterval
	}

	return dialer
}

// pqDialer adapts net.Dialer to the lib/pq dialer interfaces.
type pqDialer struct {
	*net.Dialer
}

func (d pqDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	dialer := *d.Dialer
	dialer.Timeout = timeout

	return dialer.Dial(network, address)
}
