package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness/orchestrator"
)

// Environment keys.
const (
	KeyDBURL                      = "DB_URL"
	KeyDBReplicaURL               = "DB_REPLICA_URL"
	KeyDBUsername                 = "DB_USERNAME"
	KeyDBPassword                 = "DB_PASSWORD"
	KeyDBAdapter                  = "DB_ADAPTER"
	KeyDBConnectTimeout           = "DB_CONNECT_TIMEOUT"
	KeyPoolInitialSize            = "POOL_INITIAL_SIZE"
	KeyPoolMinIdle                = "POOL_MIN_IDLE"
	KeyPoolMaxActive              = "POOL_MAX_ACTIVE"
	KeyPoolMaxWait                = "POOL_MAX_WAIT"
	KeyPoolValidationQuery        = "POOL_VALIDATION_QUERY"
	KeyPoolValidationQueryTimeout = "POOL_VALIDATION_QUERY_TIMEOUT"
	KeyPoolTestOnBorrow           = "POOL_TEST_ON_BORROW"
	KeyPoolTestWhileIdle          = "POOL_TEST_WHILE_IDLE"
	KeyPoolTestOnReturn           = "POOL_TEST_ON_RETURN"
	KeyPoolEvictionInterval       = "POOL_EVICTION_INTERVAL"
	KeyPoolMinEvictableIdle       = "POOL_MIN_EVICTABLE_IDLE"
	KeyPoolMaxEvictableIdle       = "POOL_MAX_EVICTABLE_IDLE"
	KeyPoolKeepAlive              = "POOL_KEEP_ALIVE"
	KeyPoolKeepAliveInterval      = "POOL_KEEP_ALIVE_INTERVAL"
	KeyPoolRemoveAbandonedTimeout = "POOL_REMOVE_ABANDONED_TIMEOUT"
	KeyWorkers                    = "HARNESS_WORKERS"
	KeySQL                        = "HARNESS_SQL"
	KeyIterations                 = "HARNESS_ITERATIONS"
	KeyRunDuration                = "HARNESS_RUN_DURATION"
	KeyIterationPause             = "HARNESS_ITERATION_PAUSE"
	KeyAcquireTimeout             = "HARNESS_ACQUIRE_TIMEOUT"
	KeyRowSampleHead              = "HARNESS_ROW_SAMPLE_HEAD"
	KeyRowSampleEvery             = "HARNESS_ROW_SAMPLE_EVERY"
	KeyWarmUpDelay                = "HARNESS_WARMUP_DELAY"
	KeyReadinessHandshake         = "HARNESS_READINESS_HANDSHAKE"
	KeyIdleSeconds                = "HARNESS_IDLE_SECONDS"
	KeyLongQuerySeconds           = "HARNESS_LONG_QUERY_SECONDS"
	KeyInterferenceEnabled        = "INTERFERENCE_ENABLED"
	KeyInterferenceTable          = "INTERFERENCE_TABLE"
	KeyInterferenceCycleInterval  = "INTERFERENCE_CYCLE_INTERVAL"
	KeyInterferenceStepDelay      = "INTERFERENCE_STEP_DELAY"
	KeyInterferenceSnapshot       = "INTERFERENCE_SNAPSHOT_INTERVAL"
	KeyLogLevel                   = "LOG_LEVEL"
	KeyLogFormat                  = "LOG_FORMAT"
	KeyOTelEnabled                = "OTEL_ENABLED"
	KeyOTelTracesEndpoint         = "OTEL_TRACES_ENDPOINT"
	KeyOTelMetricsEndpoint        = "OTEL_METRICS_ENDPOINT"
	KeyOTelLogsEndpoint           = "OTEL_LOGS_ENDPOINT"
	KeyAWSRegion                  = "AWS_REGION"
	KeyEC2InstanceID              = "EC2_INSTANCE_ID"
)

// Supported pool libraries.
const (
	AdapterPGX  = "pgx"
	AdapterSQL  = "sql"
	AdapterSQLX = "sqlx"
)

const idleSampleInterval = 30 * time.Second

var (
	// ErrMissingDSN is returned when no primary connection descriptor is configured.
	ErrMissingDSN = errors.New("DB_URL must be set")

	// ErrInvalidPoolSize is returned for a non-positive POOL_MAX_ACTIVE or negative pool sizes.
	ErrInvalidPoolSize = errors.New("pool size must be positive")

	// ErrUnsupportedLogFormat is returned for a LOG_FORMAT other than text or json.
	ErrUnsupportedLogFormat = errors.New("unsupported log format")
)

// DatabaseConfig describes the two endpoints of the cluster.
type DatabaseConfig struct {
	PrimaryURL     string
	ReplicaURL     string
	Username       string
	Password       string
	Adapter        string
	ConnectTimeout time.Duration
}

// PoolConfig holds the pool library settings shared by both endpoints.
type PoolConfig struct {
	InitialSize            int
	MinIdle                int
	MaxActive              int
	MaxWait                time.Duration
	ValidationQuery        string
	ValidationQueryTimeout time.Duration
	TestOnBorrow           bool
	TestWhileIdle          bool
	TestOnReturn           bool
	EvictionInterval       time.Duration
	MinEvictableIdle       time.Duration
	MaxEvictableIdle       time.Duration
	KeepAlive              bool
	KeepAliveInterval      time.Duration
	RemoveAbandonedTimeout time.Duration
}

// RunConfig controls the query workload.
type RunConfig struct {
	Workers            int
	SQL                []string
	Iterations         int
	Duration           time.Duration
	IterationPause     time.Duration
	AcquireTimeout     time.Duration
	RowSampleHead      int64
	RowSampleEvery     int64
	WarmUpDelay        time.Duration
	ReadinessHandshake bool
	IdleSeconds        int
	LongQuerySeconds   int
}

// InterferenceConfig controls the schema churn on the primary.
type InterferenceConfig struct {
	Enabled          bool
	Table            string
	CycleInterval    time.Duration
	StepDelay        time.Duration
	SnapshotInterval time.Duration
}

// LogConfig selects the log level and output format ("text" or "json").
type LogConfig struct {
	Level  string
	Format string
}

// TelemetryConfig enables the OTLP exporters.
type TelemetryConfig struct {
	Enabled         bool
	TracesEndpoint  string
	MetricsEndpoint string
	LogsEndpoint    string
}

// EnvironmentInfo is informational and only printed in the startup banner.
type EnvironmentInfo struct {
	AWSRegion     string
	EC2InstanceID string
}

// Config is the complete configuration of a harness run.
type Config struct {
	Database     DatabaseConfig
	Pool         PoolConfig
	Run          RunConfig
	Interference InterferenceConfig
	Log          LogConfig
	Telemetry    TelemetryConfig
	Environment  EnvironmentInfo
}

// NewViper returns a viper instance with all defaults set and environment lookup enabled.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyDBAdapter, AdapterPGX)
	v.SetDefault(KeyDBConnectTimeout, 90*time.Second)
	v.SetDefault(KeyPoolInitialSize, 5)
	v.SetDefault(KeyPoolMinIdle, 5)
	v.SetDefault(KeyPoolMaxActive, 10)
	v.SetDefault(KeyPoolMaxWait, 30*time.Second)
	v.SetDefault(KeyPoolValidationQuery, "SELECT 1")
	v.SetDefault(KeyPoolValidationQueryTimeout, 5*time.Second)
	v.SetDefault(KeyPoolTestOnBorrow, false)
	v.SetDefault(KeyPoolTestWhileIdle, true)
	v.SetDefault(KeyPoolTestOnReturn, false)
	v.SetDefault(KeyPoolEvictionInterval, 5*time.Second)
	v.SetDefault(KeyPoolMinEvictableIdle, 60*time.Second)
	v.SetDefault(KeyPoolMaxEvictableIdle, 80*time.Second)
	v.SetDefault(KeyPoolKeepAlive, false)
	v.SetDefault(KeyPoolKeepAliveInterval, 35*time.Second)
	v.SetDefault(KeyPoolRemoveAbandonedTimeout, time.Hour)
	v.SetDefault(KeyWorkers, 1)
	v.SetDefault(KeyIterations, 0)
	v.SetDefault(KeyRunDuration, 24*time.Hour)
	v.SetDefault(KeyIterationPause, time.Second)
	v.SetDefault(KeyRowSampleHead, 10)
	v.SetDefault(KeyRowSampleEvery, 1000)
	v.SetDefault(KeyWarmUpDelay, 5*time.Second)
	v.SetDefault(KeyReadinessHandshake, false)
	v.SetDefault(KeyIdleSeconds, 300)
	v.SetDefault(KeyLongQuerySeconds, 600)
	v.SetDefault(KeyInterferenceEnabled, true)
	v.SetDefault(KeyInterferenceCycleInterval, 30*time.Second)
	v.SetDefault(KeyInterferenceStepDelay, 2*time.Second)
	v.SetDefault(KeyInterferenceSnapshot, 10*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyOTelEnabled, false)
	v.SetDefault(KeyOTelTracesEndpoint, "localhost:4317")
	v.SetDefault(KeyOTelMetricsEndpoint, "localhost:4317")
	v.SetDefault(KeyOTelLogsEndpoint, "localhost:4317")

	v.AutomaticEnv()

	return v
}

// Load reads the configuration from v and validates it.
// HARNESS_SQL holds a single statement; the CLI adds more from repeated --sql flags.
// Unset optional keys fall back to related settings: the replica URL to the primary URL,
// the acquire timeout to POOL_MAX_WAIT.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Database: DatabaseConfig{
			PrimaryURL:     v.GetString(KeyDBURL),
			ReplicaURL:     v.GetString(KeyDBReplicaURL),
			Username:       v.GetString(KeyDBUsername),
			Password:       v.GetString(KeyDBPassword),
			Adapter:        strings.ToLower(v.GetString(KeyDBAdapter)),
			ConnectTimeout: v.GetDuration(KeyDBConnectTimeout),
		},
		Pool: PoolConfig{
			InitialSize:            v.GetInt(KeyPoolInitialSize),
			MinIdle:                v.GetInt(KeyPoolMinIdle),
			MaxActive:              v.GetInt(KeyPoolMaxActive),
			MaxWait:                v.GetDuration(KeyPoolMaxWait),
			ValidationQuery:        v.GetString(KeyPoolValidationQuery),
			ValidationQueryTimeout: v.GetDuration(KeyPoolValidationQueryTimeout),
			TestOnBorrow:           v.GetBool(KeyPoolTestOnBorrow),
			TestWhileIdle:          v.GetBool(KeyPoolTestWhileIdle),
			TestOnReturn:           v.GetBool(KeyPoolTestOnReturn),
			EvictionInterval:       v.GetDuration(KeyPoolEvictionInterval),
			MinEvictableIdle:       v.GetDuration(KeyPoolMinEvictableIdle),
			MaxEvictableIdle:       v.GetDuration(KeyPoolMaxEvictableIdle),
			KeepAlive:              v.GetBool(KeyPoolKeepAlive),
			KeepAliveInterval:      v.GetDuration(KeyPoolKeepAliveInterval),
			RemoveAbandonedTimeout: v.GetDuration(KeyPoolRemoveAbandonedTimeout),
		},
		Run: RunConfig{
			Workers:            v.GetInt(KeyWorkers),
			SQL:                nonEmpty([]string{v.GetString(KeySQL)}),
			Iterations:         v.GetInt(KeyIterations),
			Duration:           v.GetDuration(KeyRunDuration),
			IterationPause:     v.GetDuration(KeyIterationPause),
			AcquireTimeout:     v.GetDuration(KeyAcquireTimeout),
			RowSampleHead:      v.GetInt64(KeyRowSampleHead),
			RowSampleEvery:     v.GetInt64(KeyRowSampleEvery),
			WarmUpDelay:        v.GetDuration(KeyWarmUpDelay),
			ReadinessHandshake: v.GetBool(KeyReadinessHandshake),
			IdleSeconds:        v.GetInt(KeyIdleSeconds),
			LongQuerySeconds:   v.GetInt(KeyLongQuerySeconds),
		},
		Interference: InterferenceConfig{
			Enabled:          v.GetBool(KeyInterferenceEnabled),
			Table:            v.GetString(KeyInterferenceTable),
			CycleInterval:    v.GetDuration(KeyInterferenceCycleInterval),
			StepDelay:        v.GetDuration(KeyInterferenceStepDelay),
			SnapshotInterval: v.GetDuration(KeyInterferenceSnapshot),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: strings.ToLower(v.GetString(KeyLogFormat)),
		},
		Telemetry: TelemetryConfig{
			Enabled:         v.GetBool(KeyOTelEnabled),
			TracesEndpoint:  v.GetString(KeyOTelTracesEndpoint),
			MetricsEndpoint: v.GetString(KeyOTelMetricsEndpoint),
			LogsEndpoint:    v.GetString(KeyOTelLogsEndpoint),
		},
		Environment: EnvironmentInfo{
			AWSRegion:     v.GetString(KeyAWSRegion),
			EC2InstanceID: v.GetString(KeyEC2InstanceID),
		},
	}

	if cfg.Database.ReplicaURL == "" {
		cfg.Database.ReplicaURL = cfg.Database.PrimaryURL
	}

	if !v.IsSet(KeyAcquireTimeout) {
		cfg.Run.AcquireTimeout = cfg.Pool.MaxWait
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration for values a run cannot work with.
func (c Config) Validate() error {
	if c.Database.PrimaryURL == "" {
		return ErrMissingDSN
	}

	for _, dsn := range []string{c.Database.PrimaryURL, c.Database.ReplicaURL} {
		if _, err := harness.DetectDialect(dsn); err != nil {
			return fmt.Errorf("%s: %w", harness.NewEndpoint("", "", dsn).Redacted(), err)
		}
	}

	switch c.Database.Adapter {
	case AdapterPGX, AdapterSQL, AdapterSQLX:
	default:
		return fmt.Errorf("%q: %w", c.Database.Adapter, harness.ErrUnsupportedAdapter)
	}

	if c.Run.Workers <= 0 {
		return harness.ErrInvalidWorkerCount
	}

	if c.Pool.MaxActive <= 0 || c.Pool.InitialSize < 0 || c.Pool.MinIdle < 0 {
		return ErrInvalidPoolSize
	}

	if c.Run.Iterations < 0 {
		return harness.ErrInvalidIterationCount
	}

	if c.Run.IdleSeconds < 0 || c.Run.LongQuerySeconds < 0 {
		return harness.ErrNegativeDuration
	}

	for _, d := range []time.Duration{
		c.Database.ConnectTimeout,
		c.Pool.MaxWait,
		c.Pool.ValidationQueryTimeout,
		c.Pool.EvictionInterval,
		c.Pool.MinEvictableIdle,
		c.Pool.MaxEvictableIdle,
		c.Pool.KeepAliveInterval,
		c.Pool.RemoveAbandonedTimeout,
		c.Run.Duration,
		c.Run.IterationPause,
		c.Run.AcquireTimeout,
		c.Run.WarmUpDelay,
		c.Interference.CycleInterval,
		c.Interference.StepDelay,
		c.Interference.SnapshotInterval,
	} {
		if d < 0 {
			return harness.ErrNegativeDuration
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%q: %w", c.Log.Format, ErrUnsupportedLogFormat)
	}

	return nil
}

// Policy returns the iteration policy of the run command: a fixed count when HARNESS_ITERATIONS is set,
// otherwise iterations until the run duration has elapsed.
func (c Config) Policy(now time.Time) harness.IterationPolicy {
	if c.Run.Iterations > 0 {
		return harness.FixedCount(c.Run.Iterations, c.Run.IterationPause)
	}

	return harness.UntilDeadline(now.Add(c.Run.Duration), c.Run.IterationPause)
}

// IdleRequeryPolicy runs the query twice with the idle period in between.
func (c Config) IdleRequeryPolicy() harness.IterationPolicy {
	return harness.FixedCount(2, time.Duration(c.Run.IdleSeconds)*time.Second)
}

// WorkerConfig returns the template for all query workers.
func (c Config) WorkerConfig() orchestrator.WorkerConfig {
	return orchestrator.WorkerConfig{
		RowSampling: orchestrator.RowSampling{Head: c.Run.RowSampleHead, Every: c.Run.RowSampleEvery},
	}
}

// IdleRequeryWorkerConfig is WorkerConfig with a pool snapshot every 30 seconds of the idle pause.
func (c Config) IdleRequeryWorkerConfig() orchestrator.WorkerConfig {
	cfg := c.WorkerConfig()
	cfg.IdleSampleInterval = idleSampleInterval

	return cfg
}

// SchedulerConfig returns the scheduler configuration for sql and policy.
func (c Config) SchedulerConfig(sql []string, policy harness.IterationPolicy, worker orchestrator.WorkerConfig) orchestrator.SchedulerConfig {
	return orchestrator.SchedulerConfig{
		Workers:            c.Run.Workers,
		SQL:                sql,
		Policy:             policy,
		WarmUpDelay:        c.Run.WarmUpDelay,
		ReadinessHandshake: c.Run.ReadinessHandshake,
		Worker:             worker,
	}
}

// InjectorConfig returns the injector configuration running plan.
func (c Config) InjectorConfig(plan orchestrator.CyclePlan) orchestrator.InjectorConfig {
	return orchestrator.InjectorConfig{
		Plan:             plan,
		StepDelay:        c.Interference.StepDelay,
		CycleInterval:    c.Interference.CycleInterval,
		SnapshotInterval: c.Interference.SnapshotInterval,
	}
}

func nonEmpty(values []string) []string {
	var out []string
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			out = append(out, value)
		}
	}

	return out
}
