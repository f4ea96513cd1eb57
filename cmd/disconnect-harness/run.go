package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/AntonStoeckl/long-query-disconnect-harness/config"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness/orchestrator"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness/oteladapters"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness/poolengine"
)

const (
	instrumentationName     = "github.com/AntonStoeckl/long-query-disconnect-harness"
	interferenceStopTimeout = 10 * time.Second
)

var errNoQuery = errors.New("no query configured: set HARNESS_SQL, --sql or INTERFERENCE_TABLE")

var errNoInterferenceTable = errors.New("interference needs INTERFERENCE_TABLE or --table")

type scenario struct {
	name   string
	policy func(cfg config.Config) harness.IterationPolicy
	worker func(cfg config.Config) orchestrator.WorkerConfig
}

type runFlags struct {
	sql           []string
	summaryFormat string
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	return newScenarioCommand(v, &cobra.Command{
		Use:   "run",
		Short: "Run long queries on the replica under interference on the primary",
	}, scenario{
		name: "long query under interference",
		policy: func(cfg config.Config) harness.IterationPolicy {
			return cfg.Policy(time.Now())
		},
		worker: config.Config.WorkerConfig,
	}, func(cmd *cobra.Command) {
		cmd.Flags().Int("iterations", 0, "iterations per worker, 0 runs until --duration has elapsed")
		cmd.Flags().Duration("duration", 24*time.Hour, "run duration when --iterations is 0")
		_ = v.BindPFlag(config.KeyIterations, cmd.Flags().Lookup("iterations"))
		_ = v.BindPFlag(config.KeyRunDuration, cmd.Flags().Lookup("duration"))
	})
}

func newIdleRequeryCommand(v *viper.Viper) *cobra.Command {
	return newScenarioCommand(v, &cobra.Command{
		Use:   "idle-requery",
		Short: "Run the query, stay idle for HARNESS_IDLE_SECONDS and run it again",
	}, scenario{
		name:   "idle re-query",
		policy: config.Config.IdleRequeryPolicy,
		worker: config.Config.IdleRequeryWorkerConfig,
	}, func(cmd *cobra.Command) {
		cmd.Flags().Int("idle-seconds", 300, "idle period between the two queries")
		_ = v.BindPFlag(config.KeyIdleSeconds, cmd.Flags().Lookup("idle-seconds"))
	})
}

func newScenarioCommand(v *viper.Viper, cmd *cobra.Command, sc scenario, extraFlags func(*cobra.Command)) *cobra.Command {
	flags := &runFlags{}

	cmd.Flags().StringArrayVar(&flags.sql, "sql", nil, "long query to run; repeat for a pool of queries assigned round-robin")
	cmd.Flags().StringVar(&flags.summaryFormat, "summary-format", summaryFormatText, "summary format on stdout: text or json")
	extraFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}

		if len(flags.sql) > 0 {
			cfg.Run.SQL = flags.sql
		}

		if flags.summaryFormat != summaryFormatText && flags.summaryFormat != summaryFormatJSON {
			return fmt.Errorf("unsupported summary format %q", flags.summaryFormat)
		}

		return runScenario(cmd.Context(), cfg, sc, flags.summaryFormat, os.Stdout, os.Stderr)
	}

	return cmd
}

func runScenario(
	parent context.Context,
	cfg config.Config,
	sc scenario,
	summaryFormat string,
	stdout io.Writer,
	stderr io.Writer,
) error {
	logger, err := config.NewLogger(stderr, cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestratorOptions := []orchestrator.Option{orchestrator.WithLogger(logger)}
	poolOptions := []poolengine.Option{poolengine.WithLogger(logger)}

	if cfg.Telemetry.Enabled {
		telemetry, err := config.NewTelemetry(ctx, cfg.Telemetry, uuid.NewString(), cfg.Environment)
		if err != nil {
			return fmt.Errorf("set up telemetry: %w", err)
		}
		defer func() {
			if shutdownErr := telemetry.Shutdown(context.Background()); shutdownErr != nil {
				logger.Warn("telemetry shutdown failed", "error", shutdownErr.Error())
			}
		}()

		metrics := oteladapters.NewMetricsCollector(otel.Meter(instrumentationName))
		contextual := oteladapters.NewSlogBridgeLogger(instrumentationName, telemetry.LoggerProvider)

		orchestratorOptions = append(orchestratorOptions,
			orchestrator.WithContextualLogger(contextual),
			orchestrator.WithMetrics(metrics),
			orchestrator.WithTracing(oteladapters.NewTracingCollector(otel.Tracer(instrumentationName))),
		)
		poolOptions = append(poolOptions,
			poolengine.WithContextualLogger(contextual),
			poolengine.WithMetrics(metrics),
		)
	}

	logBanner(logger, cfg, sc)

	pools, err := config.OpenPools(ctx, cfg, poolOptions...)
	if err != nil {
		return fmt.Errorf("open pools: %w", err)
	}
	defer pools.Close()

	sql, err := resolveQueries(cfg, pools.Replica.Endpoint().Dialect())
	if err != nil {
		return err
	}

	observer, err := orchestrator.NewPoolObserver(orchestratorOptions...)
	if err != nil {
		return err
	}

	var injector *orchestrator.InterferenceInjector
	if cfg.Interference.Enabled {
		if cfg.Interference.Table == "" {
			return errNoInterferenceTable
		}

		plan := orchestrator.NewSchemaChurnPlan(pools.Primary.Endpoint().Dialect(), cfg.Interference.Table)

		injector, err = orchestrator.NewInterferenceInjector(pools.Primary, cfg.InjectorConfig(plan), observer, orchestratorOptions...)
		if err != nil {
			return err
		}
	}

	scheduler, err := orchestrator.NewWorkloadScheduler(
		cfg.SchedulerConfig(sql, sc.policy(cfg), sc.worker(cfg)),
		pools.Replica,
		injector,
		observer,
		orchestratorOptions...,
	)
	if err != nil {
		return err
	}

	logger.Info("run started", "run_id", scheduler.RunID(), "scenario", sc.name, "queries", len(sql))

	summary, err := scheduler.Run(ctx)
	if err != nil {
		return err
	}

	// The primary pool is closed by the deferred Close; let the injector release its connection first.
	select {
	case <-scheduler.InterferenceDone():
	case <-time.After(interferenceStopTimeout):
		logger.Warn("interference did not stop in time", "timeout_ms", interferenceStopTimeout.Milliseconds())
	}

	if ctx.Err() != nil {
		logger.Info("run interrupted by signal", "run_id", summary.RunID)
	}

	if summaryFormat == summaryFormatJSON {
		return summary.WriteJSON(stdout)
	}

	return summary.WriteText(stdout)
}

// resolveQueries returns the configured queries or, without any, the default long queries against the interference table.
func resolveQueries(cfg config.Config, dialect harness.Dialect) ([]string, error) {
	if len(cfg.Run.SQL) > 0 {
		return cfg.Run.SQL, nil
	}

	if cfg.Interference.Table == "" {
		return nil, errNoQuery
	}

	return orchestrator.DefaultLongQueries(dialect, cfg.Interference.Table, cfg.Run.LongQuerySeconds)
}

func logBanner(logger *slog.Logger, cfg config.Config, sc scenario) {
	primary, _ := config.NewEndpoint(cfg, harness.RolePrimary, cfg.Database.PrimaryURL)
	replica, _ := config.NewEndpoint(cfg, harness.RoleReplica, cfg.Database.ReplicaURL)

	logger.Info("disconnect harness starting",
		"scenario", sc.name,
		"aws_region", valueOrUnknown(cfg.Environment.AWSRegion),
		"ec2_instance_id", valueOrUnknown(cfg.Environment.EC2InstanceID),
	)
	logger.Info("endpoints",
		"primary", primary.String(),
		"replica", replica.String(),
		"adapter", cfg.Database.Adapter,
	)
	logger.Info("pool configuration",
		"max_active", cfg.Pool.MaxActive,
		"initial_size", cfg.Pool.InitialSize,
		"max_wait", cfg.Pool.MaxWait.String(),
		"test_on_borrow", cfg.Pool.TestOnBorrow,
		"test_while_idle", cfg.Pool.TestWhileIdle,
		"keep_alive", cfg.Pool.KeepAlive,
		"keep_alive_interval", cfg.Pool.KeepAliveInterval.String(),
	)
	logger.Info("workload configuration",
		"workers", cfg.Run.Workers,
		"iterations", cfg.Run.Iterations,
		"warm_up", cfg.Run.WarmUpDelay.String(),
		"interference", cfg.Interference.Enabled,
		"table", cfg.Interference.Table,
	)
}

func valueOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}

	return value
}
