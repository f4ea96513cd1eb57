package orchestrator_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness/orchestrator"
	"github.com/AntonStoeckl/long-query-disconnect-harness/testutil/fakepool"
	"github.com/AntonStoeckl/long-query-disconnect-harness/testutil/helper"
)

// unit is the time unit of the timing scenarios.
const unit = 20 * time.Millisecond

func newWorker(t *testing.T, options ...orchestrator.Option) *orchestrator.QueryWorker {
	t.Helper()

	worker, err := orchestrator.NewQueryWorker(
		orchestrator.WorkerConfig{ID: 1, RowSampling: orchestrator.DefaultRowSampling()},
		nil,
		options...,
	)
	require.NoError(t, err)

	return worker
}

func Test_RowSampling_ShouldLog(t *testing.T) {
	sampling := orchestrator.RowSampling{Head: 10, Every: 1000}

	for _, row := range []int64{1, 5, 10, 1000, 2000, 5000} {
		assert.True(t, sampling.ShouldLog(row), "row %d", row)
	}

	for _, row := range []int64{11, 999, 1001, 1999} {
		assert.False(t, sampling.ShouldLog(row), "row %d", row)
	}

	assert.False(t, orchestrator.RowSampling{}.ShouldLog(1))
}

func Test_QueryWorker_Run_Rejects_Invalid_Input(t *testing.T) {
	worker := newWorker(t)
	pool := fakepool.New(harness.RoleReplica, 1)

	_, err := worker.Run(context.Background(), nil, "SELECT 1", harness.SingleShot())
	assert.ErrorIs(t, err, harness.ErrNilPool)

	_, err = worker.Run(context.Background(), pool, "", harness.SingleShot())
	assert.ErrorIs(t, err, harness.ErrEmptySQL)

	_, err = worker.Run(context.Background(), pool, "SELECT 1", harness.FixedCount(0, 0))
	assert.ErrorIs(t, err, harness.ErrInvalidIterationCount)

	_, err = orchestrator.NewQueryWorker(orchestrator.WorkerConfig{IdleSampleInterval: -time.Second}, nil)
	assert.ErrorIs(t, err, harness.ErrNegativeDuration)
}

func Test_QueryWorker_Success_Records_Timing_And_Samples_Rows(t *testing.T) {
	// setup
	logger, logSpy := helper.NewSpyLogger()
	metrics := helper.NewMetricsCollectorSpy()
	tracing := helper.NewTracingCollectorSpy()
	pool := fakepool.New(harness.RoleReplica, 2, fakepool.WithQuery(fakepool.QueryScript{Match: "orders", Delay: unit, Rows: 2500}))
	worker := newWorker(t, orchestrator.WithLogger(logger), orchestrator.WithMetrics(metrics), orchestrator.WithTracing(tracing))

	// act
	records, err := worker.Run(context.Background(), pool, "SELECT * FROM orders", harness.SingleShot())

	// assert
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	success, ok := record.Outcome.(harness.Success)
	require.True(t, ok, "expected success, got %v", record.Outcome)

	assert.Equal(t, int64(2500), success.RowCount)
	assert.Equal(t, int64(2500), record.RowCount)
	assert.Equal(t, harness.RoleReplica, record.Role)
	assert.GreaterOrEqual(t, success.QueryDuration, unit)
	assert.Equal(t, success.AcquireDuration, record.AcquireEndTime.Sub(record.AcquireStartTime))
	assert.False(t, record.QueryStartTime.Before(record.AcquireEndTime))
	assert.False(t, record.QueryEndTime.Before(record.QueryStartTime))

	assert.Equal(t, 12, logSpy.CountLogs(slog.LevelDebug, "row sample"), "10 head rows plus rows 1000 and 2000")
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelDebug, "row sample").WithAttrValue("connection_status", "alive").Assert())
	assert.True(t, logSpy.HasLog(slog.LevelInfo, "result columns"))
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelInfo, "pool snapshot").WithAttrValue("label", "before query").Assert())
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelInfo, "pool snapshot").WithAttrValue("label", "after query").Assert())
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelInfo, "query attempt succeeded").WithDurationMS().Assert())

	assert.True(t, metrics.HasDurationRecord("harness_query_duration_seconds"))
	assert.True(t, metrics.HasDurationRecord("harness_query_acquire_duration_seconds"))
	assert.Equal(t, 1, metrics.CountCounterRecords("harness_query_attempts_total", map[string]string{"status": "success"}))

	spans := tracing.GetSpansByName("harness.query_attempt")
	require.Len(t, spans, 1)
	assert.Equal(t, "success", spans[0].Status)
	assert.Equal(t, "2500", spans[0].EndAttributes["harness.row_count"])
	assert.True(t, tracing.AllFinished())

	assert.Equal(t, int64(1), pool.Acquires())
	assert.Equal(t, int64(1), pool.Releases())
	assert.Equal(t, int64(1), pool.Rollbacks(), "the open transaction is rolled back, never committed")
}

func Test_QueryWorker_Acquire_Timeout_With_Exhausted_Pool(t *testing.T) {
	// setup
	pool := fakepool.New(harness.RoleReplica, 0, fakepool.WithAcquireTimeout(unit))
	worker := newWorker(t)

	// act
	start := time.Now()
	records, err := worker.Run(context.Background(), pool, "SELECT 1", harness.SingleShot())
	elapsed := time.Since(start)

	// assert
	require.NoError(t, err)
	require.Len(t, records, 1)

	failure, ok := records[0].Failure()
	require.True(t, ok)
	assert.True(t, failure.IsAcquireTimeout())
	assert.Equal(t, harness.Timeout, failure.Classification)
	assert.False(t, failure.Interrupted)
	assert.Less(t, elapsed, 10*unit, "acquire must not block indefinitely")
	assert.Equal(t, int64(0), pool.Acquires())
	assert.Equal(t, int64(0), pool.Releases())
}

func Test_QueryWorker_Classifies_Failures_Per_Phase(t *testing.T) {
	testCases := []struct {
		name           string
		options        []fakepool.Option
		expectedPhase  harness.Phase
		expectedClass  harness.Classification
		expectedCode   harness.ErrorCode
		expectReleases int64
	}{
		{
			name:           "begin fails with broken pipe",
			options:        []fakepool.Option{fakepool.WithBeginErr(errors.New("write: broken pipe"))},
			expectedPhase:  harness.PhaseBegin,
			expectedClass:  harness.ConnectionLost,
			expectReleases: 1,
		},
		{
			name: "execute fails with syntax error",
			options: []fakepool.Option{fakepool.WithQuery(fakepool.QueryScript{
				Match:      "SELECT",
				ExecuteErr: &mysql.MySQLError{Number: 1064, SQLState: [5]byte{'4', '2', '0', '0', '0'}, Message: "You have an error in your SQL syntax"},
			})},
			expectedPhase:  harness.PhaseExecute,
			expectedClass:  harness.QueryError,
			expectedCode:   harness.ErrorCode{Vendor: 1064, SQLState: "42000"},
			expectReleases: 1,
		},
		{
			name: "stream fails with lost connection",
			options: []fakepool.Option{fakepool.WithQuery(fakepool.QueryScript{
				Match:     "SELECT",
				Rows:      42,
				StreamErr: &mysql.MySQLError{Number: 2013, Message: "Lost connection to MySQL server during query"},
			})},
			expectedPhase:  harness.PhaseStream,
			expectedClass:  harness.ConnectionLost,
			expectedCode:   harness.ErrorCode{Vendor: 2013},
			expectReleases: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pool := fakepool.New(harness.RoleReplica, 1, tc.options...)
			worker := newWorker(t)

			records, err := worker.Run(context.Background(), pool, "SELECT * FROM orders", harness.SingleShot())
			require.NoError(t, err)
			require.Len(t, records, 1)

			failure, ok := records[0].Failure()
			require.True(t, ok)
			assert.Equal(t, tc.expectedPhase, failure.Phase)
			assert.Equal(t, tc.expectedClass, failure.Classification)
			assert.Equal(t, tc.expectedCode, failure.Code)
			assert.NotEmpty(t, failure.Message)
			assert.Equal(t, tc.expectReleases, pool.Releases())
			assert.Equal(t, pool.Acquires(), pool.Releases())
		})
	}
}

func Test_QueryWorker_Release_Failure_Is_Logged_Not_Escalated(t *testing.T) {
	logger, logSpy := helper.NewSpyLogger()
	pool := fakepool.New(harness.RoleReplica, 1,
		fakepool.WithQuery(fakepool.QueryScript{Match: "SELECT", Rows: 3}),
		fakepool.WithReleaseErr(errors.New("rollback failed: connection reset")),
	)
	worker := newWorker(t, orchestrator.WithLogger(logger))

	records, err := worker.Run(context.Background(), pool, "SELECT 1", harness.SingleShot())

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Outcome.Succeeded())
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelWarn, "resource release failed").WithAttrValue("resource", "connection").Assert())
}

func Test_QueryWorker_Cancellation_Interrupts_InFlight_Query(t *testing.T) {
	// setup
	pool := fakepool.New(harness.RoleReplica, 1, fakepool.WithQuery(fakepool.QueryScript{Match: "SELECT", Delay: time.Minute}))
	worker := newWorker(t)
	ctx, cancel := context.WithCancel(context.Background())

	// arrange
	go func() {
		for pool.InFlight() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	// act
	records, err := worker.Run(ctx, pool, "SELECT pg_sleep(600)", harness.FixedCount(5, 0))

	// assert
	require.NoError(t, err)
	require.Len(t, records, 1, "no new attempt starts after cancellation")

	failure, ok := records[0].Failure()
	require.True(t, ok)
	assert.True(t, failure.Interrupted)
	assert.Equal(t, harness.Unknown, failure.Classification)
	assert.Equal(t, harness.PhaseExecute, failure.Phase)
	assert.Equal(t, int64(1), pool.Releases())
}

func Test_QueryWorker_FixedCount_Pauses_Between_Iterations(t *testing.T) {
	pool := fakepool.New(harness.RoleReplica, 1, fakepool.WithQuery(fakepool.QueryScript{Match: "SELECT", Rows: 1}))
	worker := newWorker(t)

	start := time.Now()
	records, err := worker.Run(context.Background(), pool, "SELECT 1", harness.FixedCount(3, unit))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, records, 3)

	for i, record := range records {
		assert.Equal(t, i+1, record.Iteration)
		assert.True(t, record.Outcome.Succeeded())
	}

	assert.GreaterOrEqual(t, elapsed, 2*unit, "two pauses between three iterations")
	assert.Equal(t, int64(1), pool.MaxActive(), "the pause does not hold a connection")
	assert.Equal(t, int64(3), pool.Acquires())
	assert.Equal(t, int64(3), pool.Releases())
}

func Test_QueryWorker_UntilDeadline_Finishes_InFlight_Iteration(t *testing.T) {
	pool := fakepool.New(harness.RoleReplica, 1, fakepool.WithQuery(fakepool.QueryScript{Match: "SELECT", Delay: 3 * unit}))
	worker := newWorker(t)

	records, err := worker.Run(context.Background(), pool, "SELECT 1", harness.UntilDeadline(time.Now().Add(unit), unit))

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Outcome.Succeeded(), "the iteration running at the deadline completes")
}

func Test_QueryWorker_Idle_Pause_Reports_Snapshots(t *testing.T) {
	logger, logSpy := helper.NewSpyLogger()
	pool := fakepool.New(harness.RoleReplica, 1, fakepool.WithQuery(fakepool.QueryScript{Match: "SELECT", Rows: 1}))

	worker, err := orchestrator.NewQueryWorker(
		orchestrator.WorkerConfig{ID: 7, IdleSampleInterval: unit},
		nil,
		orchestrator.WithLogger(logger),
	)
	require.NoError(t, err)

	records, err := worker.Run(context.Background(), pool, "SELECT 1", harness.FixedCount(2, 5*unit))

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.GreaterOrEqual(t, logSpy.CountLogs(slog.LevelDebug, "idle pause sample"), 2)
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelInfo, "pool snapshot").WithAttrValue("label", "idle pause").Assert())
}

func Test_QueryWorker_Recovers_Panic_And_Releases(t *testing.T) {
	pool := &panickingPool{Pool: fakepool.New(harness.RoleReplica, 1)}
	worker := newWorker(t)

	records, err := worker.Run(context.Background(), pool, "SELECT 1", harness.SingleShot())

	require.NoError(t, err)
	require.Len(t, records, 1)

	failure, ok := records[0].Failure()
	require.True(t, ok)
	assert.Equal(t, harness.PhaseWorker, failure.Phase)
	assert.Equal(t, harness.Unknown, failure.Classification)
	assert.Contains(t, failure.Message, "driver exploded")
	assert.Equal(t, int64(1), pool.Releases())
}

// panickingPool hands out connections whose Query panics.
type panickingPool struct {
	*fakepool.Pool
}

func (p *panickingPool) Acquire(ctx context.Context) (harness.Conn, error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	return panickingConn{Conn: conn}, nil
}

type panickingConn struct {
	harness.Conn
}

func (panickingConn) Query(context.Context, string) (harness.Rows, error) {
	panic("driver exploded")
}
