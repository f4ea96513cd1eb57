package harness

import "errors"

var (
	// ErrAcquireTimeout is returned when a connection could not be acquired within the configured bound.
	ErrAcquireTimeout = errors.New("connection acquire timeout")

	// ErrPoolClosed is returned when a connection is requested from a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrNilPool is returned when a nil pool is supplied.
	ErrNilPool = errors.New("pool must not be nil")

	// ErrEmptySQL is returned when an empty SQL text is supplied.
	ErrEmptySQL = errors.New("sql text must not be empty")

	// ErrInvalidWorkerCount is returned when the number of query workers is not positive.
	ErrInvalidWorkerCount = errors.New("worker count must be positive")

	// ErrInvalidIterationCount is returned when a fixed iteration count is not positive.
	ErrInvalidIterationCount = errors.New("iteration count must be positive")

	// ErrNoInterferenceSteps is returned when an interference cycle has no steps.
	ErrNoInterferenceSteps = errors.New("interference cycle must have at least one step")

	// ErrNegativeDuration is returned when a delay, interval or timeout is negative.
	ErrNegativeDuration = errors.New("duration must not be negative")

	// ErrUnsupportedAdapter is returned when an unknown database adapter is configured.
	ErrUnsupportedAdapter = errors.New("unsupported database adapter")

	// ErrUnsupportedDialect is returned when the SQL dialect of an endpoint can not be determined.
	ErrUnsupportedDialect = errors.New("unsupported sql dialect")

	// ErrInvalidTableName is returned for a table name that is not "table" or "schema.table".
	ErrInvalidTableName = errors.New("table name must be table or schema.table")

	// ErrConnectionReleased is returned when a released connection is used again.
	ErrConnectionReleased = errors.New("connection already released")

	// ErrValidationFailed is returned when validate-on-borrow rejects an acquired connection.
	ErrValidationFailed = errors.New("connection validation failed")

	// ErrSchedulerStarted is returned when a WorkloadScheduler is run a second time.
	ErrSchedulerStarted = errors.New("workload scheduler already started")

	// ErrPoolSnapshotInvalid is returned when a pool snapshot violates its invariants.
	ErrPoolSnapshotInvalid = errors.New("pool snapshot violates invariants")
)
