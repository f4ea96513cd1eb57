package harness

import (
	"fmt"
	"time"
)

// Classification is the failure taxonomy of the harness.
type Classification int

const (
	Unknown Classification = iota
	ConnectionLost
	Timeout
	QueryError
)

// Classifications lists all classifications in report order.
func Classifications() []Classification {
	return []Classification{ConnectionLost, Timeout, QueryError, Unknown}
}

// String returns the classification name as operators read it, e.g. "ConnectionLost".
func (c Classification) String() string {
	switch c {
	case ConnectionLost:
		return "ConnectionLost"
	case Timeout:
		return "Timeout"
	case QueryError:
		return "QueryError"
	default:
		return "Unknown"
	}
}

// Label returns the snake_case form used for log attributes, metric labels and JSON keys.
func (c Classification) Label() string {
	switch c {
	case ConnectionLost:
		return "connection_lost"
	case Timeout:
		return "timeout"
	case QueryError:
		return "query_error"
	default:
		return "unknown"
	}
}

// Phase names the part of an attempt in which a failure occurred.
type Phase string

const (
	PhaseAcquire Phase = "acquire"
	PhaseBegin   Phase = "begin"
	PhaseExecute Phase = "execute"
	PhaseStream  Phase = "stream"
	PhaseWorker  Phase = "worker"
)

// Outcome is the terminal result of a query attempt or an interference step.
// It is either a Success or a Failure.
type Outcome interface {
	isOutcome()
	Succeeded() bool
}

// Success is the outcome of an attempt whose result set was exhausted normally.
type Success struct {
	RowCount        int64
	Elapsed         time.Duration
	AcquireDuration time.Duration
	QueryDuration   time.Duration
}

func (Success) isOutcome() {}

// Succeeded returns true.
func (Success) Succeeded() bool { return true }

// Failure is the outcome of an attempt that failed in one of its phases.
type Failure struct {
	Classification Classification
	Code           ErrorCode
	Message        string
	Phase          Phase
	Interrupted    bool
}

func (Failure) isOutcome() {}

// Succeeded returns false.
func (Failure) Succeeded() bool { return false }

// IsAcquireTimeout reports whether the failure is a bounded acquire wait that elapsed.
func (f Failure) IsAcquireTimeout() bool {
	return f.Phase == PhaseAcquire && f.Classification == Timeout
}

func (f Failure) String() string {
	return fmt.Sprintf("%s in %s phase (code %s): %s", f.Classification, f.Phase, f.Code, f.Message)
}

// QueryExecutionRecord describes one attempt of a QueryWorker.
// It is finalized once, when the attempt reaches its Outcome, and is read-only afterward.
type QueryExecutionRecord struct {
	WorkerID         int
	Iteration        int
	SQL              string
	Role             Role
	AcquireStartTime time.Time
	AcquireEndTime   time.Time
	QueryStartTime   time.Time
	QueryEndTime     time.Time
	RowCount         int64
	Outcome          Outcome
}

// InFlight reports whether the record has not reached a terminal outcome yet.
func (r QueryExecutionRecord) InFlight() bool {
	return r.Outcome == nil
}

// Failure returns the failure outcome of the record, if any.
func (r QueryExecutionRecord) Failure() (Failure, bool) {
	f, ok := r.Outcome.(Failure)
	return f, ok
}

// StepRecord describes one mutating step of an interference cycle.
// Outcome is nil while the step is still running.
type StepRecord struct {
	Description string
	SQL         string
	StartTime   time.Time
	EndTime     time.Time
	Outcome     Outcome
}

// InterferenceCycleRecord holds the steps of one completed or partially completed cycle.
// Steps are appended in execution order. A record handed out is never modified afterward.
type InterferenceCycleRecord struct {
	CycleNumber int
	Steps       []StepRecord
	Completed   bool
}

// FailedSteps returns the number of steps with a Failure outcome.
func (c InterferenceCycleRecord) FailedSteps() int {
	failed := 0
	for _, step := range c.Steps {
		if step.Outcome != nil && !step.Outcome.Succeeded() {
			failed++
		}
	}

	return failed
}
