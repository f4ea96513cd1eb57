package harness

import (
	"errors"
	"fmt"
	"time"
)

// PoolSnapshot holds the counters of a pool taken at one point in time.
// All counters are non-negative.
type PoolSnapshot struct {
	TakenAt        time.Time
	ActiveCount    int64
	IdleCount      int64
	WaitingCount   int64
	TotalCreated   int64
	TotalDestroyed int64
	ErrorCount     int64
}

// Verify checks the snapshot invariants: all counters are non-negative and
// ActiveCount does not exceed the configured maximum pool size.
// A maxSize <= 0 disables the upper bound check.
func (s PoolSnapshot) Verify(maxSize int64) error {
	var errs []error

	counters := []struct {
		name  string
		value int64
	}{
		{"active", s.ActiveCount},
		{"idle", s.IdleCount},
		{"waiting", s.WaitingCount},
		{"created", s.TotalCreated},
		{"destroyed", s.TotalDestroyed},
		{"errors", s.ErrorCount},
	}

	for _, c := range counters {
		if c.value < 0 {
			errs = append(errs, fmt.Errorf("%s count is negative: %d", c.name, c.value))
		}
	}

	if maxSize > 0 && s.ActiveCount > maxSize {
		errs = append(errs, fmt.Errorf("active count %d exceeds max pool size %d", s.ActiveCount, maxSize))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrPoolSnapshotInvalid}, errs...)...)
	}

	return nil
}

// NonNegative clamps a counter to zero. Pool libraries report some counters as
// differences of cumulative values, which can transiently dip below zero.
func NonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}

	return v
}
