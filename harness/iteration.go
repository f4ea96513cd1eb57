package harness

import "time"

// IterationMode selects how often a QueryWorker repeats its query.
type IterationMode string

const (
	IterationSingleShot    IterationMode = "single_shot"
	IterationFixedCount    IterationMode = "fixed_count"
	IterationUntilDeadline IterationMode = "until_deadline"
)

// IterationPolicy controls the iteration loop of a QueryWorker.
type IterationPolicy struct {
	Mode     IterationMode
	Count    int
	Deadline time.Time
	Pause    time.Duration
}

// SingleShot runs exactly one iteration.
func SingleShot() IterationPolicy {
	return IterationPolicy{Mode: IterationSingleShot, Count: 1}
}

// FixedCount runs count iterations, pausing between them.
func FixedCount(count int, pause time.Duration) IterationPolicy {
	return IterationPolicy{Mode: IterationFixedCount, Count: count, Pause: pause}
}

// UntilDeadline starts new iterations until deadline has passed, pausing between them.
// An iteration that is in flight when the deadline passes runs to completion.
func UntilDeadline(deadline time.Time, pause time.Duration) IterationPolicy {
	return IterationPolicy{Mode: IterationUntilDeadline, Deadline: deadline, Pause: pause}
}

// Validate checks that the policy can be executed.
func (p IterationPolicy) Validate() error {
	if p.Pause < 0 {
		return ErrNegativeDuration
	}

	if p.Mode == IterationFixedCount && p.Count <= 0 {
		return ErrInvalidIterationCount
	}

	return nil
}

// Continue reports whether another iteration should start after completed iterations at now.
func (p IterationPolicy) Continue(completed int, now time.Time) bool {
	switch p.Mode {
	case IterationFixedCount:
		return completed < p.Count

	case IterationUntilDeadline:
		return now.Before(p.Deadline)

	default:
		return completed < 1
	}
}

// PauseBefore returns the pause before the next iteration, shortened so it never
// extends past the deadline of an UntilDeadline policy.
func (p IterationPolicy) PauseBefore(now time.Time) time.Duration {
	if p.Mode != IterationUntilDeadline {
		return p.Pause
	}

	remaining := p.Deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}

	return min(p.Pause, remaining)
}
