package harness_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

func messageGen() gopter.Gen {
	return gen.OneGenOf(
		gen.AnyString(),
		gen.OneConstOf(
			"connection closed",
			"Lost connection to MySQL server during query",
			"duplicate column name",
			"wait timeout exceeded",
			"terminating connection due to administrator command",
			"",
		),
	)
}

func codeGen() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(0, 1060, 1205, 2006, 2013),
		gen.OneConstOf("", "HY000", "42S21", "57P01", "08006", "42703"),
	).Map(func(values []any) harness.ErrorCode {
		return harness.ErrorCode{Vendor: values[0].(int), SQLState: values[1].(string)}
	})
}

func TestProperty_Classify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs always yield identical classifications", prop.ForAll(
		func(code harness.ErrorCode, message string) bool {
			first := harness.Classify(code, message)
			for i := 0; i < 5; i++ {
				if harness.Classify(code, message) != first {
					return false
				}
			}

			return true
		},
		codeGen(),
		messageGen(),
	))

	properties.Property("connection lost requires connection language", prop.ForAll(
		func(code harness.ErrorCode, message string) bool {
			if harness.Classify(code, message) != harness.ConnectionLost {
				return true
			}

			lower := strings.ToLower(message)

			return strings.Contains(lower, "connection") ||
				strings.Contains(lower, "gone away") ||
				strings.Contains(lower, "broken pipe") ||
				strings.Contains(lower, "unexpected eof") ||
				strings.Contains(lower, "conn closed")
		},
		codeGen(),
		messageGen(),
	))

	properties.Property("case of the message does not matter", prop.ForAll(
		func(code harness.ErrorCode, message string) bool {
			return harness.Classify(code, strings.ToUpper(message)) == harness.Classify(code, strings.ToLower(message))
		},
		codeGen(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestProperty_PoolSnapshotVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshots with non-negative counters within max size verify", prop.ForAll(
		func(active, idle, waiting, maxSize int64) bool {
			snapshot := harness.PoolSnapshot{
				ActiveCount:  active,
				IdleCount:    idle,
				WaitingCount: waiting,
			}

			err := snapshot.Verify(maxSize)
			if active <= maxSize {
				return err == nil
			}

			return err != nil
		},
		gen.Int64Range(0, 100),
		gen.Int64Range(0, 100),
		gen.Int64Range(0, 100),
		gen.Int64Range(1, 100),
	))

	properties.Property("negative counters never verify", prop.ForAll(
		func(negative int64) bool {
			return harness.PoolSnapshot{ErrorCount: negative}.Verify(0) != nil
		},
		gen.Int64Range(-1000, -1),
	))

	properties.TestingRun(t)
}
