package harness_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

func Test_Classify_ConnectionClosedWithUnknownCode_IsConnectionLost(t *testing.T) {
	assert.Equal(t, harness.ConnectionLost, harness.Classify(harness.ErrorCode{}, "connection closed"))
}

func Test_Classify_DuplicateColumnWithGenericCode_IsQueryError(t *testing.T) {
	code := harness.ErrorCode{Vendor: 1060, SQLState: "42S21"}

	assert.Equal(t, harness.QueryError, harness.Classify(code, "duplicate column name"))
}

func Test_Classify_WaitTimeoutWithGenericCode_IsTimeout(t *testing.T) {
	code := harness.ErrorCode{Vendor: 1205, SQLState: "HY000"}

	assert.Equal(t, harness.Timeout, harness.Classify(code, "Lock wait timeout exceeded; try restarting transaction"))
}

func Test_Classify_RequiresKeywordAndCode(t *testing.T) {
	testCases := []struct {
		name     string
		code     harness.ErrorCode
		message  string
		expected harness.Classification
	}{
		{"mysql lost connection", harness.ErrorCode{Vendor: 2013}, "Lost connection to MySQL server during query", harness.ConnectionLost},
		{"mysql server gone away", harness.ErrorCode{Vendor: 2006}, "MySQL server has gone away", harness.ConnectionLost},
		{"postgres admin shutdown", harness.ErrorCode{SQLState: "57P01"}, "terminating connection due to administrator command", harness.ConnectionLost},
		{"postgres connection exception class", harness.ErrorCode{SQLState: "08006"}, "server closed the connection unexpectedly", harness.ConnectionLost},
		{"keyword without matching code", harness.ErrorCode{Vendor: 1064, SQLState: "42000"}, "connection closed", harness.QueryError},
		{"code without keyword", harness.ErrorCode{Vendor: 2013}, "something went wrong", harness.QueryError},
		{"connection mentioned without disruption", harness.ErrorCode{}, "syntax error near 'connection'", harness.QueryError},
		{"connection reset keyword", harness.ErrorCode{}, "read tcp: connection reset by peer", harness.ConnectionLost},
		{"empty message and unknown code", harness.ErrorCode{}, "", harness.Unknown},
		{"empty message with code", harness.ErrorCode{Vendor: 1205}, "", harness.QueryError},
		{"client wait timeout", harness.ErrorCode{}, "pool: timeout waiting for resource", harness.Timeout},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, harness.Classify(tc.code, tc.message))
		})
	}
}

func Test_ClassifyError_ExtractsDriverCodes(t *testing.T) {
	testCases := []struct {
		name             string
		err              error
		expectedClass    harness.Classification
		expectedSQLState string
		expectedVendor   int
	}{
		{
			name:             "pgx admin shutdown",
			err:              &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"},
			expectedClass:    harness.ConnectionLost,
			expectedSQLState: "57P01",
		},
		{
			name:             "lib/pq undefined column",
			err:              &pq.Error{Code: "42703", Message: "column \"probe\" does not exist"},
			expectedClass:    harness.QueryError,
			expectedSQLState: "42703",
		},
		{
			name: "mysql duplicate column",
			err: &mysql.MySQLError{
				Number:   1060,
				SQLState: [5]byte{'4', '2', 'S', '2', '1'},
				Message:  "Duplicate column name 'probe'",
			},
			expectedClass:    harness.QueryError,
			expectedSQLState: "42S21",
			expectedVendor:   1060,
		},
		{
			name:          "mysql error without sqlstate",
			err:           &mysql.MySQLError{Number: 1927, Message: "Connection was killed"},
			expectedClass: harness.QueryError,
			// "connection" without disruption words: the code alone is not enough.
			expectedVendor: 1927,
		},
		{
			name:          "database/sql bad connection",
			err:           fmt.Errorf("query failed: %w", driver.ErrBadConn),
			expectedClass: harness.ConnectionLost,
		},
		{
			name:          "mysql invalid connection",
			err:           mysql.ErrInvalidConn,
			expectedClass: harness.ConnectionLost,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			classification, code, message := harness.ClassifyError(tc.err)

			assert.Equal(t, tc.expectedClass, classification)
			assert.Equal(t, tc.expectedSQLState, code.SQLState)
			assert.Equal(t, tc.expectedVendor, code.Vendor)
			assert.Equal(t, tc.err.Error(), message)
		})
	}
}

func Test_ClassifyError_AcquireTimeoutAndCancellation(t *testing.T) {
	classification, _, _ := harness.ClassifyError(errors.Join(harness.ErrAcquireTimeout, context.DeadlineExceeded))
	assert.Equal(t, harness.Timeout, classification)

	classification, _, _ = harness.ClassifyError(fmt.Errorf("acquiring: %w", context.DeadlineExceeded))
	assert.Equal(t, harness.Timeout, classification)

	classification, _, _ = harness.ClassifyError(fmt.Errorf("query interrupted: %w", context.Canceled))
	assert.Equal(t, harness.Unknown, classification)

	classification, code, message := harness.ClassifyError(nil)
	assert.Equal(t, harness.Unknown, classification)
	assert.True(t, code.IsUnknown())
	assert.Empty(t, message)
}

func Test_ErrorCode_String(t *testing.T) {
	assert.Equal(t, "0", harness.ErrorCode{}.String())
	assert.Equal(t, "2013", harness.ErrorCode{Vendor: 2013}.String())
	assert.Equal(t, "57P01", harness.ErrorCode{SQLState: "57P01"}.String())
	assert.Equal(t, "1060/42S21", harness.ErrorCode{Vendor: 1060, SQLState: "42S21"}.String())
}
