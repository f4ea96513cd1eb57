package harness

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrorCode identifies a driver-reported failure.
// The zero value is the "unknown" sentinel: no vendor code and no SQLSTATE.
type ErrorCode struct {
	Vendor   int
	SQLState string
}

// IsUnknown reports whether the code carries no driver information.
func (c ErrorCode) IsUnknown() bool {
	return c.Vendor == 0 && c.SQLState == ""
}

func (c ErrorCode) String() string {
	switch {
	case c.IsUnknown():
		return "0"
	case c.SQLState == "":
		return strconv.Itoa(c.Vendor)
	case c.Vendor == 0:
		return c.SQLState
	default:
		return strconv.Itoa(c.Vendor) + "/" + c.SQLState
	}
}

// MySQL client and server codes that indicate a server-initiated disconnection.
const (
	mysqlServerGoneAway   = 2006 // MySQL server has gone away
	mysqlLostConnection   = 2013 // Lost connection to MySQL server during query
	mysqlConnectionKilled = 1927 // Connection was killed
	mysqlServerShutdown   = 1053 // Server shutdown in progress
)

var disconnectVendorCodes = []int{
	mysqlServerGoneAway,
	mysqlLostConnection,
	mysqlConnectionKilled,
	mysqlServerShutdown,
}

var disconnectSQLStates = []string{
	pgerrcode.AdminShutdown,
	pgerrcode.CrashShutdown,
	pgerrcode.CannotConnectNow,
}

var connectionDisruptionWords = []string{
	"closed",
	"broken",
	"reset",
	"lost",
	"timeout",
	"timed out",
	"refused",
	"terminat",
}

var disconnectPhrases = []string{
	"server has gone away",
	"broken pipe",
	"unexpected eof",
	"bad connection",
	"invalid connection",
	"conn closed",
}

var clientWaitTimeoutPhrases = []string{
	"wait timeout exceeded",
	"timeout waiting",
	"context deadline exceeded",
	"acquire timeout",
	"i/o timeout",
}

// Classify maps a driver failure to a Classification. It is a pure function.
//
// A failure is ConnectionLost only if the message uses connection-loss language AND the code is
// unknown or one of the codes known to signal a server-initiated disconnection. Neither signal
// alone is trusted. Other failures are Timeout when the message names a client-side wait
// timeout and QueryError otherwise. A failure without message and code is Unknown.
func Classify(code ErrorCode, message string) Classification {
	msg := strings.ToLower(message)

	if hasConnectionLossLanguage(msg) && isDisconnectCode(code) {
		return ConnectionLost
	}

	if containsAny(msg, clientWaitTimeoutPhrases) {
		return Timeout
	}

	if strings.TrimSpace(msg) == "" && code.IsUnknown() {
		return Unknown
	}

	return QueryError
}

// ClassifyError classifies a raw error returned by a pool or driver and returns
// the classification together with the extracted code and message.
// Context cancellation is an interruption and classified Unknown.
func ClassifyError(err error) (Classification, ErrorCode, string) {
	if err == nil {
		return Unknown, ErrorCode{}, ""
	}

	message := err.Error()

	switch {
	case errors.Is(err, ErrAcquireTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout, ErrorCode{}, message

	case errors.Is(err, context.Canceled):
		return Unknown, ErrorCode{}, message
	}

	code := ExtractErrorCode(err)

	return Classify(code, message), code, message
}

// ExtractErrorCode returns the vendor code and SQLSTATE of a pgx, lib/pq or MySQL driver error.
// Errors of other types yield the unknown code.
func ExtractErrorCode(err error) ErrorCode {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return ErrorCode{SQLState: pgErr.Code}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return ErrorCode{SQLState: string(pqErr.Code)}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		code := ErrorCode{Vendor: int(mysqlErr.Number)}
		if mysqlErr.SQLState != [5]byte{} {
			code.SQLState = string(mysqlErr.SQLState[:])
		}

		return code
	}

	return ErrorCode{}
}

func hasConnectionLossLanguage(msg string) bool {
	if containsAny(msg, disconnectPhrases) {
		return true
	}

	return strings.Contains(msg, "connection") && containsAny(msg, connectionDisruptionWords)
}

func isDisconnectCode(code ErrorCode) bool {
	if code.IsUnknown() {
		return true
	}

	if slices.Contains(disconnectVendorCodes, code.Vendor) {
		return true
	}

	if code.SQLState == "" {
		return false
	}

	return pgerrcode.IsConnectionException(code.SQLState) || slices.Contains(disconnectSQLStates, code.SQLState)
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}

	return false
}
