package harness

import (
	"net/url"
	"strings"
)

// Role distinguishes the database instances of a cluster.
type Role string

const (
	// RolePrimary is the writer endpoint that receives interference.
	RolePrimary Role = "primary"

	// RoleReplica is the read replica endpoint that serves the long-running queries.
	RoleReplica Role = "replica"
)

// Dialect is the SQL dialect spoken by an endpoint.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// Endpoint identifies a database target. It is immutable after configuration.
type Endpoint struct {
	role    Role
	dialect Dialect
	dsn     string
}

// NewEndpoint creates an Endpoint for the given role, dialect and connection descriptor.
func NewEndpoint(role Role, dialect Dialect, dsn string) Endpoint {
	return Endpoint{role: role, dialect: dialect, dsn: dsn}
}

// Role returns the role of the endpoint.
func (e Endpoint) Role() Role {
	return e.role
}

// Dialect returns the SQL dialect of the endpoint.
func (e Endpoint) Dialect() Dialect {
	return e.dialect
}

// DSN returns the connection descriptor including credentials.
func (e Endpoint) DSN() string {
	return e.dsn
}

// Redacted returns the connection descriptor with the password masked, suitable for logging.
func (e Endpoint) Redacted() string {
	if u, err := url.Parse(e.dsn); err == nil && u.Scheme != "" && u.User != nil {
		return u.Redacted()
	}

	// user:password@tcp(host:port)/db
	at := strings.LastIndex(e.dsn, "@")
	colon := strings.Index(e.dsn, ":")
	if at > 0 && colon > 0 && colon < at {
		return e.dsn[:colon+1] + "xxxxx" + e.dsn[at:]
	}

	return e.dsn
}

// String returns the role and the redacted descriptor.
func (e Endpoint) String() string {
	return string(e.role) + "(" + e.Redacted() + ")"
}

// DetectDialect derives the SQL dialect from a connection descriptor.
// URL descriptors with a postgres scheme are Postgres, mysql schemes and
// go-sql-driver style descriptors ("user:pass@tcp(host)/db") are MySQL.
func DetectDialect(dsn string) (Dialect, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))

	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil

	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("), strings.Contains(lower, "@unix("):
		return DialectMySQL, nil

	case strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DialectPostgres, nil

	default:
		return "", ErrUnsupportedDialect
	}
}
