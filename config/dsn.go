package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

const (
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
)

// WithCredentials returns dsn with username and password injected. Empty credentials leave the
// descriptor's own credentials untouched.
// URL descriptors are rewritten with net/url, go-sql-driver descriptors with mysql.ParseDSN,
// and libpq key/value descriptors get user and password keys appended.
func WithCredentials(dsn, username, password string) (string, error) {
	if username == "" && password == "" {
		return dsn, nil
	}

	switch {
	case strings.Contains(dsn, "://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse url descriptor: %w", err)
		}

		if username == "" && u.User != nil {
			username = u.User.Username()
		}

		if password == "" && u.User != nil {
			password, _ = u.User.Password()
		}

		u.User = url.UserPassword(username, password)

		return u.String(), nil

	case strings.Contains(dsn, "@tcp(") || strings.Contains(dsn, "@unix(") || strings.Contains(dsn, "@/"):
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parse mysql descriptor: %w", err)
		}

		if username != "" {
			cfg.User = username
		}

		if password != "" {
			cfg.Passwd = password
		}

		return cfg.FormatDSN(), nil

	default:
		var b strings.Builder
		b.WriteString(strings.TrimSpace(dsn))

		if username != "" {
			b.WriteString(" user=" + quoteKeyword(username))
		}

		if password != "" {
			b.WriteString(" password=" + quoteKeyword(password))
		}

		return b.String(), nil
	}
}

// MySQLConfig parses a MySQL descriptor in either go-sql-driver form or mysql:// URL form.
func MySQLConfig(dsn string) (*mysql.Config, error) {
	if !strings.HasPrefix(strings.ToLower(dsn), "mysql://") {
		return mysql.ParseDSN(dsn)
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql url: %w", err)
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")

	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}

	if len(u.Query()) > 0 {
		// Round-trip through the driver's own parser so it interprets the known parameters.
		return mysql.ParseDSN(cfg.FormatDSN() + "?" + u.RawQuery)
	}

	return cfg, nil
}

// driverName returns the database/sql driver registered for dialect.
func driverName(dialect harness.Dialect) (string, error) {
	switch dialect {
	case harness.DialectPostgres:
		return driverPostgres, nil
	case harness.DialectMySQL:
		return driverMySQL, nil
	default:
		return "", harness.ErrUnsupportedDialect
	}
}

func quoteKeyword(value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)

	return "'" + escaped + "'"
}
