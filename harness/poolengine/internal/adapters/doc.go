// Package adapters provide connection pool adapter implementations for the pool engine.
//
// This package implements the adapter pattern to support multiple database libraries:
// pgxpool.Pool, sql.DB, and sqlx.DB. All adapters provide equivalent functionality through
// a common DBPool interface, so the pool engine can add acquire timeouts, validation and
// counters once, for any supported connection type.
package adapters
