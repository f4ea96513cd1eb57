package orchestrator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

const (
	probeColumnPrefix   = "harness_probe_"
	probeColumnValue    = 1
	stepAddColumn       = "add column"
	stepBulkUpdate      = "bulk update"
	stepDropColumn      = "drop column"
	stepPlanCycle       = "plan cycle"
	postgresProbeType   = "INTEGER"
	mysqlProbeType      = "INT"
	defaultSleepSeconds = 600
)

// InterferenceStep is one mutating statement of a cycle.
type InterferenceStep struct {
	Description string
	SQL         string
}

// CyclePlan builds the ordered steps of the cycle with the given 1-based number.
type CyclePlan interface {
	Steps(cycle int) ([]InterferenceStep, error)
}

// CyclePlanFunc adapts a function to CyclePlan.
type CyclePlanFunc func(cycle int) ([]InterferenceStep, error)

// Steps calls f.
func (f CyclePlanFunc) Steps(cycle int) ([]InterferenceStep, error) {
	return f(cycle)
}

// SchemaChurnPlan adds a uniquely named column to a table, sets it on every row and drops it again.
// The ALTER statements take metadata locks that conflict with long reads on the table, and the bulk
// update produces the replication traffic that makes a replica lag behind.
type SchemaChurnPlan struct {
	dialect harness.Dialect
	table   string
	newName func() string
}

// NewSchemaChurnPlan creates a SchemaChurnPlan for a table, which may be schema qualified ("schema.table").
func NewSchemaChurnPlan(dialect harness.Dialect, table string) *SchemaChurnPlan {
	return &SchemaChurnPlan{
		dialect: dialect,
		table:   table,
		newName: func() string {
			return probeColumnPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		},
	}
}

// Steps builds the add column, bulk update and drop column steps with a fresh probe column name.
func (p *SchemaChurnPlan) Steps(_ int) ([]InterferenceStep, error) {
	if p.table == "" {
		return nil, harness.ErrEmptySQL
	}

	column := p.newName()

	table, err := p.quoteTable()
	if err != nil {
		return nil, err
	}

	update, err := p.bulkUpdate(column)
	if err != nil {
		return nil, err
	}

	probeType := postgresProbeType
	if p.dialect == harness.DialectMySQL {
		probeType = mysqlProbeType
	}

	quotedColumn := p.quote([]string{column})

	return []InterferenceStep{
		{
			Description: stepAddColumn + " " + column,
			SQL:         fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, quotedColumn, probeType),
		},
		{
			Description: stepBulkUpdate + " " + column,
			SQL:         update,
		},
		{
			Description: stepDropColumn + " " + column,
			SQL:         fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, quotedColumn),
		},
	}, nil
}

func (p *SchemaChurnPlan) bulkUpdate(column string) (string, error) {
	dialect, err := goquDialect(p.dialect)
	if err != nil {
		return "", err
	}

	table, err := goquTable(p.table)
	if err != nil {
		return "", err
	}

	query, _, err := dialect.Update(table).Set(goqu.Record{column: probeColumnValue}).ToSQL()

	return query, err
}

func (p *SchemaChurnPlan) quoteTable() (string, error) {
	if _, err := goquDialect(p.dialect); err != nil {
		return "", err
	}

	parts, err := tableParts(p.table)
	if err != nil {
		return "", err
	}

	return p.quote(parts), nil
}

func (p *SchemaChurnPlan) quote(parts []string) string {
	if p.dialect == harness.DialectPostgres {
		return pgx.Identifier(parts).Sanitize()
	}

	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = "`" + strings.ReplaceAll(part, "`", "``") + "`"
	}

	return strings.Join(quoted, ".")
}

// DefaultLongQueries returns a pool of long-running read queries against table:
// a server-side sleep of sleepSeconds, a full count and a full scan.
func DefaultLongQueries(dialect harness.Dialect, table string, sleepSeconds int) ([]string, error) {
	d, err := goquDialect(dialect)
	if err != nil {
		return nil, err
	}

	if sleepSeconds <= 0 {
		sleepSeconds = defaultSleepSeconds
	}

	from, err := goquTable(table)
	if err != nil {
		return nil, err
	}

	sleepFunc := "pg_sleep"
	if dialect == harness.DialectMySQL {
		sleepFunc = "SLEEP"
	}

	builders := []interface{ ToSQL() (string, []any, error) }{
		d.Select(goqu.Func(sleepFunc, sleepSeconds)),
		d.From(from).Select(goqu.COUNT(goqu.Star())),
		d.From(from),
	}

	queries := make([]string, 0, len(builders))
	for _, builder := range builders {
		query, _, buildErr := builder.ToSQL()
		if buildErr != nil {
			return nil, buildErr
		}

		queries = append(queries, query)
	}

	return queries, nil
}

func goquDialect(dialect harness.Dialect) (goqu.DialectWrapper, error) {
	switch dialect {
	case harness.DialectPostgres, harness.DialectMySQL:
		return goqu.Dialect(string(dialect)), nil
	default:
		return goqu.DialectWrapper{}, harness.ErrUnsupportedDialect
	}
}

func goquTable(table string) (exp.IdentifierExpression, error) {
	parts, err := tableParts(table)
	if err != nil {
		return nil, err
	}

	if len(parts) == 2 {
		return goqu.S(parts[0]).Table(parts[1]), nil
	}

	return goqu.T(parts[0]), nil
}

// tableParts splits a table name into its schema and table parts. Every statement of a plan quotes
// the table from these parts.
func tableParts(table string) ([]string, error) {
	parts := strings.Split(table, ".")
	if len(parts) > 2 || slices.Contains(parts, "") {
		return nil, harness.ErrInvalidTableName
	}

	return parts, nil
}
