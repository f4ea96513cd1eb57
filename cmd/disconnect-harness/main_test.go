package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/long-query-disconnect-harness/config"
	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

func Test_ClassifyCommand(t *testing.T) {
	testCases := []struct {
		args []string
		want string
	}{
		{args: []string{"classify", "--code", "2013", "Lost connection to MySQL server during query"}, want: "ConnectionLost (code 2013)\n"},
		{args: []string{"classify", "--code", "1060", "Duplicate column name 'probe'"}, want: "QueryError (code 1060)\n"},
		{args: []string{"classify", "--sqlstate", "57p01", "terminating", "connection", "due", "to", "administrator", "command"}, want: "ConnectionLost (code 57P01)\n"},
		{args: []string{"classify", "Lock wait timeout exceeded; try restarting transaction"}, want: "Timeout (code 0)\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			// arrange
			var out bytes.Buffer
			root := newRootCommand()
			root.SetOut(&out)
			root.SetArgs(tc.args)

			// act
			err := root.Execute()

			// assert
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.String())
		})
	}
}

func Test_ClassifyCommand_Requires_Message(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"classify"})

	assert.Error(t, root.Execute())
}

func Test_ResolveQueries(t *testing.T) {
	var cfg config.Config

	_, err := resolveQueries(cfg, harness.DialectPostgres)
	assert.ErrorIs(t, err, errNoQuery)

	cfg.Interference.Table = "public.orders"
	cfg.Run.LongQuerySeconds = 60
	queries, err := resolveQueries(cfg, harness.DialectPostgres)
	require.NoError(t, err)
	require.Len(t, queries, 3)
	assert.Contains(t, queries[0], "pg_sleep(60)")

	cfg.Run.SQL = []string{"SELECT * FROM orders"}
	queries, err = resolveQueries(cfg, harness.DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT * FROM orders"}, queries)
}

func Test_RunCommand_Rejects_Missing_Primary(t *testing.T) {
	t.Setenv(config.KeyDBURL, "")

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--sql", "SELECT 1"})

	assert.ErrorIs(t, root.Execute(), config.ErrMissingDSN)
}
