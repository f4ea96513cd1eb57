// Command disconnect-harness reproduces server-side disconnects of long-running queries on a read replica
// while schema changes run on the primary.
//
//	disconnect-harness run --workers 4 --sql 'SELECT * FROM orders'
//	disconnect-harness idle-requery --sql 'SELECT * FROM orders'
//	disconnect-harness classify --code 2013 'Lost connection to MySQL server during query'
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AntonStoeckl/long-query-disconnect-harness/config"
)

const (
	summaryFormatText = "text"
	summaryFormatJSON = "json"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:   "disconnect-harness",
		Short: "Reproduce server-side disconnects of long-running queries under schema churn",
		Long: `disconnect-harness runs long queries against a read replica while an interference loop
adds, bulk-updates and drops a probe column on the primary. Every query attempt is recorded and
classified (ConnectionLost, Timeout, QueryError, Unknown); pool snapshots are logged around each
attempt and during interference.

All settings are read from environment variables (DB_URL, DB_REPLICA_URL, POOL_MAX_ACTIVE, ...);
flags override them.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("adapter", config.AdapterPGX, "pool library: pgx, sql or sqlx")
	flags.Int("workers", 1, "number of concurrent query workers")
	flags.Bool("interference", true, "run the schema churn on the primary")
	flags.String("table", "", "table used by the interference and the default queries")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")

	bindFlag(v, config.KeyDBAdapter, root, "adapter")
	bindFlag(v, config.KeyWorkers, root, "workers")
	bindFlag(v, config.KeyInterferenceEnabled, root, "interference")
	bindFlag(v, config.KeyInterferenceTable, root, "table")
	bindFlag(v, config.KeyLogLevel, root, "log-level")
	bindFlag(v, config.KeyLogFormat, root, "log-format")

	root.AddCommand(
		newRunCommand(v),
		newIdleRequeryCommand(v),
		newClassifyCommand(),
	)

	return root
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	// BindPFlag only fails for a nil flag, which is a programming error here.
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(name)); err != nil {
		panic(err)
	}
}
