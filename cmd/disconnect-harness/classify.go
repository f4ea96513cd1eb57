package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

func newClassifyCommand() *cobra.Command {
	var (
		vendor   int
		sqlState string
	)

	cmd := &cobra.Command{
		Use:   "classify [message]",
		Short: "Classify a driver error by vendor code, SQLSTATE and message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := harness.ErrorCode{Vendor: vendor, SQLState: strings.ToUpper(sqlState)}
			message := strings.Join(args, " ")

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (code %s)\n", harness.Classify(code, message), code)

			return err
		},
	}

	cmd.Flags().IntVar(&vendor, "code", 0, "vendor error code, e.g. 2013")
	cmd.Flags().StringVar(&sqlState, "sqlstate", "", "SQLSTATE, e.g. 57P01")

	return cmd
}
