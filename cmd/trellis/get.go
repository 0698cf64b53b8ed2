package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/trellisql/trellis/internal/cli"
)

var getProjection []string

var getCmd = &cobra.Command{
	Use:   "get <resource> <id>",
	Short: "Fetch a single row",
	Long:  `Fetch a single row by key and print it as JSON.`,
	Example: `  # Fetch one order
  trellis get orders 7f9c

  # Restrict the projection
  trellis get orders 7f9c --select id --select customer.name`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		exec, db, err := openExecutor(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		item, err := exec.GetOne(ctx, principal(), args[0], args[1], getProjection)
		if err != nil {
			return cli.RequestError("fetching row", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(item)
	},
}

func init() {
	getCmd.Flags().StringArrayVar(&getProjection, "select", nil, "projected property path (repeatable)")
}
