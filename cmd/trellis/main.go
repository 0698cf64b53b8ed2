// Package main provides a CLI for working with trellis entity graphs.
//
// The CLI supports:
//   - validate: Check entity definitions for structural errors
//   - sql: Compile a query to SQL without executing it
//   - query: Run a filtered, paged list query against the database
//   - get: Fetch a single row by key
//
// Commands that require database access (query, get) need database.url or
// TRELLIS_DATABASE_URL. Commands that only work with files (validate, sql)
// do not need database access.
package main

import (
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/trellisql/trellis/internal/cli"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		cli.ExitWithError(err)
	}
	os.Exit(cli.ExitSuccess)
}
