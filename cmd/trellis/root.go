package main

import (
	"context"
	"database/sql"
	"os"

	"github.com/spf13/cobra"

	"github.com/trellisql/trellis"
	"github.com/trellisql/trellis/dialect"
	"github.com/trellisql/trellis/engine"
	"github.com/trellisql/trellis/internal/cli"
)

var (
	// Global state set during PersistentPreRunE
	cfg        *cli.Config
	configPath string

	// Persistent flags
	cfgFile string
	quiet   bool
	asUser  string
	asRole  string
)

var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Metadata-driven query compiler",
	Long: `trellis - Metadata-driven query compiler

Trellis exposes relational tables as filterable, nested-JSON resources. An
entity graph (entities, properties, relations, role rules) is compiled per
request into parameterized SQL performing joins, row-level security
filtering, sorting, paging and JSON projection.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help/completion/version commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, configPath, err = cli.LoadConfig(cfgFile)
		if err != nil {
			return cli.ConfigError("loading configuration", err)
		}

		return nil
	},
	SilenceUsage:  true, // Don't show usage on errors
	SilenceErrors: true, // We handle errors ourselves
}

// Command group IDs
const (
	groupSchema  = "schema"
	groupQuery   = "query"
	groupUtility = "utility"
)

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: auto-discover trellis.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&asUser, "user", "", "principal user id for permission resolution")
	rootCmd.PersistentFlags().StringVar(&asRole, "role", "", "principal role for permission resolution")

	// Define command groups
	rootCmd.AddGroup(
		&cobra.Group{ID: groupSchema, Title: "Schema:"},
		&cobra.Group{ID: groupQuery, Title: "Query:"},
		&cobra.Group{ID: groupUtility, Title: "Utility:"},
	)

	// Schema commands
	validateCmd.GroupID = groupSchema
	rootCmd.AddCommand(validateCmd)

	// Query commands
	sqlCmd.GroupID = groupQuery
	queryCmd.GroupID = groupQuery
	getCmd.GroupID = groupQuery
	rootCmd.AddCommand(sqlCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(getCmd)

	// Utility commands
	versionCmd.GroupID = groupUtility
	rootCmd.AddCommand(versionCmd)
}

// principal builds the request principal from the persistent flags.
func principal() trellis.Principal {
	if asUser == "" {
		return trellis.Anonymous
	}
	return trellis.StaticPrincipal{ID: asUser, RoleName: asRole}
}

// loadGraph reads and builds the entity graph named by the config.
func loadGraph() (*trellis.Graph, error) {
	data, err := os.ReadFile(cfg.Definitions)
	if err != nil {
		return nil, cli.DefinitionsError("reading definitions", err)
	}
	graph, err := trellis.LoadDefinitions(data)
	if err != nil {
		return nil, cli.DefinitionsError("building entity graph", err)
	}
	return graph, nil
}

// openExecutor connects to the configured database and wires an executor
// over the loaded graph.
func openExecutor(ctx context.Context) (*engine.Executor, *sql.DB, error) {
	graph, err := loadGraph()
	if err != nil {
		return nil, nil, err
	}
	d, err := dialect.ForEngine(cfg.Database.Engine)
	if err != nil {
		return nil, nil, cli.ConfigError("selecting dialect", err)
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, nil, cli.ConfigError("resolving database", err)
	}
	db, err := sql.Open(cfg.DriverName(), dsn)
	if err != nil {
		return nil, nil, cli.DBConnectError("opening database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, cli.DBConnectError("connecting to database", err)
	}

	cache := trellis.NewGraphCache(
		trellis.GraphProviderFunc(func(context.Context) (*trellis.Graph, error) { return graph, nil }),
		trellis.WithGraphTTL(cfg.Cache.TTL),
	)
	return engine.New(db, d, cache), db, nil
}
