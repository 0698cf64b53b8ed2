package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trellisql/trellis"
	"github.com/trellisql/trellis/dialect"
	"github.com/trellisql/trellis/internal/cli"
	"github.com/trellisql/trellis/sqlgen"
)

var (
	sqlResource   string
	sqlFilter     string
	sqlProjection []string
	sqlSort       string
	sqlOrder      string
	sqlPage       int
	sqlPageSize   int
	sqlEngine     string
	sqlWrapJSON   bool
)

var sqlCmd = &cobra.Command{
	Use:   "sql",
	Short: "Compile a query to SQL",
	Long: `Compile a query to SQL without executing it.

Prints the rendered statement and its parameter list. Useful for inspecting
what a request will run, including permission filters for a given principal.`,
	Example: `  # Compile the default projection of a resource
  trellis sql --resource orders

  # Compile with a filter and explicit projection
  trellis sql --resource orders \
    --filter '{"property":"status","operator":"eq","filter":"active"}' \
    --select id --select total

  # See the SQL another engine would run
  trellis sql --resource orders --engine sqlserver`,
	RunE: func(cmd *cobra.Command, args []string) error {
		graph, err := loadGraph()
		if err != nil {
			return err
		}

		engineName := sqlEngine
		if engineName == "" {
			engineName = cfg.Database.Engine
		}
		d, err := dialect.ForEngine(engineName)
		if err != nil {
			return cli.ConfigError("selecting dialect", err)
		}

		p := principal()
		entity, permFilter, err := trellis.Authorize(p, graph.Candidates(sqlResource), trellis.CapabilityReadAll)
		if err != nil {
			return cli.RequestError("authorizing", err)
		}

		var userFilter *trellis.Comparer
		if sqlFilter != "" {
			userFilter, err = trellis.ParseComparer([]byte(sqlFilter))
			if err != nil {
				return cli.RequestError("parsing filter", err)
			}
		}

		planner := sqlgen.Planner{
			Dialect:   d,
			Principal: p,
			NestedFilter: func(nested *trellis.Entity) (*trellis.Comparer, error) {
				return trellis.AuthorizeNested(p, nested)
			},
		}
		plan, err := planner.Plan(entity, sqlProjection, 0)
		if err != nil {
			return cli.RequestError("planning", err)
		}

		clause, _, params, err := sqlgen.CompileFilter(
			trellis.AndComparers(userFilter, permFilter),
			sqlgen.FilterContext{Entity: entity, Dialect: d, Principal: p, Alias: plan.RootAlias},
			plan.NextParam)
		if err != nil {
			return cli.RequestError("compiling filter", err)
		}

		var extra []string
		if clause != "" {
			extra = append(extra, clause)
		}
		orderBy := ""
		if sqlSort != "" {
			prop := entity.PropertyByName(sqlSort)
			if prop == nil {
				return cli.RequestError("resolving sort", trellis.BadRequestf("invalid sort property %q", sqlSort))
			}
			direction := "ASC"
			if trellis.SortOrder(sqlOrder) == trellis.SortDesc {
				direction = "DESC"
			}
			orderBy = fmt.Sprintf("%s.%s %s", plan.RootAlias, prop.Column, direction)
		}

		query, err := plan.SQL(d, sqlgen.RenderOptions{
			ExtraWhere: extra,
			OrderBy:    orderBy,
			Page:       sqlPage,
			PageSize:   sqlPageSize,
			WrapAsJSON: sqlWrapJSON,
		})
		if err != nil {
			return cli.RequestError("rendering", err)
		}

		fmt.Println(query)
		all := append(append([]sqlgen.Param{}, plan.Params...), params...)
		if len(all) > 0 && !quiet {
			fmt.Println()
			fmt.Println("Parameters:")
			for _, param := range all {
				fmt.Printf("  %s = %v\n", param.Name, param.Value)
			}
		}
		return nil
	},
}

func init() {
	sqlCmd.Flags().StringVar(&sqlResource, "resource", "", "resource (external object name)")
	sqlCmd.Flags().StringVar(&sqlFilter, "filter", "", "filter tree as JSON")
	sqlCmd.Flags().StringArrayVar(&sqlProjection, "select", nil, "projected property path (repeatable)")
	sqlCmd.Flags().StringVar(&sqlSort, "sort", "", "sort property")
	sqlCmd.Flags().StringVar(&sqlOrder, "order", "asc", "sort order (asc|desc)")
	sqlCmd.Flags().IntVar(&sqlPage, "page", 0, "zero-based page index")
	sqlCmd.Flags().IntVar(&sqlPageSize, "page-size", 0, "page size (0 disables paging)")
	sqlCmd.Flags().StringVar(&sqlEngine, "engine", "", "target engine (default: configured engine)")
	sqlCmd.Flags().BoolVar(&sqlWrapJSON, "json", false, "wrap the statement for JSON aggregation")
	_ = sqlCmd.MarkFlagRequired("resource")
}
