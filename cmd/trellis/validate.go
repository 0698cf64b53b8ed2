package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate entity definitions",
	Long:  `Validate the entity graph definitions for structural errors.`,
	Example: `  # Validate using config file settings
  trellis validate

  # Validate a specific definitions file
  trellis validate --config trellis.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		graph, err := loadGraph()
		if err != nil {
			return err
		}

		if !quiet {
			fmt.Printf("Definitions are valid. Found %d entities:\n", len(graph.Entities()))
			for _, e := range graph.Entities() {
				fmt.Printf("  - %s (%s, %d properties, %d roles)\n",
					e.ObjectName, e.Table, len(e.Properties), len(e.Roles))
			}
			if n := len(graph.Relations()); n > 0 {
				fmt.Printf("Relations: %d\n", n)
			}
		}

		return nil
	},
}
