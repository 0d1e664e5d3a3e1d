package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/screamrouter/internal/conf"
)

// printConfigCommand dumps the fully-resolved Settings (embedded defaults
// merged with the user's config file, environment variables, and flags) as
// YAML, so an operator can see exactly what screamrouterd will run with.
func printConfigCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the fully-resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("screamrouterd: marshaling settings: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
