package tree

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudboss/metaboot/pkg/datasource"
	"github.com/cloudboss/metaboot/pkg/datasource/sources"
)

var (
	datasourcesDepends string
	datasourcesCmd     = &cobra.Command{
		Use:   "datasources",
		Short: "List the available metadata sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			registry := sources.Registry
			if cmd.Flags().Changed("depends") {
				deps, err := datasource.ParseDependencies(datasourcesDepends)
				if err != nil {
					return err
				}
				registry = registry.Select(deps...)
			}
			for _, entry := range registry {
				deps := make([]string, len(entry.Dependencies))
				for i, dep := range entry.Dependencies {
					deps[i] = string(dep)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", entry.Name, strings.Join(deps, ","))
			}
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(datasourcesCmd)

	datasourcesCmd.Flags().StringVar(&datasourcesDepends, "depends", "",
		"Comma separated list of dependencies [filesystem,network]. Only sources needing exactly these are listed.")
}
