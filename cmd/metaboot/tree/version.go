package tree

import (
	"github.com/spf13/cobra"

	"github.com/cloudboss/metaboot/pkg/constants"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show the version of metaboot",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(constants.Version)
		},
	}
)
