package cli

import (
	"fmt"

	"github.com/flowbaker/flowdispatch/internal/version"
	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()

			fmt.Fprintf(cmd.OutOrStdout(), "flowdispatch %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)

			if info.GitCommit != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "commit %s built %s\n", info.GitCommit, info.BuildDate)
			}
		},
	}
}
