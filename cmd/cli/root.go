package cli

import (
	"fmt"
	"os"

	"github.com/flowbaker/flowdispatch/internal/initialization"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowdispatch",
		Short: "Flowdispatch workflow runtime",
		Long: `Flowdispatch runs node graphs: it schedules nodes along their edges, streams
progress to the caller and suspends runs that wait for user input.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	dispatchContainer, err := initialization.NewDispatchContainer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dispatch container: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(NewServeCommand(dispatchContainer))
	rootCmd.AddCommand(NewRunCommand(dispatchContainer))
	rootCmd.AddCommand(NewTokenCommand(dispatchContainer))
	rootCmd.AddCommand(NewConfigCommand(dispatchContainer))
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
