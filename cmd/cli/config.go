package cli

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/flowbaker/flowdispatch/internal/initialization"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func NewConfigCommand(dispatchContainer *initialization.DispatchContainer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the dispatch configuration",
	}

	cmd.AddCommand(newConfigInitCommand(dispatchContainer))
	cmd.AddCommand(newConfigShowCommand(dispatchContainer))

	return cmd
}

func newConfigInitCommand(dispatchContainer *initialization.DispatchContainer) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively write flowdispatch.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			configManager := dispatchContainer.GetConfigManager()

			config, err := configManager.GetConfig(ctx)
			if err != nil {
				return err
			}

			if config.JWTSecret == "" {
				config.JWTSecret = uuid.NewString()
			}

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().Title("Listen address").Value(&config.Address),
					huh.NewInput().Title("JWT secret").Value(&config.JWTSecret).EchoMode(huh.EchoModePassword),
				),
				huh.NewGroup(
					huh.NewInput().Title("Redis URL").Description("Leave empty to keep snapshots in memory").Value(&config.RedisURL),
					huh.NewInput().Title("MongoDB URI").Description("Leave empty to keep usage in memory").Value(&config.MongoURI),
					huh.NewInput().Title("Postgres URL").Description("Leave empty to keep apps in memory").Value(&config.PostgresURL),
				),
				huh.NewGroup(
					huh.NewInput().Title("OpenAI compatible base URL").Value(&config.OpenAIBaseURL),
					huh.NewInput().Title("Default chat model").Value(&config.OpenAIModel),
				),
			)

			if err := form.Run(); err != nil {
				return err
			}

			path, err := configManager.SaveConfig(ctx, config)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Configuration written to "+path))

			return nil
		},
	}
}

func newConfigShowCommand(dispatchContainer *initialization.DispatchContainer) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			configManager := dispatchContainer.GetConfigManager()

			config, err := configManager.GetConfig(context.Background())
			if err != nil {
				return err
			}

			source := configManager.ConfigFileUsed()
			if source == "" {
				source = "defaults and environment"
			}

			rows := [][2]string{
				{"config file", source},
				{"address", config.Address},
				{"jwt secret", maskSecret(config.JWTSecret)},
				{"redis url", orMemory(config.RedisURL)},
				{"mongo uri", orMemory(config.MongoURI)},
				{"postgres url", orMemory(config.PostgresURL)},
				{"openai model", config.OpenAIModel},
				{"max concurrency", fmt.Sprint(config.MaxConcurrency)},
				{"max run times", fmt.Sprint(config.MaxRunTimes)},
				{"snapshot ttl", config.SnapshotTTL.String()},
			}

			for _, row := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render(row[0]), row[1])
			}

			return nil
		},
	}
}

var (
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(18)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func maskSecret(secret string) string {
	if secret == "" {
		return "(none, requests are not authenticated)"
	}

	return "********"
}

func orMemory(value string) string {
	if value == "" {
		return "(in memory)"
	}

	return value
}
