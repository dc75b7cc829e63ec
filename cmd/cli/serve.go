package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowbaker/flowdispatch/internal/initialization"
	"github.com/flowbaker/flowdispatch/internal/server"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewServeCommand(dispatchContainer *initialization.DispatchContainer) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dispatchContainer, address)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Override the listen address")

	return cmd
}

func runServe(dispatchContainer *initialization.DispatchContainer, address string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	config, err := dispatchContainer.GetConfigManager().GetConfig(ctx)
	if err != nil {
		return err
	}

	if address != "" {
		config.Address = address
	}

	log.Info().
		Str("address", config.Address).
		Str("config_file", dispatchContainer.GetConfigManager().ConfigFileUsed()).
		Msg("Starting dispatch service")

	deps, err := dispatchContainer.BuildDispatchDependencies(ctx, initialization.BuildDispatchDependenciesParams{
		Config: config,
	})
	if err != nil {
		return err
	}

	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()

		if err := deps.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Failed to close dispatch dependencies")
		}
	}()

	app := server.NewHTTPServer(ctx, server.HTTPServerDependencies{
		DispatchController: deps.DispatchController,
		TokenVerifier:      deps.TokenVerifier,
	})

	if err := app.Listen(config.Address, fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
	}); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
		return err
	}

	log.Info().Msg("Dispatch service stopped")

	return nil
}
