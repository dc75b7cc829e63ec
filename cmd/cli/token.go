package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowbaker/flowdispatch/internal/auth"
	"github.com/flowbaker/flowdispatch/internal/initialization"
	"github.com/spf13/cobra"
)

var ErrMissingTeamID = errors.New("--team is required")

func NewTokenCommand(dispatchContainer *initialization.DispatchContainer) *cobra.Command {
	var (
		teamID string
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the dispatch API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" {
				return ErrMissingTeamID
			}

			config, err := dispatchContainer.GetConfigManager().GetConfig(context.Background())
			if err != nil {
				return err
			}

			issuer, err := auth.NewTokenIssuer(config.JWTSecret)
			if err != nil {
				return err
			}

			token, err := issuer.Issue(teamID, userID, ttl)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)

			return nil
		},
	}

	cmd.Flags().StringVar(&teamID, "team", "", "Team id carried by the token")
	cmd.Flags().StringVar(&userID, "user", "", "User id carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}
