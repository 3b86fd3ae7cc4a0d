package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vanshika/guardpay/backend/internal/app"
	"github.com/vanshika/guardpay/backend/internal/blacklist"
	"github.com/vanshika/guardpay/backend/internal/config"
	"github.com/vanshika/guardpay/backend/internal/logging"
)

func blockCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "block [identifier...]",
		Short: "Add handles or UPI ids to the blacklist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("DATABASE_URL is required to block identifiers")
			}
			logger := logging.New(cfg.Logging).With("component", "block")

			st, err := app.OpenStore(cmd.Context(), cfg.Postgres, logger)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer st.Close()

			registry := blacklist.NewRegistry(st, logger)
			for _, id := range args {
				entry, created, err := registry.Block(cmd.Context(), id, reason)
				if err != nil {
					return fmt.Errorf("block %s: %w", id, err)
				}
				state := "blocked"
				if !created {
					state = "already listed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", entry.Identifier, state, entry.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded with the entry")
	return cmd
}
