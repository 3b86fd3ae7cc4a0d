package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanshika/guardpay/backend/internal/generator"
)

func datagenCmd() *cobra.Command {
	def := generator.DefaultConfig()
	var (
		cfg         = def
		outputDir   string
		writeStdout bool
	)

	cmd := &cobra.Command{
		Use:   "datagen",
		Short: "Generate synthetic accounts and blacklist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.RiskyShare = clampProbability(cfg.RiskyShare)
			cfg.NewAccountShare = clampProbability(cfg.NewAccountShare)

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			dataset, err := generator.New(cfg).Generate(ctx)
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}

			if writeStdout {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(dataset)
			}
			if err := generator.WriteDataset(dataset, outputDir); err != nil {
				return fmt.Errorf("write dataset: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %d accounts and %d blacklist entries into %s\n",
				len(dataset.Accounts), len(dataset.Blacklist), outputDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.NumAccounts, "accounts", def.NumAccounts, "number of accounts to generate")
	flags.IntVar(&cfg.NumBlacklisted, "blacklisted", def.NumBlacklisted, "number of blacklisted identifiers")
	flags.Float64Var(&cfg.RiskyShare, "risky-share", def.RiskyShare, "share of accounts that start with a low Aura")
	flags.Float64Var(&cfg.NewAccountShare, "new-share", def.NewAccountShare, "share of accounts inside the cooling-off period")
	flags.Int64Var(&cfg.MinBalance, "min-balance", def.MinBalance, "minimum opening balance")
	flags.Int64Var(&cfg.MaxBalance, "max-balance", def.MaxBalance, "maximum opening balance")
	flags.StringVar(&cfg.Password, "password", def.Password, "password shared by every generated account")
	flags.Int64Var(&cfg.Seed, "seed", def.Seed, "random seed for deterministic generation")
	flags.StringVarP(&outputDir, "output-dir", "o", "data", "directory to write accounts.json and blacklist.json")
	flags.BoolVar(&writeStdout, "stdout", false, "write the dataset to stdout instead of files")
	return cmd
}

func clampProbability(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
