package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanshika/guardpay/backend/internal/app"
	"github.com/vanshika/guardpay/backend/internal/blacklist"
	"github.com/vanshika/guardpay/backend/internal/config"
	"github.com/vanshika/guardpay/backend/internal/generator"
	"github.com/vanshika/guardpay/backend/internal/logging"
	"github.com/vanshika/guardpay/backend/internal/service"
)

func ingestCmd() *cobra.Command {
	var (
		datasetDir string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a generated dataset into the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("DATABASE_URL is required for ingestion")
			}
			logger := logging.New(cfg.Logging).With("component", "ingest")

			dataset, err := generator.ReadDataset(datasetDir)
			if err != nil {
				return fmt.Errorf("read dataset from %s: %w", datasetDir, err)
			}
			if len(dataset.Accounts) == 0 {
				return fmt.Errorf("no accounts in %s", datasetDir)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			st, err := app.OpenStore(ctx, cfg.Postgres, logger)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer st.Close()

			seeder := service.NewSeeder(
				app.NewLedger(st, cfg, logger),
				blacklist.NewRegistry(st, logger),
				cfg.Ledger.InitialBalance,
				logger,
			)
			ingestor := service.NewBulkIngestor(seeder, workers)

			start := time.Now()
			logger.Info("ingesting accounts", "count", len(dataset.Accounts), "workers", workers)
			accounts, err := ingestor.IngestAccounts(ctx, dataset.Accounts)
			if err != nil {
				return fmt.Errorf("account ingestion: %w", err)
			}

			logger.Info("ingesting blacklist", "count", len(dataset.Blacklist))
			entries, err := ingestor.IngestBlacklist(ctx, dataset.Blacklist)
			if err != nil {
				return fmt.Errorf("blacklist ingestion: %w", err)
			}

			logger.Info("ingestion complete",
				"duration", time.Since(start).String(),
				"accounts_created", accounts.Created,
				"accounts_skipped", accounts.Skipped,
				"blacklist_created", entries.Created,
				"blacklist_skipped", entries.Skipped,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&datasetDir, "dataset-dir", "d", "./data", "directory containing accounts.json and blacklist.json")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "number of concurrent workers")
	return cmd
}
