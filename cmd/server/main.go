package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vanshika/guardpay/backend/internal/app"
	"github.com/vanshika/guardpay/backend/internal/config"
	"github.com/vanshika/guardpay/backend/internal/logging"
	"github.com/vanshika/guardpay/backend/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise components", "error", err)
		os.Exit(1)
	}
	defer components.Close(context.Background())

	if cfg.Auth.AdminAPIKey == "" {
		logger.Warn("ADMIN_API_KEY not set, admin endpoints are unreachable")
	}

	apiHandlers := server.NewAPIHandlers(logger, server.Services{
		Ledger:    components.Ledger,
		Risk:      components.Risk,
		Escrow:    components.Escrow,
		Cards:     components.Cards,
		Blacklist: components.Blacklist,
		Stats:     components.Stats,
		Tokens:    components.Tokens,
	}, server.HandlerOptions{
		AllowUsernameParam: cfg.Auth.AllowUsernameParam,
	})

	router := server.NewRouter(logger, server.RouterDependencies{
		Health: server.NewCompositeHealth(
			server.StorageCheck(components.Store),
			server.RedisCheck(components.Redis),
			server.GraphCheck(components.Graph),
		),
		API:              apiHandlers,
		Tokens:           components.Tokens,
		Idempotency:      components.Idempotency,
		AdminAPIKey:      cfg.Auth.AdminAPIKey,
		AllowedOrigins:   cfg.HTTP.AllowedOrigins(),
		AllowCredentials: true,
	})

	srv := server.New(logger, cfg.HTTP, router)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped unexpectedly", "error", err)
		components.Close(context.Background())
		os.Exit(1)
	}
	logger.Info("server stopped")
}
