// Package app assembles the GuardPay components from configuration.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/vanshika/guardpay/backend/internal/auth"
	"github.com/vanshika/guardpay/backend/internal/blacklist"
	"github.com/vanshika/guardpay/backend/internal/cache"
	"github.com/vanshika/guardpay/backend/internal/config"
	"github.com/vanshika/guardpay/backend/internal/escrow"
	"github.com/vanshika/guardpay/backend/internal/ghostcard"
	"github.com/vanshika/guardpay/backend/internal/graph"
	"github.com/vanshika/guardpay/backend/internal/idempotency"
	"github.com/vanshika/guardpay/backend/internal/ledger"
	"github.com/vanshika/guardpay/backend/internal/repository"
	"github.com/vanshika/guardpay/backend/internal/risk"
	"github.com/vanshika/guardpay/backend/internal/service"
	"github.com/vanshika/guardpay/backend/internal/store"
	"github.com/vanshika/guardpay/backend/internal/store/postgres"
)

// App holds every wired component and the connections they share.
type App struct {
	Store       store.Store
	Redis       *redis.Client
	Graph       graph.Client
	Ledger      *ledger.Ledger
	Blacklist   *blacklist.Registry
	Risk        *risk.Engine
	Escrow      *escrow.Service
	Cards       *ghostcard.Vault
	Stats       *service.StatsService
	Tokens      *auth.TokenIssuer
	Idempotency *idempotency.Layer

	logger *slog.Logger
}

// OpenStore returns Postgres when a URL is configured and the in-memory store otherwise.
func OpenStore(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (store.Store, error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set, state is kept in memory")
		return store.NewMemoryStore(), nil
	}
	pg, err := postgres.Open(ctx, postgres.Options{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryInterval:   cfg.RetryInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// NewLedger applies the configured account rules.
func NewLedger(st store.Store, cfg config.Config, logger *slog.Logger) *ledger.Ledger {
	lcfg := ledger.DefaultConfig()
	lcfg.InitialBalance = cfg.Ledger.InitialBalance
	if cfg.Ledger.MinPasswordLength > 0 {
		lcfg.MinPasswordLength = cfg.Ledger.MinPasswordLength
	}
	return ledger.New(st, auth.NewBcryptHasher(cfg.Auth.BcryptCost), lcfg, logger)
}

// Build connects storage, Redis and the graph as configured and wires the services.
// Optional backends that are configured but unreachable fail the build.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{logger: logger}

	st, err := OpenStore(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.Store = st

	if cfg.Redis.URL != "" {
		a.Redis, err = cache.Connect(ctx, cache.Options{
			Addr:      cfg.Redis.URL,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	var counterparties risk.Counterparties = risk.NewStoreCounterparties(st)
	var lister service.CounterpartyLister
	if cfg.Graph.URI != "" {
		a.Graph, err = graph.NewNeo4jClient(ctx, graph.Options{
			URI:            cfg.Graph.URI,
			Database:       cfg.Graph.Database,
			Username:       cfg.Graph.Username,
			Password:       cfg.Graph.Password,
			MaxConnections: cfg.Graph.MaxConnections,
		})
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("connect graph: %w", err)
		}
		repo := repository.NewCounterpartyRepository(a.Graph)
		if err := repo.EnsureSchema(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
		counterparties, lister = repo, repo
	}

	var velocity risk.VelocityWindow = risk.NewStoreVelocity(st, cfg.Risk.VelocityWindow)
	var idemStore idempotency.Store = idempotency.NewMemoryStore()
	if a.Redis != nil {
		velocity = cache.NewVelocityWindow(a.Redis, cfg.Redis.KeyPrefix, cfg.Risk.VelocityWindow)
		idemStore = cache.NewIdempotencyStore(a.Redis, cfg.Redis.KeyPrefix)
	}

	policy, err := escrow.ParseReleasePolicy(cfg.Escrow.ReleasePolicy)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		logger.Warn("JWT_SECRET not set, using an ephemeral secret; tokens will not survive a restart")
	}
	a.Tokens, err = auth.NewTokenIssuer(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	rcfg := risk.DefaultConfig()
	rcfg.Window = cfg.Risk.VelocityWindow
	rcfg.HighValueAmount = cfg.Risk.HighValueAmount
	rcfg.CoolingOffPeriod = cfg.Risk.CoolingOffPeriod
	rcfg.NewAccountLimit = cfg.Risk.NewAccountLimit

	ecfg := escrow.DefaultConfig()
	ecfg.ReleasePolicy = policy
	ecfg.SenderAuraReward = cfg.Escrow.SenderAuraReward

	icfg := idempotency.DefaultConfig()
	icfg.TTL = cfg.Idempotency.TTL
	icfg.PendingTTL = cfg.Idempotency.PendingTTL
	icfg.WaitTimeout = cfg.Idempotency.WaitTimeout

	a.Ledger = NewLedger(st, cfg, logger)
	a.Blacklist = blacklist.NewRegistry(st, logger)
	a.Risk = risk.NewEngine(st, a.Blacklist, velocity, counterparties, rcfg, logger)
	a.Escrow = escrow.NewService(st, ecfg, logger)
	a.Cards = ghostcard.NewVault(st, logger)
	a.Stats = service.NewStatsService(st, lister, logger)
	a.Idempotency = idempotency.NewLayer(idemStore, icfg, logger)

	logger.Info("components ready",
		"postgres", cfg.Postgres.URL != "",
		"redis", a.Redis != nil,
		"graph", a.Graph != nil,
		"release_policy", string(policy),
	)
	return a, nil
}

// Close releases every connection that was opened.
func (a *App) Close(ctx context.Context) {
	var errs []error
	if a.Graph != nil {
		errs = append(errs, a.Graph.Close(ctx))
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("closing connections failed", "error", err)
	}
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
