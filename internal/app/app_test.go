package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/config"
	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.BcryptCost = 4
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildInMemory(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close(ctx)

	if _, ok := a.Store.(*store.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", a.Store)
	}
	if a.Redis != nil || a.Graph != nil {
		t.Fatalf("optional backends should stay nil")
	}
	if a.Tokens == nil || a.Idempotency == nil {
		t.Fatalf("token issuer and idempotency layer must be wired")
	}

	if _, err := a.Ledger.Signup(ctx, "alice", "secret1"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	result, err := a.Risk.Evaluate(ctx, domain.TransferRequest{
		IdempotencyKey: "k-1",
		Sender:         "alice",
		Recipient:      "shop@upi",
		Amount:         decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Assessment.Approved() {
		t.Fatalf("expected approval, got %+v", result.Assessment)
	}
}

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.Redis.URL = mr.Addr()
	a, err := Build(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close(ctx)

	if a.Redis == nil {
		t.Fatalf("expected a redis client")
	}
	if _, err := a.Ledger.Signup(ctx, "alice", "secret1"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, err := a.Risk.Evaluate(ctx, domain.TransferRequest{
		IdempotencyKey: "k-1",
		Sender:         "alice",
		Recipient:      "shop@upi",
		Amount:         decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(mr.Keys()) == 0 {
		t.Fatalf("expected the velocity window to write to redis")
	}
}

func TestBuildRejectsUnknownReleasePolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Escrow.ReleasePolicy = "anyone"
	if _, err := Build(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatalf("expected an error for an unknown release policy")
	}
}
