package generator

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGenerateIsDeterministic(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{NumAccounts: 40, NumBlacklisted: 5, Seed: 7, Now: now, MinBalance: 100, MaxBalance: 200}

	first, err := New(cfg).Generate(context.Background())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, _ := New(cfg).Generate(context.Background())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same seed produced different datasets")
	}

	if len(first.Accounts) != 40 || len(first.Blacklist) != 5 {
		t.Fatalf("unexpected sizes %d/%d", len(first.Accounts), len(first.Blacklist))
	}
	seen := make(map[string]bool)
	for _, acct := range first.Accounts {
		if seen[acct.Handle] {
			t.Fatalf("duplicate handle %s", acct.Handle)
		}
		seen[acct.Handle] = true
		if acct.Balance.LessThan(decimal.NewFromInt(100)) || acct.Balance.GreaterThan(decimal.NewFromInt(200)) {
			t.Fatalf("balance %s out of range", acct.Balance)
		}
		if *acct.Aura < 0 || *acct.Aura > 100 {
			t.Fatalf("aura %v out of range", *acct.Aura)
		}
		if acct.CreatedAt.After(now) {
			t.Fatalf("account created in the future")
		}
	}
}

func TestWriteAndReadDataset(t *testing.T) {
	ds, err := New(Config{NumAccounts: 3, NumBlacklisted: 2, Seed: 1}).Generate(context.Background())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	dir := t.TempDir()
	if err := WriteDataset(ds, dir); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadDataset(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Accounts) != 3 || len(got.Blacklist) != 2 || got.Accounts[0].Handle != ds.Accounts[0].Handle {
		t.Fatalf("unexpected round trip %+v", got)
	}
	if !got.Accounts[1].Balance.Equal(ds.Accounts[1].Balance) {
		t.Fatalf("balance changed on disk: %s vs %s", got.Accounts[1].Balance, ds.Accounts[1].Balance)
	}
}

func TestGenerateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(DefaultConfig()).Generate(ctx); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
