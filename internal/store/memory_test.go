package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
)

func seedAccount(t *testing.T, s *MemoryStore, handle string, balance int64) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateAccount(ctx, domain.Account{
			Handle:  handle,
			Balance: decimal.NewFromInt(balance),
			Aura:    domain.InitialAura,
		})
	})
	if err != nil {
		t.Fatalf("seed account %s: %v", handle, err)
	}
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", 100)

	boom := errors.New("boom")
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, "alice")
		if err != nil {
			return err
		}
		alice := accounts["alice"]
		alice.Balance = decimal.Zero
		if err := tx.SaveAccount(ctx, *alice); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, domain.Transaction{IdempotencyKey: "k1", Sender: "alice"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	alice, err := s.GetAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !alice.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected untouched balance, got %s", alice.Balance)
	}
	if _, err := s.FindTransaction(context.Background(), "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected staged transaction to be discarded, got %v", err)
	}
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", 100)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateAccount(ctx, domain.Account{Handle: "alice"})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for duplicate account, got %v", err)
	}

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.InsertTransaction(ctx, domain.Transaction{IdempotencyKey: "dup"}); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, domain.Transaction{IdempotencyKey: "dup"})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for duplicate key in one tx, got %v", err)
	}
}

func TestMemoryStoreListTransactionsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		i := i
		err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertTransaction(ctx, domain.Transaction{
				IdempotencyKey: fmt.Sprintf("k%d", i),
				Sender:         "alice",
				Recipient:      "bob",
				Amount:         decimal.NewFromInt(int64(i + 1)),
				Type:           domain.TxTransfer,
				State:          domain.OutcomeApproved,
				CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			})
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page, err := s.ListTransactions(context.Background(), "bob", 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 {
		t.Fatalf("expected total 5, got %d", page.Total)
	}
	if len(page.Items) != 2 || page.Items[0].IdempotencyKey != "k3" || page.Items[1].IdempotencyKey != "k2" {
		t.Fatalf("unexpected page: %+v", page.Items)
	}

	approved, denied, err := s.RecentTransfers(context.Background(), "alice", base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("recent transfers: %v", err)
	}
	if approved != 2 || denied != 0 {
		t.Fatalf("expected 2 approved in window, got %d/%d", approved, denied)
	}
}

func TestMemoryStoreBlacklistIsNormalizedAndIdempotent(t *testing.T) {
	s := NewMemoryStore()
	add := func(id string) (domain.BlacklistEntry, bool) {
		var (
			entry   domain.BlacklistEntry
			created bool
		)
		err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			var err error
			entry, created, err = tx.AddBlacklist(ctx, domain.BlacklistEntry{Identifier: id, Reason: "fraud"})
			return err
		})
		if err != nil {
			t.Fatalf("add blacklist: %v", err)
		}
		return entry, created
	}

	if _, created := add("  Scammer@UPI "); !created {
		t.Fatalf("expected first add to create")
	}
	entry, created := add("scammer@upi")
	if created || entry.Identifier != "scammer@upi" {
		t.Fatalf("expected existing entry, got %+v created=%v", entry, created)
	}

	found, err := s.FindBlacklisted(context.Background(), "alice", "SCAMMER@upi")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected one match, got %d", len(found))
	}
}

func TestMemoryStoreWithinTxHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.WithinTx(context.Background(), func(context.Context, Tx) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(context.Context, Tx) error { return nil })
	close(hold)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while writer slot is held, got %v", err)
	}
}

func TestMemoryStoreCardIssueKeyAndDenials(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", 100)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	card := domain.GhostCard{ID: "c1", Number: "4000000000000001", Owner: "alice", IssueKey: "issue-1", Limit: decimal.NewFromInt(10)}
	if err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error { return tx.CreateCard(ctx, card) }); err != nil {
		t.Fatalf("create card: %v", err)
	}
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		found, err := tx.FindCardByIssueKey(ctx, "alice", "issue-1")
		if err != nil || found.ID != "c1" {
			t.Errorf("expected c1, got %+v err=%v", found, err)
		}
		if _, err := tx.FindCardByIssueKey(ctx, "bob", "issue-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("issue keys are scoped to the owner, got %v", err)
		}
		dup := card
		dup.ID = "c2"
		return tx.CreateCard(ctx, dup)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for a reused issue key, got %v", err)
	}

	err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for i, row := range []struct {
			state domain.Outcome
			at    time.Time
		}{
			{domain.OutcomeDenied, now},
			{domain.OutcomeDenied, now.Add(-30 * time.Minute)},
			{domain.OutcomeApproved, now},
			{domain.OutcomeDenied, now.Add(-2 * time.Hour)},
		} {
			if err := tx.InsertTransaction(ctx, domain.Transaction{
				IdempotencyKey: fmt.Sprintf("d%d", i),
				Sender:         "alice",
				Type:           domain.TxTransfer,
				State:          row.state,
				CreatedAt:      row.at,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	denied, err := s.DeniedTransfersSince(ctx, now.Add(-time.Hour))
	if err != nil || denied != 2 {
		t.Fatalf("expected 2 denials in the last hour, got %d err=%v", denied, err)
	}
}
