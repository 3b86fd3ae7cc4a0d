package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

// openTestStore connects to DATABASE_URL and skips when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := Open(ctx, Options{URL: url, ConnectAttempts: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func uniqueHandle(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func seedAccount(t *testing.T, s *Store, handle string, balance int64) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		now := time.Now().UTC()
		return tx.CreateAccount(ctx, domain.Account{
			Handle:       handle,
			PasswordHash: "x",
			Balance:      decimal.NewFromInt(balance),
			Aura:         domain.InitialAura,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	})
	if err != nil {
		t.Fatalf("seed %s: %v", handle, err)
	}
}

func transferRow(key, sender string, state domain.Outcome, at time.Time) domain.Transaction {
	return domain.Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Sender:         sender,
		Recipient:      "shop@upi",
		Amount:         decimal.NewFromInt(10),
		Type:           domain.TxTransfer,
		State:          state,
		Settlement:     domain.SettlementExternal,
		CreatedAt:      at,
	}
}

func TestPostgresLockAccountsInOppositeOrders(t *testing.T) {
	s := openTestStore(t)
	a, b := uniqueHandle("lock-a"), uniqueHandle("lock-b")
	seedAccount(t, s, a, 100)
	seedAccount(t, s, b, 100)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.LockAccounts(ctx, b, a, b, uniqueHandle("missing"))
		if err != nil {
			return err
		}
		if len(accounts) != 2 || accounts[a] == nil || accounts[b] == nil {
			t.Errorf("expected both seeded accounts and no others, got %v", accounts)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Each transaction moves 1 between the pair. Handles are locked in sorted
	// order whatever the caller passes, so the two cannot deadlock.
	move := func(from, to string) error {
		return s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			accounts, err := tx.LockAccounts(ctx, from, to)
			if err != nil {
				return err
			}
			time.Sleep(50 * time.Millisecond)
			accounts[from].Balance = accounts[from].Balance.Sub(decimal.NewFromInt(1))
			accounts[to].Balance = accounts[to].Balance.Add(decimal.NewFromInt(1))
			if err := tx.SaveAccount(ctx, *accounts[from]); err != nil {
				return err
			}
			return tx.SaveAccount(ctx, *accounts[to])
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs[i] = move(a, b)
			} else {
				errs[i] = move(b, a)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}

	for _, h := range []string{a, b} {
		acc, err := s.GetAccount(context.Background(), h)
		if err != nil {
			t.Fatalf("get %s: %v", h, err)
		}
		if !acc.Balance.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("expected %s to end at 100, got %s", h, acc.Balance)
		}
	}
}

func TestPostgresDuplicateKeysMapToConflict(t *testing.T) {
	s := openTestStore(t)
	owner := uniqueHandle("dup")
	seedAccount(t, s, owner, 100)

	key := uuid.NewString()
	insert := func() error {
		return s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.InsertTransaction(ctx, transferRow(key, owner, domain.OutcomeApproved, time.Now().UTC()))
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for a reused idempotency key, got %v", err)
	}
	if _, err := s.FindTransaction(context.Background(), uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown key, got %v", err)
	}

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, domain.Account{Handle: owner, PasswordHash: "x", Aura: 100})
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for a duplicate handle, got %v", err)
	}
}

func TestPostgresCardIssueKey(t *testing.T) {
	s := openTestStore(t)
	owner := uniqueHandle("card")
	seedAccount(t, s, owner, 100)

	card := func(number string) domain.GhostCard {
		return domain.GhostCard{
			ID:            uuid.NewString(),
			Number:        number,
			CVV:           "123",
			Label:         "netflix",
			Limit:         decimal.NewFromInt(50),
			Owner:         owner,
			Status:        domain.CardActive,
			ChargedAmount: decimal.Zero,
			CreatedAt:     time.Now().UTC(),
			IssueKey:      "issue-1",
		}
	}
	number := func() string {
		return "4" + uuid.NewString()[:8] + "0000000"
	}

	first := card(number())
	if err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateCard(ctx, first)
	}); err != nil {
		t.Fatalf("create card: %v", err)
	}

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		found, err := tx.FindCardByIssueKey(ctx, owner, "issue-1")
		if err != nil {
			return err
		}
		if found.ID != first.ID || found.IssueKey != "issue-1" {
			t.Errorf("found %+v, want %s", found, first.ID)
		}
		if _, err := tx.FindCardByIssueKey(ctx, owner, "other"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for an unknown issue key, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("find card: %v", err)
	}

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateCard(ctx, card(number()))
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for a reused issue key, got %v", err)
	}

	keyless := card(number())
	keyless.IssueKey = ""
	for i := 0; i < 2; i++ {
		keyless.ID = uuid.NewString()
		keyless.Number = number()
		if err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.CreateCard(ctx, keyless)
		}); err != nil {
			t.Fatalf("keyless card %d: %v", i, err)
		}
	}
}

func TestPostgresAddBlacklistKeepsFirstEntry(t *testing.T) {
	s := openTestStore(t)
	id := uniqueHandle("scam") + "@upi"

	add := func(raw, reason string) (domain.BlacklistEntry, bool) {
		t.Helper()
		var (
			entry   domain.BlacklistEntry
			created bool
		)
		err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			entry, created, err = tx.AddBlacklist(ctx, domain.BlacklistEntry{
				Identifier: raw,
				Reason:     reason,
				CreatedAt:  time.Now().UTC(),
			})
			return err
		})
		if err != nil {
			t.Fatalf("add blacklist: %v", err)
		}
		return entry, created
	}

	first, created := add("  "+id+" ", "reported")
	if !created || first.Identifier != domain.NormalizeIdentifier(id) {
		t.Fatalf("expected a new normalized entry, got %+v created=%v", first, created)
	}
	second, created := add(id, "again")
	if created {
		t.Fatalf("expected the second add to report an existing entry")
	}
	if second.Reason != "reported" {
		t.Fatalf("existing entry was overwritten: %+v", second)
	}

	listed, err := s.FindBlacklisted(context.Background(), domain.NormalizeIdentifier(id))
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one entry, got %v err=%v", listed, err)
	}
}

func TestPostgresDeniedTransfersSince(t *testing.T) {
	s := openTestStore(t)
	sender := uniqueHandle("denied")
	now := time.Now().UTC()
	since := now.Add(-time.Hour)

	before, err := s.DeniedTransfersSince(context.Background(), since)
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		rows := []domain.Transaction{
			transferRow(uuid.NewString(), sender, domain.OutcomeDenied, now),
			transferRow(uuid.NewString(), sender, domain.OutcomeDenied, now.Add(-time.Minute)),
			transferRow(uuid.NewString(), sender, domain.OutcomeApproved, now),
			transferRow(uuid.NewString(), sender, domain.OutcomeDenied, now.Add(-2*time.Hour)),
		}
		for _, row := range rows {
			if err := tx.InsertTransaction(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	after, err := s.DeniedTransfersSince(context.Background(), since)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if after-before != 2 {
		t.Fatalf("expected two new denials in the window, got %d", after-before)
	}
}
