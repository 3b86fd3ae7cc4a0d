package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/auth"
	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

func setup(t *testing.T, cfg Config) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	for handle, balance := range map[string]int64{"alice": 1000, "bob": 100} {
		err := st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.CreateAccount(ctx, domain.Account{
				Handle:       handle,
				Balance:      decimal.NewFromInt(balance),
				Aura:         90,
				WarningCount: 1,
			})
		})
		if err != nil {
			t.Fatalf("create %s: %v", handle, err)
		}
	}
	return NewService(st, cfg, nil), st
}

func balance(t *testing.T, st *store.MemoryStore, handle string) decimal.Decimal {
	t.Helper()
	a, err := st.GetAccount(context.Background(), handle)
	if err != nil {
		t.Fatalf("get %s: %v", handle, err)
	}
	return a.Balance
}

func TestRefundThenReleaseFails(t *testing.T) {
	svc, st := setup(t, DefaultConfig())
	ctx := context.Background()

	escrow, err := svc.Create(ctx, "", "alice", "bob", decimal.NewFromInt(200))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if escrow.Status != domain.EscrowLocked {
		t.Fatalf("expected LOCKED, got %s", escrow.Status)
	}
	if got := balance(t, st, "alice"); !got.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("expected alice debited to 800, got %s", got)
	}

	refunded, err := svc.Refund(ctx, escrow.ID, "alice")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.EscrowRefunded || refunded.ResolvedAt == nil {
		t.Fatalf("unexpected refunded escrow %+v", refunded)
	}
	if got := balance(t, st, "alice"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected alice restored to 1000, got %s", got)
	}

	_, err = svc.Release(ctx, escrow.ID, auth.Principal{Username: "bob"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state on release after refund, got %v", err)
	}
	if got := balance(t, st, "bob"); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("bob should not be credited, got %s", got)
	}
}

func TestReleaseCreditsReceiverAndRewardsSender(t *testing.T) {
	svc, st := setup(t, DefaultConfig())
	ctx := context.Background()

	escrow, err := svc.Create(ctx, "", "alice", "bob", decimal.NewFromInt(300))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Release(ctx, escrow.ID, auth.Principal{Username: "mallory"}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected stranger to be unauthorized, got %v", err)
	}
	if _, err := svc.Release(ctx, escrow.ID, auth.Principal{Username: "alice"}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected sender to be unauthorized under the default policy, got %v", err)
	}

	released, err := svc.Release(ctx, escrow.ID, auth.Principal{Username: "bob"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != domain.EscrowReleased {
		t.Fatalf("expected RELEASED, got %s", released.Status)
	}
	if got := balance(t, st, "bob"); !got.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("expected bob credited to 400, got %s", got)
	}

	alice, _ := st.GetAccount(ctx, "alice")
	if alice.Aura != 92 || alice.WarningCount != 0 {
		t.Fatalf("expected sender reward, got aura=%v warnings=%d", alice.Aura, alice.WarningCount)
	}

	if _, err := svc.Refund(ctx, escrow.ID, "alice"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state on refund after release, got %v", err)
	}

	page, err := st.ListTransactions(ctx, "bob", 0, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Total != 1 || page.Items[0].Type != domain.TxEscrowRelease || page.Items[0].Sender != escrow.LedgerParty() {
		t.Fatalf("unexpected receiver history %+v", page.Items)
	}
}

func TestParticipantsPolicyLetsSenderRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReleasePolicy = ReleaseParticipants
	svc, _ := setup(t, cfg)

	escrow, err := svc.Create(context.Background(), "", "alice", "bob", decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Release(context.Background(), escrow.ID, auth.Principal{Username: "alice"}); err != nil {
		t.Fatalf("sender release: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, st := setup(t, DefaultConfig())
	ctx := context.Background()

	cases := []struct {
		name     string
		sender   string
		receiver string
		amount   int64
		want     error
	}{
		{"insufficient funds", "bob", "alice", 101, domain.ErrInsufficientFunds},
		{"zero amount", "alice", "bob", 0, domain.ErrInvalidRequest},
		{"self escrow", "alice", "alice", 10, domain.ErrInvalidRequest},
		{"unknown receiver", "alice", "carol", 10, domain.ErrNotFound},
		{"unknown sender", "carol", "alice", 10, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "", tc.sender, tc.receiver, decimal.NewFromInt(tc.amount))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if got := balance(t, st, "bob"); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("failed create changed bob's balance to %s", got)
	}
	sent, err := svc.ListSent(ctx, "bob")
	if err != nil || len(sent) != 0 {
		t.Fatalf("expected no escrows for bob, got %v (%v)", sent, err)
	}
}

func TestRefundRequiresSender(t *testing.T) {
	svc, _ := setup(t, DefaultConfig())
	ctx := context.Background()
	escrow, err := svc.Create(ctx, "", "alice", "bob", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Refund(ctx, escrow.ID, "bob"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := svc.Refund(ctx, "escrow_missing", "alice"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentReleaseAndRefundHaveOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		svc, st := setup(t, DefaultConfig())
		ctx := context.Background()
		escrow, err := svc.Create(ctx, "", "alice", "bob", decimal.NewFromInt(200))
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		var (
			wg        sync.WaitGroup
			releaseEr error
			refundErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, releaseEr = svc.Release(ctx, escrow.ID, auth.Principal{Username: "bob"})
		}()
		go func() {
			defer wg.Done()
			_, refundErr = svc.Refund(ctx, escrow.ID, "alice")
		}()
		wg.Wait()

		if (releaseEr == nil) == (refundErr == nil) {
			t.Fatalf("round %d: expected exactly one winner, got release=%v refund=%v", round, releaseEr, refundErr)
		}
		loser := releaseEr
		if loser == nil {
			loser = refundErr
		}
		if !errors.Is(loser, domain.ErrInvalidState) {
			t.Fatalf("round %d: loser should see invalid state, got %v", round, loser)
		}

		total := balance(t, st, "alice").Add(balance(t, st, "bob"))
		if !total.Equal(decimal.NewFromInt(1100)) {
			t.Fatalf("round %d: money was created or destroyed, total %s", round, total)
		}
	}
}

func TestListsAndLookup(t *testing.T) {
	svc, _ := setup(t, DefaultConfig())
	ctx := context.Background()
	first, _ := svc.Create(ctx, "", "alice", "bob", decimal.NewFromInt(10))
	second, _ := svc.Create(ctx, "", "alice", "bob", decimal.NewFromInt(20))

	sent, err := svc.ListSent(ctx, "alice")
	if err != nil || len(sent) != 2 || sent[0].ID != second.ID {
		t.Fatalf("unexpected sent list %+v (%v)", sent, err)
	}
	incoming, err := svc.ListIncoming(ctx, "bob")
	if err != nil || len(incoming) != 2 {
		t.Fatalf("unexpected incoming list %+v (%v)", incoming, err)
	}
	got, err := svc.Get(ctx, first.ID)
	if err != nil || !got.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected escrow %+v (%v)", got, err)
	}
	if _, err := svc.ListIncoming(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateWithKeyLocksFundsOnce(t *testing.T) {
	svc, st := setup(t, DefaultConfig())
	ctx := context.Background()

	first, err := svc.Create(ctx, "esc-1", "alice", "bob", decimal.NewFromInt(400))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// A second service over the same store stands in for a restarted process.
	restarted := NewService(st, DefaultConfig(), nil)
	second, err := restarted.Create(ctx, "esc-1", "alice", "bob", decimal.NewFromInt(400))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the original escrow %s, got %s", first.ID, second.ID)
	}
	if got := balance(t, st, "alice"); !got.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("expected a single debit leaving 600, got %s", got)
	}
	sent, err := svc.ListSent(ctx, "alice")
	if err != nil || len(sent) != 1 {
		t.Fatalf("expected one escrow, got %d (%v)", len(sent), err)
	}

	if _, err := svc.Create(ctx, "esc-1", "alice", "bob", decimal.NewFromInt(50)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for a reused key, got %v", err)
	}
	// Keys are scoped to the sender.
	if _, err := svc.Create(ctx, "esc-1", "bob", "alice", decimal.NewFromInt(50)); err != nil {
		t.Fatalf("other sender with same key: %v", err)
	}
}

func TestCreateRejectsSubCentAmounts(t *testing.T) {
	svc, st := setup(t, DefaultConfig())
	if _, err := svc.Create(context.Background(), "", "alice", "bob", decimal.RequireFromString("0.005")); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if got := balance(t, st, "alice"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("balance changed to %s", got)
	}
}
