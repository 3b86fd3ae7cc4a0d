package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

// Debit removes amount from the account. The balance never goes negative.
func Debit(a *domain.Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.InvalidRequest("amount must be positive")
	}
	if a.Balance.LessThan(amount) {
		return domain.InsufficientFunds("insufficient funds: balance %s, requested %s",
			a.Balance.StringFixed(2), amount.StringFixed(2))
	}
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// Credit adds amount to the account.
func Credit(a *domain.Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.InvalidRequest("amount must be positive")
	}
	a.Balance = a.Balance.Add(amount)
	return nil
}

// AdjustAura shifts the trust score, clamped to [0, 100].
func AdjustAura(a *domain.Account, delta float64) {
	a.Aura = domain.ClampAura(a.Aura + delta)
}

// Posting is one atomic ledger write: an optional debit, an optional credit,
// any extra account changes and the audit record.
type Posting struct {
	Transaction domain.Transaction
	// Debit is nil when the funds leave an escrow hold.
	Debit *domain.Account
	// Credit is nil for external recipients and escrow holds.
	Credit *domain.Account
	// Touched accounts were mutated by the caller (Aura, streaks) and must be saved.
	Touched []*domain.Account
	At      time.Time
}

// Post applies the posting inside tx. Balances move only for approved postings.
func Post(ctx context.Context, tx store.Tx, p Posting) (domain.Transaction, error) {
	txn := p.Transaction
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.IdempotencyKey == "" {
		txn.IdempotencyKey = txn.ID
	}
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = at
	}

	if txn.State == domain.OutcomeApproved {
		if p.Debit != nil {
			if err := Debit(p.Debit, txn.Amount); err != nil {
				return domain.Transaction{}, err
			}
		}
		if p.Credit != nil {
			if err := Credit(p.Credit, txn.Amount); err != nil {
				return domain.Transaction{}, err
			}
		}
	}

	saved := make(map[string]struct{})
	save := func(a *domain.Account) error {
		if a == nil {
			return nil
		}
		if _, done := saved[a.Handle]; done {
			return nil
		}
		saved[a.Handle] = struct{}{}
		a.UpdatedAt = at
		if err := tx.SaveAccount(ctx, *a); err != nil {
			return fmt.Errorf("save account %s: %w", a.Handle, err)
		}
		return nil
	}
	if txn.State == domain.OutcomeApproved {
		if err := save(p.Debit); err != nil {
			return domain.Transaction{}, err
		}
		if err := save(p.Credit); err != nil {
			return domain.Transaction{}, err
		}
	}
	for _, a := range p.Touched {
		if err := save(a); err != nil {
			return domain.Transaction{}, err
		}
	}

	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}
