package ghostcard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/ledger"
	"github.com/vanshika/guardpay/backend/internal/store"
)

const (
	defaultLabel    = "Ghost Card"
	defaultMerchant = "merchant"
	issueAttempts   = 3
)

// Vault issues single-use virtual cards and settles their one charge.
type Vault struct {
	store  store.Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewVault constructs a Vault.
func NewVault(st store.Store, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:  st,
		logger: logger.With("component", "ghostcard"),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock allows tests to override the timestamp source.
func (v *Vault) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		v.nowFn = nowFn
	}
}

// Issue creates an Active card for owner. No funds are reserved.
// A non-empty key returns the card already issued to owner under that key.
func (v *Vault) Issue(ctx context.Context, key, owner, label string, limit decimal.Decimal) (domain.GhostCard, error) {
	key = strings.TrimSpace(key)
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.GhostCard{}, domain.InvalidRequest("owner is required")
	}
	if err := domain.ValidateAmount("card limit", limit); err != nil {
		return domain.GhostCard{}, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = defaultLabel
	}

	var (
		card     domain.GhostCard
		replayed bool
		err      error
	)
	for attempt := 0; attempt < issueAttempts; attempt++ {
		card, err = v.newCard(owner, label, limit)
		if err != nil {
			return domain.GhostCard{}, err
		}
		card.IssueKey = key
		err = v.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if key != "" {
				if err := tx.AcquireKey(ctx, "CARD_ISSUE:"+owner+":"+key); err != nil {
					return err
				}
				existing, err := tx.FindCardByIssueKey(ctx, owner, key)
				if err == nil {
					card, replayed = existing, true
					return nil
				}
				if !errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("lookup card key: %w", err)
				}
			}
			accounts, err := tx.LockAccounts(ctx, owner)
			if err != nil {
				return err
			}
			if _, ok := accounts[owner]; !ok {
				return domain.NotFound("user %q not found", owner)
			}
			return tx.CreateCard(ctx, card)
		})
		// A number or id collision is retried with fresh randomness; a key
		// collision is found by the lookup on the next attempt.
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	if err != nil {
		return domain.GhostCard{}, err
	}
	if replayed {
		if !card.Limit.Equal(limit) || card.Label != label {
			return domain.GhostCard{}, domain.Conflict("idempotency key %q was already used for a different card", key)
		}
		v.logger.Info("ghost card replayed", "card_id", card.ID, "owner", owner, "key", key)
		return card, nil
	}

	v.logger.Info("ghost card issued", "card_id", card.ID, "owner", owner, "limit", limit.String())
	return card, nil
}

func (v *Vault) newCard(owner, label string, limit decimal.Decimal) (domain.GhostCard, error) {
	id, err := newCardID()
	if err != nil {
		return domain.GhostCard{}, err
	}
	number, err := newCardNumber()
	if err != nil {
		return domain.GhostCard{}, err
	}
	cvv, err := newCVV()
	if err != nil {
		return domain.GhostCard{}, err
	}
	return domain.GhostCard{
		ID:            id,
		Number:        number,
		CVV:           cvv,
		Label:         label,
		Limit:         limit,
		Owner:         owner,
		Status:        domain.CardActive,
		ChargedAmount: decimal.Zero,
		CreatedAt:     v.nowFn(),
	}, nil
}

// Charge settles amount against the card owner and destroys the card.
// Declines are results, not errors, and leave the card untouched.
func (v *Vault) Charge(ctx context.Context, cardID string, amount decimal.Decimal, merchant string) (domain.ChargeResult, error) {
	if strings.TrimSpace(cardID) == "" {
		return domain.ChargeResult{}, domain.InvalidRequest("card id is required")
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		return domain.ChargeResult{}, err
	}
	merchant = strings.TrimSpace(merchant)
	if merchant == "" {
		merchant = defaultMerchant
	}

	var result domain.ChargeResult
	err := v.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		card, err := tx.LockCard(ctx, cardID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound("card %q not found", cardID)
		}
		if err != nil {
			return fmt.Errorf("lock card: %w", err)
		}

		decline := func(reason string) error {
			result = domain.ChargeResult{Status: domain.ChargeDeclined, Reason: reason, Card: card}
			return nil
		}
		if card.Status != domain.CardActive {
			return decline(domain.DeclineCardDestroyed)
		}
		if amount.GreaterThan(card.Limit) {
			return decline(domain.DeclineLimitExceeded)
		}

		accounts, err := tx.LockAccounts(ctx, card.Owner)
		if err != nil {
			return err
		}
		owner, ok := accounts[card.Owner]
		if !ok {
			return domain.NotFound("card owner %q not found", card.Owner)
		}
		if owner.Balance.LessThan(amount) {
			return decline(domain.DeclineInsufficientFunds)
		}

		now := v.nowFn()
		if _, err := ledger.Post(ctx, tx, ledger.Posting{
			Transaction: domain.Transaction{
				IdempotencyKey: string(domain.TxCardPayment) + ":" + card.ID,
				Sender:         card.Owner,
				Recipient:      merchant,
				Amount:         amount,
				Type:           domain.TxCardPayment,
				State:          domain.OutcomeApproved,
				Settlement:     domain.SettlementExternal,
				CreatedAt:      now,
			},
			Debit: owner,
			At:    now,
		}); err != nil {
			return err
		}

		card.Status = domain.CardDestroyed
		card.ChargedAmount = amount
		card.DestroyedAt = &now
		if err := tx.SaveCard(ctx, card); err != nil {
			return fmt.Errorf("save card: %w", err)
		}
		result = domain.ChargeResult{Status: domain.ChargeSuccess, Card: card}
		return nil
	})
	if err != nil {
		return domain.ChargeResult{}, err
	}

	if result.Status == domain.ChargeSuccess {
		v.logger.Info("ghost card charged", "card_id", cardID, "amount", amount.String(), "merchant", merchant)
	} else {
		v.logger.Info("ghost card charge declined", "card_id", cardID, "amount", amount.String(), "reason", result.Reason)
	}
	return result, nil
}

// Get returns one card.
func (v *Vault) Get(ctx context.Context, cardID string) (domain.GhostCard, error) {
	card, err := v.store.GetCard(ctx, cardID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.GhostCard{}, domain.NotFound("card %q not found", cardID)
	}
	if err != nil {
		return domain.GhostCard{}, fmt.Errorf("load card: %w", err)
	}
	return card, nil
}

// ListByOwner returns the owner's cards, newest first.
func (v *Vault) ListByOwner(ctx context.Context, owner string) ([]domain.GhostCard, error) {
	if _, err := v.store.GetAccount(ctx, owner); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NotFound("user %q not found", owner)
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	cards, err := v.store.ListCardsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	return cards, nil
}
