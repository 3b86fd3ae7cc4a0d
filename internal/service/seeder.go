package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/ledger"
)

// AccountOpener creates accounts with explicit opening state.
type AccountOpener interface {
	Open(ctx context.Context, in ledger.Opening) (domain.Account, error)
}

// Blocker adds identifiers to the blacklist.
type Blocker interface {
	Block(ctx context.Context, identifier, reason string) (domain.BlacklistEntry, bool, error)
}

// Seeder loads accounts and blacklist entries. Records that already exist
// are skipped so a dataset can be ingested more than once.
type Seeder struct {
	accounts       AccountOpener
	blacklist      Blocker
	defaultBalance decimal.Decimal
	logger         *slog.Logger
}

// NewSeeder builds a Seeder. Accounts without a balance open with defaultBalance.
func NewSeeder(accounts AccountOpener, blacklist Blocker, defaultBalance decimal.Decimal, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		accounts:       accounts,
		blacklist:      blacklist,
		defaultBalance: defaultBalance,
		logger:         logger.With("component", "seeder"),
	}
}

// SeedAccount creates the account and reports whether it was new.
func (s *Seeder) SeedAccount(ctx context.Context, in AccountInput) (bool, error) {
	handle := normalizeHandle(in.Handle)
	if handle == "" {
		return false, domain.InvalidRequest("account handle is required")
	}

	balance := in.Balance
	if balance.IsZero() {
		balance = s.defaultBalance
	}
	aura := domain.InitialAura
	if in.Aura != nil {
		aura = *in.Aura
	}
	opening := ledger.Opening{
		Handle:   handle,
		Password: in.Password,
		Balance:  balance,
		Aura:     aura,
	}
	if in.CreatedAt != nil {
		opening.CreatedAt = *in.CreatedAt
	}

	_, err := s.accounts.Open(ctx, opening)
	if errors.Is(err, domain.ErrConflict) {
		s.logger.Debug("account exists, skipping", "handle", handle)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed account %s: %w", handle, err)
	}
	return true, nil
}

// SeedBlacklist blocks the identifier and reports whether it was new.
func (s *Seeder) SeedBlacklist(ctx context.Context, in BlacklistInput) (bool, error) {
	id := normalizeIdentifier(in.Identifier)
	if id == "" {
		return false, domain.InvalidRequest("invalid identifier %q", in.Identifier)
	}
	_, created, err := s.blacklist.Block(ctx, id, sanitizeString(in.Reason))
	if err != nil {
		return false, fmt.Errorf("seed blacklist %s: %w", id, err)
	}
	return created, nil
}
