package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

// Hasher hashes and verifies passwords.
type Hasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// Config tunes account creation.
type Config struct {
	InitialBalance    decimal.Decimal
	MinHandleLength   int
	MaxHandleLength   int
	MinPasswordLength int
}

// DefaultConfig mirrors the demo environment: every new account starts with 10000.
func DefaultConfig() Config {
	return Config{
		InitialBalance:    decimal.NewFromInt(10000),
		MinHandleLength:   3,
		MaxHandleLength:   32,
		MinPasswordLength: 6,
	}
}

// Ledger owns accounts: creation, credentials, history and admin adjustments.
type Ledger struct {
	store  store.Store
	hasher Hasher
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time
}

// New constructs a Ledger.
func New(st store.Store, hasher Hasher, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		hasher: hasher,
		cfg:    cfg,
		logger: logger.With("component", "ledger"),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock allows tests to override the timestamp source.
func (l *Ledger) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		l.nowFn = nowFn
	}
}

// HistoryItem is a transaction as seen by one participant.
type HistoryItem struct {
	domain.Transaction
	Direction domain.Direction
}

// HistoryPage is a page of a participant's history, newest first.
type HistoryPage struct {
	Items      []HistoryItem
	Pagination PaginationMeta
}

// Opening describes an account to create. Signup fills it from Config;
// bulk ingestion supplies its own balance, Aura and creation time.
type Opening struct {
	Handle    string
	Password  string
	Balance   decimal.Decimal
	Aura      float64
	CreatedAt time.Time
}

// Signup creates an account with the configured opening balance and full Aura.
func (l *Ledger) Signup(ctx context.Context, handle, password string) (domain.Account, error) {
	return l.Open(ctx, Opening{
		Handle:   handle,
		Password: password,
		Balance:  l.cfg.InitialBalance,
		Aura:     domain.InitialAura,
	})
}

// Open validates and persists a new account.
func (l *Ledger) Open(ctx context.Context, in Opening) (domain.Account, error) {
	handle := strings.TrimSpace(in.Handle)
	if err := l.validateHandle(handle); err != nil {
		return domain.Account{}, err
	}
	if len(in.Password) < l.cfg.MinPasswordLength {
		return domain.Account{}, domain.InvalidRequest("password must be at least %d characters", l.cfg.MinPasswordLength)
	}
	if in.Balance.IsNegative() {
		return domain.Account{}, domain.InvalidRequest("opening balance must not be negative")
	}
	if in.Aura < domain.MinAura || in.Aura > domain.MaxAura {
		return domain.Account{}, domain.InvalidRequest("aura must be between %v and %v", domain.MinAura, domain.MaxAura)
	}

	hash, err := l.hasher.Hash(in.Password)
	if err != nil {
		return domain.Account{}, fmt.Errorf("hash password: %w", err)
	}

	now := l.nowFn()
	created := in.CreatedAt
	if created.IsZero() {
		created = now
	}
	account := domain.Account{
		Handle:       handle,
		PasswordHash: hash,
		Balance:      in.Balance,
		Aura:         in.Aura,
		CreatedAt:    created.UTC(),
		UpdatedAt:    now,
	}

	err = l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, account)
	})
	if errors.Is(err, store.ErrConflict) {
		return domain.Account{}, domain.Conflict("username %q is already taken", handle)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}

	l.logger.Info("account created", "handle", handle, "balance", account.Balance.String())
	return account, nil
}

func (l *Ledger) validateHandle(handle string) error {
	if handle == "" {
		return domain.InvalidRequest("username is required")
	}
	if len(handle) < l.cfg.MinHandleLength || (l.cfg.MaxHandleLength > 0 && len(handle) > l.cfg.MaxHandleLength) {
		return domain.InvalidRequest("username must be between %d and %d characters", l.cfg.MinHandleLength, l.cfg.MaxHandleLength)
	}
	if strings.HasPrefix(handle, "escrow:") {
		return domain.InvalidRequest("username %q is reserved", handle)
	}
	for _, r := range handle {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return domain.InvalidRequest("username must not contain whitespace")
		}
	}
	return nil
}

// Authenticate verifies credentials. Unknown users and wrong passwords are indistinguishable.
func (l *Ledger) Authenticate(ctx context.Context, handle, password string) (domain.Account, error) {
	account, err := l.store.GetAccount(ctx, strings.TrimSpace(handle))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, domain.Unauthenticated("invalid username or password")
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	if err := l.hasher.Compare(account.PasswordHash, password); err != nil {
		return domain.Account{}, domain.Unauthenticated("invalid username or password")
	}
	return account, nil
}

// Account returns the committed state of an account.
func (l *Ledger) Account(ctx context.Context, handle string) (domain.Account, error) {
	account, err := l.store.GetAccount(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, domain.NotFound("user %q not found", handle)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

// History lists every posting the account took part in, newest first.
func (l *Ledger) History(ctx context.Context, handle string, page, pageSize int) (HistoryPage, error) {
	if _, err := l.Account(ctx, handle); err != nil {
		return HistoryPage{}, err
	}
	page, pageSize = normalizePagination(page, pageSize)

	result, err := l.store.ListTransactions(ctx, handle, (page-1)*pageSize, pageSize)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("list transactions: %w", err)
	}

	items := make([]HistoryItem, 0, len(result.Items))
	for _, txn := range result.Items {
		items = append(items, HistoryItem{Transaction: txn, Direction: txn.DirectionFor(handle)})
	}
	return HistoryPage{
		Items:      items,
		Pagination: buildPaginationMeta(page, pageSize, result.Total),
	}, nil
}

// Penalize lowers an account's Aura by points and records a warning.
func (l *Ledger) Penalize(ctx context.Context, handle string, points float64) (domain.Account, error) {
	if points <= 0 {
		return domain.Account{}, domain.InvalidRequest("penalty must be positive")
	}

	var updated domain.Account
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.LockAccounts(ctx, handle)
		if err != nil {
			return err
		}
		account, ok := accounts[handle]
		if !ok {
			return domain.NotFound("user %q not found", handle)
		}
		AdjustAura(account, -points)
		account.WarningCount++
		account.UpdatedAt = l.nowFn()
		if err := tx.SaveAccount(ctx, *account); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
		updated = *account
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}

	l.logger.Warn("account penalized", "handle", handle, "points", points, "aura", updated.Aura)
	return updated, nil
}
