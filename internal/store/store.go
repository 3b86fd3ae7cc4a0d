package store

import (
	"context"
	"errors"
	"time"

	"github.com/vanshika/guardpay/backend/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("store: conflict")
)

// Reader exposes committed state.
type Reader interface {
	GetAccount(ctx context.Context, handle string) (domain.Account, error)
	FindTransaction(ctx context.Context, idempotencyKey string) (domain.Transaction, error)
	ListTransactions(ctx context.Context, handle string, offset, limit int) (domain.TransactionPage, error)
	GetEscrow(ctx context.Context, id string) (domain.Escrow, error)
	ListEscrowsBySender(ctx context.Context, handle string) ([]domain.Escrow, error)
	ListEscrowsByReceiver(ctx context.Context, handle string) ([]domain.Escrow, error)
	GetCard(ctx context.Context, id string) (domain.GhostCard, error)
	ListCardsByOwner(ctx context.Context, owner string) ([]domain.GhostCard, error)
	FindBlacklisted(ctx context.Context, identifiers ...string) ([]domain.BlacklistEntry, error)
	ListBlacklist(ctx context.Context) ([]domain.BlacklistEntry, error)
	// RecentTransfers counts the sender's TRANSFER postings created at or after since.
	RecentTransfers(ctx context.Context, sender string, since time.Time) (approved, denied int, err error)
	// DeniedTransfersSince counts denied TRANSFER postings system-wide created at or after since.
	DeniedTransfersSince(ctx context.Context, since time.Time) (int, error)
	// HasTransferredTo reports whether an approved transfer sender->recipient exists.
	HasTransferredTo(ctx context.Context, sender, recipient string) (bool, error)
	Stats(ctx context.Context) (domain.GlobalStats, error)
}

// Tx is a unit of work. Locks taken through it are held until WithinTx returns.
type Tx interface {
	// AcquireKey serialises transactions that share the key.
	AcquireKey(ctx context.Context, key string) error
	// LockAccounts loads and locks the named accounts. Unknown handles are absent from the map.
	LockAccounts(ctx context.Context, handles ...string) (map[string]*domain.Account, error)
	CreateAccount(ctx context.Context, account domain.Account) error
	SaveAccount(ctx context.Context, account domain.Account) error

	FindTransaction(ctx context.Context, idempotencyKey string) (domain.Transaction, error)
	InsertTransaction(ctx context.Context, txn domain.Transaction) error

	CreateEscrow(ctx context.Context, escrow domain.Escrow) error
	LockEscrow(ctx context.Context, id string) (domain.Escrow, error)
	SaveEscrow(ctx context.Context, escrow domain.Escrow) error

	// CreateCard fails with ErrConflict when the id, number or (owner, IssueKey) is taken.
	CreateCard(ctx context.Context, card domain.GhostCard) error
	FindCardByIssueKey(ctx context.Context, owner, key string) (domain.GhostCard, error)
	LockCard(ctx context.Context, id string) (domain.GhostCard, error)
	SaveCard(ctx context.Context, card domain.GhostCard) error

	// AddBlacklist inserts the entry unless the identifier is already listed,
	// in which case the existing entry is returned with created=false.
	AddBlacklist(ctx context.Context, entry domain.BlacklistEntry) (stored domain.BlacklistEntry, created bool, err error)
}

// Store is the persistence contract shared by the memory and Postgres backends.
type Store interface {
	Reader
	// WithinTx runs fn atomically. Any error returned by fn rolls back every write.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
