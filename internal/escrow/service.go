package escrow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/auth"
	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/ledger"
	"github.com/vanshika/guardpay/backend/internal/store"
)

// ReleasePolicy decides who may release a held payment.
type ReleasePolicy string

const (
	// ReleaseReceiverOrAdmin lets the receiver confirm delivery, or an admin arbitrate.
	ReleaseReceiverOrAdmin ReleasePolicy = "receiver-or-admin"
	// ReleaseParticipants additionally lets the sender release, matching the dashboard flow.
	ReleaseParticipants ReleasePolicy = "participants"
)

// ParseReleasePolicy accepts the configured policy name.
func ParseReleasePolicy(v string) (ReleasePolicy, error) {
	switch ReleasePolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", ReleaseReceiverOrAdmin:
		return ReleaseReceiverOrAdmin, nil
	case ReleaseParticipants:
		return ReleaseParticipants, nil
	default:
		return "", fmt.Errorf("unknown escrow release policy %q", v)
	}
}

// Config tunes escrow behaviour.
type Config struct {
	ReleasePolicy ReleasePolicy
	// SenderAuraReward is granted to the sender when a payment is released.
	SenderAuraReward float64
}

// DefaultConfig returns the production escrow settings.
func DefaultConfig() Config {
	return Config{
		ReleasePolicy:    ReleaseReceiverOrAdmin,
		SenderAuraReward: 2,
	}
}

// Service runs the LOCKED -> RELEASED | REFUNDED state machine.
type Service struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewService constructs an escrow Service.
func NewService(st store.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReleasePolicy == "" {
		cfg.ReleasePolicy = ReleaseReceiverOrAdmin
	}
	return &Service{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "escrow"),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock allows tests to override the timestamp source.
func (s *Service) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

func newEscrowID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "escrow_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return "escrow_" + hex.EncodeToString(b[:])
}

// Create debits the sender and holds the funds in a LOCKED escrow.
// A non-empty key makes the call retryable: the escrow first created under
// (sender, key) is returned again instead of locking funds twice.
func (s *Service) Create(ctx context.Context, key, sender, receiver string, amount decimal.Decimal) (domain.Escrow, error) {
	key = strings.TrimSpace(key)
	sender = strings.TrimSpace(sender)
	receiver = strings.TrimSpace(receiver)
	switch {
	case sender == "" || receiver == "":
		return domain.Escrow{}, domain.InvalidRequest("sender and receiver are required")
	case sender == receiver:
		return domain.Escrow{}, domain.InvalidRequest("sender and receiver must differ")
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		return domain.Escrow{}, err
	}

	now := s.nowFn()
	escrow := domain.Escrow{
		ID:        newEscrowID(),
		Sender:    sender,
		Receiver:  receiver,
		Amount:    amount,
		Status:    domain.EscrowLocked,
		CreatedAt: now,
	}
	posting := s.posting(escrow, domain.TxEscrowLock, sender, escrow.LedgerParty(), now)
	if key != "" {
		posting.IdempotencyKey = lockKey(sender, key)
	}

	var replayed *domain.Escrow
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if key != "" {
			if err := tx.AcquireKey(ctx, posting.IdempotencyKey); err != nil {
				return err
			}
			existing, err := s.existing(ctx, tx, posting.IdempotencyKey)
			if err != nil || existing != nil {
				replayed = existing
				return err
			}
		}

		accounts, err := tx.LockAccounts(ctx, sender, receiver)
		if err != nil {
			return err
		}
		from, ok := accounts[sender]
		if !ok {
			return domain.NotFound("sender %q not found", sender)
		}
		if _, ok := accounts[receiver]; !ok {
			return domain.NotFound("receiver %q not found", receiver)
		}
		if err := tx.CreateEscrow(ctx, escrow); err != nil {
			return fmt.Errorf("create escrow: %w", err)
		}
		_, err = ledger.Post(ctx, tx, ledger.Posting{
			Transaction: posting,
			Debit:       from,
			At:          now,
		})
		return err
	})
	if key != "" && errors.Is(err, store.ErrConflict) {
		// A concurrent request with the same key committed first.
		replayed, err = s.existing(ctx, nil, posting.IdempotencyKey)
		if err == nil && replayed == nil {
			err = fmt.Errorf("escrow for key %q vanished after conflict", key)
		}
	}
	if err != nil {
		return domain.Escrow{}, err
	}
	if replayed != nil {
		if replayed.Receiver != receiver || !replayed.Amount.Equal(amount) {
			return domain.Escrow{}, domain.Conflict("idempotency key %q was already used for a different escrow", key)
		}
		s.logger.Info("escrow replayed", "escrow_id", replayed.ID, "sender", sender, "key", key)
		return *replayed, nil
	}

	s.logger.Info("escrow locked", "escrow_id", escrow.ID, "sender", sender, "receiver", receiver, "amount", amount.String())
	return escrow, nil
}

func lockKey(sender, key string) string {
	return string(domain.TxEscrowLock) + ":" + sender + ":" + key
}

// existing loads the escrow recorded under a lock posting key, or nil when none is.
// With a nil tx it reads committed state.
func (s *Service) existing(ctx context.Context, tx store.Tx, postingKey string) (*domain.Escrow, error) {
	var (
		txn domain.Transaction
		err error
	)
	if tx != nil {
		txn, err = tx.FindTransaction(ctx, postingKey)
	} else {
		txn, err = s.store.FindTransaction(ctx, postingKey)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup escrow key: %w", err)
	}
	id, ok := domain.EscrowIDFromParty(txn.Recipient)
	if !ok || txn.Type != domain.TxEscrowLock {
		return nil, domain.Conflict("idempotency key is already used by another operation")
	}
	var escrow domain.Escrow
	if tx != nil {
		escrow, err = tx.LockEscrow(ctx, id)
	} else {
		escrow, err = s.store.GetEscrow(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow %s: %w", id, err)
	}
	return &escrow, nil
}

// Release credits the receiver. Only a LOCKED escrow can be released.
func (s *Service) Release(ctx context.Context, escrowID string, actor auth.Principal) (domain.Escrow, error) {
	var released domain.Escrow
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		escrow, err := s.lock(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if escrow.Status != domain.EscrowLocked {
			return domain.InvalidState("escrow %s is already %s", escrow.ID, escrow.Status)
		}
		if !s.mayRelease(escrow, actor) {
			return domain.Unauthorized("%s may not release escrow %s", describe(actor), escrow.ID)
		}

		accounts, err := tx.LockAccounts(ctx, escrow.Sender, escrow.Receiver)
		if err != nil {
			return err
		}
		receiver, ok := accounts[escrow.Receiver]
		if !ok {
			return domain.NotFound("receiver %q not found", escrow.Receiver)
		}
		var touched []*domain.Account
		if sender, ok := accounts[escrow.Sender]; ok {
			ledger.AdjustAura(sender, s.cfg.SenderAuraReward)
			if sender.WarningCount > 0 {
				sender.WarningCount--
			}
			touched = append(touched, sender)
		}

		now := s.nowFn()
		escrow.Status = domain.EscrowReleased
		escrow.ResolvedAt = &now
		if err := tx.SaveEscrow(ctx, escrow); err != nil {
			return fmt.Errorf("save escrow: %w", err)
		}
		if _, err := ledger.Post(ctx, tx, ledger.Posting{
			Transaction: s.posting(escrow, domain.TxEscrowRelease, escrow.LedgerParty(), escrow.Receiver, now),
			Credit:      receiver,
			Touched:     touched,
			At:          now,
		}); err != nil {
			return err
		}
		released = escrow
		return nil
	})
	if err != nil {
		return domain.Escrow{}, err
	}

	s.logger.Info("escrow released", "escrow_id", released.ID, "actor", describe(actor))
	return released, nil
}

// Refund returns the funds to the sender. Only the sender may ask.
func (s *Service) Refund(ctx context.Context, escrowID, requester string) (domain.Escrow, error) {
	var refunded domain.Escrow
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		escrow, err := s.lock(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if escrow.Status != domain.EscrowLocked {
			return domain.InvalidState("escrow %s is already %s", escrow.ID, escrow.Status)
		}
		if requester != escrow.Sender {
			return domain.Unauthorized("only the sender can refund escrow %s", escrow.ID)
		}

		accounts, err := tx.LockAccounts(ctx, escrow.Sender)
		if err != nil {
			return err
		}
		sender, ok := accounts[escrow.Sender]
		if !ok {
			return domain.NotFound("sender %q not found", escrow.Sender)
		}

		now := s.nowFn()
		escrow.Status = domain.EscrowRefunded
		escrow.ResolvedAt = &now
		if err := tx.SaveEscrow(ctx, escrow); err != nil {
			return fmt.Errorf("save escrow: %w", err)
		}
		if _, err := ledger.Post(ctx, tx, ledger.Posting{
			Transaction: s.posting(escrow, domain.TxEscrowRefund, escrow.LedgerParty(), escrow.Sender, now),
			Credit:      sender,
			At:          now,
		}); err != nil {
			return err
		}
		refunded = escrow
		return nil
	})
	if err != nil {
		return domain.Escrow{}, err
	}

	s.logger.Info("escrow refunded", "escrow_id", refunded.ID, "requester", requester)
	return refunded, nil
}

// Get returns one escrow.
func (s *Service) Get(ctx context.Context, escrowID string) (domain.Escrow, error) {
	escrow, err := s.store.GetEscrow(ctx, escrowID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Escrow{}, domain.NotFound("escrow %q not found", escrowID)
	}
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("load escrow: %w", err)
	}
	return escrow, nil
}

// ListSent returns escrows created by handle, newest first.
func (s *Service) ListSent(ctx context.Context, handle string) ([]domain.Escrow, error) {
	if err := s.requireAccount(ctx, handle); err != nil {
		return nil, err
	}
	escrows, err := s.store.ListEscrowsBySender(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("list sent escrows: %w", err)
	}
	return escrows, nil
}

// ListIncoming returns escrows payable to handle, newest first.
func (s *Service) ListIncoming(ctx context.Context, handle string) ([]domain.Escrow, error) {
	if err := s.requireAccount(ctx, handle); err != nil {
		return nil, err
	}
	escrows, err := s.store.ListEscrowsByReceiver(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("list incoming escrows: %w", err)
	}
	return escrows, nil
}

func (s *Service) requireAccount(ctx context.Context, handle string) error {
	_, err := s.store.GetAccount(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound("user %q not found", handle)
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	return nil
}

func (s *Service) lock(ctx context.Context, tx store.Tx, escrowID string) (domain.Escrow, error) {
	if strings.TrimSpace(escrowID) == "" {
		return domain.Escrow{}, domain.InvalidRequest("escrow id is required")
	}
	escrow, err := tx.LockEscrow(ctx, escrowID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Escrow{}, domain.NotFound("escrow %q not found", escrowID)
	}
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("lock escrow: %w", err)
	}
	return escrow, nil
}

func (s *Service) mayRelease(escrow domain.Escrow, actor auth.Principal) bool {
	if actor.Admin || actor.Is(escrow.Receiver) {
		return true
	}
	return s.cfg.ReleasePolicy == ReleaseParticipants && actor.Is(escrow.Sender)
}

func (s *Service) posting(escrow domain.Escrow, kind domain.TransactionType, from, to string, at time.Time) domain.Transaction {
	return domain.Transaction{
		IdempotencyKey: string(kind) + ":" + escrow.ID,
		Sender:         from,
		Recipient:      to,
		Amount:         escrow.Amount,
		Type:           kind,
		State:          domain.OutcomeApproved,
		Settlement:     domain.SettlementInternal,
		CreatedAt:      at,
	}
}

func describe(p auth.Principal) string {
	switch {
	case p.Admin && p.Username != "":
		return "admin " + p.Username
	case p.Admin:
		return "admin"
	case p.Username != "":
		return p.Username
	default:
		return "anonymous caller"
	}
}
