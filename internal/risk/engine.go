package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/ledger"
	"github.com/vanshika/guardpay/backend/internal/store"
)

// Blacklist is the subset of the registry the engine consults.
type Blacklist interface {
	IsListed(ctx context.Context, identifiers ...string) (bool, error)
}

// Result is the outcome of one evaluation.
type Result struct {
	Transaction domain.Transaction
	Assessment  domain.Assessment
	CurrentAura float64
	Replayed    bool
	// StreakBonus is set when this approval completed a safe-transfer streak.
	StreakBonus bool
}

// Engine scores transfers and commits the resulting ledger posting.
type Engine struct {
	store          store.Store
	blacklist      Blacklist
	velocity       VelocityWindow
	counterparties Counterparties
	cfg            Config
	logger         *slog.Logger
	nowFn          func() time.Time
}

// NewEngine wires the engine. Nil velocity or counterparties fall back to the store.
func NewEngine(st store.Store, bl Blacklist, velocity VelocityWindow, counterparties Counterparties, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if velocity == nil {
		velocity = NewStoreVelocity(st, cfg.Window)
	}
	if counterparties == nil {
		counterparties = NewStoreCounterparties(st)
	}
	return &Engine{
		store:          st,
		blacklist:      bl,
		velocity:       velocity,
		counterparties: counterparties,
		cfg:            cfg,
		logger:         logger.With("component", "risk"),
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock allows tests to override the timestamp source.
func (e *Engine) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		e.nowFn = nowFn
	}
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate scores a transfer and commits it exactly once per idempotency key.
func (e *Engine) Evaluate(ctx context.Context, req domain.TransferRequest) (Result, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Sender = strings.TrimSpace(req.Sender)
	req.Recipient = strings.TrimSpace(req.Recipient)
	if err := validate(req); err != nil {
		return Result{}, err
	}

	if txn, err := e.store.FindTransaction(ctx, req.IdempotencyKey); err == nil {
		return e.replay(ctx, txn)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	now := req.RequestedAt
	if now.IsZero() {
		now = e.nowFn()
	}

	sender, err := e.store.GetAccount(ctx, req.Sender)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, domain.NotFound("sender %q not found", req.Sender)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load sender: %w", err)
	}
	if sender.Balance.LessThan(req.Amount) {
		return Result{}, insufficient(sender, req)
	}

	blacklisted, err := e.blacklist.IsListed(ctx, req.Sender, req.Recipient)
	if err != nil {
		return Result{}, err
	}
	if !blacklisted {
		if err := e.checkCoolingOff(sender, req, now); err != nil {
			return Result{}, err
		}
	}

	signals := Signals{
		Amount:      req.Amount.InexactFloat64(),
		Blacklisted: blacklisted,
		HighValue:   req.Amount.GreaterThan(e.cfg.HighValueAmount),
	}
	if !blacklisted {
		signals.ApprovedInWindow, signals.DeniedInWindow, err = e.velocity.Count(ctx, req.Sender, now)
		if err != nil {
			return Result{}, fmt.Errorf("velocity window: %w", err)
		}
		signals.KnownRecipient, err = e.counterparties.HasSentTo(ctx, req.Sender, req.Recipient)
		if err != nil {
			return Result{}, fmt.Errorf("recipient history: %w", err)
		}
		if e.cfg.AlertWindow > 0 && e.cfg.AlertStep > 0 {
			signals.RecentDenials, err = e.store.DeniedTransfersSince(ctx, now.Add(-e.cfg.AlertWindow))
			if err != nil {
				return Result{}, fmt.Errorf("recent denials: %w", err)
			}
		}
	}

	result, err := e.commit(ctx, req, signals, now)
	if errors.Is(err, store.ErrConflict) {
		// Another request with this key committed first.
		txn, findErr := e.store.FindTransaction(ctx, req.IdempotencyKey)
		if findErr != nil {
			return Result{}, fmt.Errorf("load committed transaction: %w", findErr)
		}
		return e.replay(ctx, txn)
	}
	if err != nil {
		return Result{}, err
	}
	if result.Replayed {
		return result, nil
	}

	e.afterCommit(ctx, result.Transaction, now)
	e.logger.Info("transfer evaluated",
		"key", req.IdempotencyKey,
		"sender", req.Sender,
		"recipient", req.Recipient,
		"amount", req.Amount.String(),
		"outcome", result.Assessment.Outcome,
		"score", result.Assessment.Score,
		"threshold", result.Assessment.Threshold,
		"factors", result.Assessment.Factors,
	)
	return result, nil
}

func validate(req domain.TransferRequest) error {
	switch {
	case req.IdempotencyKey == "":
		return domain.InvalidRequest("idempotency key is required")
	case req.Sender == "":
		return domain.InvalidRequest("sender is required")
	case req.Recipient == "":
		return domain.InvalidRequest("recipient is required")
	case domain.NormalizeIdentifier(req.Sender) == domain.NormalizeIdentifier(req.Recipient):
		return domain.InvalidRequest("cannot transfer to yourself")
	}
	return domain.ValidateAmount("amount", req.Amount)
}

func insufficient(sender domain.Account, req domain.TransferRequest) error {
	return domain.InsufficientFunds("insufficient funds: balance %s, requested %s",
		sender.Balance.StringFixed(2), req.Amount.StringFixed(2))
}

func (e *Engine) checkCoolingOff(sender domain.Account, req domain.TransferRequest, now time.Time) error {
	if e.cfg.CoolingOffPeriod <= 0 || e.cfg.NewAccountLimit.IsZero() {
		return nil
	}
	liftsAt := sender.CreatedAt.Add(e.cfg.CoolingOffPeriod)
	if now.Before(liftsAt) && req.Amount.GreaterThan(e.cfg.NewAccountLimit) {
		return domain.LimitExceeded("NEW_ACCOUNT_LIMIT",
			"new accounts may not send more than %s until %s",
			e.cfg.NewAccountLimit.StringFixed(2), liftsAt.Format(time.RFC3339))
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, req domain.TransferRequest, signals Signals, now time.Time) (Result, error) {
	var result Result
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AcquireKey(ctx, req.IdempotencyKey); err != nil {
			return err
		}
		if txn, err := tx.FindTransaction(ctx, req.IdempotencyKey); err == nil {
			result = Result{Transaction: txn, Assessment: txn.Assessment(), Replayed: true}
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lookup idempotency key: %w", err)
		}

		accounts, err := tx.LockAccounts(ctx, req.Sender, req.Recipient)
		if err != nil {
			return err
		}
		sender, ok := accounts[req.Sender]
		if !ok {
			return domain.NotFound("sender %q not found", req.Sender)
		}
		if sender.Balance.LessThan(req.Amount) {
			return insufficient(*sender, req)
		}
		recipient := accounts[req.Recipient]

		// Aura and the fingerprint are read under the row lock.
		signals.Aura = sender.Aura
		signals.PriorApprovals = sender.TxCount
		signals.AverageAmount = sender.AvgAmount
		signals.AmountStdDev = sender.AmountStdDev()
		assessment := e.cfg.Assess(signals)

		settlement := domain.SettlementExternal
		if recipient != nil {
			settlement = domain.SettlementInternal
		}
		posting := ledger.Posting{
			Transaction: domain.Transaction{
				IdempotencyKey: req.IdempotencyKey,
				Sender:         req.Sender,
				Recipient:      req.Recipient,
				Amount:         req.Amount,
				Type:           domain.TxTransfer,
				State:          assessment.Outcome,
				Settlement:     settlement,
				RiskScore:      assessment.Score,
				RiskFactors:    assessment.Factors,
				Threshold:      assessment.Threshold,
				CreatedAt:      now,
			},
			Touched: []*domain.Account{sender},
			At:      now,
		}

		bonus := false
		if assessment.Approved() {
			posting.Debit = sender
			posting.Credit = recipient
			bonus = e.reward(sender, req)
		} else {
			e.penalize(sender)
		}

		txn, err := ledger.Post(ctx, tx, posting)
		if err != nil {
			return err
		}
		result = Result{Transaction: txn, Assessment: assessment, CurrentAura: sender.Aura, StreakBonus: bonus}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if result.Replayed {
		return e.replay(ctx, result.Transaction)
	}
	return result, nil
}

func (e *Engine) reward(sender *domain.Account, req domain.TransferRequest) bool {
	ledger.AdjustAura(sender, e.cfg.ApprovalReward)
	sender.ObserveAmount(req.Amount.InexactFloat64())
	sender.SafeStreak++
	if e.cfg.StreakLength > 0 && sender.SafeStreak >= e.cfg.StreakLength {
		ledger.AdjustAura(sender, e.cfg.StreakBonus)
		sender.WarningCount = 0
		sender.SafeStreak = 0
		return true
	}
	return false
}

func (e *Engine) penalize(sender *domain.Account) {
	ledger.AdjustAura(sender, -e.cfg.DenialPenalty)
	sender.WarningCount++
	sender.SafeStreak = 0
}

func (e *Engine) replay(ctx context.Context, txn domain.Transaction) (Result, error) {
	result := Result{Transaction: txn, Assessment: txn.Assessment(), Replayed: true}
	sender, err := e.store.GetAccount(ctx, txn.Sender)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("load sender: %w", err)
	}
	result.CurrentAura = sender.Aura
	return result, nil
}

// afterCommit feeds the outcome to the velocity window and counterparty graph.
// Both are advisory, so failures are logged and swallowed.
func (e *Engine) afterCommit(ctx context.Context, txn domain.Transaction, at time.Time) {
	if err := e.velocity.Record(ctx, txn.Sender, txn.State, at); err != nil {
		e.logger.Warn("velocity record failed", "sender", txn.Sender, "error", err)
	}
	if txn.State != domain.OutcomeApproved {
		return
	}
	if err := e.counterparties.RecordTransfer(ctx, txn); err != nil {
		e.logger.Warn("counterparty record failed", "sender", txn.Sender, "recipient", txn.Recipient, "error", err)
	}
}
