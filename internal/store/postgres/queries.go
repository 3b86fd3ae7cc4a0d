package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

const accountColumns = `handle, password_hash, balance, aura, warning_count, safe_streak,
	tx_count, avg_amount, amount_m2, created_at, updated_at`

const transactionColumns = `id, idempotency_key, sender, recipient, amount, type, state,
	settlement, risk_score, risk_factors, threshold, created_at`

const escrowColumns = `id, sender, receiver, amount, status, created_at, resolved_at`

const cardColumns = `id, number, cvv, label, card_limit, owner, status, charged_amount,
	created_at, destroyed_at, issue_key`

func scanAccount(row rowScanner) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.Handle, &a.PasswordHash, &a.Balance, &a.Aura, &a.WarningCount, &a.SafeStreak,
		&a.TxCount, &a.AvgAmount, &a.AmountM2, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		t       domain.Transaction
		factors pq.StringArray
	)
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.Sender, &t.Recipient, &t.Amount, &t.Type, &t.State,
		&t.Settlement, &t.RiskScore, &factors, &t.Threshold, &t.CreatedAt)
	t.RiskFactors = []string(factors)
	return t, err
}

func scanEscrow(row rowScanner) (domain.Escrow, error) {
	var (
		e        domain.Escrow
		resolved sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Sender, &e.Receiver, &e.Amount, &e.Status, &e.CreatedAt, &resolved)
	e.ResolvedAt = timePtr(resolved)
	return e, err
}

func scanCard(row rowScanner) (domain.GhostCard, error) {
	var (
		c         domain.GhostCard
		destroyed sql.NullTime
		issueKey  sql.NullString
	)
	err := row.Scan(&c.ID, &c.Number, &c.CVV, &c.Label, &c.Limit, &c.Owner, &c.Status, &c.ChargedAmount,
		&c.CreatedAt, &destroyed, &issueKey)
	c.DestroyedAt = timePtr(destroyed)
	c.IssueKey = issueKey.String
	return c, err
}

func getAccount(ctx context.Context, q querier, handle string) (domain.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE handle = $1`, handle)
	account, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, mapError(err)
	}
	return account, nil
}

func findTransaction(ctx context.Context, q querier, key string) (domain.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	txn, err := scanTransaction(row)
	if err != nil {
		return domain.Transaction{}, mapError(err)
	}
	return txn, nil
}

func (s *Store) GetAccount(ctx context.Context, handle string) (domain.Account, error) {
	return getAccount(ctx, s.db, handle)
}

func (s *Store) FindTransaction(ctx context.Context, key string) (domain.Transaction, error) {
	return findTransaction(ctx, s.db, key)
}

func (s *Store) ListTransactions(ctx context.Context, handle string, offset, limit int) (domain.TransactionPage, error) {
	page := domain.TransactionPage{Items: []domain.Transaction{}}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE sender = $1 OR recipient = $1`, handle,
	).Scan(&page.Total); err != nil {
		return domain.TransactionPage{}, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE sender = $1 OR recipient = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT NULLIF($3, 0) OFFSET $2`, handle, offset, limit)
	if err != nil {
		return domain.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return domain.TransactionPage{}, fmt.Errorf("scan transaction: %w", err)
		}
		page.Items = append(page.Items, txn)
	}
	if err := rows.Err(); err != nil {
		return domain.TransactionPage{}, fmt.Errorf("iterate transactions: %w", err)
	}
	return page, nil
}

func (s *Store) GetEscrow(ctx context.Context, id string) (domain.Escrow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	escrow, err := scanEscrow(row)
	if err != nil {
		return domain.Escrow{}, mapError(err)
	}
	return escrow, nil
}

func (s *Store) ListEscrowsBySender(ctx context.Context, handle string) ([]domain.Escrow, error) {
	return s.listEscrows(ctx, `sender`, handle)
}

func (s *Store) ListEscrowsByReceiver(ctx context.Context, handle string) ([]domain.Escrow, error) {
	return s.listEscrows(ctx, `receiver`, handle)
}

func (s *Store) listEscrows(ctx context.Context, column, handle string) ([]domain.Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrows
		WHERE `+column+` = $1 ORDER BY seq DESC`, handle)
	if err != nil {
		return nil, fmt.Errorf("list escrows by %s: %w", column, err)
	}
	defer rows.Close()

	out := []domain.Escrow{}
	for rows.Next() {
		escrow, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		out = append(out, escrow)
	}
	return out, rows.Err()
}

func (s *Store) GetCard(ctx context.Context, id string) (domain.GhostCard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM ghost_cards WHERE id = $1`, id)
	card, err := scanCard(row)
	if err != nil {
		return domain.GhostCard{}, mapError(err)
	}
	return card, nil
}

func (s *Store) ListCardsByOwner(ctx context.Context, owner string) ([]domain.GhostCard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM ghost_cards
		WHERE owner = $1 ORDER BY seq DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	out := []domain.GhostCard{}
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

func (s *Store) FindBlacklisted(ctx context.Context, identifiers ...string) ([]domain.BlacklistEntry, error) {
	if len(identifiers) == 0 {
		return nil, nil
	}
	normalized := make([]string, len(identifiers))
	for i, id := range identifiers {
		normalized[i] = domain.NormalizeIdentifier(id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT identifier, reason, created_at FROM blacklist
		WHERE identifier = ANY($1)`, pq.Array(normalized))
	if err != nil {
		return nil, fmt.Errorf("find blacklisted: %w", err)
	}
	return scanBlacklist(rows)
}

func (s *Store) ListBlacklist(ctx context.Context) ([]domain.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identifier, reason, created_at FROM blacklist
		ORDER BY created_at DESC, identifier`)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	return scanBlacklist(rows)
}

func scanBlacklist(rows *sql.Rows) ([]domain.BlacklistEntry, error) {
	defer rows.Close()
	var out []domain.BlacklistEntry
	for rows.Next() {
		var entry domain.BlacklistEntry
		if err := rows.Scan(&entry.Identifier, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blacklist entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) RecentTransfers(ctx context.Context, sender string, since time.Time) (int, int, error) {
	var approved, denied int
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*) FILTER (WHERE state = $3),
			COUNT(*) FILTER (WHERE state <> $3)
		FROM transactions
		WHERE sender = $1 AND type = $4 AND created_at >= $2`,
		sender, since, domain.OutcomeApproved, domain.TxTransfer,
	).Scan(&approved, &denied)
	if err != nil {
		return 0, 0, fmt.Errorf("count recent transfers: %w", err)
	}
	return approved, denied, nil
}

func (s *Store) DeniedTransfersSince(ctx context.Context, since time.Time) (int, error) {
	var denied int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions
		WHERE type = $1 AND state = $2 AND created_at >= $3`,
		domain.TxTransfer, domain.OutcomeDenied, since,
	).Scan(&denied)
	if err != nil {
		return 0, fmt.Errorf("count denied transfers: %w", err)
	}
	return denied, nil
}

func (s *Store) HasTransferredTo(ctx context.Context, sender, recipient string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE sender = $1 AND recipient = $2 AND type = $3 AND state = $4
		)`, sender, recipient, domain.TxTransfer, domain.OutcomeApproved,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transfer history: %w", err)
	}
	return exists, nil
}

func (s *Store) Stats(ctx context.Context) (domain.GlobalStats, error) {
	var (
		stats  domain.GlobalStats
		volume decimal.NullDecimal
		aura   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT AVG(aura) FROM accounts),
			(SELECT COUNT(*) FROM transactions WHERE type = $1 AND state = $3),
			(SELECT SUM(amount) FROM transactions WHERE type = $1 AND state = $2),
			(SELECT COUNT(*) FROM blacklist),
			(SELECT COUNT(*) FROM ghost_cards WHERE status = $4),
			(SELECT COUNT(*) FROM ghost_cards WHERE status = $5),
			(SELECT COUNT(*) FROM escrows WHERE status = $6)`,
		domain.TxTransfer, domain.OutcomeApproved, domain.OutcomeDenied,
		domain.CardActive, domain.CardDestroyed, domain.EscrowLocked,
	).Scan(&stats.Users, &aura, &stats.BlockedAttempts, &volume, &stats.BlacklistEntries,
		&stats.ActiveCards, &stats.DestroyedCards, &stats.LockedEscrows)
	if err != nil {
		return domain.GlobalStats{}, fmt.Errorf("global stats: %w", err)
	}
	stats.ApprovedVolume = decimal.Zero
	if volume.Valid {
		stats.ApprovedVolume = volume.Decimal
	}
	if aura.Valid {
		stats.AverageAura = aura.Float64
	}
	return stats, nil
}

var _ store.Reader = (*Store)(nil)
