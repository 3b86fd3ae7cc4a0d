package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

var _ store.Tx = (*pgTx)(nil)

func (t *pgTx) AcquireKey(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("acquire key lock: %w", err)
	}
	return nil
}

// LockAccounts takes row locks in handle order so concurrent transfers cannot deadlock.
func (t *pgTx) LockAccounts(ctx context.Context, handles ...string) (map[string]*domain.Account, error) {
	unique := make([]string, 0, len(handles))
	seen := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		unique = append(unique, h)
	}
	sort.Strings(unique)

	rows, err := t.tx.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE handle = ANY($1) ORDER BY handle FOR UPDATE`, pq.Array(unique))
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*domain.Account, len(unique))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out[account.Handle] = &account
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	return out, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a domain.Account) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.Handle, a.PasswordHash, a.Balance, a.Aura, a.WarningCount, a.SafeStreak,
		a.TxCount, a.AvgAmount, a.AmountM2, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) SaveAccount(ctx context.Context, a domain.Account) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE accounts SET
			password_hash = $2, balance = $3, aura = $4, warning_count = $5, safe_streak = $6,
			tx_count = $7, avg_amount = $8, amount_m2 = $9, updated_at = $10
		WHERE handle = $1`,
		a.Handle, a.PasswordHash, a.Balance, a.Aura, a.WarningCount, a.SafeStreak,
		a.TxCount, a.AvgAmount, a.AmountM2, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return expectRow(res)
}

func (t *pgTx) FindTransaction(ctx context.Context, key string) (domain.Transaction, error) {
	return findTransaction(ctx, t.tx, key)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	factors := txn.RiskFactors
	if factors == nil {
		factors = []string{}
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		txn.ID, txn.IdempotencyKey, txn.Sender, txn.Recipient, txn.Amount, txn.Type, txn.State,
		txn.Settlement, txn.RiskScore, pq.Array(factors), txn.Threshold, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) CreateEscrow(ctx context.Context, e domain.Escrow) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Sender, e.Receiver, e.Amount, e.Status, e.CreatedAt, nullTime(e.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert escrow: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) LockEscrow(ctx context.Context, id string) (domain.Escrow, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	escrow, err := scanEscrow(row)
	if err != nil {
		return domain.Escrow{}, mapError(err)
	}
	return escrow, nil
}

func (t *pgTx) SaveEscrow(ctx context.Context, e domain.Escrow) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE escrows SET status = $2, resolved_at = $3 WHERE id = $1`,
		e.ID, e.Status, nullTime(e.ResolvedAt))
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return expectRow(res)
}

func (t *pgTx) CreateCard(ctx context.Context, c domain.GhostCard) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ghost_cards (`+cardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Number, c.CVV, c.Label, c.Limit, c.Owner, c.Status, c.ChargedAmount,
		c.CreatedAt, nullTime(c.DestroyedAt), sql.NullString{String: c.IssueKey, Valid: c.IssueKey != ""})
	if err != nil {
		return fmt.Errorf("insert card: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) FindCardByIssueKey(ctx context.Context, owner, key string) (domain.GhostCard, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM ghost_cards
		WHERE owner = $1 AND issue_key = $2`, owner, key)
	card, err := scanCard(row)
	if err != nil {
		return domain.GhostCard{}, mapError(err)
	}
	return card, nil
}

func (t *pgTx) LockCard(ctx context.Context, id string) (domain.GhostCard, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM ghost_cards WHERE id = $1 FOR UPDATE`, id)
	card, err := scanCard(row)
	if err != nil {
		return domain.GhostCard{}, mapError(err)
	}
	return card, nil
}

func (t *pgTx) SaveCard(ctx context.Context, c domain.GhostCard) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE ghost_cards
		SET status = $2, charged_amount = $3, destroyed_at = $4 WHERE id = $1`,
		c.ID, c.Status, c.ChargedAmount, nullTime(c.DestroyedAt))
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	return expectRow(res)
}

func (t *pgTx) AddBlacklist(ctx context.Context, entry domain.BlacklistEntry) (domain.BlacklistEntry, bool, error) {
	entry.Identifier = domain.NormalizeIdentifier(entry.Identifier)
	var stored domain.BlacklistEntry
	err := t.tx.QueryRowContext(ctx, `INSERT INTO blacklist (identifier, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO NOTHING
		RETURNING identifier, reason, created_at`,
		entry.Identifier, entry.Reason, entry.CreatedAt,
	).Scan(&stored.Identifier, &stored.Reason, &stored.CreatedAt)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.BlacklistEntry{}, false, fmt.Errorf("insert blacklist entry: %w", err)
	}

	err = t.tx.QueryRowContext(ctx, `SELECT identifier, reason, created_at FROM blacklist WHERE identifier = $1`,
		entry.Identifier,
	).Scan(&stored.Identifier, &stored.Reason, &stored.CreatedAt)
	if err != nil {
		return domain.BlacklistEntry{}, false, fmt.Errorf("load blacklist entry: %w", mapError(err))
	}
	return stored, false, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
