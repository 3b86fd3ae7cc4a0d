package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
)

// MemoryStore keeps all state in process. Transactions are serialised by a
// single writer slot and their writes are staged until commit.
type MemoryStore struct {
	writer chan struct{}

	mu           sync.RWMutex
	accounts     map[string]domain.Account
	transactions []domain.Transaction
	txByKey      map[string]int
	escrows      map[string]domain.Escrow
	escrowOrder  []string
	cards        map[string]domain.GhostCard
	cardOrder    []string
	cardsByIssue map[string]string
	blacklist    map[string]domain.BlacklistEntry
	closed       bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		writer:    make(chan struct{}, 1),
		accounts:  make(map[string]domain.Account),
		txByKey:   make(map[string]int),
		escrows:   make(map[string]domain.Escrow),
		cards:        make(map[string]domain.GhostCard),
		cardsByIssue: make(map[string]string),
		blacklist:    make(map[string]domain.BlacklistEntry),
	}
}

var errClosed = errors.New("store: closed")

var _ Store = (*MemoryStore)(nil)

// WithinTx implements Store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writer }()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errClosed
	}

	tx := &memoryTx{
		store:     s,
		accounts:  make(map[string]domain.Account),
		escrows:   make(map[string]domain.Escrow),
		cards:     make(map[string]domain.GhostCard),
		blacklist: make(map[string]domain.BlacklistEntry),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for handle, account := range tx.accounts {
		s.accounts[handle] = account
	}
	for _, txn := range tx.transactions {
		s.txByKey[txn.IdempotencyKey] = len(s.transactions)
		s.transactions = append(s.transactions, txn)
	}
	for _, id := range tx.newEscrows {
		s.escrowOrder = append(s.escrowOrder, id)
	}
	for id, escrow := range tx.escrows {
		s.escrows[id] = escrow
	}
	for _, id := range tx.newCards {
		s.cardOrder = append(s.cardOrder, id)
	}
	for id, card := range tx.cards {
		s.cards[id] = card
		if card.IssueKey != "" {
			s.cardsByIssue[issueIndex(card.Owner, card.IssueKey)] = id
		}
	}
	for id, entry := range tx.blacklist {
		s.blacklist[id] = entry
	}
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, handle string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[handle]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return account, nil
}

func (s *MemoryStore) FindTransaction(_ context.Context, key string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.txByKey[key]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	return cloneTransaction(s.transactions[idx]), nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, handle string, offset, limit int) (domain.TransactionPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := domain.TransactionPage{Items: []domain.Transaction{}}
	for i := len(s.transactions) - 1; i >= 0; i-- {
		txn := s.transactions[i]
		if txn.Sender != handle && txn.Recipient != handle {
			continue
		}
		if page.Total >= int64(offset) && (limit <= 0 || len(page.Items) < limit) {
			page.Items = append(page.Items, cloneTransaction(txn))
		}
		page.Total++
	}
	return page, nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, id string) (domain.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	escrow, ok := s.escrows[id]
	if !ok {
		return domain.Escrow{}, ErrNotFound
	}
	return escrow, nil
}

func (s *MemoryStore) ListEscrowsBySender(_ context.Context, handle string) ([]domain.Escrow, error) {
	return s.filterEscrows(func(e domain.Escrow) bool { return e.Sender == handle }), nil
}

func (s *MemoryStore) ListEscrowsByReceiver(_ context.Context, handle string) ([]domain.Escrow, error) {
	return s.filterEscrows(func(e domain.Escrow) bool { return e.Receiver == handle }), nil
}

func (s *MemoryStore) filterEscrows(keep func(domain.Escrow) bool) []domain.Escrow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Escrow{}
	for i := len(s.escrowOrder) - 1; i >= 0; i-- {
		escrow := s.escrows[s.escrowOrder[i]]
		if keep(escrow) {
			out = append(out, escrow)
		}
	}
	return out
}

func (s *MemoryStore) GetCard(_ context.Context, id string) (domain.GhostCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[id]
	if !ok {
		return domain.GhostCard{}, ErrNotFound
	}
	return card, nil
}

func (s *MemoryStore) ListCardsByOwner(_ context.Context, owner string) ([]domain.GhostCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.GhostCard{}
	for i := len(s.cardOrder) - 1; i >= 0; i-- {
		card := s.cards[s.cardOrder[i]]
		if card.Owner == owner {
			out = append(out, card)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindBlacklisted(_ context.Context, identifiers ...string) ([]domain.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.BlacklistEntry
	seen := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		id = domain.NormalizeIdentifier(id)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if entry, ok := s.blacklist[id]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListBlacklist(context.Context) ([]domain.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BlacklistEntry, 0, len(s.blacklist))
	for _, entry := range s.blacklist {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Identifier < out[j].Identifier
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RecentTransfers(_ context.Context, sender string, since time.Time) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approved, denied := 0, 0
	for i := len(s.transactions) - 1; i >= 0; i-- {
		txn := s.transactions[i]
		if txn.Type != domain.TxTransfer || txn.Sender != sender || txn.CreatedAt.Before(since) {
			continue
		}
		if txn.State == domain.OutcomeApproved {
			approved++
		} else {
			denied++
		}
	}
	return approved, denied, nil
}

func (s *MemoryStore) DeniedTransfersSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	denied := 0
	for i := len(s.transactions) - 1; i >= 0; i-- {
		txn := s.transactions[i]
		if txn.Type == domain.TxTransfer && txn.State == domain.OutcomeDenied && !txn.CreatedAt.Before(since) {
			denied++
		}
	}
	return denied, nil
}

func (s *MemoryStore) HasTransferredTo(_ context.Context, sender, recipient string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, txn := range s.transactions {
		if txn.Type == domain.TxTransfer && txn.State == domain.OutcomeApproved &&
			txn.Sender == sender && txn.Recipient == recipient {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Stats(context.Context) (domain.GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.GlobalStats{
		Users:            int64(len(s.accounts)),
		ApprovedVolume:   decimal.Zero,
		BlacklistEntries: int64(len(s.blacklist)),
	}
	var auraSum float64
	for _, account := range s.accounts {
		auraSum += account.Aura
	}
	if stats.Users > 0 {
		stats.AverageAura = auraSum / float64(stats.Users)
	}
	for _, txn := range s.transactions {
		if txn.Type != domain.TxTransfer {
			continue
		}
		if txn.State == domain.OutcomeApproved {
			stats.ApprovedVolume = stats.ApprovedVolume.Add(txn.Amount)
		} else {
			stats.BlockedAttempts++
		}
	}
	for _, card := range s.cards {
		if card.Status == domain.CardActive {
			stats.ActiveCards++
		} else {
			stats.DestroyedCards++
		}
	}
	for _, escrow := range s.escrows {
		if escrow.Status == domain.EscrowLocked {
			stats.LockedEscrows++
		}
	}
	return stats, nil
}

type memoryTx struct {
	store *MemoryStore

	accounts     map[string]domain.Account
	transactions []domain.Transaction
	escrows      map[string]domain.Escrow
	newEscrows   []string
	cards        map[string]domain.GhostCard
	newCards     []string
	blacklist    map[string]domain.BlacklistEntry
}

// AcquireKey is a no-op: the writer slot already serialises every transaction.
func (t *memoryTx) AcquireKey(context.Context, string) error {
	return nil
}

func (t *memoryTx) account(handle string) (domain.Account, bool) {
	if account, ok := t.accounts[handle]; ok {
		return account, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	account, ok := t.store.accounts[handle]
	return account, ok
}

func (t *memoryTx) LockAccounts(_ context.Context, handles ...string) (map[string]*domain.Account, error) {
	out := make(map[string]*domain.Account, len(handles))
	for _, handle := range handles {
		if _, dup := out[handle]; dup {
			continue
		}
		if account, ok := t.account(handle); ok {
			copied := account
			out[handle] = &copied
		}
	}
	return out, nil
}

func (t *memoryTx) CreateAccount(_ context.Context, account domain.Account) error {
	if _, exists := t.account(account.Handle); exists {
		return ErrConflict
	}
	t.accounts[account.Handle] = account
	return nil
}

func (t *memoryTx) SaveAccount(_ context.Context, account domain.Account) error {
	if _, exists := t.account(account.Handle); !exists {
		return ErrNotFound
	}
	t.accounts[account.Handle] = account
	return nil
}

func (t *memoryTx) FindTransaction(ctx context.Context, key string) (domain.Transaction, error) {
	for _, txn := range t.transactions {
		if txn.IdempotencyKey == key {
			return cloneTransaction(txn), nil
		}
	}
	return t.store.FindTransaction(ctx, key)
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	if _, err := t.FindTransaction(ctx, txn.IdempotencyKey); err == nil {
		return ErrConflict
	}
	t.transactions = append(t.transactions, cloneTransaction(txn))
	return nil
}

func (t *memoryTx) escrow(id string) (domain.Escrow, bool) {
	if escrow, ok := t.escrows[id]; ok {
		return escrow, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	escrow, ok := t.store.escrows[id]
	return escrow, ok
}

func (t *memoryTx) CreateEscrow(_ context.Context, escrow domain.Escrow) error {
	if _, exists := t.escrow(escrow.ID); exists {
		return ErrConflict
	}
	t.escrows[escrow.ID] = escrow
	t.newEscrows = append(t.newEscrows, escrow.ID)
	return nil
}

func (t *memoryTx) LockEscrow(_ context.Context, id string) (domain.Escrow, error) {
	escrow, ok := t.escrow(id)
	if !ok {
		return domain.Escrow{}, ErrNotFound
	}
	return escrow, nil
}

func (t *memoryTx) SaveEscrow(_ context.Context, escrow domain.Escrow) error {
	if _, exists := t.escrow(escrow.ID); !exists {
		return ErrNotFound
	}
	t.escrows[escrow.ID] = escrow
	return nil
}

func (t *memoryTx) card(id string) (domain.GhostCard, bool) {
	if card, ok := t.cards[id]; ok {
		return card, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	card, ok := t.store.cards[id]
	return card, ok
}

func (t *memoryTx) CreateCard(ctx context.Context, card domain.GhostCard) error {
	if _, exists := t.card(card.ID); exists {
		return ErrConflict
	}
	if card.IssueKey != "" {
		if _, err := t.FindCardByIssueKey(ctx, card.Owner, card.IssueKey); err == nil {
			return ErrConflict
		}
	}
	t.cards[card.ID] = card
	t.newCards = append(t.newCards, card.ID)
	return nil
}

func (t *memoryTx) FindCardByIssueKey(_ context.Context, owner, key string) (domain.GhostCard, error) {
	for _, card := range t.cards {
		if card.Owner == owner && card.IssueKey == key {
			return card, nil
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.cardsByIssue[issueIndex(owner, key)]
	t.store.mu.RUnlock()
	if !ok {
		return domain.GhostCard{}, ErrNotFound
	}
	if card, ok := t.card(id); ok {
		return card, nil
	}
	return domain.GhostCard{}, ErrNotFound
}

func issueIndex(owner, key string) string {
	return owner + "\x00" + key
}

func (t *memoryTx) LockCard(_ context.Context, id string) (domain.GhostCard, error) {
	card, ok := t.card(id)
	if !ok {
		return domain.GhostCard{}, ErrNotFound
	}
	return card, nil
}

func (t *memoryTx) SaveCard(_ context.Context, card domain.GhostCard) error {
	if _, exists := t.card(card.ID); !exists {
		return ErrNotFound
	}
	t.cards[card.ID] = card
	return nil
}

func (t *memoryTx) AddBlacklist(_ context.Context, entry domain.BlacklistEntry) (domain.BlacklistEntry, bool, error) {
	entry.Identifier = domain.NormalizeIdentifier(entry.Identifier)
	if existing, ok := t.blacklist[entry.Identifier]; ok {
		return existing, false, nil
	}
	t.store.mu.RLock()
	existing, ok := t.store.blacklist[entry.Identifier]
	t.store.mu.RUnlock()
	if ok {
		return existing, false, nil
	}
	t.blacklist[entry.Identifier] = entry
	return entry, true, nil
}

func cloneTransaction(txn domain.Transaction) domain.Transaction {
	if txn.RiskFactors != nil {
		factors := make([]string, len(txn.RiskFactors))
		copy(factors, txn.RiskFactors)
		txn.RiskFactors = factors
	}
	return txn
}
