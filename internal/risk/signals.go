package risk

import (
	"context"
	"time"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

// VelocityWindow counts a sender's recent transfer outcomes.
type VelocityWindow interface {
	Count(ctx context.Context, sender string, now time.Time) (approved, denied int, err error)
	Record(ctx context.Context, sender string, outcome domain.Outcome, at time.Time) error
}

// Counterparties answers recipient novelty and records who paid whom.
type Counterparties interface {
	HasSentTo(ctx context.Context, sender, recipient string) (bool, error)
	RecordTransfer(ctx context.Context, txn domain.Transaction) error
}

// StoreVelocity derives the window from persisted transactions.
type StoreVelocity struct {
	reader store.Reader
	window time.Duration
}

// NewStoreVelocity counts transfers in [now-window, now].
func NewStoreVelocity(reader store.Reader, window time.Duration) *StoreVelocity {
	return &StoreVelocity{reader: reader, window: window}
}

func (v *StoreVelocity) Count(ctx context.Context, sender string, now time.Time) (int, int, error) {
	return v.reader.RecentTransfers(ctx, sender, now.Add(-v.window))
}

// Record is a no-op: the transaction itself is the record.
func (v *StoreVelocity) Record(context.Context, string, domain.Outcome, time.Time) error {
	return nil
}

// StoreCounterparties answers novelty from approved transfer history.
type StoreCounterparties struct {
	reader store.Reader
}

func NewStoreCounterparties(reader store.Reader) *StoreCounterparties {
	return &StoreCounterparties{reader: reader}
}

func (c *StoreCounterparties) HasSentTo(ctx context.Context, sender, recipient string) (bool, error) {
	return c.reader.HasTransferredTo(ctx, sender, recipient)
}

func (c *StoreCounterparties) RecordTransfer(context.Context, domain.Transaction) error {
	return nil
}
