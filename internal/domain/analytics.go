package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GlobalStats aggregates system-wide fraud and trust metrics.
type GlobalStats struct {
	Users            int64
	BlockedAttempts  int64
	ApprovedVolume   decimal.Decimal
	AverageAura      float64
	BlacklistEntries int64
	ActiveCards      int64
	DestroyedCards   int64
	LockedEscrows    int64
}

// CounterpartyLink is an aggregated SENT_TO edge between two identifiers.
type CounterpartyLink struct {
	Handle      string
	Direction   Direction
	Transfers   int64
	TotalAmount float64
	LastSeen    *time.Time
}

// Counterparties lists everyone an account has paid or been paid by.
type Counterparties struct {
	Handle string
	Links  []CounterpartyLink
}
