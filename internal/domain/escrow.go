package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus is the state of a held payment.
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "LOCKED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

// Terminal reports whether no further transition is allowed.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// Escrow holds funds debited from Sender until released to Receiver or refunded.
type Escrow struct {
	ID         string
	Sender     string
	Receiver   string
	Amount     decimal.Decimal
	Status     EscrowStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

const escrowPartyPrefix = "escrow:"

// LedgerParty is the synthetic counterparty used for postings into and out of the hold.
func (e Escrow) LedgerParty() string {
	return escrowPartyPrefix + e.ID
}

// EscrowIDFromParty recovers the escrow id from a LedgerParty value.
func EscrowIDFromParty(party string) (string, bool) {
	id, ok := strings.CutPrefix(party, escrowPartyPrefix)
	return id, ok && id != ""
}
