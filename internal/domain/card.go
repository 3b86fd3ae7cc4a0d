package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CardStatus is the lifecycle state of a ghost card.
type CardStatus string

const (
	CardActive    CardStatus = "Active"
	CardDestroyed CardStatus = "Destroyed"
)

// ChargeStatus is the merchant-facing result of a charge attempt.
type ChargeStatus string

const (
	ChargeSuccess  ChargeStatus = "SUCCESS"
	ChargeDeclined ChargeStatus = "DECLINED"
)

// Decline reasons returned to merchants.
const (
	DeclineCardDestroyed     = "Card already destroyed"
	DeclineLimitExceeded     = "Amount exceeds card limit"
	DeclineInsufficientFunds = "Insufficient funds"
)

// GhostCard is a single-use virtual card bound to a spending ceiling.
type GhostCard struct {
	ID            string
	Number        string
	CVV           string
	Label         string
	Limit         decimal.Decimal
	Owner         string
	Status        CardStatus
	ChargedAmount decimal.Decimal
	CreatedAt     time.Time
	DestroyedAt   *time.Time
	// IssueKey is the client idempotency key the card was issued under, if any.
	IssueKey string
}

// MaskedNumber hides everything but the last four digits.
func (c GhostCard) MaskedNumber() string {
	if len(c.Number) <= 4 {
		return c.Number
	}
	masked := make([]byte, len(c.Number))
	for i := range masked {
		masked[i] = '*'
	}
	copy(masked[len(masked)-4:], c.Number[len(c.Number)-4:])
	return string(masked)
}

// ChargeResult is the tagged outcome of a charge attempt.
type ChargeResult struct {
	Status ChargeStatus
	Reason string
	Card   GhostCard
}
