package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger posting.
type TransactionType string

const (
	TxTransfer      TransactionType = "TRANSFER"
	TxEscrowLock    TransactionType = "ESCROW_LOCK"
	TxEscrowRelease TransactionType = "ESCROW_RELEASE"
	TxEscrowRefund  TransactionType = "ESCROW_REFUND"
	TxCardPayment   TransactionType = "CARD_PAYMENT"
)

// Settlement tells whether the counterparty is an account held by this ledger.
type Settlement string

const (
	SettlementInternal Settlement = "INTERNAL"
	SettlementExternal Settlement = "EXTERNAL"
)

// Direction is a transaction seen from one participant.
type Direction string

const (
	DirectionSent     Direction = "SENT"
	DirectionReceived Direction = "RECEIVED"
)

// Transaction is the immutable audit record of a settled or denied posting.
type Transaction struct {
	ID             string
	IdempotencyKey string
	Sender         string
	Recipient      string
	Amount         decimal.Decimal
	Type           TransactionType
	State          Outcome
	Settlement     Settlement
	RiskScore      int
	RiskFactors    []string
	Threshold      float64
	CreatedAt      time.Time
}

// Assessment rebuilds the risk assessment recorded with the transaction.
func (t Transaction) Assessment() Assessment {
	factors := make([]string, len(t.RiskFactors))
	copy(factors, t.RiskFactors)
	return Assessment{
		Score:     t.RiskScore,
		Factors:   factors,
		Threshold: t.Threshold,
		Outcome:   t.State,
	}
}

// DirectionFor reports how the viewer participated in the transaction.
func (t Transaction) DirectionFor(viewer string) Direction {
	if t.Recipient == viewer && t.Sender != viewer {
		return DirectionReceived
	}
	return DirectionSent
}

// TransferRequest is a proposed transfer as submitted by a client.
type TransferRequest struct {
	IdempotencyKey string
	Sender         string
	Recipient      string
	Amount         decimal.Decimal
	RequestedAt    time.Time
}

// TransactionPage is one page of a participant's history.
type TransactionPage struct {
	Items []Transaction
	Total int64
}
