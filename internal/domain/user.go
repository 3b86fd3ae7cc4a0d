package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Aura bounds. Every account starts fully trusted.
const (
	MinAura     = 0.0
	MaxAura     = 100.0
	InitialAura = MaxAura
)

// Account is the ledger's view of a user: credentials, funds and trust.
type Account struct {
	Handle       string
	PasswordHash string
	Balance      decimal.Decimal
	Aura         float64
	WarningCount int
	SafeStreak   int

	// Running statistics of approved transfer amounts (Welford).
	TxCount   int
	AvgAmount float64
	AmountM2  float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AmountStdDev returns the population standard deviation of approved amounts.
func (a Account) AmountStdDev() float64 {
	if a.TxCount == 0 {
		return 0
	}
	return math.Sqrt(a.AmountM2 / float64(a.TxCount))
}

// ObserveAmount folds an approved transfer amount into the fingerprint.
func (a *Account) ObserveAmount(amount float64) {
	a.TxCount++
	delta := amount - a.AvgAmount
	a.AvgAmount += delta / float64(a.TxCount)
	a.AmountM2 += delta * (amount - a.AvgAmount)
}

// TrustStatus buckets the Aura score for display.
func (a Account) TrustStatus() string {
	switch {
	case a.Aura > 90:
		return "Elite"
	case a.Aura > 60:
		return "Standard"
	default:
		return "High Risk"
	}
}

// ClampAura keeps an Aura value inside [MinAura, MaxAura].
func ClampAura(v float64) float64 {
	if math.IsNaN(v) || v < MinAura {
		return MinAura
	}
	if v > MaxAura {
		return MaxAura
	}
	return v
}
