package domain

// Outcome is the decision recorded for a transfer or posting.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeDenied   Outcome = "DENIED"
)

// Risk factor tags, in the order the engine evaluates them.
const (
	FactorBlacklisted   = "BLACKLISTED"
	FactorLowReputation = "LOW_REPUTATION"
	FactorVelocitySpike = "VELOCITY_SPIKE"
	FactorRecentDenials = "RECENT_DENIALS"
	FactorAmountAnomaly = "AMOUNT_ANOMALY"
	FactorHighValue     = "HIGH_VALUE"
	FactorNewRecipient  = "NEW_RECIPIENT"
)

// MaxRiskScore caps every computed score.
const MaxRiskScore = 100

// Assessment is the engine's verdict on a single transfer.
type Assessment struct {
	Score     int
	Factors   []string
	Threshold float64
	Outcome   Outcome
}

// Approved reports whether the transfer was allowed.
func (a Assessment) Approved() bool {
	return a.Outcome == OutcomeApproved
}
