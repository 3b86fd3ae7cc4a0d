package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds signal weights and decision parameters.
type Config struct {
	WeightLowReputation int
	WeightVelocity      int
	WeightRecentDenial  int
	MaxDenialPenalty    int
	WeightAnomaly       int
	WeightHighValue     int
	WeightNewRecipient  int

	LowReputationAura float64
	HighValueAmount   decimal.Decimal

	Window             time.Duration
	VelocityLimit      int
	TrustedVelocity    int
	TrustedAura        float64
	RestrictedVelocity int
	RestrictedAura     float64

	// AnomalyMinHistory approvals switch the anomaly rule from the early
	// average multiplier to the three-sigma rule.
	AnomalyMinHistory int
	AnomalySigma      float64
	AnomalyMultiplier float64

	ThresholdBase  float64
	ThresholdSlope float64

	// Every transfer denied system-wide within AlertWindow lowers the
	// threshold by AlertStep, never below ThresholdFloor.
	AlertWindow    time.Duration
	AlertStep      float64
	ThresholdFloor float64

	ApprovalReward float64
	DenialPenalty  float64
	StreakLength   int
	StreakBonus    float64

	CoolingOffPeriod time.Duration
	NewAccountLimit  decimal.Decimal
}

// DefaultConfig returns the production weights.
func DefaultConfig() Config {
	return Config{
		WeightLowReputation: 20,
		WeightVelocity:      45,
		WeightRecentDenial:  10,
		MaxDenialPenalty:    30,
		WeightAnomaly:       25,
		WeightHighValue:     15,
		WeightNewRecipient:  10,

		LowReputationAura: 50,
		HighValueAmount:   decimal.NewFromInt(5000),

		Window:             60 * time.Second,
		VelocityLimit:      3,
		TrustedVelocity:    5,
		TrustedAura:        90,
		RestrictedVelocity: 1,
		RestrictedAura:     40,

		AnomalyMinHistory: 5,
		AnomalySigma:      3,
		AnomalyMultiplier: 3,

		ThresholdBase:  30,
		ThresholdSlope: 0.4,

		AlertWindow:    time.Hour,
		AlertStep:      2,
		ThresholdFloor: 30,

		ApprovalReward: 0.5,
		DenialPenalty:  5,
		StreakLength:   10,
		StreakBonus:    2,

		CoolingOffPeriod: 24 * time.Hour,
		NewAccountLimit:  decimal.NewFromInt(5000),
	}
}

// Threshold maps Aura to the score a transfer must stay under.
// It is strictly increasing in Aura whenever ThresholdSlope > 0.
func (c Config) Threshold(aura float64) float64 {
	return c.ThresholdBase + c.ThresholdSlope*aura
}

// AdaptiveThreshold lowers Threshold by AlertStep per recent system-wide
// denial. The floor only bounds the reduction, so an Aura whose base
// threshold already sits below the floor keeps it. The result stays
// non-decreasing in Aura for a fixed denial count.
func (c Config) AdaptiveThreshold(aura float64, recentDenials int) float64 {
	base := c.Threshold(aura)
	if recentDenials <= 0 || c.AlertStep <= 0 {
		return base
	}
	lowered := base - c.AlertStep*float64(recentDenials)
	floor := math.Min(c.ThresholdFloor, base)
	return math.Max(lowered, floor)
}

// VelocityLimitFor adapts the approvals allowed per window to the sender's Aura.
func (c Config) VelocityLimitFor(aura float64) int {
	switch {
	case aura > c.TrustedAura:
		return c.TrustedVelocity
	case aura < c.RestrictedAura:
		return c.RestrictedVelocity
	default:
		return c.VelocityLimit
	}
}
