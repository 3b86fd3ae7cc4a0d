package risk

import (
	"github.com/vanshika/guardpay/backend/internal/domain"
)

// Signals is everything the scorer looks at for one transfer.
type Signals struct {
	Aura             float64
	Amount           float64
	PriorApprovals   int
	AverageAmount    float64
	AmountStdDev     float64
	ApprovedInWindow int
	DeniedInWindow   int
	KnownRecipient   bool
	Blacklisted      bool
	HighValue        bool
	// RecentDenials counts transfers denied across all senders within
	// Config.AlertWindow.
	RecentDenials int
}

// Assess scores the signals and decides the outcome. It has no side effects.
func (c Config) Assess(s Signals) domain.Assessment {
	threshold := c.AdaptiveThreshold(s.Aura, s.RecentDenials)
	if s.Blacklisted {
		return domain.Assessment{
			Score:     domain.MaxRiskScore,
			Factors:   []string{domain.FactorBlacklisted},
			Threshold: threshold,
			Outcome:   domain.OutcomeDenied,
		}
	}

	score := 0
	factors := []string{}
	add := func(factor string, weight int) {
		score += weight
		factors = append(factors, factor)
	}

	if s.Aura < c.LowReputationAura {
		add(domain.FactorLowReputation, c.WeightLowReputation)
	}
	if s.ApprovedInWindow >= c.VelocityLimitFor(s.Aura) {
		add(domain.FactorVelocitySpike, c.WeightVelocity)
	}
	if s.DeniedInWindow > 0 {
		penalty := s.DeniedInWindow * c.WeightRecentDenial
		if c.MaxDenialPenalty > 0 && penalty > c.MaxDenialPenalty {
			penalty = c.MaxDenialPenalty
		}
		add(domain.FactorRecentDenials, penalty)
	}
	if c.anomalous(s) {
		add(domain.FactorAmountAnomaly, c.WeightAnomaly)
	}
	if s.HighValue {
		add(domain.FactorHighValue, c.WeightHighValue)
	}
	if !s.KnownRecipient {
		add(domain.FactorNewRecipient, c.WeightNewRecipient)
	}

	if score > domain.MaxRiskScore {
		score = domain.MaxRiskScore
	}
	if score < 0 {
		score = 0
	}

	outcome := domain.OutcomeDenied
	if float64(score) < threshold {
		outcome = domain.OutcomeApproved
	}
	return domain.Assessment{
		Score:     score,
		Factors:   factors,
		Threshold: threshold,
		Outcome:   outcome,
	}
}

// anomalous applies the three-sigma rule once enough history exists and the
// early-average multiplier before that. A flat history falls back to the multiplier.
func (c Config) anomalous(s Signals) bool {
	if s.PriorApprovals == 0 || s.AverageAmount <= 0 {
		return false
	}
	if s.PriorApprovals >= c.AnomalyMinHistory && s.AmountStdDev > 0 {
		return s.Amount > s.AverageAmount+c.AnomalySigma*s.AmountStdDev
	}
	return s.Amount > s.AverageAmount*c.AnomalyMultiplier
}
