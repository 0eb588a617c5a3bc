package service

import (
	"fmt"

	"escrow-engine/internal/core/domain"
)

// RiskHeuristics are the caller-supplied signals the risk engine weighs.
type RiskHeuristics struct {
	HighValueThresholdMinor int64
	VelocityCount           int64 // movements in the velocity window
	VelocityLimit           int64
	CounterpartyFlagged     bool
}

// RiskSubject is a subwallet, optionally with the pending amount about to move.
type RiskSubject struct {
	Subwallet   *domain.Subwallet
	AmountMinor int64
}

// Factor weights.
const (
	riskWeightAML           = 40
	riskWeightKYCPending    = 20
	riskWeightKYCRejected   = 30
	riskWeightCounterparty  = 15
	riskWeightHighValue     = 20
	riskWeightVeryHighValue = 30
	riskWeightVelocity      = 15
	veryHighValueMultiplier = 5
)

// EvaluateRisk scores subject from its baseline score plus the heuristics. It
// never mutates the subject; callers act on the returned assessment.
func EvaluateRisk(subject RiskSubject, h RiskHeuristics) domain.RiskAssessment {
	score := 0
	factors := []string{}
	add := func(points int, factor string) {
		score += points
		factors = append(factors, factor)
	}

	if sw := subject.Subwallet; sw != nil {
		if sw.BaselineScore > 0 {
			score = sw.BaselineScore
			factors = append(factors, fmt.Sprintf("baseline score %d", sw.BaselineScore))
		}
		if sw.AMLFlagged {
			add(riskWeightAML, "AML flag raised")
		}
		switch sw.KYCStatus {
		case domain.KYCVerified:
		case domain.KYCRejected:
			add(riskWeightKYCRejected, "KYC rejected")
		default:
			add(riskWeightKYCPending, "KYC not verified")
		}
	}

	if h.CounterpartyFlagged {
		add(riskWeightCounterparty, "counterparty flagged")
	}

	if h.HighValueThresholdMinor > 0 && subject.AmountMinor > h.HighValueThresholdMinor {
		if subject.AmountMinor > h.HighValueThresholdMinor*veryHighValueMultiplier {
			add(riskWeightVeryHighValue, "amount far above high-value threshold")
		} else {
			add(riskWeightHighValue, "amount above high-value threshold")
		}
	}

	if h.VelocityLimit > 0 && h.VelocityCount >= h.VelocityLimit {
		add(riskWeightVelocity, fmt.Sprintf("velocity %d movements in window", h.VelocityCount))
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return domain.RiskAssessment{
		Score:   score,
		Level:   domain.RiskLevelForScore(score),
		Factors: factors,
	}
}
