package service

import (
	"testing"

	"escrow-engine/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateRisk(t *testing.T) {
	h := RiskHeuristics{HighValueThresholdMinor: 100000, VelocityLimit: 10}

	tests := []struct {
		name      string
		subwallet *domain.Subwallet
		amount    int64
		heur      RiskHeuristics
		score     int
		level     domain.RiskLevel
	}{
		{
			name:      "verified clean wallet small amount",
			subwallet: &domain.Subwallet{KYCStatus: domain.KYCVerified},
			amount:    5000,
			heur:      h,
			score:     0,
			level:     domain.RiskLow,
		},
		{
			name:      "pending kyc above threshold",
			subwallet: &domain.Subwallet{KYCStatus: domain.KYCPending},
			amount:    150000,
			heur:      h,
			score:     40,
			level:     domain.RiskLow,
		},
		{
			name:      "aml flagged and unverified",
			subwallet: &domain.Subwallet{KYCStatus: domain.KYCPending, AMLFlagged: true},
			amount:    150000,
			heur:      h,
			score:     80,
			level:     domain.RiskHigh,
		},
		{
			name:      "baseline score with velocity",
			subwallet: &domain.Subwallet{KYCStatus: domain.KYCVerified, BaselineScore: 45},
			amount:    1000,
			heur:      RiskHeuristics{HighValueThresholdMinor: 100000, VelocityLimit: 10, VelocityCount: 12},
			score:     60,
			level:     domain.RiskMedium,
		},
		{
			name:      "clamped at 100",
			subwallet: &domain.Subwallet{KYCStatus: domain.KYCRejected, AMLFlagged: true, BaselineScore: 70},
			amount:    600000,
			heur:      RiskHeuristics{HighValueThresholdMinor: 100000, CounterpartyFlagged: true},
			score:     100,
			level:     domain.RiskHigh,
		},
		{
			name:   "pending transaction without subwallet",
			amount: 600000,
			heur:   RiskHeuristics{HighValueThresholdMinor: 100000, CounterpartyFlagged: true},
			score:  45,
			level:  domain.RiskLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateRisk(RiskSubject{Subwallet: tt.subwallet, AmountMinor: tt.amount}, tt.heur)
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, tt.level, got.Level)
			if tt.score > 0 {
				assert.NotEmpty(t, got.Factors)
			}
		})
	}
}

func TestEvaluateRisk_DoesNotMutateSubject(t *testing.T) {
	sw := &domain.Subwallet{KYCStatus: domain.KYCPending, AMLFlagged: true, BaselineScore: 10, RiskLevel: domain.RiskLow}
	_ = EvaluateRisk(RiskSubject{Subwallet: sw, AmountMinor: 1}, RiskHeuristics{})

	assert.Equal(t, 10, sw.BaselineScore)
	assert.Zero(t, sw.RiskScore)
	assert.Equal(t, domain.RiskLow, sw.RiskLevel)
}
