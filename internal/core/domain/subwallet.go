package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subwallet owner kinds.
const (
	SubwalletOwnerUser        OwnerType = "USER"
	SubwalletOwnerBusiness    OwnerType = "BUSINESS"
	SubwalletOwnerTransaction OwnerType = "TRANSACTION"
)

// SubwalletStatus is the lifecycle state of a subwallet.
type SubwalletStatus string

const (
	SubwalletActive SubwalletStatus = "ACTIVE"
	SubwalletFrozen SubwalletStatus = "FROZEN"
	SubwalletClosed SubwalletStatus = "CLOSED"
)

var subwalletTransitions = map[SubwalletStatus][]SubwalletStatus{
	SubwalletActive: {SubwalletFrozen, SubwalletClosed},
	SubwalletFrozen: {SubwalletActive, SubwalletClosed},
}

// CanTransition reports whether the subwallet status machine allows from -> to.
func (s SubwalletStatus) CanTransition(to SubwalletStatus) bool {
	for _, allowed := range subwalletTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// KYCStatus is the identity verification state of the subwallet owner.
type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCVerified KYCStatus = "VERIFIED"
	KYCRejected KYCStatus = "REJECTED"
)

// RiskLevel buckets a 0-100 risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskLevelForScore maps a score to its level: >75 HIGH, >50 MEDIUM, else LOW.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score > 75:
		return RiskHigh
	case score > 50:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Subwallet is a per-owner wallet backed by a credit-normal SUBWALLET ledger account.
// Its balance is always read from the ledger.
type Subwallet struct {
	ID                 uuid.UUID       `json:"id"`
	Owner              OwnerRef        `json:"owner"`
	Currency           string          `json:"currency"`
	AccountID          uuid.UUID       `json:"account_id"`
	Balance            int64           `json:"balance_minor"`
	Status             SubwalletStatus `json:"status"`
	RiskLevel          RiskLevel       `json:"risk_level"`
	RiskScore          int             `json:"risk_score"`
	BaselineScore      int             `json:"baseline_score"`
	AMLFlagged         bool            `json:"aml_flagged"`
	KYCStatus          KYCStatus       `json:"kyc_status"`
	ComplianceApproved bool            `json:"compliance_approved"`
	ApprovedBy         string          `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
