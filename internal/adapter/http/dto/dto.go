package dto

import "time"

// ============================================================
// Escrow DTOs
// ============================================================

// MilestoneRequest is one milestone of a new agreement.
type MilestoneRequest struct {
	Title       string `json:"title" binding:"required,max=200"`
	AmountMinor int64  `json:"amount_minor" binding:"required,gt=0"`
}

// CreateEscrowRequest is the request body for POST /api/v1/escrows.
type CreateEscrowRequest struct {
	Currency                string             `json:"currency" binding:"required,currency"`
	AmountMinor             int64              `json:"amount_minor" binding:"required,gt=0"`
	InitiatorID             string             `json:"initiator_id" binding:"required,safe_id,max=128"`
	CounterpartyID          string             `json:"counterparty_id" binding:"required,safe_id,max=128"`
	CounterpartySubwalletID string             `json:"counterparty_subwallet_id" binding:"required,uuid"`
	Deadline                *time.Time         `json:"deadline"`
	Milestones              []MilestoneRequest `json:"milestones" binding:"required,min=1,max=50,dive"`
}

// FundRequest is the request body for POST /api/v1/escrows/:id/fund.
type FundRequest struct {
	AmountMinor int64  `json:"amount_minor" binding:"required,gt=0"`
	Reference   string `json:"reference" binding:"required,safe_id,max=128"`
}

// RefundRequest is the request body for POST /api/v1/escrows/:id/refund.
type RefundRequest struct {
	AmountMinor int64  `json:"amount_minor" binding:"required,gt=0"`
	Reference   string `json:"reference" binding:"omitempty,safe_id,max=128"`
	Reason      string `json:"reason" binding:"max=500"`
}

// CancelRequest is the request body for POST /api/v1/escrows/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// MilestoneResponse is the public representation of a milestone.
type MilestoneResponse struct {
	ID            string  `json:"id"`
	Index         int     `json:"index"`
	Title         string  `json:"title"`
	AmountMinor   int64   `json:"amount_minor"`
	ReleasedMinor int64   `json:"released_minor"`
	Status        string  `json:"status"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// EscrowResponse is the public representation of an escrow agreement.
type EscrowResponse struct {
	ID                      string              `json:"id"`
	Currency                string              `json:"currency"`
	Status                  string              `json:"status"`
	AmountMinor             int64               `json:"amount_minor"`
	FundedMinor             int64               `json:"funded_minor"`
	ReleasedMinor           int64               `json:"released_minor"`
	RefundedMinor           int64               `json:"refunded_minor"`
	HeldMinor               int64               `json:"held_minor"`
	InitiatorID             string              `json:"initiator_id"`
	CounterpartyID          string              `json:"counterparty_id"`
	CounterpartySubwalletID string              `json:"counterparty_subwallet_id"`
	HoldingAccountID        string              `json:"holding_account_id"`
	Deadline                *string             `json:"deadline,omitempty"`
	Milestones              []MilestoneResponse `json:"milestones"`
	Version                 int64               `json:"version"`
	CreatedAt               string              `json:"created_at"`
	UpdatedAt               string              `json:"updated_at"`
}

// ============================================================
// Subwallet DTOs
// ============================================================

// CreateSubwalletRequest is the request body for POST /api/v1/subwallets.
type CreateSubwalletRequest struct {
	OwnerType string `json:"owner_type" binding:"required,oneof=USER BUSINESS TRANSACTION"`
	OwnerID   string `json:"owner_id" binding:"required,safe_id,max=128"`
	Currency  string `json:"currency" binding:"required,currency"`
}

// SetSubwalletStatusRequest is the request body for PUT /api/v1/subwallets/:id/status.
type SetSubwalletStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=ACTIVE FROZEN CLOSED"`
	Reason string `json:"reason" binding:"max=500"`
}

// ComplianceApprovalRequest is the request body for PUT /api/v1/subwallets/:id/approval.
type ComplianceApprovalRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

// ComplianceUpdateRequest is the request body for PUT /api/v1/subwallets/:id/compliance.
// Absent fields are left unchanged.
type ComplianceUpdateRequest struct {
	AMLFlagged    *bool   `json:"aml_flagged"`
	KYCStatus     *string `json:"kyc_status" binding:"omitempty,oneof=PENDING VERIFIED REJECTED"`
	BaselineScore *int    `json:"baseline_score" binding:"omitempty,min=0,max=100"`
}

// SettlementRequest is the request body for POST /api/v1/subwallets/:id/settlements.
type SettlementRequest struct {
	AmountMinor int64  `json:"amount_minor" binding:"required,gt=0"`
	Reference   string `json:"reference" binding:"required,safe_id,max=128"`
}

// SubwalletResponse is the public representation of a subwallet.
type SubwalletResponse struct {
	ID                 string  `json:"id"`
	OwnerType          string  `json:"owner_type"`
	OwnerID            string  `json:"owner_id"`
	Currency           string  `json:"currency"`
	AccountID          string  `json:"account_id"`
	BalanceMinor       int64   `json:"balance_minor"`
	Status             string  `json:"status"`
	RiskLevel          string  `json:"risk_level"`
	RiskScore          int     `json:"risk_score"`
	BaselineScore      int     `json:"baseline_score"`
	AMLFlagged         bool    `json:"aml_flagged"`
	KYCStatus          string  `json:"kyc_status"`
	ComplianceApproved bool    `json:"compliance_approved"`
	ApprovedBy         string  `json:"approved_by,omitempty"`
	ApprovedAt         *string `json:"approved_at,omitempty"`
	UpdatedAt          string  `json:"updated_at"`
}

// ReassessResponse carries the refreshed subwallet and the assessment behind it.
type ReassessResponse struct {
	Subwallet SubwalletResponse `json:"subwallet"`
	Score     int               `json:"score"`
	Level     string            `json:"level"`
	Factors   []string          `json:"factors"`
}

// ============================================================
// Dispute DTOs
// ============================================================

// RaiseDisputeRequest is the request body for POST /api/v1/escrows/:id/disputes.
type RaiseDisputeRequest struct {
	MilestoneID *string `json:"milestone_id" binding:"omitempty,uuid"`
	Reason      string  `json:"reason" binding:"required,max=1000"`
	Priority    string  `json:"priority" binding:"omitempty,oneof=LOW MEDIUM HIGH"`
}

// AddEvidenceRequest is the request body for POST /api/v1/disputes/:id/evidence.
type AddEvidenceRequest struct {
	ObjectKey   string `json:"object_key" binding:"required,object_key,max=512"`
	ContentType string `json:"content_type" binding:"required,max=128"`
	SizeBytes   int64  `json:"size_bytes" binding:"required,gt=0"`
}

// ResolveDisputeRequest is the request body for POST /api/v1/disputes/:id/resolve.
type ResolveDisputeRequest struct {
	Outcome     string `json:"outcome" binding:"required,oneof=BUYER_FAVOR SELLER_FAVOR PARTIAL_REFUND MEDIATED"`
	AmountMinor int64  `json:"amount_minor" binding:"gte=0"`
	Notes       string `json:"notes" binding:"max=2000"`
}

// EvidenceResponse is the public representation of an evidence item.
type EvidenceResponse struct {
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	AddedBy     string `json:"added_by"`
	CreatedAt   string `json:"created_at"`
}

// DisputeResponse is the public representation of a dispute case.
type DisputeResponse struct {
	ID            string             `json:"id"`
	EscrowID      string             `json:"escrow_id"`
	MilestoneID   *string            `json:"milestone_id,omitempty"`
	RaisedBy      string             `json:"raised_by"`
	Reason        string             `json:"reason"`
	Priority      string             `json:"priority"`
	Status        string             `json:"status"`
	Outcome       *string            `json:"outcome,omitempty"`
	OutcomeAmount int64              `json:"outcome_amount_minor,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	Evidence      []EvidenceResponse `json:"evidence"`
	CreatedAt     string             `json:"created_at"`
	ResolvedAt    *string            `json:"resolved_at,omitempty"`
}

// ============================================================
// Operator & rail DTOs
// ============================================================

// SweepRequest is the optional body for POST /api/v1/scheduler/sweep.
type SweepRequest struct {
	Limit int `json:"limit" binding:"omitempty,min=1,max=1000"`
}

// RailNotification is the body of a signed payment rail callback.
type RailNotification struct {
	EscrowID    string `json:"escrow_id" binding:"required,uuid"`
	AmountMinor int64  `json:"amount_minor" binding:"required,gt=0"`
	Reference   string `json:"reference" binding:"required,safe_id,max=128"`
}
