package domain

import (
	"time"

	"github.com/google/uuid"
)

// DisputeStatus is the lifecycle state of a dispute case.
type DisputeStatus string

const (
	DisputeOpen            DisputeStatus = "OPEN"
	DisputeUnderReview     DisputeStatus = "UNDER_REVIEW"
	DisputePendingResponse DisputeStatus = "PENDING_RESPONSE"
	DisputeEscalated       DisputeStatus = "ESCALATED"
	DisputeResolved        DisputeStatus = "RESOLVED"
)

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeOpen:            {DisputeUnderReview, DisputeEscalated, DisputeResolved},
	DisputeUnderReview:     {DisputePendingResponse, DisputeEscalated, DisputeResolved},
	DisputePendingResponse: {DisputeUnderReview, DisputeEscalated, DisputeResolved},
	DisputeEscalated:       {DisputeResolved},
}

// CanTransition reports whether the dispute status machine allows from -> to.
// RESOLVED is terminal; cases are never reopened.
func (s DisputeStatus) CanTransition(to DisputeStatus) bool {
	for _, allowed := range disputeTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DisputePriority orders the review queue.
type DisputePriority string

const (
	PriorityLow    DisputePriority = "LOW"
	PriorityMedium DisputePriority = "MEDIUM"
	PriorityHigh   DisputePriority = "HIGH"
)

// Valid reports whether p is a known priority.
func (p DisputePriority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// OutcomeType is how a dispute was settled.
type OutcomeType string

const (
	OutcomeBuyerFavor    OutcomeType = "BUYER_FAVOR"
	OutcomeSellerFavor   OutcomeType = "SELLER_FAVOR"
	OutcomePartialRefund OutcomeType = "PARTIAL_REFUND"
	OutcomeMediated      OutcomeType = "MEDIATED"
)

// DisputeOutcome is the resolution decision. AmountMinor is set only for PARTIAL_REFUND.
type DisputeOutcome struct {
	Type        OutcomeType `json:"type"`
	AmountMinor int64       `json:"amount_minor,omitempty"`
}

// Evidence is metadata for an object stored outside the engine.
type Evidence struct {
	ObjectKey   string    `json:"object_key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	AddedBy     string    `json:"added_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// DisputeCase tracks a dispute raised against an escrow agreement.
type DisputeCase struct {
	ID          uuid.UUID       `json:"id"`
	EscrowID    uuid.UUID       `json:"escrow_id"`
	MilestoneID *uuid.UUID      `json:"milestone_id,omitempty"`
	RaisedBy    string          `json:"raised_by"`
	Reason      string          `json:"reason"`
	Priority    DisputePriority `json:"priority"`
	Status      DisputeStatus   `json:"status"`
	Outcome     *DisputeOutcome `json:"outcome,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Evidence    []Evidence      `json:"evidence"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}
