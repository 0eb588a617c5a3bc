package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EscrowStatus is the lifecycle state of an escrow agreement.
type EscrowStatus string

const (
	EscrowPendingFunding    EscrowStatus = "PENDING_FUNDING"
	EscrowFunded            EscrowStatus = "FUNDED"
	EscrowPartiallyReleased EscrowStatus = "PARTIALLY_RELEASED"
	EscrowReleased          EscrowStatus = "RELEASED"
	EscrowDisputed          EscrowStatus = "DISPUTED"
	EscrowCancelled         EscrowStatus = "CANCELLED"
)

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPendingFunding:    {EscrowFunded, EscrowCancelled},
	EscrowFunded:            {EscrowPartiallyReleased, EscrowReleased, EscrowDisputed, EscrowCancelled},
	EscrowPartiallyReleased: {EscrowPartiallyReleased, EscrowReleased, EscrowDisputed, EscrowCancelled},
	EscrowDisputed:          {EscrowFunded, EscrowPartiallyReleased, EscrowReleased, EscrowCancelled},
	EscrowReleased:          nil,
	EscrowCancelled:         nil,
}

// CanTransition reports whether the escrow status machine allows from -> to.
func (s EscrowStatus) CanTransition(to EscrowStatus) bool {
	for _, allowed := range escrowTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowCancelled
}

// Releasable reports whether funds may move out of the holding account.
func (s EscrowStatus) Releasable() bool {
	return s == EscrowFunded || s == EscrowPartiallyReleased
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "PENDING"
	MilestoneInProgress MilestoneStatus = "IN_PROGRESS"
	MilestoneCompleted  MilestoneStatus = "COMPLETED"
	MilestoneCancelled  MilestoneStatus = "CANCELLED"
)

var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:    {MilestoneInProgress, MilestoneCancelled},
	MilestoneInProgress: {MilestoneCompleted, MilestoneCancelled},
}

// CanTransition reports whether the milestone status machine allows from -> to.
func (s MilestoneStatus) CanTransition(to MilestoneStatus) bool {
	for _, allowed := range milestoneTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Open reports whether the milestone can still release funds.
func (s MilestoneStatus) Open() bool {
	return s == MilestonePending || s == MilestoneInProgress
}

// Milestone is a portion of an escrow agreement released on completion.
type Milestone struct {
	ID            uuid.UUID       `json:"id"`
	EscrowID      uuid.UUID       `json:"escrow_id"`
	Idx           int             `json:"idx"`
	Title         string          `json:"title"`
	AmountMinor   int64           `json:"amount_minor"`
	ReleasedMinor int64           `json:"released_minor"`
	Status        MilestoneStatus `json:"status"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Unreleased returns the part of the milestone amount not yet released.
func (m *Milestone) Unreleased() int64 {
	return m.AmountMinor - m.ReleasedMinor
}

// EscrowAgreement holds funds in a dedicated ledger account until milestones
// complete, a refund is issued or a dispute is resolved.
type EscrowAgreement struct {
	ID                      uuid.UUID    `json:"id"`
	Currency                string       `json:"currency"`
	AmountMinor             int64        `json:"amount_minor"`
	FundedMinor             int64        `json:"funded_minor"`
	ReleasedMinor           int64        `json:"released_minor"`
	RefundedMinor           int64        `json:"refunded_minor"`
	Status                  EscrowStatus `json:"status"`
	PreDisputeStatus        EscrowStatus `json:"pre_dispute_status,omitempty"`
	Deadline                *time.Time   `json:"deadline,omitempty"`
	InitiatorID             string       `json:"initiator_id"`
	CounterpartyID          string       `json:"counterparty_id"`
	CounterpartySubwalletID uuid.UUID    `json:"counterparty_subwallet_id"`
	HoldingAccountID        uuid.UUID    `json:"holding_account_id"`
	Milestones              []Milestone  `json:"milestones"`
	Version                 int64        `json:"version"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// HeldMinor returns the funds still sitting in the holding account.
func (e *EscrowAgreement) HeldMinor() int64 {
	return e.FundedMinor - e.ReleasedMinor - e.RefundedMinor
}

// Milestone returns the milestone with the given id, or nil.
func (e *EscrowAgreement) Milestone(id uuid.UUID) *Milestone {
	for i := range e.Milestones {
		if e.Milestones[i].ID == id {
			return &e.Milestones[i]
		}
	}
	return nil
}

// Expired reports whether the funding deadline has passed at now.
func (e *EscrowAgreement) Expired(now time.Time) bool {
	return e.Deadline != nil && now.After(*e.Deadline)
}

// CheckInvariants verifies the amount and milestone accounting rules.
func (e *EscrowAgreement) CheckInvariants() error {
	if e.ReleasedMinor < 0 || e.RefundedMinor < 0 || e.FundedMinor < 0 {
		return fmt.Errorf("escrow %s: negative amounts", e.ID)
	}
	if e.ReleasedMinor+e.RefundedMinor > e.FundedMinor {
		return fmt.Errorf("escrow %s: released %d + refunded %d exceeds funded %d",
			e.ID, e.ReleasedMinor, e.RefundedMinor, e.FundedMinor)
	}
	if e.FundedMinor > e.AmountMinor {
		return fmt.Errorf("escrow %s: funded %d exceeds amount %d", e.ID, e.FundedMinor, e.AmountMinor)
	}
	var released int64
	for _, m := range e.Milestones {
		if m.ReleasedMinor > m.AmountMinor {
			return fmt.Errorf("milestone %s: released %d exceeds amount %d", m.ID, m.ReleasedMinor, m.AmountMinor)
		}
		released += m.ReleasedMinor
	}
	if released != e.ReleasedMinor {
		return fmt.Errorf("escrow %s: milestone releases %d != escrow releases %d", e.ID, released, e.ReleasedMinor)
	}
	return nil
}

// DeriveStatus recomputes the post-funding status from the tracked amounts.
func (e *EscrowAgreement) DeriveStatus() EscrowStatus {
	if e.FundedMinor < e.AmountMinor && e.ReleasedMinor == 0 && e.RefundedMinor == 0 {
		return EscrowPendingFunding
	}
	if e.HeldMinor() > 0 {
		if e.ReleasedMinor > 0 {
			return EscrowPartiallyReleased
		}
		return EscrowFunded
	}
	if e.ReleasedMinor > 0 {
		return EscrowReleased
	}
	return EscrowCancelled
}

// CancelOpenMilestones marks every pending or in-progress milestone cancelled.
func (e *EscrowAgreement) CancelOpenMilestones() {
	for i := range e.Milestones {
		if e.Milestones[i].Status.Open() {
			e.Milestones[i].Status = MilestoneCancelled
		}
	}
}
