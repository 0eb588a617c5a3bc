package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntity is the kind of entity an audit event refers to.
type AuditEntity string

const (
	AuditEntityEscrow    AuditEntity = "ESCROW"
	AuditEntityMilestone AuditEntity = "MILESTONE"
	AuditEntitySubwallet AuditEntity = "SUBWALLET"
	AuditEntityDispute   AuditEntity = "DISPUTE"
	AuditEntityAccount   AuditEntity = "LEDGER_ACCOUNT"
	AuditEntityRequest   AuditEntity = "HTTP_REQUEST"
)

// AuditAction is the attempted operation.
type AuditAction string

const (
	AuditActionCreate          AuditAction = "CREATE"
	AuditActionFund            AuditAction = "FUND"
	AuditActionStartMilestone  AuditAction = "START_MILESTONE"
	AuditActionRelease         AuditAction = "RELEASE"
	AuditActionRefund          AuditAction = "REFUND"
	AuditActionCancel          AuditAction = "CANCEL"
	AuditActionExpire          AuditAction = "EXPIRE"
	AuditActionSetStatus       AuditAction = "SET_STATUS"
	AuditActionApprove         AuditAction = "COMPLIANCE_APPROVAL"
	AuditActionCompliance      AuditAction = "COMPLIANCE_UPDATE"
	AuditActionReassess        AuditAction = "RISK_REASSESS"
	AuditActionSettle          AuditAction = "SETTLE"
	AuditActionRaiseDispute    AuditAction = "RAISE_DISPUTE"
	AuditActionAddEvidence     AuditAction = "ADD_EVIDENCE"
	AuditActionReview          AuditAction = "START_REVIEW"
	AuditActionRequestResponse AuditAction = "REQUEST_RESPONSE"
	AuditActionRecordResponse  AuditAction = "RECORD_RESPONSE"
	AuditActionEscalate        AuditAction = "ESCALATE"
	AuditActionResolve         AuditAction = "RESOLVE"
	AuditActionCloseAccount    AuditAction = "CLOSE_ACCOUNT"
	AuditActionRailNotify      AuditAction = "RAIL_NOTIFICATION"
	AuditActionRefuse          AuditAction = "REQUEST_REFUSED"
)

// AuditOutcome records whether the attempted transition was applied.
type AuditOutcome string

const (
	AuditSucceeded AuditOutcome = "SUCCEEDED"
	AuditRejected  AuditOutcome = "REJECTED"
)

// AuditEvent is an append-only record of an attempted state transition.
type AuditEvent struct {
	ID         uuid.UUID    `json:"id"`
	Actor      string       `json:"actor"`
	EntityType AuditEntity  `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Action     AuditAction  `json:"action"`
	FromState  string       `json:"from_state,omitempty"`
	ToState    string       `json:"to_state,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Outcome    AuditOutcome `json:"outcome"`
	ErrorCode  string       `json:"error_code,omitempty"`
	Details    string       `json:"details,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
