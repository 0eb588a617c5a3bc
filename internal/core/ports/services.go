package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"time"

	"escrow-engine/internal/core/domain"

	"github.com/google/uuid"
)

// --- Ledger ---

// LedgerService is the only component allowed to change account balances.
type LedgerService interface {
	OpenAccount(ctx context.Context, owner domain.OwnerRef, currency string) (*domain.LedgerAccount, error)
	EnsureSystemAccount(ctx context.Context, purpose, currency string) (*domain.LedgerAccount, error)
	CloseAccount(ctx context.Context, accountID uuid.UUID, actor string) (*domain.LedgerAccount, error)
	// PostTransaction locks the involved accounts and applies req atomically.
	PostTransaction(ctx context.Context, req PostingRequest) (*domain.LedgerTransaction, error)
	// Atomically locks accountIDs and runs fn inside one unit of work.
	// Apply may be called from fn for any of the locked accounts.
	Atomically(ctx context.Context, accountIDs []uuid.UUID, fn func(ctx context.Context) error) error
	// Apply validates and writes req inside the caller's unit of work.
	Apply(ctx context.Context, req PostingRequest) (*domain.LedgerTransaction, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.LedgerAccount, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	RecomputeBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	VerifyAccount(ctx context.Context, accountID uuid.UUID) (*Reconciliation, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, filter EntryFilter, cursor string, limit int) (*EntryPage, error)
	// EntryStats counts entries on the account since the given time (velocity heuristic).
	EntryStats(ctx context.Context, accountID uuid.UUID, since time.Time) (count int64, volume int64, err error)
}

// PostingLine is one requested entry of a posting.
type PostingLine struct {
	AccountID   uuid.UUID
	Direction   domain.Direction
	AmountMinor int64
}

// PostingRequest is a balanced set of entries committed under Reference.
type PostingRequest struct {
	Reference          string
	Currency           string
	Lines              []PostingLine
	Actor              string
	ComplianceOverride bool
}

// EntryFilter narrows an entry listing.
type EntryFilter struct {
	Direction *domain.Direction
	Reference string
	From      *time.Time
	To        *time.Time
}

// EntryPage is one page of entries and the cursor for the next one.
type EntryPage struct {
	Entries    []domain.LedgerEntry
	NextCursor string
}

// Reconciliation compares the maintained balance against the entry sum.
type Reconciliation struct {
	AccountID  uuid.UUID `json:"account_id"`
	Balance    int64     `json:"balance_minor"`
	Recomputed int64     `json:"recomputed_minor"`
	Consistent bool      `json:"consistent"`
}

// --- Escrow ---

// EscrowService orchestrates the escrow agreement and milestone lifecycle.
type EscrowService interface {
	CreateAgreement(ctx context.Context, req CreateEscrowRequest) (*domain.EscrowAgreement, error)
	GetAgreement(ctx context.Context, id uuid.UUID) (*domain.EscrowAgreement, error)
	ListAgreements(ctx context.Context, params EscrowListParams) ([]domain.EscrowAgreement, int64, error)
	Fund(ctx context.Context, req FundRequest) (*domain.EscrowAgreement, error)
	StartMilestone(ctx context.Context, milestoneID uuid.UUID, actor string) (*domain.EscrowAgreement, error)
	CompleteMilestone(ctx context.Context, milestoneID uuid.UUID, actor string) (*domain.EscrowAgreement, error)
	Refund(ctx context.Context, req RefundRequest) (*domain.EscrowAgreement, error)
	Cancel(ctx context.Context, escrowID uuid.UUID, actor, reason string) (*domain.EscrowAgreement, error)
	SweepExpired(ctx context.Context, now time.Time, limit int) (*SweepResult, error)
}

// MilestoneSpec is one milestone of a new agreement.
type MilestoneSpec struct {
	Title       string
	AmountMinor int64
}

// CreateEscrowRequest holds validated input for a new agreement.
type CreateEscrowRequest struct {
	Currency                string
	AmountMinor             int64
	InitiatorID             string
	CounterpartyID          string
	CounterpartySubwalletID uuid.UUID
	Deadline                *time.Time
	Milestones              []MilestoneSpec
	Actor                   string
}

// FundRequest credits the holding account from the payment rail.
type FundRequest struct {
	EscrowID    uuid.UUID
	AmountMinor int64
	Reference   string
	Actor       string
}

// RefundRequest returns held funds to the initiator through the rail.
type RefundRequest struct {
	EscrowID    uuid.UUID
	AmountMinor int64
	Reference   string
	Reason      string
	Actor       string
}

// SweepResult reports the outcome of a deadline sweep.
type SweepResult struct {
	Cancelled []uuid.UUID `json:"cancelled"`
	Failed    []uuid.UUID `json:"failed"`
}

// --- Subwallets ---

// SubwalletService manages subwallet lifecycle and compliance gating.
type SubwalletService interface {
	Create(ctx context.Context, req CreateSubwalletRequest) (*domain.Subwallet, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Subwallet, error)
	List(ctx context.Context, params SubwalletListParams) ([]domain.Subwallet, int64, error)
	SetStatus(ctx context.Context, req SetSubwalletStatusRequest) (*domain.Subwallet, error)
	SetComplianceApproval(ctx context.Context, id uuid.UUID, approved bool, actor string) (*domain.Subwallet, error)
	UpdateCompliance(ctx context.Context, req ComplianceUpdate) (*domain.Subwallet, error)
	Reassess(ctx context.Context, id uuid.UUID, actor string) (*domain.Subwallet, *domain.RiskAssessment, error)
	// AuthorizeTransaction runs risk gating for a movement of amount touching sw.
	// counterparty is the subwallet on the other side of the movement, or nil.
	AuthorizeTransaction(ctx context.Context, sw, counterparty *domain.Subwallet, amountMinor int64) (*domain.RiskAssessment, error)
	RequestSettlement(ctx context.Context, req SettlementRequest) (*domain.LedgerTransaction, error)
}

// CreateSubwalletRequest holds input for a new subwallet.
type CreateSubwalletRequest struct {
	Owner    domain.OwnerRef
	Currency string
	Actor    string
}

// SetSubwalletStatusRequest holds input for a status transition.
type SetSubwalletStatusRequest struct {
	SubwalletID uuid.UUID
	Status      domain.SubwalletStatus
	Actor       string
	Reason      string
}

// ComplianceUpdate carries new AML/KYC/baseline score values. Nil fields are unchanged.
type ComplianceUpdate struct {
	SubwalletID   uuid.UUID
	AMLFlagged    *bool
	KYCStatus     *domain.KYCStatus
	BaselineScore *int
	Actor         string
}

// SettlementRequest moves subwallet funds toward the external rail.
type SettlementRequest struct {
	SubwalletID uuid.UUID
	AmountMinor int64
	Reference   string
	Actor       string
}

// --- Disputes ---

// DisputeService runs the dispute workflow and its compensating postings.
type DisputeService interface {
	Raise(ctx context.Context, req RaiseDisputeRequest) (*domain.DisputeCase, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.DisputeCase, error)
	List(ctx context.Context, params DisputeListParams) ([]domain.DisputeCase, int64, error)
	AddEvidence(ctx context.Context, req AddEvidenceRequest) (*domain.DisputeCase, error)
	StartReview(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error)
	RequestResponse(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error)
	RecordResponse(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error)
	Escalate(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error)
	Resolve(ctx context.Context, req ResolveDisputeRequest) (*domain.DisputeCase, error)
}

// RaiseDisputeRequest holds input for a new dispute.
type RaiseDisputeRequest struct {
	EscrowID    uuid.UUID
	MilestoneID *uuid.UUID
	Reason      string
	Priority    domain.DisputePriority
	RaisedBy    string
}

// AddEvidenceRequest attaches evidence metadata to a dispute.
type AddEvidenceRequest struct {
	DisputeID   uuid.UUID
	ObjectKey   string
	ContentType string
	SizeBytes   int64
	Actor       string
}

// ResolveDisputeRequest closes a dispute with an outcome.
type ResolveDisputeRequest struct {
	DisputeID uuid.UUID
	Outcome   domain.DisputeOutcome
	Notes     string
	Actor     string
}

// --- Audit ---

// AuditService records attempted transitions without failing the caller.
type AuditService interface {
	Record(ctx context.Context, event domain.AuditEvent)
	List(ctx context.Context, params AuditListParams) ([]domain.AuditEvent, int64, error)
}

// --- Auth ---

// SignatureService handles HMAC-SHA256 signing and verification of rail notifications.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildCanonicalString(method, path string, timestamp int64, nonce string, body string) string
}

// Operator roles carried in JWT claims.
const (
	RoleOperator   = "operator"
	RoleCompliance = "compliance"
	RoleArbiter    = "arbiter"
	RoleScheduler  = "scheduler"
	RoleAuditor    = "auditor"
)

// TokenService handles operator JWT tokens.
type TokenService interface {
	Generate(subject string, roles []string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the claims carry role.
func (c *TokenClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
