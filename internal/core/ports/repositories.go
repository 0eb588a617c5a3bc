package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"time"

	"escrow-engine/internal/core/domain"

	"github.com/google/uuid"
)

// Transactor runs fn as one atomic unit of work against the store. A call made
// with a ctx that already carries a unit of work joins it instead of nesting.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// LedgerRepository persists accounts, transactions and entries.
// Get methods return (nil, nil) when the row does not exist.
// Update methods fail with domain.ErrVersionConflict when the stored version
// differs from the struct's Version, and bump Version on success.
type LedgerRepository interface {
	CreateAccount(ctx context.Context, account *domain.LedgerAccount) error
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error)
	GetAccountByOwner(ctx context.Context, owner domain.OwnerRef, currency string) (*domain.LedgerAccount, error)
	UpdateAccount(ctx context.Context, account *domain.LedgerAccount) error
	// InsertTransaction stores the header and entries, assigning entry sequence
	// numbers. Fails with domain.ErrReferenceExists for a committed reference.
	InsertTransaction(ctx context.Context, txn *domain.LedgerTransaction) error
	ReferenceExists(ctx context.Context, reference string) (bool, error)
	ListEntries(ctx context.Context, params EntryListParams) ([]domain.LedgerEntry, error)
	SumEntries(ctx context.Context, accountID uuid.UUID) (debits, credits int64, err error)
	EntryStats(ctx context.Context, accountID uuid.UUID, since time.Time) (count int64, volume int64, err error)
}

// EntryListParams filters a cursor-paginated entry listing ordered by Seq.
type EntryListParams struct {
	AccountID uuid.UUID
	Direction *domain.Direction
	Reference string
	From      *time.Time
	To        *time.Time
	AfterSeq  int64
	Limit     int
}

// EscrowRepository persists escrow agreements together with their milestones.
type EscrowRepository interface {
	Create(ctx context.Context, agreement *domain.EscrowAgreement) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.EscrowAgreement, error)
	GetByMilestoneID(ctx context.Context, milestoneID uuid.UUID) (*domain.EscrowAgreement, error)
	Update(ctx context.Context, agreement *domain.EscrowAgreement) error
	List(ctx context.Context, params EscrowListParams) ([]domain.EscrowAgreement, int64, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// EscrowListParams holds filter, sort and pagination for listing agreements.
type EscrowListParams struct {
	Status         *domain.EscrowStatus
	Currency       string
	InitiatorID    string
	CounterpartyID string
	SortBy         string // created_at, amount_minor, deadline
	SortDesc       bool
	Page           int
	PageSize       int
}

// SubwalletRepository persists subwallets.
type SubwalletRepository interface {
	Create(ctx context.Context, subwallet *domain.Subwallet) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subwallet, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.Subwallet, error)
	Update(ctx context.Context, subwallet *domain.Subwallet) error
	List(ctx context.Context, params SubwalletListParams) ([]domain.Subwallet, int64, error)
}

// SubwalletListParams holds filter + pagination for listing subwallets.
type SubwalletListParams struct {
	Status    *domain.SubwalletStatus
	RiskLevel *domain.RiskLevel
	OwnerType *domain.OwnerType
	OwnerID   *string
	Currency  *string
	Page      int
	PageSize  int
}

// DisputeRepository persists dispute cases and their evidence metadata.
type DisputeRepository interface {
	Create(ctx context.Context, dispute *domain.DisputeCase) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.DisputeCase, error)
	Update(ctx context.Context, dispute *domain.DisputeCase) error
	List(ctx context.Context, params DisputeListParams) ([]domain.DisputeCase, int64, error)
}

// DisputeListParams holds filter + pagination for listing disputes.
type DisputeListParams struct {
	EscrowID *uuid.UUID
	Status   *domain.DisputeStatus
	Priority *domain.DisputePriority
	Page     int
	PageSize int
}

// AuditRepository persists audit events. It is append-only.
type AuditRepository interface {
	Create(ctx context.Context, event *domain.AuditEvent) error
	List(ctx context.Context, params AuditListParams) ([]domain.AuditEvent, int64, error)
}

// AuditListParams holds filter + pagination for listing audit events.
type AuditListParams struct {
	EntityType *domain.AuditEntity
	EntityID   string
	Actor      string
	Page       int
	PageSize   int
}
