package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newAccount(t *testing.T, repo ports.LedgerRepository, owner domain.OwnerRef) *domain.LedgerAccount {
	t.Helper()
	acct := domain.NewLedgerAccount(owner, "USD", t0)
	require.NoError(t, repo.CreateAccount(context.Background(), acct))
	return acct
}

func transfer(ref string, from, to uuid.UUID, amount int64) *domain.LedgerTransaction {
	return &domain.LedgerTransaction{
		ID:        uuid.New(),
		Reference: ref,
		Currency:  "USD",
		Entries: []domain.LedgerEntry{
			{ID: uuid.New(), AccountID: from, TransactionRef: ref, Direction: domain.Debit, AmountMinor: amount, Currency: "USD", CreatedAt: t0},
			{ID: uuid.New(), AccountID: to, TransactionRef: ref, Direction: domain.Credit, AmountMinor: amount, Currency: "USD", CreatedAt: t0},
		},
		CreatedAt: t0,
	}
}

func TestLedgerRepo_CreateAndLookupByOwner(t *testing.T) {
	s := NewStore()
	repo := NewLedgerRepository(s)
	ctx := context.Background()

	acct := newAccount(t, repo, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"})
	assert.Equal(t, int64(1), acct.Version)

	got, err := repo.GetAccountByOwner(ctx, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"}, "USD")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, acct.ID, got.ID)

	missing, err := repo.GetAccountByOwner(ctx, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"}, "EUR")
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := domain.NewLedgerAccount(domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"}, "USD", t0)
	assert.Error(t, repo.CreateAccount(ctx, dup))
}

func TestLedgerRepo_UpdateAccountVersionConflict(t *testing.T) {
	s := NewStore()
	repo := NewLedgerRepository(s)
	ctx := context.Background()
	acct := newAccount(t, repo, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"})

	stale := *acct
	acct.Balance = 100
	require.NoError(t, repo.UpdateAccount(ctx, acct))
	assert.Equal(t, int64(2), acct.Version)

	stale.Balance = 999
	err := repo.UpdateAccount(ctx, &stale)
	assert.True(t, errors.Is(err, domain.ErrVersionConflict))

	got, _ := repo.GetAccount(ctx, acct.ID)
	assert.Equal(t, int64(100), got.Balance)
}

func TestLedgerRepo_InsertTransactionAssignsSeqAndRejectsDuplicateReference(t *testing.T) {
	s := NewStore()
	repo := NewLedgerRepository(s)
	ctx := context.Background()
	a := newAccount(t, repo, domain.SystemOwner(domain.SystemRailClearing, "USD"))
	b := newAccount(t, repo, domain.OwnerRef{Type: domain.OwnerEscrowHolding, ID: "e-1"})

	txn := transfer("fund-1", a.ID, b.ID, 500)
	require.NoError(t, repo.InsertTransaction(ctx, txn))
	assert.Equal(t, int64(1), txn.Entries[0].Seq)
	assert.Equal(t, int64(2), txn.Entries[1].Seq)

	exists, err := repo.ReferenceExists(ctx, "fund-1")
	require.NoError(t, err)
	assert.True(t, exists)

	err = repo.InsertTransaction(ctx, transfer("fund-1", a.ID, b.ID, 500))
	assert.True(t, errors.Is(err, domain.ErrReferenceExists))

	debits, credits, err := repo.SumEntries(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), debits)
	assert.Equal(t, int64(500), credits)
}

func TestLedgerRepo_ListEntriesCursorAndFilters(t *testing.T) {
	s := NewStore()
	repo := NewLedgerRepository(s)
	ctx := context.Background()
	a := newAccount(t, repo, domain.SystemOwner(domain.SystemRailClearing, "USD"))
	b := newAccount(t, repo, domain.OwnerRef{Type: domain.OwnerEscrowHolding, ID: "e-1"})

	require.NoError(t, repo.InsertTransaction(ctx, transfer("r1", a.ID, b.ID, 100)))
	require.NoError(t, repo.InsertTransaction(ctx, transfer("r2", a.ID, b.ID, 200)))
	require.NoError(t, repo.InsertTransaction(ctx, transfer("r3", b.ID, a.ID, 50)))

	page, err := repo.ListEntries(ctx, ports.EntryListParams{AccountID: b.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "r1", page[0].TransactionRef)

	rest, err := repo.ListEntries(ctx, ports.EntryListParams{AccountID: b.ID, AfterSeq: page[1].Seq, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "r3", rest[0].TransactionRef)

	debit := domain.Debit
	debits, err := repo.ListEntries(ctx, ports.EntryListParams{AccountID: b.ID, Direction: &debit})
	require.NoError(t, err)
	require.Len(t, debits, 1)
	assert.Equal(t, int64(50), debits[0].AmountMinor)

	count, volume, err := repo.EntryStats(ctx, b.ID, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, int64(350), volume)
}

func TestWithinTx_RollsBackEveryWriteOnError(t *testing.T) {
	s := NewStore()
	ledger := NewLedgerRepository(s)
	escrows := NewEscrowRepository(s)
	ctx := context.Background()
	a := newAccount(t, ledger, domain.SystemOwner(domain.SystemRailClearing, "USD"))
	b := newAccount(t, ledger, domain.OwnerRef{Type: domain.OwnerEscrowHolding, ID: "e-1"})

	boom := errors.New("boom")
	agreement := &domain.EscrowAgreement{ID: uuid.New(), Currency: "USD", AmountMinor: 100, Status: domain.EscrowPendingFunding, CreatedAt: t0}

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, escrows.Create(ctx, agreement))
		require.NoError(t, ledger.InsertTransaction(ctx, transfer("r1", a.ID, b.ID, 100)))
		b.Balance = 100
		require.NoError(t, ledger.UpdateAccount(ctx, b))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := escrows.GetByID(ctx, agreement.ID)
	assert.Nil(t, got)
	exists, _ := ledger.ReferenceExists(ctx, "r1")
	assert.False(t, exists)
	acct, _ := ledger.GetAccount(ctx, b.ID)
	assert.Equal(t, int64(0), acct.Balance)
	assert.Equal(t, int64(1), acct.Version)
	entries, _ := ledger.ListEntries(ctx, ports.EntryListParams{AccountID: b.ID})
	assert.Empty(t, entries)

	// Sequence numbers are reused after a rollback.
	txn := transfer("r2", a.ID, b.ID, 10)
	require.NoError(t, ledger.InsertTransaction(ctx, txn))
	assert.Equal(t, int64(1), txn.Entries[0].Seq)
}

func TestWithinTx_RollsBackOnPanic(t *testing.T) {
	s := NewStore()
	ledger := NewLedgerRepository(s)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		newAccount(t, ledger, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"})
		panic("unexpected")
	})
	require.Error(t, err)

	got, _ := ledger.GetAccountByOwner(ctx, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"}, "USD")
	assert.Nil(t, got)
}

func TestWithinTx_NestedCallJoinsOuterUnit(t *testing.T) {
	s := NewStore()
	ledger := NewLedgerRepository(s)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context) error {
			newAccount(t, ledger, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"})
			return nil
		}))
		return errors.New("outer fails")
	})
	require.Error(t, err)

	got, _ := ledger.GetAccountByOwner(ctx, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: "sw-1"}, "USD")
	assert.Nil(t, got)
}

func TestEscrowRepo_CopiesAreIsolated(t *testing.T) {
	s := NewStore()
	repo := NewEscrowRepository(s)
	ctx := context.Background()

	id := uuid.New()
	mid := uuid.New()
	agreement := &domain.EscrowAgreement{
		ID: id, Currency: "USD", AmountMinor: 100, Status: domain.EscrowPendingFunding, CreatedAt: t0,
		Milestones: []domain.Milestone{{ID: mid, EscrowID: id, AmountMinor: 100, Status: domain.MilestonePending}},
	}
	require.NoError(t, repo.Create(ctx, agreement))

	got, err := repo.GetByMilestoneID(ctx, mid)
	require.NoError(t, err)
	require.NotNil(t, got)
	got.Milestones[0].Status = domain.MilestoneCompleted

	again, _ := repo.GetByID(ctx, id)
	assert.Equal(t, domain.MilestonePending, again.Milestones[0].Status)
}

func TestEscrowRepo_UpdateVersionConflict(t *testing.T) {
	s := NewStore()
	repo := NewEscrowRepository(s)
	ctx := context.Background()
	agreement := &domain.EscrowAgreement{ID: uuid.New(), Currency: "USD", AmountMinor: 100, Status: domain.EscrowPendingFunding}
	require.NoError(t, repo.Create(ctx, agreement))

	first, _ := repo.GetByID(ctx, agreement.ID)
	second, _ := repo.GetByID(ctx, agreement.ID)

	first.Status = domain.EscrowFunded
	require.NoError(t, repo.Update(ctx, first))
	second.Status = domain.EscrowCancelled
	assert.ErrorIs(t, repo.Update(ctx, second), domain.ErrVersionConflict)
}

func TestEscrowRepo_ListFiltersSortsAndPages(t *testing.T) {
	s := NewStore()
	repo := NewEscrowRepository(s)
	ctx := context.Background()

	for i, amount := range []int64{300, 100, 200} {
		require.NoError(t, repo.Create(ctx, &domain.EscrowAgreement{
			ID: uuid.New(), Currency: "USD", AmountMinor: amount, Status: domain.EscrowPendingFunding,
			InitiatorID: "buyer", CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Create(ctx, &domain.EscrowAgreement{
		ID: uuid.New(), Currency: "EUR", AmountMinor: 50, Status: domain.EscrowFunded, InitiatorID: "other", CreatedAt: t0,
	}))

	items, total, err := repo.List(ctx, ports.EscrowListParams{Currency: "USD", SortBy: "amount_minor", SortDesc: true, Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 2)
	assert.Equal(t, int64(300), items[0].AmountMinor)
	assert.Equal(t, int64(200), items[1].AmountMinor)

	funded := domain.EscrowFunded
	items, total, err = repo.List(ctx, ports.EscrowListParams{Status: &funded, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "EUR", items[0].Currency)

	items, _, err = repo.List(ctx, ports.EscrowListParams{InitiatorID: "buyer", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(200), items[0].AmountMinor)
}

func TestEscrowRepo_ListExpired(t *testing.T) {
	s := NewStore()
	repo := NewEscrowRepository(s)
	ctx := context.Background()

	past := t0.Add(-time.Hour)
	older := t0.Add(-2 * time.Hour)
	future := t0.Add(time.Hour)
	mk := func(status domain.EscrowStatus, deadline *time.Time) uuid.UUID {
		e := &domain.EscrowAgreement{ID: uuid.New(), Currency: "USD", AmountMinor: 1, Status: status, Deadline: deadline}
		require.NoError(t, repo.Create(ctx, e))
		return e.ID
	}
	expired := mk(domain.EscrowPendingFunding, &past)
	expiredOlder := mk(domain.EscrowPendingFunding, &older)
	mk(domain.EscrowPendingFunding, &future)
	mk(domain.EscrowFunded, &past)
	mk(domain.EscrowPendingFunding, nil)

	ids, err := repo.ListExpired(ctx, t0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{expiredOlder, expired}, ids)

	ids, err = repo.ListExpired(ctx, t0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{expiredOlder}, ids)
}

func TestSubwalletRepo_LookupByAccountAndList(t *testing.T) {
	s := NewStore()
	repo := NewSubwalletRepository(s)
	ctx := context.Background()

	sw := &domain.Subwallet{
		ID: uuid.New(), Owner: domain.OwnerRef{Type: domain.SubwalletOwnerUser, ID: "u-1"}, Currency: "USD",
		AccountID: uuid.New(), Status: domain.SubwalletActive, RiskLevel: domain.RiskLow, CreatedAt: t0,
	}
	require.NoError(t, repo.Create(ctx, sw))

	got, err := repo.GetByAccountID(ctx, sw.AccountID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sw.ID, got.ID)

	got.Status = domain.SubwalletFrozen
	require.NoError(t, repo.Update(ctx, got))

	frozen := domain.SubwalletFrozen
	items, total, err := repo.List(ctx, ports.SubwalletListParams{Status: &frozen, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(2), items[0].Version)

	high := domain.RiskHigh
	_, total, err = repo.List(ctx, ports.SubwalletListParams{RiskLevel: &high, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	owner, usd, kes := "u-1", "USD", "KES"
	items, total, err = repo.List(ctx, ports.SubwalletListParams{OwnerID: &owner, Currency: &usd, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, sw.ID, items[0].ID)
	_, total, err = repo.List(ctx, ports.SubwalletListParams{OwnerID: &owner, Currency: &kes, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestDisputeRepo_ListOrdersByPriority(t *testing.T) {
	s := NewStore()
	repo := NewDisputeRepository(s)
	ctx := context.Background()
	escrowID := uuid.New()

	low := &domain.DisputeCase{ID: uuid.New(), EscrowID: escrowID, Priority: domain.PriorityLow, Status: domain.DisputeOpen, CreatedAt: t0}
	high := &domain.DisputeCase{ID: uuid.New(), EscrowID: escrowID, Priority: domain.PriorityHigh, Status: domain.DisputeOpen, CreatedAt: t0.Add(time.Minute)}
	require.NoError(t, repo.Create(ctx, low))
	require.NoError(t, repo.Create(ctx, high))

	items, total, err := repo.List(ctx, ports.DisputeListParams{EscrowID: &escrowID, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, high.ID, items[0].ID)

	got, _ := repo.GetByID(ctx, low.ID)
	got.Evidence = append(got.Evidence, domain.Evidence{ObjectKey: "k"})
	again, _ := repo.GetByID(ctx, low.ID)
	assert.Empty(t, again.Evidence)
}

func TestAuditRepo_NewestFirst(t *testing.T) {
	s := NewStore()
	repo := NewAuditRepository(s)
	ctx := context.Background()

	for _, action := range []domain.AuditAction{domain.AuditActionCreate, domain.AuditActionFund} {
		require.NoError(t, repo.Create(ctx, &domain.AuditEvent{
			ID: uuid.New(), Actor: "alice", EntityType: domain.AuditEntityEscrow, EntityID: "e-1", Action: action,
		}))
	}
	require.NoError(t, repo.Create(ctx, &domain.AuditEvent{ID: uuid.New(), Actor: "bob", EntityType: domain.AuditEntityDispute, EntityID: "d-1"}))

	entity := domain.AuditEntityEscrow
	items, total, err := repo.List(ctx, ports.AuditListParams{EntityType: &entity, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, domain.AuditActionFund, items[0].Action)

	_, total, err = repo.List(ctx, ports.AuditListParams{Actor: "bob", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}
