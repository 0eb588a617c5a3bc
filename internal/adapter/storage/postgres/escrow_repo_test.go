package postgres

import (
	"context"
	"testing"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEscrow() *domain.EscrowAgreement {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.New()
	return &domain.EscrowAgreement{
		ID:                      id,
		Currency:                "USD",
		AmountMinor:             100000,
		Status:                  domain.EscrowPendingFunding,
		InitiatorID:             "buyer-1",
		CounterpartyID:          "seller-1",
		CounterpartySubwalletID: uuid.New(),
		HoldingAccountID:        uuid.New(),
		Milestones: []domain.Milestone{
			{ID: uuid.New(), EscrowID: id, Idx: 0, Title: "design", AmountMinor: 40000, Status: domain.MilestonePending},
			{ID: uuid.New(), EscrowID: id, Idx: 1, Title: "build", AmountMinor: 60000, Status: domain.MilestonePending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func escrowCols() []string {
	return []string{"id", "currency", "amount_minor", "funded_minor", "released_minor", "refunded_minor",
		"status", "pre_dispute_status", "deadline", "initiator_id", "counterparty_id", "counterparty_subwallet_id",
		"holding_account_id", "version", "created_at", "updated_at"}
}

func escrowRow(e *domain.EscrowAgreement) *pgxmock.Rows {
	return pgxmock.NewRows(escrowCols()).AddRow(
		e.ID, e.Currency, e.AmountMinor, e.FundedMinor, e.ReleasedMinor, e.RefundedMinor,
		e.Status, e.PreDisputeStatus, e.Deadline, e.InitiatorID, e.CounterpartyID, e.CounterpartySubwalletID,
		e.HoldingAccountID, e.Version, e.CreatedAt, e.UpdatedAt,
	)
}

func milestoneRows(ms ...domain.Milestone) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"id", "escrow_id", "idx", "title", "amount_minor", "released_minor", "status", "completed_at"})
	for _, m := range ms {
		rows.AddRow(m.ID, m.EscrowID, m.Idx, m.Title, m.AmountMinor, m.ReleasedMinor, m.Status, m.CompletedAt)
	}
	return rows
}

func TestEscrowRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEscrowRepo(mock)
	e := newTestEscrow()

	mock.ExpectExec("INSERT INTO escrow_agreements").
		WithArgs(e.ID, e.Currency, e.AmountMinor, int64(0), int64(0), int64(0),
			e.Status, e.PreDisputeStatus, e.Deadline, e.InitiatorID, e.CounterpartyID, e.CounterpartySubwalletID,
			e.HoldingAccountID, int64(1), e.CreatedAt, e.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for _, m := range e.Milestones {
		mock.ExpectExec("INSERT INTO escrow_milestones").
			WithArgs(m.ID, m.EscrowID, m.Idx, m.Title, m.AmountMinor, m.ReleasedMinor, m.Status, m.CompletedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, repo.Create(context.Background(), e))
	assert.Equal(t, int64(1), e.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowRepo_GetByID_LoadsMilestones(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEscrowRepo(mock)
	e := newTestEscrow()
	e.Version = 4

	mock.ExpectQuery("SELECT .+ FROM escrow_agreements WHERE id").
		WithArgs(e.ID).
		WillReturnRows(escrowRow(e))
	mock.ExpectQuery("SELECT .+ FROM escrow_milestones WHERE escrow_id = ANY").
		WithArgs([]uuid.UUID{e.ID}).
		WillReturnRows(milestoneRows(e.Milestones...))

	got, err := repo.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(4), got.Version)
	require.Len(t, got.Milestones, 2)
	assert.Equal(t, "build", got.Milestones[1].Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEscrowRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM escrow_agreements WHERE id").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(escrowCols()))

	got, err := repo.GetByID(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowRepo_Update(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEscrowRepo(mock)
	e := newTestEscrow()
	e.Version = 2
	e.FundedMinor = e.AmountMinor
	e.Status = domain.EscrowFunded

	mock.ExpectExec("UPDATE escrow_agreements SET").
		WithArgs(e.FundedMinor, e.ReleasedMinor, e.RefundedMinor, e.Status, e.PreDisputeStatus,
			e.UpdatedAt, e.ID, int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	for _, m := range e.Milestones {
		mock.ExpectExec("UPDATE escrow_milestones SET").
			WithArgs(m.ReleasedMinor, m.Status, m.CompletedAt, m.ID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	}

	require.NoError(t, repo.Update(context.Background(), e))
	assert.Equal(t, int64(3), e.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowRepo_Update_VersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEscrowRepo(mock)
	e := newTestEscrow()
	e.Version = 2

	mock.ExpectExec("UPDATE escrow_agreements SET").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), e.ID, int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.Update(context.Background(), e)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowRepo_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEscrowRepo(mock)
	e := newTestEscrow()
	status := domain.EscrowPendingFunding

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM escrow_agreements WHERE status = \\$1 AND currency = \\$2").
		WithArgs(status, "USD").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT .+ FROM escrow_agreements WHERE .+ ORDER BY amount_minor DESC, id LIMIT \\$3 OFFSET \\$4").
		WithArgs(status, "USD", 5, 5).
		WillReturnRows(escrowRow(e))
	mock.ExpectQuery("SELECT .+ FROM escrow_milestones").
		WithArgs([]uuid.UUID{e.ID}).
		WillReturnRows(milestoneRows(e.Milestones[0]))

	items, total, err := repo.List(context.Background(), ports.EscrowListParams{
		Status: &status, Currency: "USD", SortBy: "amount_minor", SortDesc: true, Page: 2, PageSize: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, items, 1)
	assert.Len(t, items[0].Milestones, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowRepo_ListExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEscrowRepo(mock)
	now := time.Now().UTC()
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT id FROM escrow_agreements").
		WithArgs(domain.EscrowPendingFunding, now, 100).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a).AddRow(b))

	ids, err := repo.ListExpired(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
