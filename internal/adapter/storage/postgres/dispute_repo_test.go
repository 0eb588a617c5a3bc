package postgres

import (
	"context"
	"testing"
	"time"

	"escrow-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func disputeCols() []string {
	return []string{"id", "escrow_id", "milestone_id", "raised_by", "reason", "priority", "status",
		"outcome_type", "outcome_amount_minor", "notes", "evidence", "version", "created_at", "updated_at", "resolved_at"}
}

func TestDisputeRepo_GetByID_DecodesOutcomeAndEvidence(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDisputeRepo(mock)
	id, escrowID, milestoneID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	outcome := string(domain.OutcomePartialRefund)
	amount := int64(2500)
	mid := &milestoneID

	mock.ExpectQuery("SELECT .+ FROM disputes WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(disputeCols()).AddRow(
			id, escrowID, mid, "buyer-1", "not delivered", domain.PriorityHigh, domain.DisputeResolved,
			&outcome, &amount, "split", []byte(`[{"object_key":"ev/1.pdf","content_type":"application/pdf","size_bytes":1024,"added_by":"buyer-1","created_at":"2026-01-01T00:00:00Z"}]`),
			int64(5), now, now, &now,
		))

	d, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NotNil(t, d.Outcome)
	assert.Equal(t, domain.OutcomePartialRefund, d.Outcome.Type)
	assert.Equal(t, int64(2500), d.Outcome.AmountMinor)
	require.Len(t, d.Evidence, 1)
	assert.Equal(t, "ev/1.pdf", d.Evidence[0].ObjectKey)
	assert.Equal(t, milestoneID, *d.MilestoneID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisputeRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDisputeRepo(mock)
	now := time.Now().UTC()
	d := &domain.DisputeCase{
		ID: uuid.New(), EscrowID: uuid.New(), RaisedBy: "buyer-1", Reason: "late",
		Priority: domain.PriorityMedium, Status: domain.DisputeOpen, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO disputes").
		WithArgs(d.ID, d.EscrowID, d.MilestoneID, d.RaisedBy, d.Reason, d.Priority, d.Status,
			(*string)(nil), (*int64)(nil), "", []byte("[]"), int64(1), now, now, d.ResolvedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisputeRepo_Update_VersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDisputeRepo(mock)
	d := &domain.DisputeCase{ID: uuid.New(), Version: 3, Status: domain.DisputeUnderReview}

	mock.ExpectExec("UPDATE disputes SET").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), d.ID, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.Update(context.Background(), d)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
