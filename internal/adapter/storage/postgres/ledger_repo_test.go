package postgres

import (
	"context"
	"testing"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccount() *domain.LedgerAccount {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.NewLedgerAccount(domain.OwnerRef{Type: domain.OwnerSubwallet, ID: uuid.NewString()}, "USD", now)
}

func accountCols() []string {
	return []string{"id", "owner_type", "owner_id", "currency", "normal_side", "status", "balance", "version",
		"created_at", "updated_at"}
}

func accountRow(a *domain.LedgerAccount) *pgxmock.Rows {
	return pgxmock.NewRows(accountCols()).AddRow(
		a.ID, a.Owner.Type, a.Owner.ID, a.Currency, a.NormalSide, a.Status,
		a.Balance, a.Version, a.CreatedAt, a.UpdatedAt,
	)
}

func TestLedgerRepo_CreateAccount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	a := newTestAccount()

	mock.ExpectExec("INSERT INTO ledger_accounts").
		WithArgs(a.ID, a.Owner.Type, a.Owner.ID, a.Currency, a.NormalSide, a.Status,
			a.Balance, int64(1), a.CreatedAt, a.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.CreateAccount(context.Background(), a)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_GetAccount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	a := newTestAccount()
	a.Balance = 4200
	a.Version = 3

	mock.ExpectQuery("SELECT .+ FROM ledger_accounts WHERE id").
		WithArgs(a.ID).
		WillReturnRows(accountRow(a))

	got, err := repo.GetAccount(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Owner, got.Owner)
	assert.Equal(t, int64(4200), got.Balance)
	assert.Equal(t, int64(3), got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_GetAccountByOwner_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	owner := domain.SystemOwner(domain.SystemRailClearing, "EUR")

	mock.ExpectQuery("SELECT .+ FROM ledger_accounts WHERE owner_type .+ AND owner_id .+ AND currency").
		WithArgs(owner.Type, owner.ID, "EUR").
		WillReturnRows(pgxmock.NewRows(accountCols()))

	got, err := repo.GetAccountByOwner(context.Background(), owner, "EUR")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_UpdateAccount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	a := newTestAccount()
	a.Version = 2
	a.Balance = 100

	mock.ExpectExec("UPDATE ledger_accounts SET status").
		WithArgs(a.Status, a.Balance, a.UpdatedAt, a.ID, int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpdateAccount(context.Background(), a))
	assert.Equal(t, int64(3), a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_UpdateAccount_VersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	a := newTestAccount()
	a.Version = 2

	mock.ExpectExec("UPDATE ledger_accounts SET status").
		WithArgs(a.Status, a.Balance, a.UpdatedAt, a.ID, int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.UpdateAccount(context.Background(), a)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, int64(2), a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_InsertTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	now := time.Now().UTC()
	debitAcct, creditAcct := uuid.New(), uuid.New()
	txn := &domain.LedgerTransaction{
		ID: uuid.New(), Reference: "fund-001", Currency: "USD", Actor: "rail", CreatedAt: now,
		Entries: []domain.LedgerEntry{
			{ID: uuid.New(), AccountID: debitAcct, TransactionRef: "fund-001", Direction: domain.Debit, AmountMinor: 500, Currency: "USD", CreatedAt: now},
			{ID: uuid.New(), AccountID: creditAcct, TransactionRef: "fund-001", Direction: domain.Credit, AmountMinor: 500, Currency: "USD", CreatedAt: now},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WithArgs(txn.ID, "fund-001", "USD", "rail", false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for i, e := range txn.Entries {
		mock.ExpectQuery("INSERT INTO ledger_entries .+ RETURNING seq").
			WithArgs(e.ID, txn.ID, e.AccountID, e.TransactionRef, e.Direction, e.AmountMinor, e.Currency, e.CreatedAt).
			WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(41 + i)))
	}
	mock.ExpectCommit()

	tr := NewTransactor(mock, zerolog.Nop())
	err = tr.WithinTx(context.Background(), func(ctx context.Context) error {
		return repo.InsertTransaction(ctx, txn)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(41), txn.Entries[0].Seq)
	assert.Equal(t, int64(42), txn.Entries[1].Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_InsertTransaction_DuplicateReference(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	txn := &domain.LedgerTransaction{ID: uuid.New(), Reference: "fund-001", Currency: "USD"}

	mock.ExpectExec("INSERT INTO ledger_transactions").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "ledger_transactions_reference_key"})

	err = repo.InsertTransaction(context.Background(), txn)
	assert.ErrorIs(t, err, domain.ErrReferenceExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ReferenceExists(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("escrow:1:cancel").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.ReferenceExists(context.Background(), "escrow:1:cancel")
	assert.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ListEntries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	acct := uuid.New()
	now := time.Now().UTC()
	credit := domain.Credit

	mock.ExpectQuery("SELECT .+ FROM ledger_entries WHERE account_id = \\$1 AND seq > \\$2 AND direction = \\$3 ORDER BY seq LIMIT \\$4").
		WithArgs(acct, int64(10), domain.Credit, 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "seq", "account_id", "transaction_ref", "direction", "amount_minor", "currency", "created_at"}).
			AddRow(uuid.New(), int64(11), acct, "r1", domain.Credit, int64(100), "USD", now).
			AddRow(uuid.New(), int64(14), acct, "r2", domain.Credit, int64(250), "USD", now))

	entries, err := repo.ListEntries(context.Background(), ports.EntryListParams{
		AccountID: acct, AfterSeq: 10, Direction: &credit, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(14), entries[1].Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_SumEntries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	acct := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM ledger_entries WHERE account_id").
		WithArgs(acct).
		WillReturnRows(pgxmock.NewRows([]string{"debits", "credits"}).AddRow(int64(300), int64(1000)))

	debits, credits, err := repo.SumEntries(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, int64(300), debits)
	assert.Equal(t, int64(1000), credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}
