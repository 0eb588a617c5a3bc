package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LedgerRepo implements ports.LedgerRepository.
type LedgerRepo struct {
	pool Pool
}

// NewLedgerRepo creates a new LedgerRepo.
func NewLedgerRepo(pool Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

const accountColumns = `id, owner_type, owner_id, currency, normal_side, status, balance, version, created_at, updated_at`

// CreateAccount inserts a new ledger account.
func (r *LedgerRepo) CreateAccount(ctx context.Context, a *domain.LedgerAccount) error {
	query := `INSERT INTO ledger_accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	a.Version = 1
	_, err := conn(ctx, r.pool).Exec(ctx, query,
		a.ID, a.Owner.Type, a.Owner.ID, a.Currency, a.NormalSide, a.Status,
		a.Balance, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger account: %w", classify(err))
	}
	return nil
}

// GetAccount fetches an account by id, locking the row inside a transaction.
func (r *LedgerRepo) GetAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM ledger_accounts WHERE id = $1` + forUpdate(ctx)
	return scanAccount(conn(ctx, r.pool).QueryRow(ctx, query, id))
}

// GetAccountByOwner fetches the account of an owner in a currency.
func (r *LedgerRepo) GetAccountByOwner(ctx context.Context, owner domain.OwnerRef, currency string) (*domain.LedgerAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM ledger_accounts
		WHERE owner_type = $1 AND owner_id = $2 AND currency = $3`
	return scanAccount(conn(ctx, r.pool).QueryRow(ctx, query, owner.Type, owner.ID, currency))
}

// UpdateAccount writes status and balance if the stored version still matches.
func (r *LedgerRepo) UpdateAccount(ctx context.Context, a *domain.LedgerAccount) error {
	query := `UPDATE ledger_accounts SET status = $1, balance = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`

	tag, err := conn(ctx, r.pool).Exec(ctx, query, a.Status, a.Balance, a.UpdatedAt, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("update ledger account: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	a.Version++
	return nil
}

// InsertTransaction stores the transaction header and its entries.
func (r *LedgerRepo) InsertTransaction(ctx context.Context, txn *domain.LedgerTransaction) error {
	q := conn(ctx, r.pool)

	_, err := q.Exec(ctx,
		`INSERT INTO ledger_transactions (id, reference, currency, actor, compliance_override, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		txn.ID, txn.Reference, txn.Currency, txn.Actor, txn.ComplianceOverride, txn.CreatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.ErrReferenceExists
		}
		return fmt.Errorf("insert ledger transaction: %w", classify(err))
	}

	for i := range txn.Entries {
		e := &txn.Entries[i]
		err := q.QueryRow(ctx,
			`INSERT INTO ledger_entries (id, transaction_id, account_id, transaction_ref, direction, amount_minor, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`,
			e.ID, txn.ID, e.AccountID, e.TransactionRef, e.Direction, e.AmountMinor, e.Currency, e.CreatedAt,
		).Scan(&e.Seq)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", classify(err))
		}
	}
	return nil
}

// ReferenceExists checks whether a transaction reference was committed.
func (r *LedgerRepo) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_transactions WHERE reference = $1)`, reference,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reference exists: %w", err)
	}
	return exists, nil
}

// ListEntries returns an account's entries in sequence order after params.AfterSeq.
func (r *LedgerRepo) ListEntries(ctx context.Context, params ports.EntryListParams) ([]domain.LedgerEntry, error) {
	conditions := []string{"account_id = $1", "seq > $2"}
	args := []any{params.AccountID, params.AfterSeq}
	argIdx := 3

	if params.Direction != nil {
		conditions = append(conditions, fmt.Sprintf("direction = $%d", argIdx))
		args = append(args, *params.Direction)
		argIdx++
	}
	if params.Reference != "" {
		conditions = append(conditions, fmt.Sprintf("transaction_ref = $%d", argIdx))
		args = append(args, params.Reference)
		argIdx++
	}
	if params.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *params.From)
		argIdx++
	}
	if params.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *params.To)
		argIdx++
	}

	query := fmt.Sprintf(`SELECT id, seq, account_id, transaction_ref, direction, amount_minor, currency, created_at
		FROM ledger_entries WHERE %s ORDER BY seq`, strings.Join(conditions, " AND "))
	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, params.Limit)
	}

	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Seq, &e.AccountID, &e.TransactionRef, &e.Direction,
			&e.AmountMinor, &e.Currency, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

// SumEntries totals an account's debits and credits.
func (r *LedgerRepo) SumEntries(ctx context.Context, accountID uuid.UUID) (int64, int64, error) {
	var debits, credits int64
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT
		COALESCE(SUM(amount_minor) FILTER (WHERE direction = 'DEBIT'), 0) AS debits,
		COALESCE(SUM(amount_minor) FILTER (WHERE direction = 'CREDIT'), 0) AS credits
		FROM ledger_entries WHERE account_id = $1`, accountID,
	).Scan(&debits, &credits)
	if err != nil {
		return 0, 0, fmt.Errorf("sum ledger entries: %w", err)
	}
	return debits, credits, nil
}

// EntryStats counts an account's entries and their volume since a point in time.
func (r *LedgerRepo) EntryStats(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, int64, error) {
	var count, volume int64
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM ledger_entries WHERE account_id = $1 AND created_at >= $2`, accountID, since,
	).Scan(&count, &volume)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger entry stats: %w", err)
	}
	return count, volume, nil
}

func scanAccount(row pgx.Row) (*domain.LedgerAccount, error) {
	a := &domain.LedgerAccount{}
	err := row.Scan(
		&a.ID, &a.Owner.Type, &a.Owner.ID, &a.Currency, &a.NormalSide, &a.Status,
		&a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger account: %w", err)
	}
	return a, nil
}
