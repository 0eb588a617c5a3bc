package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SubwalletRepo implements ports.SubwalletRepository. Balances are not stored
// here; they are read from the ledger account.
type SubwalletRepo struct {
	pool Pool
}

// NewSubwalletRepo creates a new SubwalletRepo.
func NewSubwalletRepo(pool Pool) *SubwalletRepo {
	return &SubwalletRepo{pool: pool}
}

const subwalletColumns = `id, owner_type, owner_id, currency, account_id, status, risk_level, risk_score,
	baseline_score, aml_flagged, kyc_status, compliance_approved, approved_by, approved_at, version, created_at, updated_at`

// Create inserts a new subwallet.
func (r *SubwalletRepo) Create(ctx context.Context, sw *domain.Subwallet) error {
	sw.Version = 1
	_, err := conn(ctx, r.pool).Exec(ctx, `INSERT INTO subwallets (`+subwalletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sw.ID, sw.Owner.Type, sw.Owner.ID, sw.Currency, sw.AccountID, sw.Status, sw.RiskLevel, sw.RiskScore,
		sw.BaselineScore, sw.AMLFlagged, sw.KYCStatus, sw.ComplianceApproved, sw.ApprovedBy, sw.ApprovedAt,
		sw.Version, sw.CreatedAt, sw.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subwallet: %w", classify(err))
	}
	return nil
}

// GetByID fetches a subwallet by id.
func (r *SubwalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subwallet, error) {
	return scanSubwallet(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+subwalletColumns+` FROM subwallets WHERE id = $1`+forUpdate(ctx), id))
}

// GetByAccountID fetches the subwallet backed by a ledger account.
func (r *SubwalletRepo) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.Subwallet, error) {
	return scanSubwallet(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+subwalletColumns+` FROM subwallets WHERE account_id = $1`, accountID))
}

// Update writes status and compliance fields under an optimistic version check.
func (r *SubwalletRepo) Update(ctx context.Context, sw *domain.Subwallet) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE subwallets SET
		status = $1, risk_level = $2, risk_score = $3, baseline_score = $4, aml_flagged = $5, kyc_status = $6,
		compliance_approved = $7, approved_by = $8, approved_at = $9, version = version + 1, updated_at = $10
		WHERE id = $11 AND version = $12`,
		sw.Status, sw.RiskLevel, sw.RiskScore, sw.BaselineScore, sw.AMLFlagged, sw.KYCStatus,
		sw.ComplianceApproved, sw.ApprovedBy, sw.ApprovedAt, sw.UpdatedAt, sw.ID, sw.Version,
	)
	if err != nil {
		return fmt.Errorf("update subwallet: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	sw.Version++
	return nil
}

// List fetches subwallets with filtering and pagination, newest first.
func (r *SubwalletRepo) List(ctx context.Context, params ports.SubwalletListParams) ([]domain.Subwallet, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if params.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *params.Status)
		argIdx++
	}
	if params.RiskLevel != nil {
		conditions = append(conditions, fmt.Sprintf("risk_level = $%d", argIdx))
		args = append(args, *params.RiskLevel)
		argIdx++
	}
	if params.OwnerType != nil {
		conditions = append(conditions, fmt.Sprintf("owner_type = $%d", argIdx))
		args = append(args, *params.OwnerType)
		argIdx++
	}
	if params.OwnerID != nil {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, *params.OwnerID)
		argIdx++
	}
	if params.Currency != nil {
		conditions = append(conditions, fmt.Sprintf("currency = $%d", argIdx))
		args = append(args, *params.Currency)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	q := conn(ctx, r.pool)
	var total int64
	if err := q.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM subwallets %s", where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count subwallets: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM subwallets %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		subwalletColumns, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := q.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list subwallets: %w", err)
	}
	defer rows.Close()

	items := []domain.Subwallet{}
	for rows.Next() {
		sw, err := scanSubwallet(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *sw)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate subwallet rows: %w", err)
	}
	return items, total, nil
}

func scanSubwallet(row pgx.Row) (*domain.Subwallet, error) {
	sw := &domain.Subwallet{}
	err := row.Scan(
		&sw.ID, &sw.Owner.Type, &sw.Owner.ID, &sw.Currency, &sw.AccountID, &sw.Status, &sw.RiskLevel, &sw.RiskScore,
		&sw.BaselineScore, &sw.AMLFlagged, &sw.KYCStatus, &sw.ComplianceApproved, &sw.ApprovedBy, &sw.ApprovedAt,
		&sw.Version, &sw.CreatedAt, &sw.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subwallet: %w", err)
	}
	return sw, nil
}
