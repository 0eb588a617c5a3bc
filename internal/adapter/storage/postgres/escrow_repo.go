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

// EscrowRepo implements ports.EscrowRepository. Milestones live in their own
// table and are always loaded with the agreement.
type EscrowRepo struct {
	pool Pool
}

// NewEscrowRepo creates a new EscrowRepo.
func NewEscrowRepo(pool Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `id, currency, amount_minor, funded_minor, released_minor, refunded_minor,
	status, pre_dispute_status, deadline, initiator_id, counterparty_id, counterparty_subwallet_id,
	holding_account_id, version, created_at, updated_at`

const milestoneColumns = `id, escrow_id, idx, title, amount_minor, released_minor, status, completed_at`

var escrowSortColumns = map[string]string{
	"created_at":   "created_at",
	"amount_minor": "amount_minor",
	"deadline":     "deadline",
}

// Create inserts the agreement and its milestones.
func (r *EscrowRepo) Create(ctx context.Context, e *domain.EscrowAgreement) error {
	q := conn(ctx, r.pool)
	e.Version = 1

	_, err := q.Exec(ctx, `INSERT INTO escrow_agreements (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.Currency, e.AmountMinor, e.FundedMinor, e.ReleasedMinor, e.RefundedMinor,
		e.Status, e.PreDisputeStatus, e.Deadline, e.InitiatorID, e.CounterpartyID, e.CounterpartySubwalletID,
		e.HoldingAccountID, e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow agreement: %w", classify(err))
	}

	for _, m := range e.Milestones {
		_, err := q.Exec(ctx, `INSERT INTO escrow_milestones (`+milestoneColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.EscrowID, m.Idx, m.Title, m.AmountMinor, m.ReleasedMinor, m.Status, m.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert milestone: %w", classify(err))
		}
	}
	return nil
}

// GetByID fetches an agreement with its milestones. Inside a transaction
// the agreement row is locked.
func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.EscrowAgreement, error) {
	q := conn(ctx, r.pool)
	e, err := scanEscrow(q.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_agreements WHERE id = $1`+forUpdate(ctx), id))
	if err != nil || e == nil {
		return nil, err
	}
	if err := r.loadMilestones(ctx, []*domain.EscrowAgreement{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// GetByMilestoneID fetches the agreement owning a milestone.
func (r *EscrowRepo) GetByMilestoneID(ctx context.Context, milestoneID uuid.UUID) (*domain.EscrowAgreement, error) {
	var escrowID uuid.UUID
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT escrow_id FROM escrow_milestones WHERE id = $1`, milestoneID,
	).Scan(&escrowID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get milestone escrow: %w", err)
	}
	return r.GetByID(ctx, escrowID)
}

// Update writes the agreement and milestone state under an optimistic version check.
func (r *EscrowRepo) Update(ctx context.Context, e *domain.EscrowAgreement) error {
	q := conn(ctx, r.pool)

	tag, err := q.Exec(ctx, `UPDATE escrow_agreements SET
		funded_minor = $1, released_minor = $2, refunded_minor = $3, status = $4, pre_dispute_status = $5,
		version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		e.FundedMinor, e.ReleasedMinor, e.RefundedMinor, e.Status, e.PreDisputeStatus,
		e.UpdatedAt, e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update escrow agreement: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}

	for _, m := range e.Milestones {
		_, err := q.Exec(ctx, `UPDATE escrow_milestones SET released_minor = $1, status = $2, completed_at = $3
			WHERE id = $4`, m.ReleasedMinor, m.Status, m.CompletedAt, m.ID)
		if err != nil {
			return fmt.Errorf("update milestone: %w", classify(err))
		}
	}
	e.Version++
	return nil
}

// List fetches agreements with filtering, sorting and pagination.
func (r *EscrowRepo) List(ctx context.Context, params ports.EscrowListParams) ([]domain.EscrowAgreement, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if params.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *params.Status)
		argIdx++
	}
	if params.Currency != "" {
		conditions = append(conditions, fmt.Sprintf("currency = $%d", argIdx))
		args = append(args, params.Currency)
		argIdx++
	}
	if params.InitiatorID != "" {
		conditions = append(conditions, fmt.Sprintf("initiator_id = $%d", argIdx))
		args = append(args, params.InitiatorID)
		argIdx++
	}
	if params.CounterpartyID != "" {
		conditions = append(conditions, fmt.Sprintf("counterparty_id = $%d", argIdx))
		args = append(args, params.CounterpartyID)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	q := conn(ctx, r.pool)
	var total int64
	if err := q.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM escrow_agreements %s", where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count escrow agreements: %w", err)
	}

	sortCol, ok := escrowSortColumns[params.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	dir := "ASC"
	if params.SortDesc {
		dir = "DESC"
	}
	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM escrow_agreements %s ORDER BY %s %s, id LIMIT $%d OFFSET $%d`,
		escrowColumns, where, sortCol, dir, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := q.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list escrow agreements: %w", err)
	}
	defer rows.Close()

	var items []*domain.EscrowAgreement
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate escrow rows: %w", err)
	}
	rows.Close()

	if err := r.loadMilestones(ctx, items); err != nil {
		return nil, 0, err
	}
	out := make([]domain.EscrowAgreement, 0, len(items))
	for _, e := range items {
		out = append(out, *e)
	}
	return out, total, nil
}

// ListExpired returns unfunded agreements whose deadline passed, oldest deadline first.
func (r *EscrowRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT id FROM escrow_agreements
		WHERE status = $1 AND deadline IS NOT NULL AND deadline < $2
		ORDER BY deadline LIMIT $3`, domain.EscrowPendingFunding, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired escrow: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired escrows: %w", err)
	}
	return ids, nil
}

func (r *EscrowRepo) loadMilestones(ctx context.Context, items []*domain.EscrowAgreement) error {
	if len(items) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*domain.EscrowAgreement, len(items))
	ids := make([]uuid.UUID, 0, len(items))
	for _, e := range items {
		e.Milestones = []domain.Milestone{}
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+milestoneColumns+` FROM escrow_milestones
		WHERE escrow_id = ANY($1) ORDER BY escrow_id, idx`, ids)
	if err != nil {
		return fmt.Errorf("load milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.Milestone
		if err := rows.Scan(&m.ID, &m.EscrowID, &m.Idx, &m.Title, &m.AmountMinor,
			&m.ReleasedMinor, &m.Status, &m.CompletedAt); err != nil {
			return fmt.Errorf("scan milestone: %w", err)
		}
		if e, ok := byID[m.EscrowID]; ok {
			e.Milestones = append(e.Milestones, m)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate milestones: %w", err)
	}
	return nil
}

func scanEscrow(row pgx.Row) (*domain.EscrowAgreement, error) {
	e := &domain.EscrowAgreement{}
	err := row.Scan(
		&e.ID, &e.Currency, &e.AmountMinor, &e.FundedMinor, &e.ReleasedMinor, &e.RefundedMinor,
		&e.Status, &e.PreDisputeStatus, &e.Deadline, &e.InitiatorID, &e.CounterpartyID, &e.CounterpartySubwalletID,
		&e.HoldingAccountID, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan escrow agreement: %w", err)
	}
	return e, nil
}
