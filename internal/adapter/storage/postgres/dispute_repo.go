package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DisputeRepo implements ports.DisputeRepository. Evidence metadata is kept as
// a JSONB array on the case row.
type DisputeRepo struct {
	pool Pool
}

// NewDisputeRepo creates a new DisputeRepo.
func NewDisputeRepo(pool Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

const disputeColumns = `id, escrow_id, milestone_id, raised_by, reason, priority, status,
	outcome_type, outcome_amount_minor, notes, evidence, version, created_at, updated_at, resolved_at`

// Create inserts a new dispute case.
func (r *DisputeRepo) Create(ctx context.Context, d *domain.DisputeCase) error {
	evidence, err := marshalEvidence(d.Evidence)
	if err != nil {
		return err
	}
	outcomeType, outcomeAmount := outcomeColumns(d.Outcome)

	d.Version = 1
	_, err = conn(ctx, r.pool).Exec(ctx, `INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.EscrowID, d.MilestoneID, d.RaisedBy, d.Reason, d.Priority, d.Status,
		outcomeType, outcomeAmount, d.Notes, evidence, d.Version, d.CreatedAt, d.UpdatedAt, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", classify(err))
	}
	return nil
}

// GetByID fetches a dispute case by id.
func (r *DisputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DisputeCase, error) {
	return scanDispute(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

// Update writes the case under an optimistic version check.
func (r *DisputeRepo) Update(ctx context.Context, d *domain.DisputeCase) error {
	evidence, err := marshalEvidence(d.Evidence)
	if err != nil {
		return err
	}
	outcomeType, outcomeAmount := outcomeColumns(d.Outcome)

	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE disputes SET
		priority = $1, status = $2, outcome_type = $3, outcome_amount_minor = $4, notes = $5, evidence = $6,
		version = version + 1, updated_at = $7, resolved_at = $8
		WHERE id = $9 AND version = $10`,
		d.Priority, d.Status, outcomeType, outcomeAmount, d.Notes, evidence,
		d.UpdatedAt, d.ResolvedAt, d.ID, d.Version,
	)
	if err != nil {
		return fmt.Errorf("update dispute: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	d.Version++
	return nil
}

// List fetches cases in review-queue order: highest priority first, then oldest.
func (r *DisputeRepo) List(ctx context.Context, params ports.DisputeListParams) ([]domain.DisputeCase, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if params.EscrowID != nil {
		conditions = append(conditions, fmt.Sprintf("escrow_id = $%d", argIdx))
		args = append(args, *params.EscrowID)
		argIdx++
	}
	if params.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *params.Status)
		argIdx++
	}
	if params.Priority != nil {
		conditions = append(conditions, fmt.Sprintf("priority = $%d", argIdx))
		args = append(args, *params.Priority)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	q := conn(ctx, r.pool)
	var total int64
	if err := q.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM disputes %s", where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count disputes: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM disputes %s
		ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'MEDIUM' THEN 1 ELSE 2 END, created_at
		LIMIT $%d OFFSET $%d`, disputeColumns, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := q.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	items := []domain.DisputeCase{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dispute rows: %w", err)
	}
	return items, total, nil
}

func marshalEvidence(evidence []domain.Evidence) ([]byte, error) {
	if evidence == nil {
		evidence = []domain.Evidence{}
	}
	b, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	return b, nil
}

func outcomeColumns(o *domain.DisputeOutcome) (*string, *int64) {
	if o == nil {
		return nil, nil
	}
	t := string(o.Type)
	amount := o.AmountMinor
	return &t, &amount
}

func scanDispute(row pgx.Row) (*domain.DisputeCase, error) {
	d := &domain.DisputeCase{}
	var (
		outcomeType   *string
		outcomeAmount *int64
		evidence      []byte
	)
	err := row.Scan(
		&d.ID, &d.EscrowID, &d.MilestoneID, &d.RaisedBy, &d.Reason, &d.Priority, &d.Status,
		&outcomeType, &outcomeAmount, &d.Notes, &evidence, &d.Version, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	if outcomeType != nil {
		d.Outcome = &domain.DisputeOutcome{Type: domain.OutcomeType(*outcomeType)}
		if outcomeAmount != nil {
			d.Outcome.AmountMinor = *outcomeAmount
		}
	}
	d.Evidence = []domain.Evidence{}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return d, nil
}
