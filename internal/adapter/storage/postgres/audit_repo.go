package postgres

import (
	"context"
	"fmt"
	"strings"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
)

// AuditRepo implements ports.AuditRepository. Rows are only ever inserted.
type AuditRepo struct {
	pool Pool
}

// NewAuditRepo creates a new AuditRepo.
func NewAuditRepo(pool Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

const auditColumns = `id, actor, entity_type, entity_id, action, from_state, to_state, reason,
	outcome, error_code, details, created_at`

// Create appends an audit event.
func (r *AuditRepo) Create(ctx context.Context, e *domain.AuditEvent) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Actor, e.EntityType, e.EntityID, e.Action, e.FromState, e.ToState, e.Reason,
		e.Outcome, e.ErrorCode, e.Details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List fetches audit events newest first.
func (r *AuditRepo) List(ctx context.Context, params ports.AuditListParams) ([]domain.AuditEvent, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if params.EntityType != nil {
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", argIdx))
		args = append(args, *params.EntityType)
		argIdx++
	}
	if params.EntityID != "" {
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", argIdx))
		args = append(args, params.EntityID)
		argIdx++
	}
	if params.Actor != "" {
		conditions = append(conditions, fmt.Sprintf("actor = $%d", argIdx))
		args = append(args, params.Actor)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	q := conn(ctx, r.pool)
	var total int64
	if err := q.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM audit_events %s", where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM audit_events %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		auditColumns, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := q.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []domain.AuditEvent{}
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.Actor, &e.EntityType, &e.EntityID, &e.Action, &e.FromState, &e.ToState,
			&e.Reason, &e.Outcome, &e.ErrorCode, &e.Details, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit rows: %w", err)
	}
	return events, total, nil
}
