package memory

import (
	"context"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
)

type auditRepo struct {
	s *Store
}

// NewAuditRepository returns the store's append-only ports.AuditRepository.
func NewAuditRepository(s *Store) ports.AuditRepository {
	return &auditRepo{s: s}
}

func (r *auditRepo) Create(ctx context.Context, event *domain.AuditEvent) error {
	return r.s.write(ctx, func(j *journal) error {
		r.s.audit = append(r.s.audit, *event)
		n := len(r.s.audit) - 1
		j.onRollback(func() { r.s.audit = r.s.audit[:n] })
		return nil
	})
}

// List returns matching events newest first.
func (r *auditRepo) List(ctx context.Context, params ports.AuditListParams) ([]domain.AuditEvent, int64, error) {
	var matched []domain.AuditEvent
	r.s.read(ctx, func() {
		for i := len(r.s.audit) - 1; i >= 0; i-- {
			e := r.s.audit[i]
			if params.EntityType != nil && e.EntityType != *params.EntityType {
				continue
			}
			if params.EntityID != "" && e.EntityID != params.EntityID {
				continue
			}
			if params.Actor != "" && e.Actor != params.Actor {
				continue
			}
			matched = append(matched, e)
		}
	})
	start, end := paginate(len(matched), params.Page, params.PageSize)
	return matched[start:end], int64(len(matched)), nil
}
