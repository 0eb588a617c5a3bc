package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
)

type escrowRepo struct {
	s *Store
}

// NewEscrowRepository returns the store's ports.EscrowRepository.
func NewEscrowRepository(s *Store) ports.EscrowRepository {
	return &escrowRepo{s: s}
}

func cloneEscrow(e domain.EscrowAgreement) domain.EscrowAgreement {
	out := e
	out.Milestones = make([]domain.Milestone, len(e.Milestones))
	copy(out.Milestones, e.Milestones)
	for i := range out.Milestones {
		if t := out.Milestones[i].CompletedAt; t != nil {
			v := *t
			out.Milestones[i].CompletedAt = &v
		}
	}
	if e.Deadline != nil {
		d := *e.Deadline
		out.Deadline = &d
	}
	return out
}

func (r *escrowRepo) Create(ctx context.Context, agreement *domain.EscrowAgreement) error {
	return r.s.write(ctx, func(j *journal) error {
		if _, ok := r.s.escrows[agreement.ID]; ok {
			return fmt.Errorf("escrow %s already exists", agreement.ID)
		}
		agreement.Version = 1
		r.s.escrows[agreement.ID] = cloneEscrow(*agreement)
		for _, m := range agreement.Milestones {
			r.s.milestoneIndex[m.ID] = agreement.ID
		}
		j.onRollback(func() {
			delete(r.s.escrows, agreement.ID)
			for _, m := range agreement.Milestones {
				delete(r.s.milestoneIndex, m.ID)
			}
		})
		return nil
	})
}

func (r *escrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.EscrowAgreement, error) {
	var out *domain.EscrowAgreement
	r.s.read(ctx, func() {
		if e, ok := r.s.escrows[id]; ok {
			c := cloneEscrow(e)
			out = &c
		}
	})
	return out, nil
}

func (r *escrowRepo) GetByMilestoneID(ctx context.Context, milestoneID uuid.UUID) (*domain.EscrowAgreement, error) {
	var out *domain.EscrowAgreement
	r.s.read(ctx, func() {
		id, ok := r.s.milestoneIndex[milestoneID]
		if !ok {
			return
		}
		c := cloneEscrow(r.s.escrows[id])
		out = &c
	})
	return out, nil
}

func (r *escrowRepo) Update(ctx context.Context, agreement *domain.EscrowAgreement) error {
	return r.s.write(ctx, func(j *journal) error {
		prev, ok := r.s.escrows[agreement.ID]
		if !ok {
			return fmt.Errorf("escrow %s not found", agreement.ID)
		}
		if prev.Version != agreement.Version {
			return domain.ErrVersionConflict
		}
		next := cloneEscrow(*agreement)
		next.Version++
		r.s.escrows[agreement.ID] = next
		agreement.Version = next.Version
		j.onRollback(func() { r.s.escrows[agreement.ID] = prev })
		return nil
	})
}

func (r *escrowRepo) List(ctx context.Context, params ports.EscrowListParams) ([]domain.EscrowAgreement, int64, error) {
	var matched []domain.EscrowAgreement
	r.s.read(ctx, func() {
		for _, e := range r.s.escrows {
			if params.Status != nil && e.Status != *params.Status {
				continue
			}
			if params.Currency != "" && e.Currency != params.Currency {
				continue
			}
			if params.InitiatorID != "" && e.InitiatorID != params.InitiatorID {
				continue
			}
			if params.CounterpartyID != "" && e.CounterpartyID != params.CounterpartyID {
				continue
			}
			matched = append(matched, cloneEscrow(e))
		}
	})

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less bool
		switch params.SortBy {
		case "amount_minor":
			less = a.AmountMinor < b.AmountMinor
		case "deadline":
			less = deadlineOf(a).Before(deadlineOf(b))
		default:
			less = a.CreatedAt.Before(b.CreatedAt)
		}
		if params.SortDesc {
			return !less && !equalSortKey(a, b, params.SortBy)
		}
		return less
	})

	start, end := paginate(len(matched), params.Page, params.PageSize)
	return matched[start:end], int64(len(matched)), nil
}

func deadlineOf(e domain.EscrowAgreement) time.Time {
	if e.Deadline == nil {
		return time.Time{}
	}
	return *e.Deadline
}

func equalSortKey(a, b domain.EscrowAgreement, sortBy string) bool {
	switch sortBy {
	case "amount_minor":
		return a.AmountMinor == b.AmountMinor
	case "deadline":
		return deadlineOf(a).Equal(deadlineOf(b))
	default:
		return a.CreatedAt.Equal(b.CreatedAt)
	}
}

func (r *escrowRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	type candidate struct {
		id       uuid.UUID
		deadline time.Time
	}
	var found []candidate
	r.s.read(ctx, func() {
		for _, e := range r.s.escrows {
			if e.Status == domain.EscrowPendingFunding && e.Deadline != nil && e.Deadline.Before(now) {
				found = append(found, candidate{id: e.ID, deadline: *e.Deadline})
			}
		}
	})
	sort.Slice(found, func(i, j int) bool { return found[i].deadline.Before(found[j].deadline) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]uuid.UUID, 0, len(found))
	for _, c := range found {
		ids = append(ids, c.id)
	}
	return ids, nil
}
