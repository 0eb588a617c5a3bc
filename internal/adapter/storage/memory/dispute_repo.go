package memory

import (
	"context"
	"fmt"
	"sort"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
)

type disputeRepo struct {
	s *Store
}

// NewDisputeRepository returns the store's ports.DisputeRepository.
func NewDisputeRepository(s *Store) ports.DisputeRepository {
	return &disputeRepo{s: s}
}

func cloneDispute(d domain.DisputeCase) domain.DisputeCase {
	out := d
	out.Evidence = make([]domain.Evidence, len(d.Evidence))
	copy(out.Evidence, d.Evidence)
	if d.MilestoneID != nil {
		id := *d.MilestoneID
		out.MilestoneID = &id
	}
	if d.Outcome != nil {
		o := *d.Outcome
		out.Outcome = &o
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func (r *disputeRepo) Create(ctx context.Context, d *domain.DisputeCase) error {
	return r.s.write(ctx, func(j *journal) error {
		if _, ok := r.s.disputes[d.ID]; ok {
			return fmt.Errorf("dispute %s already exists", d.ID)
		}
		d.Version = 1
		r.s.disputes[d.ID] = cloneDispute(*d)
		j.onRollback(func() { delete(r.s.disputes, d.ID) })
		return nil
	})
}

func (r *disputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DisputeCase, error) {
	var out *domain.DisputeCase
	r.s.read(ctx, func() {
		if d, ok := r.s.disputes[id]; ok {
			c := cloneDispute(d)
			out = &c
		}
	})
	return out, nil
}

func (r *disputeRepo) Update(ctx context.Context, d *domain.DisputeCase) error {
	return r.s.write(ctx, func(j *journal) error {
		prev, ok := r.s.disputes[d.ID]
		if !ok {
			return fmt.Errorf("dispute %s not found", d.ID)
		}
		if prev.Version != d.Version {
			return domain.ErrVersionConflict
		}
		next := cloneDispute(*d)
		next.Version++
		r.s.disputes[d.ID] = next
		d.Version = next.Version
		j.onRollback(func() { r.s.disputes[d.ID] = prev })
		return nil
	})
}

var priorityRank = map[domain.DisputePriority]int{
	domain.PriorityHigh:   0,
	domain.PriorityMedium: 1,
	domain.PriorityLow:    2,
}

func (r *disputeRepo) List(ctx context.Context, params ports.DisputeListParams) ([]domain.DisputeCase, int64, error) {
	var matched []domain.DisputeCase
	r.s.read(ctx, func() {
		for _, d := range r.s.disputes {
			if params.EscrowID != nil && d.EscrowID != *params.EscrowID {
				continue
			}
			if params.Status != nil && d.Status != *params.Status {
				continue
			}
			if params.Priority != nil && d.Priority != *params.Priority {
				continue
			}
			matched = append(matched, cloneDispute(d))
		}
	})
	// Review queue order: highest priority first, then oldest.
	sort.SliceStable(matched, func(i, j int) bool {
		pi, pj := priorityRank[matched[i].Priority], priorityRank[matched[j].Priority]
		if pi != pj {
			return pi < pj
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	start, end := paginate(len(matched), params.Page, params.PageSize)
	return matched[start:end], int64(len(matched)), nil
}
