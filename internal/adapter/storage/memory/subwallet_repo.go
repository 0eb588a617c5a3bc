package memory

import (
	"context"
	"fmt"
	"sort"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
)

type subwalletRepo struct {
	s *Store
}

// NewSubwalletRepository returns the store's ports.SubwalletRepository.
func NewSubwalletRepository(s *Store) ports.SubwalletRepository {
	return &subwalletRepo{s: s}
}

func cloneSubwallet(sw domain.Subwallet) domain.Subwallet {
	out := sw
	if sw.ApprovedAt != nil {
		t := *sw.ApprovedAt
		out.ApprovedAt = &t
	}
	return out
}

func (r *subwalletRepo) Create(ctx context.Context, sw *domain.Subwallet) error {
	return r.s.write(ctx, func(j *journal) error {
		if _, ok := r.s.subwallets[sw.ID]; ok {
			return fmt.Errorf("subwallet %s already exists", sw.ID)
		}
		if _, ok := r.s.subwalletByAccount[sw.AccountID]; ok {
			return fmt.Errorf("account %s already backs a subwallet", sw.AccountID)
		}
		sw.Version = 1
		r.s.subwallets[sw.ID] = cloneSubwallet(*sw)
		r.s.subwalletByAccount[sw.AccountID] = sw.ID
		j.onRollback(func() {
			delete(r.s.subwallets, sw.ID)
			delete(r.s.subwalletByAccount, sw.AccountID)
		})
		return nil
	})
}

func (r *subwalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subwallet, error) {
	var out *domain.Subwallet
	r.s.read(ctx, func() {
		if sw, ok := r.s.subwallets[id]; ok {
			c := cloneSubwallet(sw)
			out = &c
		}
	})
	return out, nil
}

func (r *subwalletRepo) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.Subwallet, error) {
	var out *domain.Subwallet
	r.s.read(ctx, func() {
		if id, ok := r.s.subwalletByAccount[accountID]; ok {
			c := cloneSubwallet(r.s.subwallets[id])
			out = &c
		}
	})
	return out, nil
}

func (r *subwalletRepo) Update(ctx context.Context, sw *domain.Subwallet) error {
	return r.s.write(ctx, func(j *journal) error {
		prev, ok := r.s.subwallets[sw.ID]
		if !ok {
			return fmt.Errorf("subwallet %s not found", sw.ID)
		}
		if prev.Version != sw.Version {
			return domain.ErrVersionConflict
		}
		next := cloneSubwallet(*sw)
		next.Version++
		r.s.subwallets[sw.ID] = next
		sw.Version = next.Version
		j.onRollback(func() { r.s.subwallets[sw.ID] = prev })
		return nil
	})
}

func (r *subwalletRepo) List(ctx context.Context, params ports.SubwalletListParams) ([]domain.Subwallet, int64, error) {
	var matched []domain.Subwallet
	r.s.read(ctx, func() {
		for _, sw := range r.s.subwallets {
			if params.Status != nil && sw.Status != *params.Status {
				continue
			}
			if params.RiskLevel != nil && sw.RiskLevel != *params.RiskLevel {
				continue
			}
			if params.OwnerType != nil && sw.Owner.Type != *params.OwnerType {
				continue
			}
			if params.OwnerID != nil && sw.Owner.ID != *params.OwnerID {
				continue
			}
			if params.Currency != nil && sw.Currency != *params.Currency {
				continue
			}
			matched = append(matched, cloneSubwallet(sw))
		}
	})
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	start, end := paginate(len(matched), params.Page, params.PageSize)
	return matched[start:end], int64(len(matched)), nil
}
