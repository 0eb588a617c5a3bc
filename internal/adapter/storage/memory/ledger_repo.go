package memory

import (
	"context"
	"fmt"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/google/uuid"
)

type ledgerRepo struct {
	s *Store
}

// NewLedgerRepository returns the store's ports.LedgerRepository.
func NewLedgerRepository(s *Store) ports.LedgerRepository {
	return &ledgerRepo{s: s}
}

func ownerKey(owner domain.OwnerRef, currency string) string {
	return string(owner.Type) + "|" + owner.ID + "|" + currency
}

func (r *ledgerRepo) CreateAccount(ctx context.Context, account *domain.LedgerAccount) error {
	return r.s.write(ctx, func(j *journal) error {
		key := ownerKey(account.Owner, account.Currency)
		if _, ok := r.s.accountsByOwner[key]; ok {
			return fmt.Errorf("account for owner %s already exists", key)
		}
		if _, ok := r.s.accounts[account.ID]; ok {
			return fmt.Errorf("account %s already exists", account.ID)
		}
		account.Version = 1
		r.s.accounts[account.ID] = *account
		r.s.accountsByOwner[key] = account.ID
		j.onRollback(func() {
			delete(r.s.accounts, account.ID)
			delete(r.s.accountsByOwner, key)
		})
		return nil
	})
}

func (r *ledgerRepo) GetAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error) {
	var out *domain.LedgerAccount
	r.s.read(ctx, func() {
		if a, ok := r.s.accounts[id]; ok {
			out = &a
		}
	})
	return out, nil
}

func (r *ledgerRepo) GetAccountByOwner(ctx context.Context, owner domain.OwnerRef, currency string) (*domain.LedgerAccount, error) {
	var out *domain.LedgerAccount
	r.s.read(ctx, func() {
		if id, ok := r.s.accountsByOwner[ownerKey(owner, currency)]; ok {
			a := r.s.accounts[id]
			out = &a
		}
	})
	return out, nil
}

func (r *ledgerRepo) UpdateAccount(ctx context.Context, account *domain.LedgerAccount) error {
	return r.s.write(ctx, func(j *journal) error {
		prev, ok := r.s.accounts[account.ID]
		if !ok {
			return fmt.Errorf("account %s not found", account.ID)
		}
		if prev.Version != account.Version {
			return domain.ErrVersionConflict
		}
		next := *account
		next.Version++
		r.s.accounts[account.ID] = next
		account.Version = next.Version
		j.onRollback(func() { r.s.accounts[account.ID] = prev })
		return nil
	})
}

func (r *ledgerRepo) InsertTransaction(ctx context.Context, txn *domain.LedgerTransaction) error {
	return r.s.write(ctx, func(j *journal) error {
		if _, ok := r.s.references[txn.Reference]; ok {
			return domain.ErrReferenceExists
		}
		r.s.references[txn.Reference] = struct{}{}
		prevSeq, prevLen := r.s.seq, len(r.s.entries)
		touched := make([]uuid.UUID, 0, len(txn.Entries))
		for i := range txn.Entries {
			r.s.seq++
			txn.Entries[i].Seq = r.s.seq
			r.s.entries = append(r.s.entries, txn.Entries[i])
			acct := txn.Entries[i].AccountID
			r.s.entriesByAcct[acct] = append(r.s.entriesByAcct[acct], len(r.s.entries)-1)
			touched = append(touched, acct)
		}
		j.onRollback(func() {
			delete(r.s.references, txn.Reference)
			for i := len(touched) - 1; i >= 0; i-- {
				idx := r.s.entriesByAcct[touched[i]]
				r.s.entriesByAcct[touched[i]] = idx[:len(idx)-1]
			}
			r.s.entries = r.s.entries[:prevLen]
			r.s.seq = prevSeq
		})
		return nil
	})
}

func (r *ledgerRepo) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var ok bool
	r.s.read(ctx, func() { _, ok = r.s.references[reference] })
	return ok, nil
}

func (r *ledgerRepo) ListEntries(ctx context.Context, params ports.EntryListParams) ([]domain.LedgerEntry, error) {
	out := []domain.LedgerEntry{}
	r.s.read(ctx, func() {
		for _, idx := range r.s.entriesByAcct[params.AccountID] {
			e := r.s.entries[idx]
			if e.Seq <= params.AfterSeq || !matchEntry(e, params) {
				continue
			}
			out = append(out, e)
			if params.Limit > 0 && len(out) >= params.Limit {
				break
			}
		}
	})
	return out, nil
}

func matchEntry(e domain.LedgerEntry, p ports.EntryListParams) bool {
	if p.Direction != nil && e.Direction != *p.Direction {
		return false
	}
	if p.Reference != "" && e.TransactionRef != p.Reference {
		return false
	}
	if p.From != nil && e.CreatedAt.Before(*p.From) {
		return false
	}
	if p.To != nil && !e.CreatedAt.Before(*p.To) {
		return false
	}
	return true
}

func (r *ledgerRepo) SumEntries(ctx context.Context, accountID uuid.UUID) (int64, int64, error) {
	var debits, credits int64
	r.s.read(ctx, func() {
		for _, idx := range r.s.entriesByAcct[accountID] {
			e := r.s.entries[idx]
			if e.Direction == domain.Debit {
				debits += e.AmountMinor
			} else {
				credits += e.AmountMinor
			}
		}
	})
	return debits, credits, nil
}

func (r *ledgerRepo) EntryStats(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, int64, error) {
	var count, volume int64
	r.s.read(ctx, func() {
		for _, idx := range r.s.entriesByAcct[accountID] {
			e := r.s.entries[idx]
			if e.CreatedAt.Before(since) {
				continue
			}
			count++
			volume += e.AmountMinor
		}
	})
	return count, volume, nil
}
