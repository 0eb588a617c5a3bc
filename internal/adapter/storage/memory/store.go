// Package memory is an in-process store implementing every repository port.
// A unit of work holds the store-wide write lock and keeps an undo journal, so
// a failed unit of work leaves no partial writes. Reads outside a unit of work
// take the read lock and observe only committed state.
package memory

import (
	"context"
	"fmt"
	"sync"

	"escrow-engine/internal/core/domain"

	"github.com/google/uuid"
)

type txKey struct{}

// journal records how to undo each write of a unit of work.
type journal struct {
	store *Store
	undo  []func()
}

func (j *journal) onRollback(fn func()) {
	j.undo = append(j.undo, fn)
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// Store holds all engine state in memory.
type Store struct {
	mu sync.RWMutex

	accounts        map[uuid.UUID]domain.LedgerAccount
	accountsByOwner map[string]uuid.UUID
	references      map[string]struct{}
	entries         []domain.LedgerEntry
	entriesByAcct   map[uuid.UUID][]int
	seq             int64

	escrows        map[uuid.UUID]domain.EscrowAgreement
	milestoneIndex map[uuid.UUID]uuid.UUID

	subwallets         map[uuid.UUID]domain.Subwallet
	subwalletByAccount map[uuid.UUID]uuid.UUID

	disputes map[uuid.UUID]domain.DisputeCase
	audit    []domain.AuditEvent
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		accounts:           make(map[uuid.UUID]domain.LedgerAccount),
		accountsByOwner:    make(map[string]uuid.UUID),
		references:         make(map[string]struct{}),
		entriesByAcct:      make(map[uuid.UUID][]int),
		escrows:            make(map[uuid.UUID]domain.EscrowAgreement),
		milestoneIndex:     make(map[uuid.UUID]uuid.UUID),
		subwallets:         make(map[uuid.UUID]domain.Subwallet),
		subwalletByAccount: make(map[uuid.UUID]uuid.UUID),
		disputes:           make(map[uuid.UUID]domain.DisputeCase),
	}
}

// WithinTx implements ports.Transactor. A ctx already inside a unit of work of
// this store joins it.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.journalFrom(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j := &journal{store: s}
	defer func() {
		if r := recover(); r != nil {
			j.rollback()
			err = fmt.Errorf("unit of work panicked: %v", r)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		j.rollback()
		return err
	}
	return nil
}

func (s *Store) journalFrom(ctx context.Context) *journal {
	j, ok := ctx.Value(txKey{}).(*journal)
	if !ok || j.store != s {
		return nil
	}
	return j
}

// read runs fn under the read lock unless ctx already holds the write lock.
func (s *Store) read(ctx context.Context, fn func()) {
	if s.journalFrom(ctx) != nil {
		fn()
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn()
}

// write runs fn inside the ctx's unit of work, or in a single-statement one.
func (s *Store) write(ctx context.Context, fn func(j *journal) error) error {
	if j := s.journalFrom(ctx); j != nil {
		return fn(j)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &journal{store: s}
	if err := fn(j); err != nil {
		j.rollback()
		return err
	}
	return nil
}

// Ping implements ports.HealthChecker.
func (s *Store) Ping(_ context.Context) error { return nil }

// Name implements ports.HealthChecker.
func (s *Store) Name() string { return "memory" }

func paginate(total, page, pageSize int) (int, int) {
	if pageSize <= 0 {
		return 0, total
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}
