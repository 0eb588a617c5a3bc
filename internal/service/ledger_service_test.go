package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"escrow-engine/internal/adapter/storage/memory"
	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/internal/core/ports/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func transfer(ref string, from, to uuid.UUID, amount int64) ports.PostingRequest {
	return ports.PostingRequest{
		Reference: ref,
		Currency:  "USD",
		Actor:     "test",
		Lines: []ports.PostingLine{
			{AccountID: from, Direction: domain.Debit, AmountMinor: amount},
			{AccountID: to, Direction: domain.Credit, AmountMinor: amount},
		},
	}
}

func TestLedgerService_PostTransaction(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rail, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	sw := e.newSubwallet(t, "USD")

	txn, err := e.ledger.PostTransaction(ctx, transfer("t-1", rail.ID, sw.AccountID, 2500))
	require.NoError(t, err)
	require.Len(t, txn.Entries, 2)
	debits, credits := txn.Totals()
	assert.Equal(t, debits, credits)

	assert.Equal(t, int64(2500), e.balance(t, sw.AccountID))
	// The debit-normal clearing account grows with each debit.
	assert.Equal(t, int64(2500), e.balance(t, rail.ID))

	recomputed, err := e.ledger.RecomputeBalance(ctx, sw.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), recomputed)

	_, err = e.ledger.PostTransaction(ctx, transfer("t-2", sw.AccountID, rail.ID, 1000))
	require.NoError(t, err)
	assert.Equal(t, int64(1500), e.balance(t, sw.AccountID))
	assert.Equal(t, int64(1500), e.balance(t, rail.ID))
}

func TestLedgerService_SystemAccountIsReused(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "KES")
	require.NoError(t, err)
	b, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "KES")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, domain.Debit, a.NormalSide)

	c, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestLedgerService_RejectsInvalidPostings(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rail, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	sw := e.newSubwallet(t, "USD")
	eur := e.newSubwallet(t, "EUR")

	imbalanced := transfer("bad-1", rail.ID, sw.AccountID, 100)
	imbalanced.Lines[1].AmountMinor = 99

	single := transfer("bad-2", rail.ID, sw.AccountID, 100)
	single.Lines = single.Lines[:1]

	zero := transfer("bad-3", rail.ID, sw.AccountID, 0)

	noRef := transfer("", rail.ID, sw.AccountID, 100)

	tests := []struct {
		name string
		req  ports.PostingRequest
		code string
	}{
		{"imbalanced", imbalanced, "LEDGER_001"},
		{"single entry", single, "VAL_001"},
		{"zero amount", zero, "VAL_001"},
		{"missing reference", noRef, "VAL_001"},
		{"currency mismatch", transfer("bad-4", rail.ID, eur.AccountID, 100), "LEDGER_002"},
		{"unknown account", transfer("bad-5", rail.ID, uuid.New(), 100), "VAL_002"},
		{"insufficient funds", transfer("bad-6", sw.AccountID, rail.ID, 1), "LEDGER_005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ledger.PostTransaction(ctx, tt.req)
			assertCode(t, err, tt.code)
		})
	}

	assert.Equal(t, int64(0), e.balance(t, sw.AccountID))
	assert.Equal(t, int64(0), e.balance(t, rail.ID))
}

func TestLedgerService_DuplicateReference(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rail, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	sw := e.newSubwallet(t, "USD")

	_, err = e.ledger.PostTransaction(ctx, transfer("dup", rail.ID, sw.AccountID, 700))
	require.NoError(t, err)

	_, err = e.ledger.PostTransaction(ctx, transfer("dup", rail.ID, sw.AccountID, 700))
	assertCode(t, err, "LEDGER_006")
	assert.Equal(t, int64(700), e.balance(t, sw.AccountID), "duplicate must not move funds")
}

func TestLedgerService_ClosedAccountRejectsPostings(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rail, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	acct, err := e.ledger.OpenAccount(ctx, domain.OwnerRef{Type: domain.OwnerEscrowHolding, ID: "h-1"}, "USD")
	require.NoError(t, err)

	closed, err := e.ledger.CloseAccount(ctx, acct.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountClosed, closed.Status)

	_, err = e.ledger.PostTransaction(ctx, transfer("c-1", rail.ID, acct.ID, 10))
	assertCode(t, err, "LEDGER_004")

	_, err = e.ledger.CloseAccount(ctx, acct.ID, "ops")
	assertCode(t, err, "STATE_001")
}

func TestLedgerService_FrozenSubwalletNeedsOverride(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rail, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	sw := e.newSubwallet(t, "USD")

	_, err = e.subwallets.SetStatus(ctx, ports.SetSubwalletStatusRequest{SubwalletID: sw.ID, Status: domain.SubwalletFrozen, Actor: "compliance"})
	require.NoError(t, err)

	_, err = e.ledger.PostTransaction(ctx, transfer("f-1", rail.ID, sw.AccountID, 10))
	assertCode(t, err, "LEDGER_003")

	req := transfer("f-2", rail.ID, sw.AccountID, 10)
	req.ComplianceOverride = true
	txn, err := e.ledger.PostTransaction(ctx, req)
	require.NoError(t, err)
	assert.True(t, txn.ComplianceOverride)
	assert.Equal(t, int64(10), e.balance(t, sw.AccountID))
}

func TestLedgerService_ListEntriesCursor(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rail, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	sw := e.newSubwallet(t, "USD")

	for i := 0; i < 5; i++ {
		_, err := e.ledger.PostTransaction(ctx, transfer(fmt.Sprintf("p-%d", i), rail.ID, sw.AccountID, int64(100+i)))
		require.NoError(t, err)
	}

	page, err := e.ledger.ListEntries(ctx, sw.AccountID, ports.EntryFilter{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "p-0", page.Entries[0].TransactionRef)

	var refs []string
	cursor := ""
	for {
		page, err := e.ledger.ListEntries(ctx, sw.AccountID, ports.EntryFilter{}, cursor, 2)
		require.NoError(t, err)
		for _, entry := range page.Entries {
			refs = append(refs, entry.TransactionRef)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"p-0", "p-1", "p-2", "p-3", "p-4"}, refs)

	filtered, err := e.ledger.ListEntries(ctx, sw.AccountID, ports.EntryFilter{Reference: "p-3"}, "", 10)
	require.NoError(t, err)
	require.Len(t, filtered.Entries, 1)
	assert.Equal(t, int64(103), filtered.Entries[0].AmountMinor)

	_, err = e.ledger.ListEntries(ctx, sw.AccountID, ports.EntryFilter{}, "not-a-cursor", 10)
	assertCode(t, err, "VAL_001")
}

func TestLedgerService_ConcurrentPostingsKeepBalance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rail, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	sw := e.newSubwallet(t, "USD")

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ledger.PostTransaction(ctx, transfer(fmt.Sprintf("c-%d", i), rail.ID, sw.AccountID, 25))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(workers*25), e.balance(t, sw.AccountID))
	rec, err := e.ledger.VerifyAccount(ctx, sw.AccountID)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestLedgerService_ConcurrentSameReferenceCommitsOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rail, err := e.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	sw := e.newSubwallet(t, "USD")

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ledger.PostTransaction(ctx, transfer("same-ref", rail.ID, sw.AccountID, 50)); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int64(50), e.balance(t, sw.AccountID))
}

func TestLedgerService_ReferenceCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockReferenceCache(ctrl)

	store := memory.NewStore()
	repo := memory.NewLedgerRepository(store)
	svc := NewLedgerService(repo, nil, cache, store, memory.NewLocker(), DefaultEngineOptions(), newTestLogger())
	ctx := context.Background()

	rail, err := svc.EnsureSystemAccount(ctx, domain.SystemRailClearing, "USD")
	require.NoError(t, err)
	acct, err := svc.OpenAccount(ctx, domain.OwnerRef{Type: domain.OwnerEscrowHolding, ID: "h"}, "USD")
	require.NoError(t, err)

	t.Run("cache hit short-circuits", func(t *testing.T) {
		cache.EXPECT().Seen(gomock.Any(), "cached").Return(true, nil)
		_, err := svc.PostTransaction(ctx, transfer("cached", rail.ID, acct.ID, 10))
		assertCode(t, err, "LEDGER_006")
	})

	t.Run("committed reference is remembered", func(t *testing.T) {
		gomock.InOrder(
			cache.EXPECT().Seen(gomock.Any(), "fresh").Return(false, nil),
			cache.EXPECT().Remember(gomock.Any(), "fresh", DefaultEngineOptions().ReferenceCacheTTL).Return(nil),
		)
		_, err := svc.PostTransaction(ctx, transfer("fresh", rail.ID, acct.ID, 10))
		require.NoError(t, err)
	})

	t.Run("cache errors fall through to the store", func(t *testing.T) {
		cache.EXPECT().Seen(gomock.Any(), "fresh").Return(false, fmt.Errorf("redis down"))
		_, err := svc.PostTransaction(ctx, transfer("fresh", rail.ID, acct.ID, 10))
		assertCode(t, err, "LEDGER_006")
	})

	t.Run("failed posting is not remembered", func(t *testing.T) {
		cache.EXPECT().Seen(gomock.Any(), "too-big").Return(false, nil)
		_, err := svc.PostTransaction(ctx, transfer("too-big", acct.ID, rail.ID, 1_000_000))
		assertCode(t, err, "LEDGER_005")
	})
}
