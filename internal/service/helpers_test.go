package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"escrow-engine/internal/adapter/storage/memory"
	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingAudit keeps audit events in memory, synchronously.
type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, event domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAudit) List(_ context.Context, _ ports.AuditListParams) ([]domain.AuditEvent, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEvent(nil), a.events...), int64(len(a.events)), nil
}

func (a *recordingAudit) byAction(action domain.AuditAction) []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range a.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// testEngine wires every service over one in-memory store.
type testEngine struct {
	store      *memory.Store
	ledgerRepo ports.LedgerRepository
	ledger     *LedgerServiceImpl
	subwallets *SubwalletServiceImpl
	escrow     *EscrowServiceImpl
	disputes   *DisputeServiceImpl
	audit      *recordingAudit
	clock      *testClock
}

type engineOption func(*engineConfig)

type engineConfig struct {
	risk     RiskOptions
	objects  ports.ObjectStore
	evidence EvidenceOptions
	cache    ports.ReferenceCache
}

func withRisk(risk RiskOptions) engineOption {
	return func(c *engineConfig) { c.risk = risk }
}

func withObjectStore(objects ports.ObjectStore, evidence EvidenceOptions) engineOption {
	return func(c *engineConfig) {
		c.objects = objects
		c.evidence = evidence
	}
}

func newTestEngine(t *testing.T, opts ...engineOption) *testEngine {
	t.Helper()
	cfg := engineConfig{evidence: EvidenceOptions{MaxSizeBytes: 10 << 20}}
	for _, o := range opts {
		o(&cfg)
	}

	log := newTestLogger()
	store := memory.NewStore()
	locker := memory.NewLocker()
	engineOpts := DefaultEngineOptions()

	ledgerRepo := memory.NewLedgerRepository(store)
	swRepo := memory.NewSubwalletRepository(store)
	clock := &testClock{now: t0}
	audit := &recordingAudit{}

	ledger := NewLedgerService(ledgerRepo, NewSubwalletGuard(swRepo), cfg.cache, store, locker, engineOpts, log)
	subwallets := NewSubwalletService(swRepo, ledger, audit, cfg.risk, log)
	escrow := NewEscrowService(memory.NewEscrowRepository(store), swRepo, subwallets, ledger, audit, locker, engineOpts, log)
	disputes := NewDisputeService(memory.NewDisputeRepository(store), escrow, ledger, cfg.objects, audit, cfg.evidence, log)

	ledger.now = clock.Now
	subwallets.now = clock.Now
	escrow.now = clock.Now
	disputes.now = clock.Now

	return &testEngine{
		store:      store,
		ledgerRepo: ledgerRepo,
		ledger:     ledger,
		subwallets: subwallets,
		escrow:     escrow,
		disputes:   disputes,
		audit:      audit,
		clock:      clock,
	}
}

func (e *testEngine) newSubwallet(t *testing.T, currency string) *domain.Subwallet {
	t.Helper()
	sw, err := e.subwallets.Create(context.Background(), ports.CreateSubwalletRequest{
		Owner:    domain.OwnerRef{Type: domain.SubwalletOwnerBusiness, ID: "biz-" + uuid.NewString()[:8]},
		Currency: currency,
		Actor:    "ops",
	})
	require.NoError(t, err)
	return sw
}

// newAgreement creates an agreement paying into a fresh subwallet.
func (e *testEngine) newAgreement(t *testing.T, currency string, milestones ...int64) (*domain.EscrowAgreement, *domain.Subwallet) {
	t.Helper()
	payee := e.newSubwallet(t, currency)
	var total int64
	specs := make([]ports.MilestoneSpec, 0, len(milestones))
	for i, amount := range milestones {
		total += amount
		specs = append(specs, ports.MilestoneSpec{Title: "phase " + string(rune('A'+i)), AmountMinor: amount})
	}
	agreement, err := e.escrow.CreateAgreement(context.Background(), ports.CreateEscrowRequest{
		Currency:                currency,
		AmountMinor:             total,
		InitiatorID:             "buyer-1",
		CounterpartyID:          "seller-1",
		CounterpartySubwalletID: payee.ID,
		Milestones:              specs,
		Actor:                   "ops",
	})
	require.NoError(t, err)
	return agreement, payee
}

func (e *testEngine) fund(t *testing.T, id uuid.UUID, amount int64) *domain.EscrowAgreement {
	t.Helper()
	agreement, err := e.escrow.Fund(context.Background(), ports.FundRequest{
		EscrowID:    id,
		AmountMinor: amount,
		Reference:   "rail:" + uuid.NewString(),
		Actor:       "rail",
	})
	require.NoError(t, err)
	return agreement
}

func (e *testEngine) release(t *testing.T, milestoneID uuid.UUID) *domain.EscrowAgreement {
	t.Helper()
	ctx := context.Background()
	_, err := e.escrow.StartMilestone(ctx, milestoneID, "ops")
	require.NoError(t, err)
	agreement, err := e.escrow.CompleteMilestone(ctx, milestoneID, "ops")
	require.NoError(t, err)
	return agreement
}

func (e *testEngine) balance(t *testing.T, accountID uuid.UUID) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

// assertConsistent checks the escrow amount rules and that the holding
// account and every listed account reconcile against their entries.
func (e *testEngine) assertConsistent(t *testing.T, agreement *domain.EscrowAgreement, accounts ...uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	stored, err := e.escrow.GetAgreement(ctx, agreement.ID)
	require.NoError(t, err)
	require.NoError(t, stored.CheckInvariants())
	assert.Equal(t, stored.HeldMinor(), e.balance(t, stored.HoldingAccountID), "holding balance equals held funds")

	for _, id := range append([]uuid.UUID{stored.HoldingAccountID}, accounts...) {
		rec, err := e.ledger.VerifyAccount(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Consistent, "account %s drifted: %d vs %d", id, rec.Balance, rec.Recomputed)
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	assert.Equal(t, code, appErr.Code, appErr.Message)
}
