package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var escrowSortColumns = map[string]bool{
	"":             true,
	"created_at":   true,
	"amount_minor": true,
	"deadline":     true,
}

// EscrowServiceImpl implements ports.EscrowService. Every operation that
// touches funds runs under the escrow aggregate lock and the ledger locks of
// the holding, rail clearing and payee accounts, in one unit of work with its
// posting.
type EscrowServiceImpl struct {
	repo       ports.EscrowRepository
	subwallets ports.SubwalletRepository
	wallets    ports.SubwalletService
	ledger     ports.LedgerService
	audit      ports.AuditService
	locks      *lockManager
	now        func() time.Time
	log        zerolog.Logger
}

// NewEscrowService creates the escrow agreement orchestrator.
func NewEscrowService(
	repo ports.EscrowRepository,
	subwallets ports.SubwalletRepository,
	wallets ports.SubwalletService,
	ledger ports.LedgerService,
	audit ports.AuditService,
	locker ports.AggregateLocker,
	opts EngineOptions,
	log zerolog.Logger,
) *EscrowServiceImpl {
	return &EscrowServiceImpl{
		repo:       repo,
		subwallets: subwallets,
		wallets:    wallets,
		ledger:     ledger,
		audit:      audit,
		locks:      newLockManager(locker, opts.LockTimeout),
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// CreateAgreement validates the milestone plan and opens the holding account.
// Without milestones the agreement gets a single milestone for the full amount.
func (s *EscrowServiceImpl) CreateAgreement(ctx context.Context, req ports.CreateEscrowRequest) (*domain.EscrowAgreement, error) {
	if !domain.ValidCurrency(req.Currency) {
		return nil, apperror.Validation("currency must be an ISO-4217 code")
	}
	if req.AmountMinor <= 0 {
		return nil, apperror.Validation("amount must be positive")
	}
	if strings.TrimSpace(req.InitiatorID) == "" || strings.TrimSpace(req.CounterpartyID) == "" {
		return nil, apperror.Validation("initiator and counterparty are required")
	}
	now := s.now()
	if req.Deadline != nil && !req.Deadline.After(now) {
		return nil, apperror.Validation("deadline must be in the future")
	}

	payee, err := s.subwallets.GetByID(ctx, req.CounterpartySubwalletID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get counterparty subwallet: %w", err))
	}
	if payee == nil {
		return nil, apperror.ErrNotFound("Counterparty subwallet")
	}
	if payee.Currency != req.Currency {
		return nil, apperror.ErrCurrencyMismatch()
	}
	if payee.Status == domain.SubwalletClosed {
		return nil, apperror.ErrAccountClosed()
	}

	specs := req.Milestones
	if len(specs) == 0 {
		specs = []ports.MilestoneSpec{{Title: "Full amount", AmountMinor: req.AmountMinor}}
	}

	agreement := &domain.EscrowAgreement{
		ID:                      uuid.New(),
		Currency:                req.Currency,
		AmountMinor:             req.AmountMinor,
		Status:                  domain.EscrowPendingFunding,
		Deadline:                req.Deadline,
		InitiatorID:             req.InitiatorID,
		CounterpartyID:          req.CounterpartyID,
		CounterpartySubwalletID: payee.ID,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	var sum int64
	for i, spec := range specs {
		if spec.AmountMinor <= 0 {
			return nil, apperror.Validation("milestone amount must be positive")
		}
		title := strings.TrimSpace(spec.Title)
		if title == "" {
			title = fmt.Sprintf("Milestone %d", i+1)
		}
		sum += spec.AmountMinor
		agreement.Milestones = append(agreement.Milestones, domain.Milestone{
			ID:          uuid.New(),
			EscrowID:    agreement.ID,
			Idx:         i,
			Title:       title,
			AmountMinor: spec.AmountMinor,
			Status:      domain.MilestonePending,
		})
	}
	if sum != req.AmountMinor {
		return nil, apperror.Validation(fmt.Sprintf("milestones sum to %d, agreement amount is %d", sum, req.AmountMinor))
	}

	err = s.ledger.Atomically(ctx, nil, func(ctx context.Context) error {
		holding, err := s.ledger.OpenAccount(ctx,
			domain.OwnerRef{Type: domain.OwnerEscrowHolding, ID: agreement.ID.String()}, req.Currency)
		if err != nil {
			return err
		}
		agreement.HoldingAccountID = holding.ID
		if err := s.repo.Create(ctx, agreement); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create escrow: %w", err))
		}
		return nil
	})
	recordAttempt(ctx, s.audit, domain.AuditEvent{
		Actor:      req.Actor,
		EntityType: domain.AuditEntityEscrow,
		EntityID:   agreement.ID.String(),
		Action:     domain.AuditActionCreate,
		ToState:    string(domain.EscrowPendingFunding),
	}, err)
	if err != nil {
		return nil, asAppError(err, "create escrow")
	}

	s.log.Info().
		Str("escrow_id", agreement.ID.String()).
		Int64("amount_minor", agreement.AmountMinor).
		Str("currency", agreement.Currency).
		Int("milestones", len(agreement.Milestones)).
		Msg("escrow agreement created")
	return agreement, nil
}

// GetAgreement returns the agreement or NotFound.
func (s *EscrowServiceImpl) GetAgreement(ctx context.Context, id uuid.UUID) (*domain.EscrowAgreement, error) {
	return s.load(ctx, id)
}

// ListAgreements returns a filtered, sorted page of agreements.
func (s *EscrowServiceImpl) ListAgreements(ctx context.Context, params ports.EscrowListParams) ([]domain.EscrowAgreement, int64, error) {
	if !escrowSortColumns[params.SortBy] {
		return nil, 0, apperror.Validation("sort must be created_at, amount_minor or deadline")
	}
	params.Page, params.PageSize = normalizePage(params.Page, params.PageSize)
	items, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(fmt.Errorf("list escrows: %w", err))
	}
	return items, total, nil
}

// Fund credits the holding account from rail clearing. The agreement moves to
// FUNDED once the funded amount reaches the agreement amount.
func (s *EscrowServiceImpl) Fund(ctx context.Context, req ports.FundRequest) (*domain.EscrowAgreement, error) {
	if req.AmountMinor <= 0 {
		return nil, apperror.Validation("amount must be positive")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return nil, apperror.Validation("funding reference is required")
	}

	audit := domain.AuditEvent{Actor: req.Actor, EntityType: domain.AuditEntityEscrow, EntityID: req.EscrowID.String(), Action: domain.AuditActionFund, Reason: req.Reference}
	updated, err := s.mutate(ctx, req.EscrowID, req.Actor, func(ctx context.Context, c *escrowChange) error {
		e := c.agreement
		audit.FromState = string(e.Status)
		if e.Status != domain.EscrowPendingFunding {
			return apperror.ErrIllegalTransition("Escrow agreement", string(e.Status), "fund")
		}
		if e.Expired(s.now()) {
			return apperror.ErrDeadlineExpired()
		}
		if e.FundedMinor+req.AmountMinor > e.AmountMinor {
			return apperror.Validation(fmt.Sprintf("funding exceeds agreement amount by %d", e.FundedMinor+req.AmountMinor-e.AmountMinor))
		}
		if _, err := s.ledger.Apply(ctx, ports.PostingRequest{
			Reference: req.Reference,
			Currency:  e.Currency,
			Actor:     req.Actor,
			Lines: []ports.PostingLine{
				{AccountID: c.rail.ID, Direction: domain.Debit, AmountMinor: req.AmountMinor},
				{AccountID: e.HoldingAccountID, Direction: domain.Credit, AmountMinor: req.AmountMinor},
			},
		}); err != nil {
			return err
		}
		e.FundedMinor += req.AmountMinor
		if e.FundedMinor >= e.AmountMinor {
			e.Status = domain.EscrowFunded
		}
		return nil
	})
	s.finish(ctx, audit, updated, err)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("escrow_id", req.EscrowID.String()).
		Int64("amount_minor", req.AmountMinor).
		Str("reference", req.Reference).
		Str("status", string(updated.Status)).
		Msg("escrow funded")
	return updated, nil
}

// StartMilestone moves a PENDING milestone to IN_PROGRESS.
func (s *EscrowServiceImpl) StartMilestone(ctx context.Context, milestoneID uuid.UUID, actor string) (*domain.EscrowAgreement, error) {
	escrowID, err := s.escrowForMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	audit := domain.AuditEvent{Actor: actor, EntityType: domain.AuditEntityMilestone, EntityID: milestoneID.String(), Action: domain.AuditActionStartMilestone}
	updated, err := s.mutate(ctx, escrowID, actor, func(ctx context.Context, c *escrowChange) error {
		e := c.agreement
		m := e.Milestone(milestoneID)
		audit.FromState = string(m.Status)
		if err := requireReleasable(e, "start milestone"); err != nil {
			return err
		}
		if !m.Status.CanTransition(domain.MilestoneInProgress) {
			return apperror.ErrIllegalTransition("Milestone", string(m.Status), "start")
		}
		m.Status = domain.MilestoneInProgress
		audit.ToState = string(m.Status)
		return nil
	})
	recordAttempt(ctx, s.audit, audit, err)
	return updated, err
}

// CompleteMilestone completes an IN_PROGRESS milestone and releases its
// amount, capped at the funds still held, to the counterparty subwallet.
func (s *EscrowServiceImpl) CompleteMilestone(ctx context.Context, milestoneID uuid.UUID, actor string) (*domain.EscrowAgreement, error) {
	escrowID, err := s.escrowForMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	audit := domain.AuditEvent{Actor: actor, EntityType: domain.AuditEntityEscrow, EntityID: escrowID.String(), Action: domain.AuditActionRelease, Reason: "milestone " + milestoneID.String()}
	updated, err := s.mutate(ctx, escrowID, actor, func(ctx context.Context, c *escrowChange) error {
		e := c.agreement
		audit.FromState = string(e.Status)
		if err := requireReleasable(e, "complete milestone"); err != nil {
			return err
		}
		m := e.Milestone(milestoneID)
		if !m.Status.CanTransition(domain.MilestoneCompleted) {
			return apperror.ErrIllegalTransition("Milestone", string(m.Status), "complete")
		}
		if err := c.release(ctx, m, releaseReference(e.ID, m.ID)); err != nil {
			return err
		}
		m.Status = domain.MilestoneCompleted
		now := s.now()
		m.CompletedAt = &now
		c.settle()
		return nil
	})
	s.finish(ctx, audit, updated, err)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("escrow_id", escrowID.String()).
		Str("milestone_id", milestoneID.String()).
		Int64("released_minor", updated.ReleasedMinor).
		Str("status", string(updated.Status)).
		Msg("milestone released")
	return updated, nil
}

// Refund returns held funds to the initiator through rail clearing.
func (s *EscrowServiceImpl) Refund(ctx context.Context, req ports.RefundRequest) (*domain.EscrowAgreement, error) {
	if req.AmountMinor <= 0 {
		return nil, apperror.Validation("amount must be positive")
	}
	reference := req.Reference
	if strings.TrimSpace(reference) == "" {
		reference = fmt.Sprintf("escrow:%s:refund:%s", req.EscrowID, uuid.NewString())
	}

	audit := domain.AuditEvent{Actor: req.Actor, EntityType: domain.AuditEntityEscrow, EntityID: req.EscrowID.String(), Action: domain.AuditActionRefund, Reason: req.Reason}
	updated, err := s.mutate(ctx, req.EscrowID, req.Actor, func(ctx context.Context, c *escrowChange) error {
		e := c.agreement
		audit.FromState = string(e.Status)
		if err := requireReleasable(e, "refund"); err != nil {
			return err
		}
		if req.AmountMinor > e.HeldMinor() {
			return apperror.Validation(fmt.Sprintf("refund %d exceeds held funds %d", req.AmountMinor, e.HeldMinor()))
		}
		if err := c.refund(ctx, req.AmountMinor, reference); err != nil {
			return err
		}
		c.settle()
		return nil
	})
	s.finish(ctx, audit, updated, err)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("escrow_id", req.EscrowID.String()).
		Int64("amount_minor", req.AmountMinor).
		Str("status", string(updated.Status)).
		Msg("escrow refunded")
	return updated, nil
}

// Cancel terminates an agreement that is PENDING_FUNDING, or FUNDED with no
// releases, refunding whatever is held.
func (s *EscrowServiceImpl) Cancel(ctx context.Context, escrowID uuid.UUID, actor, reason string) (*domain.EscrowAgreement, error) {
	audit := domain.AuditEvent{Actor: actor, EntityType: domain.AuditEntityEscrow, EntityID: escrowID.String(), Action: domain.AuditActionCancel, Reason: reason}
	updated, err := s.mutate(ctx, escrowID, actor, func(ctx context.Context, c *escrowChange) error {
		audit.FromState = string(c.agreement.Status)
		return c.cancel(ctx, fmt.Sprintf("escrow:%s:cancel", escrowID))
	})
	s.finish(ctx, audit, updated, err)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("escrow_id", escrowID.String()).Str("actor", actor).Msg("escrow cancelled")
	return updated, nil
}

// SweepExpired cancels PENDING_FUNDING agreements whose deadline passed before
// now. It is the hook called by the external scheduler.
func (s *EscrowServiceImpl) SweepExpired(ctx context.Context, now time.Time, limit int) (*ports.SweepResult, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.repo.ListExpired(ctx, now, limit)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list expired escrows: %w", err))
	}

	result := &ports.SweepResult{Cancelled: []uuid.UUID{}, Failed: []uuid.UUID{}}
	for _, id := range ids {
		skipped := false
		audit := domain.AuditEvent{Actor: "scheduler", EntityType: domain.AuditEntityEscrow, EntityID: id.String(), Action: domain.AuditActionExpire, Reason: "funding deadline passed"}
		updated, err := s.mutate(ctx, id, "scheduler", func(ctx context.Context, c *escrowChange) error {
			e := c.agreement
			audit.FromState = string(e.Status)
			if e.Status != domain.EscrowPendingFunding || !e.Expired(now) {
				skipped = true
				return nil
			}
			return c.cancel(ctx, fmt.Sprintf("escrow:%s:expire", id))
		})
		if skipped && err == nil {
			continue
		}
		s.finish(ctx, audit, updated, err)
		if err != nil {
			s.log.Warn().Err(err).Str("escrow_id", id.String()).Msg("failed to expire escrow")
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Cancelled = append(result.Cancelled, id)
	}

	s.log.Info().
		Int("cancelled", len(result.Cancelled)).
		Int("failed", len(result.Failed)).
		Msg("deadline sweep finished")
	return result, nil
}

// escrowChange is the in-transaction view of one agreement mutation. Its
// movement helpers post to the ledger and keep the agreement amounts in step.
type escrowChange struct {
	svc       *EscrowServiceImpl
	agreement *domain.EscrowAgreement
	rail      *domain.LedgerAccount
	payee     *domain.Subwallet
	actor     string
	// override lets postings reach a FROZEN payee. Only dispute resolution
	// sets it; overrideUsed reports whether a posting actually relied on it.
	override     bool
	overrideUsed bool
}

// release moves the unreleased part of m, capped at held funds, to the payee.
func (c *escrowChange) release(ctx context.Context, m *domain.Milestone, reference string) error {
	e := c.agreement
	amount := m.Unreleased()
	if held := e.HeldMinor(); amount > held {
		amount = held
	}
	if amount <= 0 {
		return nil
	}
	payee, err := c.svc.subwallets.GetByID(ctx, c.payee.ID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("get payee subwallet: %w", err))
	}
	if payee == nil {
		return apperror.ErrNotFound("Counterparty subwallet")
	}
	payer, err := c.initiatorWallet(ctx)
	if err != nil {
		return err
	}
	if _, err := c.svc.wallets.AuthorizeTransaction(ctx, payee, payer, amount); err != nil {
		return err
	}
	override := c.override && payee.Status == domain.SubwalletFrozen
	if _, err := c.svc.ledger.Apply(ctx, ports.PostingRequest{
		Reference:          reference,
		Currency:           e.Currency,
		Actor:              c.actor,
		ComplianceOverride: override,
		Lines: []ports.PostingLine{
			{AccountID: e.HoldingAccountID, Direction: domain.Debit, AmountMinor: amount},
			{AccountID: payee.AccountID, Direction: domain.Credit, AmountMinor: amount},
		},
	}); err != nil {
		return err
	}
	if override {
		c.overrideUsed = true
	}
	m.ReleasedMinor += amount
	e.ReleasedMinor += amount
	return nil
}

// initiatorWallet returns the initiator's subwallet in the agreement currency,
// preferring an AML-flagged one, or nil when the initiator holds none.
func (c *escrowChange) initiatorWallet(ctx context.Context) (*domain.Subwallet, error) {
	owner, currency := c.agreement.InitiatorID, c.agreement.Currency
	wallets, _, err := c.svc.subwallets.List(ctx, ports.SubwalletListParams{OwnerID: &owner, Currency: &currency, Page: 1, PageSize: 20})
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list initiator subwallets: %w", err))
	}
	if len(wallets) == 0 {
		return nil, nil
	}
	for i := range wallets {
		if wallets[i].AMLFlagged {
			return &wallets[i], nil
		}
	}
	return &wallets[0], nil
}

// refund returns amount of the held funds to rail clearing.
func (c *escrowChange) refund(ctx context.Context, amount int64, reference string) error {
	e := c.agreement
	if amount <= 0 {
		return nil
	}
	if amount > e.HeldMinor() {
		return apperror.Validation(fmt.Sprintf("refund %d exceeds held funds %d", amount, e.HeldMinor()))
	}
	if _, err := c.svc.ledger.Apply(ctx, ports.PostingRequest{
		Reference: reference,
		Currency:  e.Currency,
		Actor:     c.actor,
		Lines: []ports.PostingLine{
			{AccountID: e.HoldingAccountID, Direction: domain.Debit, AmountMinor: amount},
			{AccountID: c.rail.ID, Direction: domain.Credit, AmountMinor: amount},
		},
	}); err != nil {
		return err
	}
	e.RefundedMinor += amount
	return nil
}

func (c *escrowChange) cancel(ctx context.Context, reference string) error {
	e := c.agreement
	switch e.Status {
	case domain.EscrowPendingFunding:
	case domain.EscrowFunded:
		if e.ReleasedMinor > 0 {
			return apperror.ErrIllegalTransition("Escrow agreement", string(e.Status), "cancel after release")
		}
	default:
		return apperror.ErrIllegalTransition("Escrow agreement", string(e.Status), "cancel")
	}
	if err := c.refund(ctx, e.HeldMinor(), reference); err != nil {
		return err
	}
	e.Status = domain.EscrowCancelled
	e.CancelOpenMilestones()
	return nil
}

// settle recomputes the agreement status from its amounts. Once nothing is
// held, milestones that can no longer be paid are cancelled.
func (c *escrowChange) settle() {
	e := c.agreement
	e.Status = e.DeriveStatus()
	if e.HeldMinor() == 0 && e.FundedMinor > 0 {
		e.CancelOpenMilestones()
	}
}

// mutate runs fn on a fresh copy of the agreement under the escrow lock and
// the ledger locks of every account it may post to, then persists the result.
func (s *EscrowServiceImpl) mutate(ctx context.Context, escrowID uuid.UUID, actor string, fn func(ctx context.Context, c *escrowChange) error) (*domain.EscrowAgreement, error) {
	ctx, unlock, err := s.locks.acquire(ctx, escrowLockKey(escrowID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	agreement, err := s.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	rail, err := s.ledger.EnsureSystemAccount(ctx, domain.SystemRailClearing, agreement.Currency)
	if err != nil {
		return nil, err
	}
	payee, err := s.subwallets.GetByID(ctx, agreement.CounterpartySubwalletID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get payee subwallet: %w", err))
	}
	if payee == nil {
		return nil, apperror.ErrNotFound("Counterparty subwallet")
	}

	var updated *domain.EscrowAgreement
	accounts := []uuid.UUID{agreement.HoldingAccountID, rail.ID, payee.AccountID}
	err = s.ledger.Atomically(ctx, accounts, func(ctx context.Context) error {
		cur, err := s.load(ctx, escrowID)
		if err != nil {
			return err
		}
		if err := fn(ctx, &escrowChange{svc: s, agreement: cur, rail: rail, payee: payee, actor: actor}); err != nil {
			return err
		}
		if err := cur.CheckInvariants(); err != nil {
			return apperror.InternalError(err)
		}
		cur.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, cur); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, asAppError(err, "update escrow")
	}
	return updated, nil
}

func (s *EscrowServiceImpl) load(ctx context.Context, id uuid.UUID) (*domain.EscrowAgreement, error) {
	agreement, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get escrow: %w", err))
	}
	if agreement == nil {
		return nil, apperror.ErrNotFound("Escrow agreement")
	}
	return agreement, nil
}

func (s *EscrowServiceImpl) escrowForMilestone(ctx context.Context, milestoneID uuid.UUID) (uuid.UUID, error) {
	agreement, err := s.repo.GetByMilestoneID(ctx, milestoneID)
	if err != nil {
		return uuid.Nil, apperror.ErrDatabaseError(fmt.Errorf("get escrow by milestone: %w", err))
	}
	if agreement == nil {
		return uuid.Nil, apperror.ErrNotFound("Milestone")
	}
	return agreement.ID, nil
}

// finish records the audit event of an escrow-level transition.
func (s *EscrowServiceImpl) finish(ctx context.Context, event domain.AuditEvent, updated *domain.EscrowAgreement, err error) {
	if updated != nil {
		event.ToState = string(updated.Status)
	}
	recordAttempt(ctx, s.audit, event, err)
}

// requireReleasable rejects fund movements unless the agreement is FUNDED or
// PARTIALLY_RELEASED.
func requireReleasable(e *domain.EscrowAgreement, action string) error {
	if e.Status == domain.EscrowDisputed {
		return apperror.ErrEscrowDisputed()
	}
	if !e.Status.Releasable() {
		return apperror.ErrIllegalTransition("Escrow agreement", string(e.Status), action)
	}
	return nil
}

func releaseReference(escrowID, milestoneID uuid.UUID) string {
	return fmt.Sprintf("escrow:%s:milestone:%s:release", escrowID, milestoneID)
}
