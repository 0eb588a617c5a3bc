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

// RiskOptions configures compliance gating.
type RiskOptions struct {
	HighValueThresholdMinor int64
	VelocityWindow          time.Duration
	VelocityLimit           int64
}

// SubwalletGuard implements ports.PostingGuard from subwallet status.
// It reads the subwallet store directly so the ledger can be built before the
// subwallet service.
type SubwalletGuard struct {
	repo ports.SubwalletRepository
}

// NewSubwalletGuard creates a posting guard over the subwallet store.
func NewSubwalletGuard(repo ports.SubwalletRepository) *SubwalletGuard {
	return &SubwalletGuard{repo: repo}
}

// CheckPosting rejects postings to FROZEN subwallets unless override is set,
// and to CLOSED subwallets always.
func (g *SubwalletGuard) CheckPosting(ctx context.Context, account *domain.LedgerAccount, override bool) error {
	if account.Owner.Type != domain.OwnerSubwallet {
		return nil
	}
	sw, err := g.repo.GetByAccountID(ctx, account.ID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("get subwallet by account: %w", err))
	}
	if sw == nil {
		return nil
	}
	switch sw.Status {
	case domain.SubwalletClosed:
		return apperror.ErrAccountClosed()
	case domain.SubwalletFrozen:
		if override {
			return nil
		}
		return apperror.ErrAccountFrozen()
	}
	return nil
}

// SubwalletServiceImpl implements ports.SubwalletService.
type SubwalletServiceImpl struct {
	repo   ports.SubwalletRepository
	ledger ports.LedgerService
	audit  ports.AuditService
	risk   RiskOptions
	now    func() time.Time
	log    zerolog.Logger
}

// NewSubwalletService creates a subwallet manager.
func NewSubwalletService(
	repo ports.SubwalletRepository,
	ledger ports.LedgerService,
	audit ports.AuditService,
	risk RiskOptions,
	log zerolog.Logger,
) *SubwalletServiceImpl {
	return &SubwalletServiceImpl{
		repo:   repo,
		ledger: ledger,
		audit:  audit,
		risk:   risk,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// Create opens a subwallet and its credit-normal SUBWALLET ledger account.
func (s *SubwalletServiceImpl) Create(ctx context.Context, req ports.CreateSubwalletRequest) (*domain.Subwallet, error) {
	switch req.Owner.Type {
	case domain.SubwalletOwnerUser, domain.SubwalletOwnerBusiness, domain.SubwalletOwnerTransaction:
	default:
		return nil, apperror.Validation("owner type must be USER, BUSINESS or TRANSACTION")
	}
	if strings.TrimSpace(req.Owner.ID) == "" {
		return nil, apperror.Validation("owner id is required")
	}
	if !domain.ValidCurrency(req.Currency) {
		return nil, apperror.Validation("currency must be an ISO-4217 code")
	}

	now := s.now()
	sw := &domain.Subwallet{
		ID:        uuid.New(),
		Owner:     req.Owner,
		Currency:  req.Currency,
		Status:    domain.SubwalletActive,
		RiskLevel: domain.RiskLow,
		KYCStatus: domain.KYCPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	initial := EvaluateRisk(RiskSubject{Subwallet: sw}, RiskHeuristics{})
	sw.RiskScore, sw.RiskLevel = initial.Score, initial.Level

	err := s.ledger.Atomically(ctx, nil, func(ctx context.Context) error {
		account, err := s.ledger.OpenAccount(ctx, domain.OwnerRef{Type: domain.OwnerSubwallet, ID: sw.ID.String()}, req.Currency)
		if err != nil {
			return err
		}
		sw.AccountID = account.ID
		if err := s.repo.Create(ctx, sw); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create subwallet: %w", err))
		}
		return nil
	})
	recordAttempt(ctx, s.audit, domain.AuditEvent{
		Actor:      req.Actor,
		EntityType: domain.AuditEntitySubwallet,
		EntityID:   sw.ID.String(),
		Action:     domain.AuditActionCreate,
		ToState:    string(domain.SubwalletActive),
	}, err)
	if err != nil {
		return nil, asAppError(err, "create subwallet")
	}

	s.log.Info().
		Str("subwallet_id", sw.ID.String()).
		Str("owner_type", string(sw.Owner.Type)).
		Str("currency", sw.Currency).
		Msg("subwallet created")
	return sw, nil
}

// Get returns the subwallet with its balance read from the ledger.
func (s *SubwalletServiceImpl) Get(ctx context.Context, id uuid.UUID) (*domain.Subwallet, error) {
	sw, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.fillBalance(ctx, sw); err != nil {
		return nil, err
	}
	return sw, nil
}

// List returns a page of subwallets with balances.
func (s *SubwalletServiceImpl) List(ctx context.Context, params ports.SubwalletListParams) ([]domain.Subwallet, int64, error) {
	params.Page, params.PageSize = normalizePage(params.Page, params.PageSize)
	items, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(fmt.Errorf("list subwallets: %w", err))
	}
	for i := range items {
		if err := s.fillBalance(ctx, &items[i]); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// SetStatus applies a status transition while holding the ledger account lock,
// so it serializes with postings to the same account. Closing a subwallet
// also closes its ledger account.
func (s *SubwalletServiceImpl) SetStatus(ctx context.Context, req ports.SetSubwalletStatusRequest) (*domain.Subwallet, error) {
	switch req.Status {
	case domain.SubwalletActive, domain.SubwalletFrozen, domain.SubwalletClosed:
	default:
		return nil, apperror.Validation("status must be ACTIVE, FROZEN or CLOSED")
	}
	sw, err := s.load(ctx, req.SubwalletID)
	if err != nil {
		return nil, err
	}

	from := sw.Status
	var updated *domain.Subwallet
	err = s.ledger.Atomically(ctx, []uuid.UUID{sw.AccountID}, func(ctx context.Context) error {
		cur, err := s.load(ctx, req.SubwalletID)
		if err != nil {
			return err
		}
		from = cur.Status
		if !cur.Status.CanTransition(req.Status) {
			return apperror.ErrIllegalTransition("Subwallet", string(cur.Status), "transition to "+string(req.Status))
		}
		cur.Status = req.Status
		cur.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, cur); err != nil {
			return err
		}
		if req.Status == domain.SubwalletClosed {
			if _, err := s.ledger.CloseAccount(ctx, cur.AccountID, req.Actor); err != nil {
				return err
			}
		}
		updated = cur
		return nil
	})
	recordAttempt(ctx, s.audit, domain.AuditEvent{
		Actor:      req.Actor,
		EntityType: domain.AuditEntitySubwallet,
		EntityID:   req.SubwalletID.String(),
		Action:     domain.AuditActionSetStatus,
		FromState:  string(from),
		ToState:    string(req.Status),
		Reason:     req.Reason,
	}, err)
	if err != nil {
		return nil, asAppError(err, "set subwallet status")
	}

	s.log.Info().
		Str("subwallet_id", req.SubwalletID.String()).
		Str("from", string(from)).
		Str("to", string(req.Status)).
		Str("actor", req.Actor).
		Msg("subwallet status changed")

	if err := s.fillBalance(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// SetComplianceApproval grants or revokes approval for high-risk movements.
func (s *SubwalletServiceImpl) SetComplianceApproval(ctx context.Context, id uuid.UUID, approved bool, actor string) (*domain.Subwallet, error) {
	updated, err := s.mutate(ctx, id, func(sw *domain.Subwallet) error {
		if sw.Status == domain.SubwalletClosed {
			return apperror.ErrIllegalTransition("Subwallet", string(sw.Status), "compliance approval")
		}
		sw.ComplianceApproved = approved
		if approved {
			now := s.now()
			sw.ApprovedBy = actor
			sw.ApprovedAt = &now
		} else {
			sw.ApprovedBy = ""
			sw.ApprovedAt = nil
		}
		return nil
	})
	recordAttempt(ctx, s.audit, domain.AuditEvent{
		Actor:      actor,
		EntityType: domain.AuditEntitySubwallet,
		EntityID:   id.String(),
		Action:     domain.AuditActionApprove,
		ToState:    fmt.Sprintf("approved=%t", approved),
	}, err)
	return updated, err
}

// UpdateCompliance stores new AML/KYC/baseline score values and refreshes the evaluated score and level.
func (s *SubwalletServiceImpl) UpdateCompliance(ctx context.Context, req ports.ComplianceUpdate) (*domain.Subwallet, error) {
	if req.BaselineScore != nil && (*req.BaselineScore < 0 || *req.BaselineScore > 100) {
		return nil, apperror.Validation("baseline score must be between 0 and 100")
	}
	if req.KYCStatus != nil {
		switch *req.KYCStatus {
		case domain.KYCPending, domain.KYCVerified, domain.KYCRejected:
		default:
			return nil, apperror.Validation("kyc status must be PENDING, VERIFIED or REJECTED")
		}
	}

	var fromLevel domain.RiskLevel
	updated, err := s.mutate(ctx, req.SubwalletID, func(sw *domain.Subwallet) error {
		fromLevel = sw.RiskLevel
		if req.AMLFlagged != nil {
			sw.AMLFlagged = *req.AMLFlagged
		}
		if req.KYCStatus != nil {
			sw.KYCStatus = *req.KYCStatus
		}
		if req.BaselineScore != nil {
			sw.BaselineScore = *req.BaselineScore
		}
		assessment := EvaluateRisk(RiskSubject{Subwallet: sw}, RiskHeuristics{})
		sw.RiskScore = assessment.Score
		sw.RiskLevel = assessment.Level
		return nil
	})
	event := domain.AuditEvent{
		Actor:      req.Actor,
		EntityType: domain.AuditEntitySubwallet,
		EntityID:   req.SubwalletID.String(),
		Action:     domain.AuditActionCompliance,
		FromState:  string(fromLevel),
	}
	if updated != nil {
		event.ToState = string(updated.RiskLevel)
	}
	recordAttempt(ctx, s.audit, event, err)
	return updated, err
}

// Reassess evaluates the subwallet with current velocity and persists the resulting score and level.
func (s *SubwalletServiceImpl) Reassess(ctx context.Context, id uuid.UUID, actor string) (*domain.Subwallet, *domain.RiskAssessment, error) {
	sw, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	heur, err := s.heuristics(ctx, sw)
	if err != nil {
		return nil, nil, err
	}

	var assessment domain.RiskAssessment
	fromLevel := sw.RiskLevel
	updated, err := s.mutate(ctx, id, func(cur *domain.Subwallet) error {
		assessment = EvaluateRisk(RiskSubject{Subwallet: cur}, heur)
		cur.RiskScore = assessment.Score
		cur.RiskLevel = assessment.Level
		return nil
	})
	recordAttempt(ctx, s.audit, domain.AuditEvent{
		Actor:      actor,
		EntityType: domain.AuditEntitySubwallet,
		EntityID:   id.String(),
		Action:     domain.AuditActionReassess,
		FromState:  string(fromLevel),
		ToState:    string(assessment.Level),
	}, err)
	if err != nil {
		return nil, nil, err
	}
	return updated, &assessment, nil
}

// AuthorizeTransaction gates a movement of amountMinor touching sw. Amounts
// at or below the high-value threshold are not evaluated and return nil. An
// AML-flagged counterparty adds to the score.
func (s *SubwalletServiceImpl) AuthorizeTransaction(ctx context.Context, sw, counterparty *domain.Subwallet, amountMinor int64) (*domain.RiskAssessment, error) {
	if s.risk.HighValueThresholdMinor <= 0 || amountMinor <= s.risk.HighValueThresholdMinor {
		return nil, nil
	}
	heur, err := s.heuristics(ctx, sw)
	if err != nil {
		return nil, err
	}
	heur.CounterpartyFlagged = counterparty != nil && counterparty.AMLFlagged
	assessment := EvaluateRisk(RiskSubject{Subwallet: sw, AmountMinor: amountMinor}, heur)
	if assessment.Level == domain.RiskHigh && !sw.ComplianceApproved {
		s.log.Warn().
			Str("subwallet_id", sw.ID.String()).
			Int64("amount_minor", amountMinor).
			Int("score", assessment.Score).
			Strs("factors", assessment.Factors).
			Msg("high-risk movement blocked pending compliance approval")
		return &assessment, apperror.ErrComplianceApprovalRequired()
	}
	return &assessment, nil
}

// RequestSettlement moves funds from the subwallet to the settlement clearing
// account, from where the rail adapter pays them out.
func (s *SubwalletServiceImpl) RequestSettlement(ctx context.Context, req ports.SettlementRequest) (*domain.LedgerTransaction, error) {
	if req.AmountMinor <= 0 {
		return nil, apperror.Validation("amount must be positive")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return nil, apperror.Validation("reference is required")
	}
	sw, err := s.load(ctx, req.SubwalletID)
	if err != nil {
		return nil, err
	}
	clearing, err := s.ledger.EnsureSystemAccount(ctx, domain.SystemSettlementClearing, sw.Currency)
	if err != nil {
		return nil, err
	}

	var txn *domain.LedgerTransaction
	err = s.ledger.Atomically(ctx, []uuid.UUID{sw.AccountID, clearing.ID}, func(ctx context.Context) error {
		cur, err := s.load(ctx, req.SubwalletID)
		if err != nil {
			return err
		}
		if _, err := s.AuthorizeTransaction(ctx, cur, nil, req.AmountMinor); err != nil {
			return err
		}
		txn, err = s.ledger.Apply(ctx, ports.PostingRequest{
			Reference: req.Reference,
			Currency:  cur.Currency,
			Actor:     req.Actor,
			Lines: []ports.PostingLine{
				{AccountID: cur.AccountID, Direction: domain.Debit, AmountMinor: req.AmountMinor},
				{AccountID: clearing.ID, Direction: domain.Credit, AmountMinor: req.AmountMinor},
			},
		})
		return err
	})
	recordAttempt(ctx, s.audit, domain.AuditEvent{
		Actor:      req.Actor,
		EntityType: domain.AuditEntitySubwallet,
		EntityID:   req.SubwalletID.String(),
		Action:     domain.AuditActionSettle,
		Reason:     req.Reference,
	}, err)
	if err != nil {
		return nil, asAppError(err, "request settlement")
	}

	s.log.Info().
		Str("subwallet_id", req.SubwalletID.String()).
		Int64("amount_minor", req.AmountMinor).
		Str("reference", req.Reference).
		Msg("settlement requested")
	return txn, nil
}

func (s *SubwalletServiceImpl) load(ctx context.Context, id uuid.UUID) (*domain.Subwallet, error) {
	sw, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get subwallet: %w", err))
	}
	if sw == nil {
		return nil, apperror.ErrNotFound("Subwallet")
	}
	return sw, nil
}

// mutate applies fn to a fresh copy of the subwallet inside a unit of work.
func (s *SubwalletServiceImpl) mutate(ctx context.Context, id uuid.UUID, fn func(sw *domain.Subwallet) error) (*domain.Subwallet, error) {
	var updated *domain.Subwallet
	err := s.ledger.Atomically(ctx, nil, func(ctx context.Context) error {
		sw, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(sw); err != nil {
			return err
		}
		sw.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, sw); err != nil {
			return err
		}
		updated = sw
		return nil
	})
	if err != nil {
		return nil, asAppError(err, "update subwallet")
	}
	if err := s.fillBalance(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SubwalletServiceImpl) heuristics(ctx context.Context, sw *domain.Subwallet) (RiskHeuristics, error) {
	heur := RiskHeuristics{
		HighValueThresholdMinor: s.risk.HighValueThresholdMinor,
		VelocityLimit:           s.risk.VelocityLimit,
	}
	if s.risk.VelocityWindow > 0 && s.risk.VelocityLimit > 0 {
		count, _, err := s.ledger.EntryStats(ctx, sw.AccountID, s.now().Add(-s.risk.VelocityWindow))
		if err != nil {
			return heur, err
		}
		heur.VelocityCount = count
	}
	return heur, nil
}

func (s *SubwalletServiceImpl) fillBalance(ctx context.Context, sw *domain.Subwallet) error {
	balance, err := s.ledger.GetBalance(ctx, sw.AccountID)
	if err != nil {
		return err
	}
	sw.Balance = balance
	return nil
}
