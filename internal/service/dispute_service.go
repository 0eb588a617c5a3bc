package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// EvidenceOptions bounds evidence metadata and the object store check.
type EvidenceOptions struct {
	MaxSizeBytes   int64
	VerifyObjects  bool
	StatRetries    uint64
	StatRetryDelay time.Duration
}

// DisputeServiceImpl implements ports.DisputeService. Raising and resolving a
// dispute run through the escrow orchestrator's mutation path so they hold
// the escrow aggregate lock and post in the same unit of work.
type DisputeServiceImpl struct {
	repo     ports.DisputeRepository
	escrow   *EscrowServiceImpl
	ledger   ports.LedgerService
	objects  ports.ObjectStore
	audit    ports.AuditService
	evidence EvidenceOptions
	now      func() time.Time
	log      zerolog.Logger
}

// NewDisputeService creates the dispute engine. objects may be nil, in which
// case evidence metadata is accepted without an existence check.
func NewDisputeService(
	repo ports.DisputeRepository,
	escrow *EscrowServiceImpl,
	ledger ports.LedgerService,
	objects ports.ObjectStore,
	audit ports.AuditService,
	evidence EvidenceOptions,
	log zerolog.Logger,
) *DisputeServiceImpl {
	return &DisputeServiceImpl{
		repo:     repo,
		escrow:   escrow,
		ledger:   ledger,
		objects:  objects,
		audit:    audit,
		evidence: evidence,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// Raise opens a dispute and moves the agreement to DISPUTED, recording the
// status it had before. No funds move.
func (s *DisputeServiceImpl) Raise(ctx context.Context, req ports.RaiseDisputeRequest) (*domain.DisputeCase, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, apperror.Validation("dispute reason is required")
	}
	if strings.TrimSpace(req.RaisedBy) == "" {
		return nil, apperror.Validation("raised_by is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperror.Validation("priority must be LOW, MEDIUM or HIGH")
	}

	now := s.now()
	dispute := &domain.DisputeCase{
		ID:          uuid.New(),
		EscrowID:    req.EscrowID,
		MilestoneID: req.MilestoneID,
		RaisedBy:    req.RaisedBy,
		Reason:      req.Reason,
		Priority:    priority,
		Status:      domain.DisputeOpen,
		Evidence:    []domain.Evidence{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	audit := domain.AuditEvent{Actor: req.RaisedBy, EntityType: domain.AuditEntityEscrow, EntityID: req.EscrowID.String(), Action: domain.AuditActionRaiseDispute, Reason: req.Reason}
	updated, err := s.escrow.mutate(ctx, req.EscrowID, req.RaisedBy, func(ctx context.Context, c *escrowChange) error {
		e := c.agreement
		audit.FromState = string(e.Status)
		if e.Status == domain.EscrowDisputed {
			return apperror.ErrEscrowDisputed()
		}
		if !e.Status.CanTransition(domain.EscrowDisputed) {
			return apperror.ErrIllegalTransition("Escrow agreement", string(e.Status), "raise dispute")
		}
		if req.MilestoneID != nil && e.Milestone(*req.MilestoneID) == nil {
			return apperror.Validation("milestone does not belong to the escrow agreement")
		}
		e.PreDisputeStatus = e.Status
		e.Status = domain.EscrowDisputed
		if err := s.repo.Create(ctx, dispute); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create dispute: %w", err))
		}
		return nil
	})
	s.escrow.finish(ctx, audit, updated, err)
	if err != nil {
		return nil, err
	}

	recordAttempt(ctx, s.audit, domain.AuditEvent{
		Actor:      req.RaisedBy,
		EntityType: domain.AuditEntityDispute,
		EntityID:   dispute.ID.String(),
		Action:     domain.AuditActionCreate,
		ToState:    string(domain.DisputeOpen),
		Reason:     req.Reason,
	}, nil)
	s.log.Info().
		Str("dispute_id", dispute.ID.String()).
		Str("escrow_id", req.EscrowID.String()).
		Str("priority", string(priority)).
		Msg("dispute raised")
	return dispute, nil
}

// Get returns the dispute or NotFound.
func (s *DisputeServiceImpl) Get(ctx context.Context, id uuid.UUID) (*domain.DisputeCase, error) {
	return s.load(ctx, id)
}

// List returns a filtered page of disputes.
func (s *DisputeServiceImpl) List(ctx context.Context, params ports.DisputeListParams) ([]domain.DisputeCase, int64, error) {
	params.Page, params.PageSize = normalizePage(params.Page, params.PageSize)
	items, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(fmt.Errorf("list disputes: %w", err))
	}
	return items, total, nil
}

// AddEvidence appends evidence metadata. When object verification is enabled
// the object must exist in the store with matching metadata.
func (s *DisputeServiceImpl) AddEvidence(ctx context.Context, req ports.AddEvidenceRequest) (*domain.DisputeCase, error) {
	if strings.TrimSpace(req.ObjectKey) == "" {
		return nil, apperror.Validation("object key is required")
	}
	if strings.TrimSpace(req.ContentType) == "" {
		return nil, apperror.Validation("content type is required")
	}
	if req.SizeBytes <= 0 {
		return nil, apperror.Validation("size must be positive")
	}
	if s.evidence.MaxSizeBytes > 0 && req.SizeBytes > s.evidence.MaxSizeBytes {
		return nil, apperror.Validation(fmt.Sprintf("evidence exceeds %d bytes", s.evidence.MaxSizeBytes))
	}

	current, err := s.load(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.DisputeResolved {
		err := apperror.ErrIllegalTransition("Dispute", string(current.Status), "add evidence")
		s.recordDispute(ctx, req.DisputeID, req.Actor, domain.AuditActionAddEvidence, current.Status, "", err)
		return nil, err
	}

	if err := s.verifyObject(ctx, req); err != nil {
		s.recordDispute(ctx, req.DisputeID, req.Actor, domain.AuditActionAddEvidence, current.Status, "", err)
		return nil, err
	}

	updated, from, err := s.transition(ctx, req.DisputeID, func(d *domain.DisputeCase) error {
		if d.Status == domain.DisputeResolved {
			return apperror.ErrIllegalTransition("Dispute", string(d.Status), "add evidence")
		}
		d.Evidence = append(d.Evidence, domain.Evidence{
			ObjectKey:   req.ObjectKey,
			ContentType: req.ContentType,
			SizeBytes:   req.SizeBytes,
			AddedBy:     req.Actor,
			CreatedAt:   s.now(),
		})
		return nil
	})
	s.recordDispute(ctx, req.DisputeID, req.Actor, domain.AuditActionAddEvidence, from, statusOf(updated), err)
	return updated, err
}

// StartReview moves an OPEN dispute to UNDER_REVIEW.
func (s *DisputeServiceImpl) StartReview(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error) {
	return s.move(ctx, id, actor, domain.AuditActionReview, domain.DisputeUnderReview, domain.DisputeOpen)
}

// RequestResponse asks the other party for a response.
func (s *DisputeServiceImpl) RequestResponse(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error) {
	return s.move(ctx, id, actor, domain.AuditActionRequestResponse, domain.DisputePendingResponse, domain.DisputeUnderReview)
}

// RecordResponse returns a dispute awaiting a response to review.
func (s *DisputeServiceImpl) RecordResponse(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error) {
	return s.move(ctx, id, actor, domain.AuditActionRecordResponse, domain.DisputeUnderReview, domain.DisputePendingResponse)
}

// Escalate moves any unresolved, unescalated dispute to ESCALATED and raises
// its priority to HIGH.
func (s *DisputeServiceImpl) Escalate(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error) {
	updated, from, err := s.transition(ctx, id, func(d *domain.DisputeCase) error {
		if !d.Status.CanTransition(domain.DisputeEscalated) {
			return apperror.ErrIllegalTransition("Dispute", string(d.Status), "escalate")
		}
		d.Status = domain.DisputeEscalated
		d.Priority = domain.PriorityHigh
		return nil
	})
	s.recordDispute(ctx, id, actor, domain.AuditActionEscalate, from, statusOf(updated), err)
	if err == nil {
		s.log.Info().Str("dispute_id", id.String()).Str("actor", actor).Msg("dispute escalated")
	}
	return updated, err
}

// Resolve posts the compensating movements for the outcome, resolves the
// dispute and returns the agreement to the status derived from its amounts.
func (s *DisputeServiceImpl) Resolve(ctx context.Context, req ports.ResolveDisputeRequest) (*domain.DisputeCase, error) {
	switch req.Outcome.Type {
	case domain.OutcomeBuyerFavor, domain.OutcomeSellerFavor, domain.OutcomeMediated:
	case domain.OutcomePartialRefund:
		if req.Outcome.AmountMinor <= 0 {
			return nil, apperror.Validation("partial refund amount must be positive")
		}
	default:
		return nil, apperror.Validation("outcome must be BUYER_FAVOR, SELLER_FAVOR, PARTIAL_REFUND or MEDIATED")
	}

	current, err := s.load(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.DisputeResolved {
		err := apperror.ErrAlreadyResolved()
		s.recordDispute(ctx, req.DisputeID, req.Actor, domain.AuditActionResolve, current.Status, "", err)
		return nil, err
	}

	var resolved *domain.DisputeCase
	from := current.Status
	escrowAudit := domain.AuditEvent{Actor: req.Actor, EntityType: domain.AuditEntityEscrow, EntityID: current.EscrowID.String(), Action: domain.AuditActionResolve, Reason: string(req.Outcome.Type)}
	agreement, err := s.escrow.mutate(ctx, current.EscrowID, req.Actor, func(ctx context.Context, c *escrowChange) error {
		escrowAudit.FromState = string(c.agreement.Status)
		d, err := s.load(ctx, req.DisputeID)
		if err != nil {
			return err
		}
		from = d.Status
		if d.Status == domain.DisputeResolved {
			return apperror.ErrAlreadyResolved()
		}
		if c.agreement.Status != domain.EscrowDisputed {
			return apperror.ErrIllegalTransition("Escrow agreement", string(c.agreement.Status), "resolve dispute")
		}
		c.override = true
		if err := s.applyOutcome(ctx, c, d, req.Outcome); err != nil {
			return err
		}
		c.settle()
		c.agreement.PreDisputeStatus = ""
		if c.overrideUsed {
			escrowAudit.Reason = string(req.Outcome.Type) + "; compliance_override: payee subwallet frozen"
		}

		now := s.now()
		outcome := req.Outcome
		d.Status = domain.DisputeResolved
		d.Outcome = &outcome
		d.Notes = req.Notes
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if err := s.repo.Update(ctx, d); err != nil {
			return err
		}
		resolved = d
		return nil
	})
	s.escrow.finish(ctx, escrowAudit, agreement, err)
	s.recordDispute(ctx, req.DisputeID, req.Actor, domain.AuditActionResolve, from, statusOf(resolved), err)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("dispute_id", req.DisputeID.String()).
		Str("escrow_id", current.EscrowID.String()).
		Str("outcome", string(req.Outcome.Type)).
		Int64("amount_minor", req.Outcome.AmountMinor).
		Msg("dispute resolved")
	return resolved, nil
}

func (s *DisputeServiceImpl) applyOutcome(ctx context.Context, c *escrowChange, d *domain.DisputeCase, outcome domain.DisputeOutcome) error {
	e := c.agreement
	refundRef := fmt.Sprintf("dispute:%s:refund", d.ID)

	var scoped *domain.Milestone
	if d.MilestoneID != nil {
		scoped = e.Milestone(*d.MilestoneID)
	}

	switch outcome.Type {
	case domain.OutcomeBuyerFavor:
		if scoped == nil {
			if err := c.refund(ctx, e.HeldMinor(), refundRef); err != nil {
				return err
			}
			e.CancelOpenMilestones()
			return nil
		}
		if !scoped.Status.Open() {
			return nil
		}
		amount := scoped.Unreleased()
		if held := e.HeldMinor(); amount > held {
			amount = held
		}
		if err := c.refund(ctx, amount, refundRef); err != nil {
			return err
		}
		scoped.Status = domain.MilestoneCancelled
		return nil

	case domain.OutcomeSellerFavor:
		targets := []*domain.Milestone{}
		if scoped != nil {
			targets = append(targets, scoped)
		} else {
			for i := range e.Milestones {
				targets = append(targets, &e.Milestones[i])
			}
		}
		now := s.now()
		for _, m := range targets {
			if !m.Status.Open() {
				continue
			}
			if err := c.release(ctx, m, releaseReference(e.ID, m.ID)); err != nil {
				return err
			}
			m.Status = domain.MilestoneCompleted
			m.CompletedAt = &now
		}
		return nil

	case domain.OutcomePartialRefund:
		if outcome.AmountMinor > e.HeldMinor() {
			return apperror.Validation(fmt.Sprintf("refund %d exceeds held funds %d", outcome.AmountMinor, e.HeldMinor()))
		}
		return c.refund(ctx, outcome.AmountMinor, refundRef)
	}
	return nil
}

// move applies a plain workflow transition expected from the given status.
func (s *DisputeServiceImpl) move(ctx context.Context, id uuid.UUID, actor string, action domain.AuditAction, to, expected domain.DisputeStatus) (*domain.DisputeCase, error) {
	updated, from, err := s.transition(ctx, id, func(d *domain.DisputeCase) error {
		if d.Status != expected || !d.Status.CanTransition(to) {
			return apperror.ErrIllegalTransition("Dispute", string(d.Status), strings.ToLower(string(action)))
		}
		d.Status = to
		return nil
	})
	s.recordDispute(ctx, id, actor, action, from, statusOf(updated), err)
	return updated, err
}

// transition applies fn to a fresh copy of the dispute in a unit of work.
func (s *DisputeServiceImpl) transition(ctx context.Context, id uuid.UUID, fn func(d *domain.DisputeCase) error) (*domain.DisputeCase, domain.DisputeStatus, error) {
	var updated *domain.DisputeCase
	var from domain.DisputeStatus
	err := s.ledger.Atomically(ctx, nil, func(ctx context.Context) error {
		d, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		from = d.Status
		if err := fn(d); err != nil {
			return err
		}
		d.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, d); err != nil {
			return err
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, from, asAppError(err, "update dispute")
	}
	return updated, from, nil
}

// verifyObject checks the evidence object at the storage boundary, retrying
// transient failures with backoff.
func (s *DisputeServiceImpl) verifyObject(ctx context.Context, req ports.AddEvidenceRequest) error {
	if s.objects == nil || !s.evidence.VerifyObjects {
		return nil
	}
	backoff := newBackoff(s.evidence.StatRetries, s.evidence.StatRetryDelay)
	var info *ports.ObjectInfo
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		info, err = s.objects.Stat(ctx, req.ObjectKey)
		if err == nil || errors.Is(err, domain.ErrObjectNotFound) {
			return err
		}
		s.log.Warn().Err(err).Str("object_key", req.ObjectKey).Msg("object store stat failed, retrying")
		return retry.RetryableError(err)
	})
	if errors.Is(err, domain.ErrObjectNotFound) {
		return apperror.Validation("evidence object does not exist")
	}
	if err != nil {
		return apperror.ErrExternalDependency("Object store", err)
	}
	if info.SizeBytes != req.SizeBytes || (info.ContentType != "" && info.ContentType != req.ContentType) {
		return apperror.Validation("evidence metadata does not match the stored object")
	}
	return nil
}

func (s *DisputeServiceImpl) load(ctx context.Context, id uuid.UUID) (*domain.DisputeCase, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get dispute: %w", err))
	}
	if d == nil {
		return nil, apperror.ErrNotFound("Dispute")
	}
	return d, nil
}

func (s *DisputeServiceImpl) recordDispute(ctx context.Context, id uuid.UUID, actor string, action domain.AuditAction, from, to domain.DisputeStatus, err error) {
	recordAttempt(ctx, s.audit, domain.AuditEvent{
		Actor:      actor,
		EntityType: domain.AuditEntityDispute,
		EntityID:   id.String(),
		Action:     action,
		FromState:  string(from),
		ToState:    string(to),
	}, err)
}

func statusOf(d *domain.DisputeCase) domain.DisputeStatus {
	if d == nil {
		return ""
	}
	return d.Status
}
