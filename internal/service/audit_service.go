package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultAuditBuffer = 1024

// AuditServiceImpl persists audit events from a buffered queue on a single
// worker goroutine. Recording never blocks or fails the caller: when the
// queue is full the event is logged and dropped.
type AuditServiceImpl struct {
	repo  ports.AuditRepository
	queue chan domain.AuditEvent
	done  chan struct{}
	once  sync.Once
	now   func() time.Time
	log   zerolog.Logger
}

// NewAuditService creates and starts an audit service.
// If repo is nil, audit events are only written to the logger.
func NewAuditService(repo ports.AuditRepository, buffer int, log zerolog.Logger) *AuditServiceImpl {
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}
	s := &AuditServiceImpl{
		repo:  repo,
		queue: make(chan domain.AuditEvent, buffer),
		done:  make(chan struct{}),
		now:   func() time.Time { return time.Now().UTC() },
		log:   log,
	}
	go s.worker()
	return s
}

// Record enqueues event. ID and CreatedAt are filled in when empty.
func (s *AuditServiceImpl) Record(_ context.Context, event domain.AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	if event.Outcome == "" {
		event.Outcome = domain.AuditSucceeded
	}

	defer func() {
		// Record after Close must not panic the caller.
		if recover() != nil {
			s.log.Warn().Str("action", string(event.Action)).Msg("audit queue closed, event dropped")
		}
	}()

	select {
	case s.queue <- event:
	default:
		s.log.Warn().
			Str("action", string(event.Action)).
			Str("entity_id", event.EntityID).
			Msg("audit queue full, event dropped")
	}
}

// List returns persisted audit events, newest first.
func (s *AuditServiceImpl) List(ctx context.Context, params ports.AuditListParams) ([]domain.AuditEvent, int64, error) {
	if s.repo == nil {
		return []domain.AuditEvent{}, 0, nil
	}
	params.Page, params.PageSize = normalizePage(params.Page, params.PageSize)
	events, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(fmt.Errorf("list audit events: %w", err))
	}
	return events, total, nil
}

// Close stops accepting events and waits until the queue is drained or ctx is done.
func (s *AuditServiceImpl) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.queue) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AuditServiceImpl) worker() {
	defer close(s.done)
	for event := range s.queue {
		s.log.Info().
			Str("actor", event.Actor).
			Str("entity_type", string(event.EntityType)).
			Str("entity_id", event.EntityID).
			Str("action", string(event.Action)).
			Str("from", event.FromState).
			Str("to", event.ToState).
			Str("outcome", string(event.Outcome)).
			Str("error_code", event.ErrorCode).
			Msg("audit")

		if s.repo == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Create(ctx, &event); err != nil {
			s.log.Warn().Err(err).Str("action", string(event.Action)).Msg("failed to persist audit event")
		}
		cancel()
	}
}

// recordAttempt writes the audit event for an attempted transition, marking it
// REJECTED with the error code when err is non-nil.
func recordAttempt(ctx context.Context, audit ports.AuditService, event domain.AuditEvent, err error) {
	if audit == nil {
		return
	}
	if err != nil {
		event.Outcome = domain.AuditRejected
		event.ErrorCode = apperror.CodeOf(err)
		if event.ErrorCode == "" {
			event.ErrorCode = "SYS_000"
		}
		event.ToState = ""
	} else {
		event.Outcome = domain.AuditSucceeded
	}
	audit.Record(ctx, event)
}

// normalizePage applies defaults and bounds to offset pagination.
func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
