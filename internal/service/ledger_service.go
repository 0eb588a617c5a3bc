package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultEntryPageSize = 50
	maxEntryPageSize     = 200
	maxReferenceLength   = 128
)

// LedgerServiceImpl implements ports.LedgerService over a double-entry store.
type LedgerServiceImpl struct {
	repo  ports.LedgerRepository
	guard ports.PostingGuard
	cache ports.ReferenceCache
	uow   *unitOfWork
	locks *lockManager
	opts  EngineOptions
	now   func() time.Time
	log   zerolog.Logger
}

// NewLedgerService creates a ledger service. guard and cache may be nil.
func NewLedgerService(
	repo ports.LedgerRepository,
	guard ports.PostingGuard,
	cache ports.ReferenceCache,
	transactor ports.Transactor,
	locker ports.AggregateLocker,
	opts EngineOptions,
	log zerolog.Logger,
) *LedgerServiceImpl {
	return &LedgerServiceImpl{
		repo:  repo,
		guard: guard,
		cache: cache,
		uow:   newUnitOfWork(transactor, opts, log),
		locks: newLockManager(locker, opts.LockTimeout),
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		log:   log,
	}
}

// OpenAccount creates an ACTIVE account for owner.
func (s *LedgerServiceImpl) OpenAccount(ctx context.Context, owner domain.OwnerRef, currency string) (*domain.LedgerAccount, error) {
	if !domain.ValidCurrency(currency) {
		return nil, apperror.Validation("currency must be an ISO-4217 code")
	}
	if owner.ID == "" {
		return nil, apperror.Validation("account owner id is required")
	}
	account := domain.NewLedgerAccount(owner, currency, s.now())
	err := s.uow.run(ctx, func(ctx context.Context) error {
		return s.repo.CreateAccount(ctx, account)
	})
	if err != nil {
		return nil, asAppError(err, "create ledger account")
	}
	return account, nil
}

// EnsureSystemAccount returns the SYSTEM account for purpose and currency, creating it on first use.
func (s *LedgerServiceImpl) EnsureSystemAccount(ctx context.Context, purpose, currency string) (*domain.LedgerAccount, error) {
	owner := domain.SystemOwner(purpose, currency)
	account, err := s.repo.GetAccountByOwner(ctx, owner, currency)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get system account: %w", err))
	}
	if account != nil {
		return account, nil
	}

	account, createErr := s.OpenAccount(ctx, owner, currency)
	if createErr == nil {
		s.log.Info().Str("purpose", purpose).Str("currency", currency).Msg("system account opened")
		return account, nil
	}
	// Lost a creation race: the other writer's account is the one to use.
	account, err = s.repo.GetAccountByOwner(ctx, owner, currency)
	if err != nil || account == nil {
		return nil, createErr
	}
	return account, nil
}

// CloseAccount moves the account to CLOSED. Closed accounts reject every posting.
func (s *LedgerServiceImpl) CloseAccount(ctx context.Context, accountID uuid.UUID, actor string) (*domain.LedgerAccount, error) {
	var closed *domain.LedgerAccount
	err := s.Atomically(ctx, []uuid.UUID{accountID}, func(ctx context.Context) error {
		account, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("get account: %w", err))
		}
		if account == nil {
			return apperror.ErrNotFound("Ledger account")
		}
		if account.Status == domain.AccountClosed {
			return apperror.ErrIllegalTransition("Ledger account", string(account.Status), "close")
		}
		if account.Balance != 0 {
			s.log.Warn().
				Str("account_id", accountID.String()).
				Int64("balance_minor", account.Balance).
				Msg("closing account with non-zero balance")
		}
		account.Status = domain.AccountClosed
		account.UpdatedAt = s.now()
		if err := s.repo.UpdateAccount(ctx, account); err != nil {
			return err
		}
		closed = account
		return nil
	})
	if err != nil {
		return nil, asAppError(err, "close account")
	}
	s.log.Info().Str("account_id", accountID.String()).Str("actor", actor).Msg("ledger account closed")
	return closed, nil
}

// PostTransaction locks every account named by req and applies it atomically.
func (s *LedgerServiceImpl) PostTransaction(ctx context.Context, req ports.PostingRequest) (*domain.LedgerTransaction, error) {
	var txn *domain.LedgerTransaction
	err := s.Atomically(ctx, postingAccounts(req), func(ctx context.Context) error {
		var err error
		txn, err = s.Apply(ctx, req)
		return err
	})
	if err != nil {
		return nil, asAppError(err, "post transaction")
	}
	return txn, nil
}

// Atomically holds the account locks for accountIDs while fn runs in one unit of work.
func (s *LedgerServiceImpl) Atomically(ctx context.Context, accountIDs []uuid.UUID, fn func(ctx context.Context) error) error {
	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, accountLockKey(id))
	}
	ctx, unlock, err := s.locks.acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()
	return s.uow.run(ctx, fn)
}

// Apply validates req against the current account state and writes it. It must
// run inside a unit of work holding the locks of every account in req.
func (s *LedgerServiceImpl) Apply(ctx context.Context, req ports.PostingRequest) (*domain.LedgerTransaction, error) {
	if err := validatePosting(req); err != nil {
		return nil, err
	}

	// Layer 1: Redis reference check
	if s.cache != nil {
		seen, err := s.cache.Seen(ctx, req.Reference)
		if err != nil {
			s.log.Warn().Err(err).Str("reference", req.Reference).Msg("reference cache check failed, falling through to store")
		}
		if seen {
			return nil, apperror.ErrDuplicateReference()
		}
	}

	// Layer 2: durable reference check
	exists, err := s.repo.ReferenceExists(ctx, req.Reference)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("reference check: %w", err))
	}
	if exists {
		return nil, apperror.ErrDuplicateReference()
	}

	ids := postingAccounts(req)
	accounts := make(map[uuid.UUID]*domain.LedgerAccount, len(ids))
	for _, id := range ids {
		account, err := s.repo.GetAccount(ctx, id)
		if err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("get account %s: %w", id, err))
		}
		if account == nil {
			return nil, apperror.ErrNotFound("Ledger account")
		}
		if account.Currency != req.Currency {
			return nil, apperror.ErrCurrencyMismatch()
		}
		if account.Status == domain.AccountClosed {
			return nil, apperror.ErrAccountClosed()
		}
		if s.guard != nil {
			if err := s.guard.CheckPosting(ctx, account, req.ComplianceOverride); err != nil {
				return nil, err
			}
		}
		accounts[id] = account
	}

	deltas := make(map[uuid.UUID]int64, len(ids))
	for _, line := range req.Lines {
		deltas[line.AccountID] += accounts[line.AccountID].SignedAmount(line.Direction, line.AmountMinor)
	}
	for _, id := range ids {
		account := accounts[id]
		if account.Balance+deltas[id] < 0 && !account.AllowsNegative() {
			return nil, apperror.ErrInsufficientFunds()
		}
	}

	now := s.now()
	txn := &domain.LedgerTransaction{
		ID:                 uuid.New(),
		Reference:          req.Reference,
		Currency:           req.Currency,
		Actor:              req.Actor,
		ComplianceOverride: req.ComplianceOverride,
		CreatedAt:          now,
		Entries:            make([]domain.LedgerEntry, 0, len(req.Lines)),
	}
	for _, line := range req.Lines {
		txn.Entries = append(txn.Entries, domain.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      line.AccountID,
			TransactionRef: req.Reference,
			Direction:      line.Direction,
			AmountMinor:    line.AmountMinor,
			Currency:       req.Currency,
			CreatedAt:      now,
		})
	}

	if err := s.repo.InsertTransaction(ctx, txn); err != nil {
		if errors.Is(err, domain.ErrReferenceExists) {
			return nil, apperror.ErrDuplicateReference()
		}
		return nil, apperror.ErrDatabaseError(fmt.Errorf("insert transaction: %w", err))
	}

	for _, id := range ids {
		account := accounts[id]
		account.Balance += deltas[id]
		account.UpdatedAt = now
		if err := s.repo.UpdateAccount(ctx, account); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				return nil, err
			}
			return nil, apperror.ErrDatabaseError(fmt.Errorf("update account %s: %w", id, err))
		}
	}

	if s.cache != nil {
		ref := req.Reference
		afterCommit(ctx, func() {
			if err := s.cache.Remember(context.Background(), ref, s.opts.ReferenceCacheTTL); err != nil {
				s.log.Warn().Err(err).Str("reference", ref).Msg("failed to cache committed reference")
			}
		})
	}

	s.log.Info().
		Str("reference", req.Reference).
		Str("currency", req.Currency).
		Int("entries", len(txn.Entries)).
		Str("actor", req.Actor).
		Msg("ledger transaction posted")

	return txn, nil
}

// GetAccount returns the account or NotFound.
func (s *LedgerServiceImpl) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.LedgerAccount, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get account: %w", err))
	}
	if account == nil {
		return nil, apperror.ErrNotFound("Ledger account")
	}
	return account, nil
}

// GetBalance returns the maintained running balance.
func (s *LedgerServiceImpl) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// RecomputeBalance sums every entry of the account according to its normal side.
func (s *LedgerServiceImpl) RecomputeBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	debits, credits, err := s.repo.SumEntries(ctx, accountID)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("sum entries: %w", err))
	}
	if account.NormalSide == domain.Debit {
		return debits - credits, nil
	}
	return credits - debits, nil
}

// VerifyAccount compares the running balance with the entry sum under the account lock.
func (s *LedgerServiceImpl) VerifyAccount(ctx context.Context, accountID uuid.UUID) (*ports.Reconciliation, error) {
	var rec *ports.Reconciliation
	err := s.Atomically(ctx, []uuid.UUID{accountID}, func(ctx context.Context) error {
		balance, err := s.GetBalance(ctx, accountID)
		if err != nil {
			return err
		}
		recomputed, err := s.RecomputeBalance(ctx, accountID)
		if err != nil {
			return err
		}
		rec = &ports.Reconciliation{
			AccountID:  accountID,
			Balance:    balance,
			Recomputed: recomputed,
			Consistent: balance == recomputed,
		}
		return nil
	})
	if err != nil {
		return nil, asAppError(err, "verify account")
	}
	if !rec.Consistent {
		s.log.Error().
			Str("account_id", accountID.String()).
			Int64("balance_minor", rec.Balance).
			Int64("recomputed_minor", rec.Recomputed).
			Msg("ledger balance drift detected")
	}
	return rec, nil
}

// ListEntries returns entries of the account ordered by sequence, after cursor.
func (s *LedgerServiceImpl) ListEntries(ctx context.Context, accountID uuid.UUID, filter ports.EntryFilter, cursor string, limit int) (*ports.EntryPage, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = defaultEntryPageSize
	}
	if limit > maxEntryPageSize {
		limit = maxEntryPageSize
	}
	afterSeq, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.ListEntries(ctx, ports.EntryListParams{
		AccountID: accountID,
		Direction: filter.Direction,
		Reference: filter.Reference,
		From:      filter.From,
		To:        filter.To,
		AfterSeq:  afterSeq,
		Limit:     limit + 1,
	})
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list entries: %w", err))
	}

	page := &ports.EntryPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = encodeCursor(page.Entries[limit-1].Seq)
	}
	return page, nil
}

// EntryStats counts entries and their total volume on the account since the given time.
func (s *LedgerServiceImpl) EntryStats(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, int64, error) {
	count, volume, err := s.repo.EntryStats(ctx, accountID, since)
	if err != nil {
		return 0, 0, apperror.ErrDatabaseError(fmt.Errorf("entry stats: %w", err))
	}
	return count, volume, nil
}

func validatePosting(req ports.PostingRequest) error {
	if strings.TrimSpace(req.Reference) == "" {
		return apperror.Validation("transaction reference is required")
	}
	if len(req.Reference) > maxReferenceLength {
		return apperror.Validation("transaction reference is too long")
	}
	if !domain.ValidCurrency(req.Currency) {
		return apperror.Validation("currency must be an ISO-4217 code")
	}
	if len(req.Lines) < 2 {
		return apperror.Validation("a transaction needs at least two entries")
	}
	var debits, credits int64
	for _, line := range req.Lines {
		if line.AccountID == uuid.Nil {
			return apperror.Validation("entry account id is required")
		}
		if !line.Direction.Valid() {
			return apperror.Validation("entry direction must be DEBIT or CREDIT")
		}
		if line.AmountMinor <= 0 {
			return apperror.Validation("entry amount must be positive")
		}
		if line.Direction == domain.Debit {
			debits += line.AmountMinor
		} else {
			credits += line.AmountMinor
		}
		if debits < 0 || credits < 0 {
			return apperror.Validation("transaction amount overflows")
		}
	}
	if debits != credits {
		return apperror.ErrImbalancedTransaction(debits, credits)
	}
	return nil
}

// postingAccounts returns the distinct accounts of req in first-seen order.
func postingAccounts(req ports.PostingRequest) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(req.Lines))
	ids := make([]uuid.UUID, 0, len(req.Lines))
	for _, line := range req.Lines {
		if _, ok := seen[line.AccountID]; ok {
			continue
		}
		seen[line.AccountID] = struct{}{}
		ids = append(ids, line.AccountID)
	}
	return ids
}

func encodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("seq:" + strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || !strings.HasPrefix(string(raw), "seq:") {
		return 0, apperror.Validation("invalid cursor")
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(string(raw), "seq:"), 10, 64)
	if err != nil || seq < 0 {
		return 0, apperror.Validation("invalid cursor")
	}
	return seq, nil
}

// asAppError passes AppErrors through and wraps anything else as internal.
func asAppError(err error, op string) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, domain.ErrVersionConflict) {
		return apperror.ErrConcurrencyConflict(err)
	}
	return apperror.InternalError(fmt.Errorf("%s: %w", op, err))
}
