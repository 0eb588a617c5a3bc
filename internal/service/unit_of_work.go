package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// EngineOptions tunes concurrency handling shared by all services.
type EngineOptions struct {
	ConflictRetries   uint64
	RetryBaseDelay    time.Duration
	LockTimeout       time.Duration
	ReferenceCacheTTL time.Duration
}

// DefaultEngineOptions returns the values used when config leaves them unset.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		ConflictRetries:   5,
		RetryBaseDelay:    5 * time.Millisecond,
		LockTimeout:       5 * time.Second,
		ReferenceCacheTTL: 24 * time.Hour,
	}
}

type scopeKey struct{}

// txScope marks a ctx as running inside a retried unit of work and collects
// hooks that run only after the outermost commit.
type txScope struct {
	afterCommit []func()
}

// unitOfWork wraps a Transactor with optimistic-conflict retries. Nested
// calls join the outer unit of work; only the outermost call retries.
type unitOfWork struct {
	tx   ports.Transactor
	opts EngineOptions
	log  zerolog.Logger
}

func newUnitOfWork(tx ports.Transactor, opts EngineOptions, log zerolog.Logger) *unitOfWork {
	return &unitOfWork{tx: tx, opts: opts, log: log}
}

func (u *unitOfWork) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(scopeKey{}).(*txScope); ok {
		return fn(ctx)
	}

	backoff := newBackoff(u.opts.ConflictRetries, u.opts.RetryBaseDelay)
	var scope *txScope
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		scope = &txScope{}
		err := u.tx.WithinTx(context.WithValue(ctx, scopeKey{}, scope), fn)
		if errors.Is(err, domain.ErrVersionConflict) {
			u.log.Debug().Int("attempt", attempt).Msg("optimistic conflict, retrying unit of work")
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, domain.ErrVersionConflict) {
		return apperror.ErrConcurrencyConflict(err)
	}
	if err != nil {
		return err
	}
	for _, hook := range scope.afterCommit {
		hook()
	}
	return nil
}

// newBackoff returns a bounded exponential backoff. go-retry panics on a
// non-positive base, so one millisecond is the floor.
func newBackoff(retries uint64, base time.Duration) retry.Backoff {
	if base <= 0 {
		base = time.Millisecond
	}
	return retry.WithMaxRetries(retries, retry.NewExponential(base))
}

// afterCommit registers hook to run once the enclosing unit of work commits.
// Outside a unit of work the hook runs immediately.
func afterCommit(ctx context.Context, hook func()) {
	if scope, ok := ctx.Value(scopeKey{}).(*txScope); ok {
		scope.afterCommit = append(scope.afterCommit, hook)
		return
	}
	hook()
}

type heldKey struct{}

// lockManager acquires aggregate locks in sorted order. Keys already held by
// the ctx are skipped so nested operations reuse the caller's locks.
type lockManager struct {
	locker  ports.AggregateLocker
	timeout time.Duration
}

func newLockManager(locker ports.AggregateLocker, timeout time.Duration) *lockManager {
	return &lockManager{locker: locker, timeout: timeout}
}

func (m *lockManager) acquire(ctx context.Context, keys ...string) (context.Context, func(), error) {
	held, _ := ctx.Value(heldKey{}).(map[string]struct{})

	wanted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := held[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		wanted = append(wanted, k)
	}
	if len(wanted) == 0 {
		return ctx, func() {}, nil
	}
	if _, inTx := ctx.Value(scopeKey{}).(*txScope); inTx {
		// Locks must be taken before the store transaction begins.
		return ctx, nil, apperror.InternalError(fmt.Errorf("lock %v requested inside unit of work", wanted))
	}
	sort.Strings(wanted)

	lockCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	unlocks := make([]func(), 0, len(wanted))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range wanted {
		unlock, err := m.locker.Lock(lockCtx, k)
		if err != nil {
			release()
			return ctx, nil, apperror.ErrLockTimeout(fmt.Errorf("lock %s: %w", k, err))
		}
		unlocks = append(unlocks, unlock)
	}

	next := make(map[string]struct{}, len(held)+len(wanted))
	for k := range held {
		next[k] = struct{}{}
	}
	for _, k := range wanted {
		next[k] = struct{}{}
	}
	return context.WithValue(ctx, heldKey{}, next), release, nil
}

func escrowLockKey(id fmt.Stringer) string  { return "escrow:" + id.String() }
func accountLockKey(id fmt.Stringer) string { return "account:" + id.String() }
