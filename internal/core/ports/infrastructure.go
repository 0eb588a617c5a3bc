package ports

//go:generate mockgen -source=infrastructure.go -destination=mocks/mock_infrastructure.go -package=mocks

import (
	"context"
	"time"

	"escrow-engine/internal/core/domain"
)

// AggregateLocker provides exclusive sections keyed by aggregate
// ("escrow:<id>", "account:<id>"). Lock blocks until the key is acquired or
// ctx is done. The returned func releases the key.
type AggregateLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ReferenceCache is the fast-path duplicate check for committed ledger references.
type ReferenceCache interface {
	Seen(ctx context.Context, reference string) (bool, error)
	Remember(ctx context.Context, reference string, ttl time.Duration) error
}

// NonceStore manages nonce uniqueness for replay attack prevention.
type NonceStore interface {
	// CheckAndSet atomically checks if nonce exists, sets it if not.
	// Returns true if nonce is new (valid), false if already used.
	CheckAndSet(ctx context.Context, source string, nonce string, ttl time.Duration) (bool, error)
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error)
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   int64 // Unix timestamp
}

// ObjectStore is the evidence storage boundary. Stat returns the stored
// object's metadata or domain.ErrObjectNotFound.
type ObjectStore interface {
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

// ObjectInfo describes a stored evidence object.
type ObjectInfo struct {
	Key         string
	ContentType string
	SizeBytes   int64
}

// PostingGuard vetoes ledger postings against accounts whose owner forbids them.
type PostingGuard interface {
	CheckPosting(ctx context.Context, account *domain.LedgerAccount, complianceOverride bool) error
}

// Clock returns the current time. Services take one so tests control deadlines.
type Clock func() time.Time
