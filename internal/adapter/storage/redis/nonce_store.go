package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// NonceStore remembers the nonces each payment rail has used so a captured
// notification cannot be replayed inside the timestamp window.
type NonceStore struct {
	client *goredis.Client
	prefix string
}

// NewNonceStore creates a Redis-backed rail nonce store.
func NewNonceStore(client *goredis.Client) *NonceStore {
	return &NonceStore{client: client, prefix: "escrow:rail-nonce:"}
}

func (s *NonceStore) key(source, nonce string) string {
	return s.prefix + source + ":" + nonce
}

// CheckAndSet claims nonce for source with SET NX. It reports false when the
// rail already used that nonce within ttl.
func (s *NonceStore) CheckAndSet(ctx context.Context, source string, nonce string, ttl time.Duration) (bool, error) {
	if source == "" || nonce == "" {
		return false, fmt.Errorf("nonce and source are required")
	}
	err := s.client.SetArgs(ctx, s.key(source, nonce), time.Now().Unix(), goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, goredis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("claim rail nonce: %w", err)
	}
}
