package auth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDenylistPrefix = "pnar:revoked:"

// RedisDenylist shares revocations between API replicas. Keys expire with the token.
type RedisDenylist struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDenylist wraps an existing client.
func NewRedisDenylist(client redis.UniversalClient) *RedisDenylist {
	return &RedisDenylist{client: client, prefix: redisDenylistPrefix}
}

func (d *RedisDenylist) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	return d.client.Set(ctx, d.prefix+tokenID, 1, ttl).Err()
}

func (d *RedisDenylist) Revoked(ctx context.Context, tokenID string) (bool, error) {
	err := d.client.Get(ctx, d.prefix+tokenID).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, err
	}
}

var _ Denylist = (*RedisDenylist)(nil)
