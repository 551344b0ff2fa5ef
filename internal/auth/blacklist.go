package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist checks and records revoked gateway API tokens. Revocation
// happens on logout: tokens minted before it must stop working immediately
// even though their signature is still valid.
type TokenBlacklist interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error
}

type RedisBlacklist struct {
	client *redis.Client
}

func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func (r *RedisBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, "blacklist:"+jti).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (r *RedisBlacklist) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, "blacklist:"+jti, "revoked", ttl).Err()
}

// NoopBlacklist is used when Redis isn't configured; nothing is ever
// considered revoked.
type NoopBlacklist struct{}

func (NoopBlacklist) IsBlacklisted(context.Context, string) (bool, error) { return false, nil }
func (NoopBlacklist) AddToBlacklist(context.Context, string, time.Duration) error {
	return nil
}
