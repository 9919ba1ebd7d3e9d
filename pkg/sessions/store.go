package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound means the refresh token was never issued, expired,
	// or was already rotated away. Presenting a rotated token is treated
	// the same as presenting an unknown one.
	ErrSessionNotFound = errors.New("refresh session not found")
)

// Store tracks live refresh tokens by jti. Each refresh token is valid for
// exactly one rotation: Rotate consumes the old jti and registers the new
// one in a single atomic step, so a replayed refresh token always misses.
type Store interface {
	Save(ctx context.Context, accountID uuid.UUID, jti string, expiresAt time.Time) error
	Rotate(ctx context.Context, accountID uuid.UUID, oldJTI, newJTI string, newExpiresAt time.Time) error
	Revoke(ctx context.Context, accountID uuid.UUID, jti string) error
	RevokeAll(ctx context.Context, accountID uuid.UUID) error
}

const (
	sessionKeyPrefix = "refresh_session:"
	accountKeyPrefix = "account_sessions:"
)

// RedisStore implements Store on Redis. The per-jti key carries the TTL;
// the per-account set exists so RevokeAll can find every live session.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// rotateScript consumes the old session key and writes the new one
// atomically. Returns 0 if the old key was gone.
var rotateScript = redis.NewScript(`
if redis.call("DEL", KEYS[1]) == 0 then
	return 0
end
redis.call("SET", KEYS[2], ARGV[1], "PXAT", ARGV[2])
redis.call("SREM", KEYS[3], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[4])
return 1
`)

func (s *RedisStore) Save(ctx context.Context, accountID uuid.UUID, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh session already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+jti, accountID.String(), ttl)
	pipe.SAdd(ctx, accountKeyPrefix+accountID.String(), jti)
	pipe.Expire(ctx, accountKeyPrefix+accountID.String(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Rotate(ctx context.Context, accountID uuid.UUID, oldJTI, newJTI string, newExpiresAt time.Time) error {
	keys := []string{
		sessionKeyPrefix + oldJTI,
		sessionKeyPrefix + newJTI,
		accountKeyPrefix + accountID.String(),
	}
	res, err := rotateScript.Run(ctx, s.client, keys,
		accountID.String(), newExpiresAt.UnixMilli(), oldJTI, newJTI).Int()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh session: %w", err)
	}
	if res == 0 {
		slog.Warn("Refresh token replay or unknown session", "accountID", accountID)
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) Revoke(ctx context.Context, accountID uuid.UUID, jti string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+jti)
	pipe.SRem(ctx, accountKeyPrefix+accountID.String(), jti)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) RevokeAll(ctx context.Context, accountID uuid.UUID) error {
	setKey := accountKeyPrefix + accountID.String()
	jtis, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list refresh sessions: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, jti := range jtis {
		pipe.Del(ctx, sessionKeyPrefix+jti)
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke refresh sessions: %w", err)
	}
	return nil
}
