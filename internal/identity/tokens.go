package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenStore issues one-time password reset tokens.
type TokenStore interface {
	Issue(ctx context.Context, userID string) (string, error)
	Consume(ctx context.Context, token string) (string, error)
}

// RedisTokenStore keeps reset tokens in Redis with a TTL.
type RedisTokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTokenStore constructs the store.
func NewRedisTokenStore(client *redis.Client, ttl time.Duration) *RedisTokenStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisTokenStore{client: client, ttl: ttl}
}

// Issue creates a token bound to userID.
func (s *RedisTokenStore) Issue(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	if err := s.client.Set(ctx, resetKey(token), userID, s.ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// Consume returns the user bound to token and deletes it.
func (s *RedisTokenStore) Consume(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrResetTokenInvalid
	}
	userID, err := s.client.GetDel(ctx, resetKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrResetTokenInvalid
		}
		return "", err
	}
	return userID, nil
}

func resetKey(token string) string {
	return "password_reset:" + token
}
