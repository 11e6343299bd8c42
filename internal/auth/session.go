package auth

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ValidateSession checks whether the token still has a live session in Redis.
// The auth service writes the session (prefix+token) at login and deletes it on
// logout, so this catches tokens that are signed but revoked.
func ValidateSession(ctx context.Context, rdb *redis.Client, redisPrefix, token string) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	key := redisPrefix + token
	n, err := rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
