package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RouteStore publishes which relay node currently holds a uid's connection so
// that other services (push fanout, future multi-node routing) can find it.
// Keys: im:route:uid:{uid} -> "host:port" with TTL.
type RouteStore struct {
	cli  *redis.Client
	addr string
	ttl  time.Duration
}

func NewRouteStore(cli *redis.Client, cometAddr string, ttlSeconds int64) *RouteStore {
	if ttlSeconds <= 0 {
		ttlSeconds = 60
	}
	return &RouteStore{cli: cli, addr: cometAddr, ttl: time.Duration(ttlSeconds) * time.Second}
}

func routeKey(uid int64) string {
	return fmt.Sprintf("im:route:uid:%d", uid)
}

func (s *RouteStore) Set(ctx context.Context, uid int64) error {
	if s == nil || s.cli == nil {
		return nil
	}
	return s.cli.Set(ctx, routeKey(uid), s.addr, s.ttl).Err()
}

func (s *RouteStore) Del(ctx context.Context, uid int64) error {
	if s == nil || s.cli == nil {
		return nil
	}
	return s.cli.Del(ctx, routeKey(uid)).Err()
}

func (s *RouteStore) Get(ctx context.Context, uid int64) (string, error) {
	if s == nil || s.cli == nil {
		return "", nil
	}
	v, err := s.cli.Get(ctx, routeKey(uid)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
