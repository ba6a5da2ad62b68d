package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"buzzconnect/models"
)

const keyPrefix = "typing:"

// RedisStore keeps typing flags in Redis so several server instances share them.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) Set(ctx context.Context, typist, peer string, typing bool) error {
	key := keyPrefix + models.PresenceKey(typist, peer)
	if !typing {
		return s.rdb.Del(ctx, key).Err()
	}
	return s.rdb.Set(ctx, key, 1, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, typist, peer string) (bool, error) {
	err := s.rdb.Get(ctx, keyPrefix+models.PresenceKey(typist, peer)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
