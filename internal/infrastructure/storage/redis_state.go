package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStateStore keeps each run slot as a JSON string at <prefix>:state:<key>.
type RedisStateStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStateStore connects and pings the server before returning.
func NewRedisStateStore(ctx context.Context, cfg RedisConfig) (*RedisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ltpbot"
	}
	return &RedisStateStore{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisStateStore) key(stateKey string) string {
	return r.prefix + ":state:" + stateKey
}

func (r *RedisStateStore) LoadState(ctx context.Context, key string) (*domain.PersistedState, error) {
	raw, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get state %s: %w", key, err)
	}

	var p domain.PersistedState
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("redis: decode state %s: %w", key, err)
	}
	return &p, nil
}

func (r *RedisStateStore) SaveState(ctx context.Context, state *domain.PersistedState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: encode state: %w", err)
	}
	key := state.Identity.StateKey()
	if err := r.rdb.Set(ctx, r.key(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: set state %s: %w", key, err)
	}
	return nil
}

func (r *RedisStateStore) Close() error {
	return r.rdb.Close()
}
