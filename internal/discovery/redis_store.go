package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheKey = "deskd:cached_desk"

// RedisStore 基于Redis的缓存实现（多实例部署共享同一桌子记录时使用）
type RedisStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisStore 创建Redis缓存。ttl<=0表示记录不过期。
func NewRedisStore(rdb *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = defaultCacheKey
	}
	return &RedisStore{rdb: rdb, key: key, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context) (*CachedDesk, error) {
	raw, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get desk cache: %w", err)
	}
	var desk CachedDesk
	if err := json.Unmarshal(raw, &desk); err != nil || desk.Address == "" {
		return nil, ErrCacheMiss
	}
	return &desk, nil
}

func (s *RedisStore) Save(ctx context.Context, desk *CachedDesk) error {
	raw, err := json.Marshal(desk)
	if err != nil {
		return fmt.Errorf("marshal desk cache: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set desk cache: %w", err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del desk cache: %w", err)
	}
	return nil
}
