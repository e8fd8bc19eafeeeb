package redisdb

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"hybridrag/internal/domain/cache"
	"hybridrag/internal/domain/vector"
	applog "hybridrag/internal/platform/log"

	"github.com/redis/go-redis/v9"
)

// EmbeddingStore 查询向量的 Redis 二级缓存，位于进程内 LRU 之后
type EmbeddingStore struct {
	redis  *redis.Client
	ttl    time.Duration
	model  string
	prefix string
}

var _ cache.EmbeddingStore = (*EmbeddingStore)(nil)

// NewEmbeddingStore 创建向量缓存；key 按模型隔离，换模型不会读到旧维度的向量
func NewEmbeddingStore(rdb *redis.Client, model string, ttlSeconds int) *EmbeddingStore {
	ttl := 24 * time.Hour
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &EmbeddingStore{
		redis:  rdb,
		ttl:    ttl,
		model:  model,
		prefix: "rag:emb:",
	}
}

// Connect 解析 REDIS_URL 并探活
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Get 未命中返回 (nil, false, nil)；只有 Redis 故障才返回 error
func (s *EmbeddingStore) Get(ctx context.Context, text string) ([]float32, bool, error) {
	data, err := s.redis.Get(ctx, s.key(text)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	vec, err := vector.Decode(data)
	if err != nil || len(vec) == 0 {
		applog.Warn("[Store/Redis] Dropping corrupt embedding", "error", err)
		s.redis.Del(ctx, s.key(text))
		return nil, false, nil
	}
	return vec, true, nil
}

// Set 写入向量并设置 TTL
func (s *EmbeddingStore) Set(ctx context.Context, text string, vec []float32) error {
	return s.redis.Set(ctx, s.key(text), vector.Encode(vec), s.ttl).Err()
}

// key = prefix + sha256(model|text)
func (s *EmbeddingStore) key(text string) string {
	hash := sha256.Sum256([]byte(s.model + "|" + text))
	return s.prefix + fmt.Sprintf("%x", hash)
}
