package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	applog "hybridrag/internal/platform/log"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultEmbeddingCapacity 默认容量
	DefaultEmbeddingCapacity = 1000
	defaultDegradeCooldown   = 30 * time.Second
	defaultComputeTimeout    = 60 * time.Second
)

// ComputeFunc 外部向量化调用
type ComputeFunc func(ctx context.Context, text string) ([]float32, error)

// EmbeddingStore 可选的二级持久缓存（如 Redis）
type EmbeddingStore interface {
	Get(ctx context.Context, text string) ([]float32, bool, error)
	Set(ctx context.Context, text string, vec []float32) error
}

// EmbeddingOption 配置项
type EmbeddingOption func(*EmbeddingCache)

// WithEmbeddingStore 挂载二级缓存
func WithEmbeddingStore(s EmbeddingStore) EmbeddingOption {
	return func(c *EmbeddingCache) { c.store = s }
}

// WithDegradeCooldown 二级缓存失败后的降级时长
func WithDegradeCooldown(d time.Duration) EmbeddingOption {
	return func(c *EmbeddingCache) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

// WithComputeTimeout 合并计算的超时
func WithComputeTimeout(d time.Duration) EmbeddingOption {
	return func(c *EmbeddingCache) {
		if d > 0 {
			c.computeTimeout = d
		}
	}
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) EmbeddingOption {
	return func(c *EmbeddingCache) { c.now = now }
}

// EmbeddingCache 查询向量 LRU 缓存。
// 命中刷新最近使用；未命中时同一文本的并发计算合并为一次；计算失败不缓存。
type EmbeddingCache struct {
	lru            *lru.Cache[string, []float32]
	capacity       int
	group          singleflight.Group
	store          EmbeddingStore
	cooldown       time.Duration
	computeTimeout time.Duration
	now            func() time.Time

	hits          atomic.Int64
	misses        atomic.Int64
	degradedUntil atomic.Int64
}

// EmbeddingStats 统计
type EmbeddingStats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Degraded bool  `json:"degraded"`
}

// NewEmbeddingCache 创建 LRU 缓存；capacity<=0 时使用默认值 1000
func NewEmbeddingCache(capacity int, opts ...EmbeddingOption) (*EmbeddingCache, error) {
	if capacity <= 0 {
		capacity = DefaultEmbeddingCapacity
	}
	l, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c := &EmbeddingCache{
		lru:            l,
		capacity:       capacity,
		cooldown:       defaultDegradeCooldown,
		computeTimeout: defaultComputeTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrCompute 命中直接返回（不调用 compute），否则计算并写入。
// 返回的切片为缓存内共享数据，调用方不得修改。
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, text string, compute ComputeFunc) ([]float32, error) {
	if v, ok := c.lru.Get(text); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(text, func() (any, error) {
		if v, ok := c.lru.Get(text); ok {
			return v, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()

		if v, ok := c.loadL2(cctx, text); ok {
			c.lru.Add(text, v)
			return v, nil
		}

		v, err := compute(cctx, text)
		if err != nil {
			return nil, err
		}
		if len(v) == 0 {
			return nil, fmt.Errorf("empty embedding for query")
		}
		c.lru.Add(text, v)
		c.saveL2(cctx, text, v)
		return v, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Contains 是否已缓存（不刷新最近使用）
func (c *EmbeddingCache) Contains(text string) bool {
	return c.lru.Contains(text)
}

// Len 当前条目数
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}

// Purge 清空内存缓存
func (c *EmbeddingCache) Purge() {
	c.lru.Purge()
}

// Stats 返回统计
func (c *EmbeddingCache) Stats() EmbeddingStats {
	return EmbeddingStats{
		Size:     c.lru.Len(),
		Capacity: c.capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Degraded: c.degraded(),
	}
}

func (c *EmbeddingCache) degraded() bool {
	return c.store != nil && c.now().UnixNano() < c.degradedUntil.Load()
}

func (c *EmbeddingCache) loadL2(ctx context.Context, text string) ([]float32, bool) {
	if c.store == nil || c.degraded() {
		return nil, false
	}
	v, ok, err := c.store.Get(ctx, text)
	if err != nil {
		c.degrade("get", err)
		return nil, false
	}
	return v, ok
}

func (c *EmbeddingCache) saveL2(ctx context.Context, text string, v []float32) {
	if c.store == nil || c.degraded() {
		return
	}
	if err := c.store.Set(ctx, text, v); err != nil {
		c.degrade("set", err)
	}
}

func (c *EmbeddingCache) degrade(op string, err error) {
	until := c.now().Add(c.cooldown)
	c.degradedUntil.Store(until.UnixNano())
	applog.Warn("[Cache/Embedding] L2 store failed, running memory-only",
		"op", op, "cooldown", c.cooldown.String(), "error", err)
}
