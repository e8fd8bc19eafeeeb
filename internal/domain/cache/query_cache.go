package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hybridrag/internal/domain/vector"
	applog "hybridrag/internal/platform/log"

	"golang.org/x/sync/singleflight"
)

// Tier 命中层级
type Tier string

const (
	TierExact    Tier = "exact"
	TierSemantic Tier = "semantic"
	TierMiss     Tier = "miss"
)

const (
	DefaultSemanticThreshold = 0.95
	DefaultQueryTTL          = time.Hour
	DefaultMaxEntries        = 10000
	DefaultFillTimeout       = 2 * time.Minute

	// float32 归一化后的舍入误差，阈值比较包含边界
	thresholdEpsilon = 1e-6
)

// EmbedFunc 计算查询向量（通常经过 EmbeddingCache）
type EmbedFunc func(ctx context.Context, normalized string) ([]float32, error)

// FillFunc 全部未命中时的回源调用，返回结果和其依赖的文档指纹
type FillFunc[T any] func(ctx context.Context) (T, []string, error)

// Result 查询结果
type Result[T any] struct {
	Tier       Tier
	Payload    T
	Similarity float64
}

// QueryConfig 查询缓存配置
type QueryConfig struct {
	TTL         time.Duration
	Threshold   float64
	MaxEntries  int
	FillTimeout time.Duration
	Now         func() time.Time
}

func (c *QueryConfig) normalize() {
	if c.TTL <= 0 {
		c.TTL = DefaultQueryTTL
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultSemanticThreshold
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = DefaultFillTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type queryEntry[T any] struct {
	key        string
	part       partitionKey
	payload    T
	embedding  []float32 // 已归一化；向量化失败时为空，仅参与精确匹配
	insertedAt time.Time
	expiresAt  time.Time
	sources    map[string]struct{}
}

// QueryStats 统计
type QueryStats struct {
	ExactEntries     int     `json:"exact_entries"`
	SemanticScanSize int     `json:"semantic_scan_size"`
	ExactHits        int64   `json:"exact_hits"`
	SemanticHits     int64   `json:"semantic_hits"`
	Misses           int64   `json:"misses"`
	HitRate          float64 `json:"hit_rate"`
}

// QueryCache 分层查询结果缓存：精确匹配 -> 语义匹配 -> 回源。
// 锁只保护内存结构，向量化与回源都在锁外执行。
type QueryCache[T any] struct {
	mu         sync.RWMutex
	exact      map[string]*queryEntry[T]
	partitions map[partitionKey]map[string]*queryEntry[T]
	generation uint64

	group singleflight.Group
	embed EmbedFunc
	cfg   QueryConfig

	exactHits    atomic.Int64
	semanticHits atomic.Int64
	misses       atomic.Int64
}

// NewQueryCache 创建查询缓存
func NewQueryCache[T any](embed EmbedFunc, cfg QueryConfig) *QueryCache[T] {
	cfg.normalize()
	return &QueryCache[T]{
		exact:      make(map[string]*queryEntry[T]),
		partitions: make(map[partitionKey]map[string]*queryEntry[T]),
		embed:      embed,
		cfg:        cfg,
	}
}

// Lookup 先精确匹配，再在相同 (topK, mode) 分区内做语义匹配
func (c *QueryCache[T]) Lookup(ctx context.Context, query string, topK int, mode string) (Result[T], error) {
	q := NormalizeQuery(query)
	key := Key(q, topK, mode)

	if e, ok := c.getExact(key); ok {
		c.exactHits.Add(1)
		return Result[T]{Tier: TierExact, Payload: e.payload, Similarity: 1}, nil
	}

	emb, err := c.embed(ctx, q)
	if err != nil {
		return Result[T]{Tier: TierMiss}, err
	}

	if e, sim, ok := c.bestSemantic(partitionKey{topK: topK, mode: mode}, vector.Normalize(emb)); ok {
		c.semanticHits.Add(1)
		applog.Debug("[Cache/Query] Semantic hit", "similarity", sim)
		return Result[T]{Tier: TierSemantic, Payload: e.payload, Similarity: sim}, nil
	}

	c.misses.Add(1)
	return Result[T]{Tier: TierMiss}, nil
}

// Store 写入结果；ttl<=0 时使用默认 TTL
func (c *QueryCache[T]) Store(ctx context.Context, query string, topK int, mode string, payload T, ttl time.Duration, sources []string) {
	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()
	c.store(ctx, gen, NormalizeQuery(query), topK, mode, payload, ttl, sources)
}

// Resolve 查找，未命中时回源并写入。同一 key 的并发回源只执行一次，其余调用等待同一结果。
// 回源运行在独立的超时上下文中，超时或失败会传给所有等待者；每个等待者仍受自己的 ctx 约束。
func (c *QueryCache[T]) Resolve(ctx context.Context, query string, topK int, mode string, fill FillFunc[T]) (Result[T], error) {
	res, err := c.Lookup(ctx, query, topK, mode)
	if err != nil || res.Tier != TierMiss {
		return res, err
	}

	q := NormalizeQuery(query)
	key := Key(q, topK, mode)

	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	ch := c.group.DoChan(fmt.Sprintf("%d|%s", gen, key), func() (any, error) {
		if e, ok := c.getExact(key); ok {
			return Result[T]{Tier: TierExact, Payload: e.payload, Similarity: 1}, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FillTimeout)
		defer cancel()

		payload, sources, err := fill(fctx)
		if err != nil {
			return nil, err
		}
		c.store(fctx, gen, q, topK, mode, payload, c.cfg.TTL, sources)
		return Result[T]{Tier: TierMiss, Payload: payload}, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return Result[T]{Tier: TierMiss}, r.Err
		}
		return r.Val.(Result[T]), nil
	case <-ctx.Done():
		return Result[T]{Tier: TierMiss}, ctx.Err()
	}
}

// InvalidateAll 清空全部条目，返回清除数量
func (c *QueryCache[T]) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.exact)
	c.exact = make(map[string]*queryEntry[T])
	c.partitions = make(map[partitionKey]map[string]*queryEntry[T])
	c.generation++
	return n
}

// InvalidateDocument 只清除来源包含该文档的条目
func (c *QueryCache[T]) InvalidateDocument(fingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.exact {
		if _, ok := e.sources[fingerprint]; ok {
			c.removeLocked(e)
			n++
		}
	}
	c.generation++
	return n
}

// Sweep 清理过期条目
func (c *QueryCache[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpiredLocked(c.cfg.Now())
}

// RunJanitor 周期清理，直到 ctx 结束
func (c *QueryCache[T]) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				applog.Debug("[Cache/Query] Swept expired entries", "count", n)
			}
		}
	}
}

// Len 条目数（含尚未清理的过期条目）
func (c *QueryCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.exact)
}

// Stats 返回统计
func (c *QueryCache[T]) Stats() QueryStats {
	now := c.cfg.Now()
	c.mu.RLock()
	var live, scan int
	for _, e := range c.exact {
		if now.Before(e.expiresAt) {
			live++
			if len(e.embedding) > 0 {
				scan++
			}
		}
	}
	c.mu.RUnlock()

	s := QueryStats{
		ExactEntries:     live,
		SemanticScanSize: scan,
		ExactHits:        c.exactHits.Load(),
		SemanticHits:     c.semanticHits.Load(),
		Misses:           c.misses.Load(),
	}
	if total := s.ExactHits + s.SemanticHits + s.Misses; total > 0 {
		s.HitRate = float64(s.ExactHits+s.SemanticHits) / float64(total)
	}
	return s
}

func (c *QueryCache[T]) getExact(key string) (*queryEntry[T], bool) {
	now := c.cfg.Now()
	c.mu.RLock()
	e, ok := c.exact[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if now.Before(e.expiresAt) {
		return e, true
	}

	c.mu.Lock()
	if cur, ok := c.exact[key]; ok && cur == e {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	return nil, false
}

func (c *QueryCache[T]) bestSemantic(part partitionKey, emb []float32) (*queryEntry[T], float64, bool) {
	now := c.cfg.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *queryEntry[T]
	bestSim := -1.0
	for _, e := range c.partitions[part] {
		if !now.Before(e.expiresAt) || len(e.embedding) != len(emb) {
			continue
		}
		if sim := vector.Dot(emb, e.embedding); sim > bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil || bestSim+thresholdEpsilon < c.cfg.Threshold {
		return nil, bestSim, false
	}
	return best, bestSim, true
}

func (c *QueryCache[T]) store(ctx context.Context, gen uint64, q string, topK int, mode string, payload T, ttl time.Duration, sources []string) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	var emb []float32
	if v, err := c.embed(ctx, q); err != nil {
		applog.Warn("[Cache/Query] Embedding unavailable, storing exact-only entry", "error", err)
	} else {
		emb = vector.Normalize(v)
	}

	now := c.cfg.Now()
	e := &queryEntry[T]{
		key:        Key(q, topK, mode),
		part:       partitionKey{topK: topK, mode: mode},
		payload:    payload,
		embedding:  emb,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
		sources:    make(map[string]struct{}, len(sources)),
	}
	for _, s := range sources {
		e.sources[s] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		applog.Debug("[Cache/Query] Dropping result filled before invalidation")
		return
	}
	if old, ok := c.exact[e.key]; ok {
		c.removeLocked(old)
	} else if len(c.exact) >= c.cfg.MaxEntries {
		if c.purgeExpiredLocked(now) == 0 {
			c.evictOldestLocked()
		}
	}
	c.exact[e.key] = e
	if c.partitions[e.part] == nil {
		c.partitions[e.part] = make(map[string]*queryEntry[T])
	}
	c.partitions[e.part][e.key] = e
}

func (c *QueryCache[T]) removeLocked(e *queryEntry[T]) {
	delete(c.exact, e.key)
	if p, ok := c.partitions[e.part]; ok {
		delete(p, e.key)
		if len(p) == 0 {
			delete(c.partitions, e.part)
		}
	}
}

func (c *QueryCache[T]) purgeExpiredLocked(now time.Time) int {
	n := 0
	for _, e := range c.exact {
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			n++
		}
	}
	return n
}

func (c *QueryCache[T]) evictOldestLocked() {
	var oldest *queryEntry[T]
	for _, e := range c.exact {
		if oldest == nil || e.insertedAt.Before(oldest.insertedAt) {
			oldest = e
		}
	}
	if oldest != nil {
		c.removeLocked(oldest)
	}
}
