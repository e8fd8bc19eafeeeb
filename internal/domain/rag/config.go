package rag

import (
	"time"
)

// Config RAG 模块配置
type Config struct {
	// Embedding
	EmbeddingModel string `json:"embedding_model,omitempty"`
	EmbeddingDims  int    `json:"embedding_dims,omitempty"`

	// Chunker 配置
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	// 检索配置
	DefaultTopK  int        `json:"default_top_k"`
	DefaultMode  SearchMode `json:"default_mode"`
	MinRelevance float64    `json:"min_relevance"`
	MaxFileSize  int        `json:"max_file_size"` // 最大文件大小（MB）

	// 缓存配置
	EmbeddingCacheCapacity int     `json:"embedding_cache_capacity"`
	EmbeddingStoreTTL      int     `json:"embedding_store_ttl"` // Redis 二级缓存 TTL（秒）
	SemanticThreshold      float64 `json:"semantic_threshold"`
	QueryCacheTTL          int     `json:"query_cache_ttl"` // 秒
	QueryCacheMaxEntries   int     `json:"query_cache_max_entries"`
	SweepIntervalSeconds   int     `json:"sweep_interval_seconds"`
	InvalidationPolicy     string  `json:"invalidation_policy"` // full | sources

	// 并发控制
	PendingWaitSeconds int `json:"pending_wait_seconds"`
	PendingPollMillis  int `json:"pending_poll_millis"`
	FillTimeoutSeconds int `json:"fill_timeout_seconds"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		EmbeddingModel:         "text-embedding-3-small",
		EmbeddingDims:          1536,
		ChunkSize:              512,
		ChunkOverlap:           128,
		DefaultTopK:            5,
		DefaultMode:            ModeVector,
		MinRelevance:           0.1,
		MaxFileSize:            50,
		EmbeddingCacheCapacity: 1000,
		EmbeddingStoreTTL:      86400,
		SemanticThreshold:      0.95,
		QueryCacheTTL:          3600,
		QueryCacheMaxEntries:   10000,
		SweepIntervalSeconds:   60,
		InvalidationPolicy:     "full",
		PendingWaitSeconds:     30,
		PendingPollMillis:      200,
		FillTimeoutSeconds:     120,
	}
}

// Normalize 非法值回退到默认值
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 4
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = d.DefaultTopK
	}
	if c.DefaultMode == "" {
		c.DefaultMode = d.DefaultMode
	}
	if c.MinRelevance < 0 {
		c.MinRelevance = 0
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.EmbeddingCacheCapacity <= 0 {
		c.EmbeddingCacheCapacity = d.EmbeddingCacheCapacity
	}
	if c.QueryCacheTTL <= 0 {
		c.QueryCacheTTL = d.QueryCacheTTL
	}
	if c.QueryCacheMaxEntries <= 0 {
		c.QueryCacheMaxEntries = d.QueryCacheMaxEntries
	}
	if c.PendingWaitSeconds <= 0 {
		c.PendingWaitSeconds = d.PendingWaitSeconds
	}
	if c.PendingPollMillis <= 0 {
		c.PendingPollMillis = d.PendingPollMillis
	}
	if c.FillTimeoutSeconds <= 0 {
		c.FillTimeoutSeconds = d.FillTimeoutSeconds
	}
	if c.InvalidationPolicy == "" {
		c.InvalidationPolicy = d.InvalidationPolicy
	}
}

// MaxFileBytes 最大上传字节数
func (c *Config) MaxFileBytes() int64 {
	return int64(c.MaxFileSize) << 20
}

// QueryTTL 查询缓存 TTL
func (c *Config) QueryTTL() time.Duration {
	return time.Duration(c.QueryCacheTTL) * time.Second
}

// PendingWait 等待并发处理的上限
func (c *Config) PendingWait() time.Duration {
	return time.Duration(c.PendingWaitSeconds) * time.Second
}

// PendingPoll 等待时的轮询间隔
func (c *Config) PendingPoll() time.Duration {
	return time.Duration(c.PendingPollMillis) * time.Millisecond
}

// FillTimeout 回源超时
func (c *Config) FillTimeout() time.Duration {
	return time.Duration(c.FillTimeoutSeconds) * time.Second
}
