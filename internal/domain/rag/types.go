package rag

import (
	"fmt"
	"time"
)

// ProcessingStatus 文档处理状态
type ProcessingStatus string

const (
	StatusPending   ProcessingStatus = "pending"
	StatusProcessed ProcessingStatus = "processed"
	StatusFailed    ProcessingStatus = "failed"
)

// DocumentRecord 文档记录，每个指纹唯一
type DocumentRecord struct {
	Fingerprint string           `json:"fingerprint" db:"fingerprint"`
	DisplayName string           `json:"display_name" db:"display_name"`
	ChunkCount  int              `json:"chunk_count" db:"chunk_count"`
	Status      ProcessingStatus `json:"status" db:"status"`
	Error       string           `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// ChunkEmbedding 文档分块向量
type ChunkEmbedding struct {
	ChunkID             string    `json:"chunk_id"`
	DocumentFingerprint string    `json:"document_fingerprint"`
	Seq                 int       `json:"seq"`
	Vector              []float32 `json:"vector,omitempty"`
	Preview             string    `json:"preview"`
}

// StoredChunk 持久化存储中读出的 chunk，附带文档名
type StoredChunk struct {
	ChunkEmbedding
	DisplayName string
}

// ChunkID chunk 标识 = <fingerprint>:<seq>
func ChunkID(fingerprint string, seq int) string {
	return fmt.Sprintf("%s:%d", fingerprint, seq)
}

// OutcomeKind 入库结果类型
type OutcomeKind string

const (
	OutcomeNew       OutcomeKind = "new"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeFailed    OutcomeKind = "failed"
)

// ProcessingOutcome 入库结果
type ProcessingOutcome struct {
	Kind   OutcomeKind     `json:"kind"`
	Record *DocumentRecord `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SearchMode 检索模式
type SearchMode string

const (
	ModeVector  SearchMode = "vector"
	ModeHybrid  SearchMode = "hybrid"
	ModeKeyword SearchMode = "keyword"
)

// ParseSearchMode 解析检索模式，空串返回 fallback
func ParseSearchMode(s string, fallback SearchMode) (SearchMode, error) {
	switch SearchMode(s) {
	case "":
		return fallback, nil
	case ModeVector, ModeHybrid, ModeKeyword:
		return SearchMode(s), nil
	default:
		return "", fmt.Errorf("unknown search mode %q", s)
	}
}

// Source 答案引用的 chunk
type Source struct {
	Fingerprint string  `json:"fingerprint"`
	DisplayName string  `json:"display_name,omitempty"`
	ChunkID     string  `json:"chunk_id"`
	Score       float64 `json:"score"`
	Preview     string  `json:"preview,omitempty"`
}

// Answer 问答结果（缓存的载荷）
type Answer struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Level      string    `json:"level"`
	Sources    []Source  `json:"sources"`
	Mode       string    `json:"mode"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueryResult AnswerQuery 返回值
type QueryResult struct {
	Answer    *Answer `json:"answer"`
	CacheTier string  `json:"cache_tier"`
}

// CacheStats 缓存观测数据
type CacheStats struct {
	ExactEntries       int     `json:"exact_entries"`
	SemanticScanSize   int     `json:"semantic_scan_size"`
	EmbeddingCacheSize int     `json:"embedding_cache_size"`
	HitRate            float64 `json:"hit_rate"`
	ExactHits          int64   `json:"exact_hits"`
	SemanticHits       int64   `json:"semantic_hits"`
	Misses             int64   `json:"misses"`
	EmbeddingHits      int64   `json:"embedding_hits"`
	EmbeddingMisses    int64   `json:"embedding_misses"`
	EmbeddingDegraded  bool    `json:"embedding_degraded"`
	IndexedChunks      int     `json:"indexed_chunks"`
	InvalidationPolicy string  `json:"invalidation_policy"`
}
