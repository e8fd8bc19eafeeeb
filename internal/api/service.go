package api

import (
	"context"

	"hybridrag/internal/domain/rag"
)

// Service HTTP 层依赖的引擎能力（*rag.Engine 实现）
type Service interface {
	IngestDocument(ctx context.Context, data []byte, name string) (*rag.ProcessingOutcome, error)
	AnswerQuery(ctx context.Context, query string, topK int, mode string) (*rag.QueryResult, error)
	RemoveDocument(ctx context.Context, fingerprint string) error
	GetDocument(ctx context.Context, fingerprint string) (*rag.DocumentRecord, error)
	ListDocuments(ctx context.Context) ([]rag.DocumentRecord, error)
	CacheStats() rag.CacheStats
	Ping(ctx context.Context) error
	SupportedTypes() string
	MaxFileBytes() int64
}

var _ Service = (*rag.Engine)(nil)
