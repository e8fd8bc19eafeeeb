package rag

import "context"

// DocumentStore 持久化存储端口。fingerprint 上必须有唯一约束。
type DocumentStore interface {
	Ping(ctx context.Context) error
	// FindByFingerprint 不存在时返回 (nil, nil)
	FindByFingerprint(ctx context.Context, fingerprint string) (*DocumentRecord, error)
	// InsertIfAbsent 原子插入，已存在返回 false
	InsertIfAbsent(ctx context.Context, rec *DocumentRecord) (bool, error)
	// ClaimFailed 原子地把 failed 记录改回 pending，成功返回 true
	ClaimFailed(ctx context.Context, fingerprint string) (bool, error)
	// UpsertChunks 在一个事务内替换 chunk 并把状态置为 processed，记录不存在返回 ErrDocumentNotFound
	UpsertChunks(ctx context.Context, fingerprint string, chunks []ChunkEmbedding) error
	MarkFailed(ctx context.Context, fingerprint, reason string) error
	// DeleteDocument 删除记录及其 chunk，不存在返回 ErrDocumentNotFound
	DeleteDocument(ctx context.Context, fingerprint string) error
	// ListProcessedChunks 按 (fingerprint, seq) 顺序遍历 processed 文档的 chunk
	ListProcessedChunks(ctx context.Context, fn func(StoredChunk) error) error
	ListDocuments(ctx context.Context) ([]DocumentRecord, error)
	Close() error
}

// AnswerGenerator 基于检索结果生成答案
type AnswerGenerator interface {
	Generate(ctx context.Context, query string, sources []Source) (string, error)
}
