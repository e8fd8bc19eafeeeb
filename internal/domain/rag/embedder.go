package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	applog "hybridrag/internal/platform/log"
	"hybridrag/internal/provider"
)

// Embedder 向量生成接口，文档 chunk 和查询共用
type Embedder interface {
	// Embed 将文本列表转为向量，顺序与输入一致
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dims 返回向量维度
	Dims() int
}

// EmbedderConfig 配置
type EmbedderConfig struct {
	Model     string // e.g. text-embedding-3-small
	Dims      int
	BatchSize int
}

// ProviderEmbedder 基于 EmbeddingProvider 的分批 Embedder，并校验维度
type ProviderEmbedder struct {
	provider  provider.EmbeddingProvider
	model     string
	dims      int
	batchSize int
}

// NewProviderEmbedder 创建 Embedder
func NewProviderEmbedder(p provider.EmbeddingProvider, cfg EmbedderConfig) *ProviderEmbedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dims <= 0 {
		cfg.Dims = 1536
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &ProviderEmbedder{
		provider:  p,
		model:     cfg.Model,
		dims:      cfg.Dims,
		batchSize: cfg.BatchSize,
	}
}

func (e *ProviderEmbedder) Dims() int {
	return e.dims
}

// Embed 按 batchSize 分批请求
func (e *ProviderEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		vectors, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *ProviderEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()

	req := &provider.EmbeddingRequest{Model: e.model, Input: texts}
	// 只有 text-embedding-3-* 支持 dimensions 参数
	if strings.Contains(e.model, "embedding-3") {
		req.Dimensions = e.dims
	}
	resp, err := e.provider.Embed(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(resp.Vectors), len(texts))
	}
	for i, v := range resp.Vectors {
		if len(v) != e.dims {
			return nil, fmt.Errorf("embedding %d has %d dims, configured %d", i, len(v), e.dims)
		}
	}

	applog.Debug("[RAG/Embedder] Batch embedded",
		"count", len(texts),
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return resp.Vectors, nil
}
