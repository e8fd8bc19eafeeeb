package rag

import (
	"context"

	"hybridrag/internal/platform/resilience"
)

// BreakerEmbedder 熔断保护的 Embedder
type BreakerEmbedder struct {
	inner   Embedder
	breaker *resilience.Breaker
}

// WithEmbedderBreaker 为 Embedder 加熔断
func WithEmbedderBreaker(e Embedder, b *resilience.Breaker) *BreakerEmbedder {
	return &BreakerEmbedder{inner: e, breaker: b}
}

func (b *BreakerEmbedder) Dims() int { return b.inner.Dims() }

func (b *BreakerEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return resilience.Call(b.breaker, func() ([][]float32, error) {
		return b.inner.Embed(ctx, texts)
	})
}

// BreakerGenerator 熔断保护的 AnswerGenerator
type BreakerGenerator struct {
	inner   AnswerGenerator
	breaker *resilience.Breaker
}

// WithGeneratorBreaker 为 AnswerGenerator 加熔断
func WithGeneratorBreaker(g AnswerGenerator, b *resilience.Breaker) *BreakerGenerator {
	return &BreakerGenerator{inner: g, breaker: b}
}

func (b *BreakerGenerator) Generate(ctx context.Context, query string, sources []Source) (string, error) {
	return resilience.Call(b.breaker, func() (string, error) {
		return b.inner.Generate(ctx, query, sources)
	})
}
