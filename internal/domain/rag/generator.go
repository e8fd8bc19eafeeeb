package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	applog "hybridrag/internal/platform/log"
	"hybridrag/internal/provider"
)

const defaultSystemPrompt = `You answer questions using only the numbered context passages provided.
Cite passages as [n]. If the context does not contain the answer, say you do not know.`

// LLMGenerator 基于 LLMProvider 的答案生成器
type LLMGenerator struct {
	provider     provider.LLMProvider
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string
}

// GeneratorConfig 生成器配置
type GeneratorConfig struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// NewLLMGenerator 创建答案生成器
func NewLLMGenerator(p provider.LLMProvider, cfg GeneratorConfig) *LLMGenerator {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &LLMGenerator{
		provider:     p,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Generate 调用 LLM 生成答案
func (g *LLMGenerator) Generate(ctx context.Context, query string, sources []Source) (string, error) {
	start := time.Now()
	resp, err := g.provider.Complete(ctx, &provider.CompletionRequest{
		Model: g.model,
		Messages: []provider.Message{
			{Role: "system", Content: g.systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", FormatContext(sources), query)},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("empty completion from %s", g.provider.Name())
	}
	applog.Debug("[RAG/Generator] Answer generated",
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// FormatContext 将检索结果格式化为 LLM 上下文文本
func FormatContext(sources []Source) string {
	var sb strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&sb, "[%d] ", i+1)
		sb.WriteString(s.Preview)
		if s.DisplayName != "" {
			fmt.Fprintf(&sb, "\n(来源: %s)", s.DisplayName)
		}
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}
