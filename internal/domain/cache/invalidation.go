package cache

import (
	"context"
	"fmt"
	"strings"

	applog "hybridrag/internal/platform/log"
)

// Policy 失效策略
type Policy string

const (
	// PolicyFull 任意文档变更清空全部查询缓存
	PolicyFull Policy = "full"
	// PolicySources 只清除来源包含变更文档的条目
	PolicySources Policy = "sources"
)

// ParsePolicy 解析策略名，空串为 full
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFull:
		return PolicyFull, nil
	case PolicySources:
		return PolicySources, nil
	default:
		return "", fmt.Errorf("unknown invalidation policy %q", s)
	}
}

// Invalidator 可被失效的缓存
type Invalidator interface {
	InvalidateAll() int
	InvalidateDocument(fingerprint string) int
}

// Coordinator 文档变更时清理依赖的查询缓存
type Coordinator struct {
	policy  Policy
	targets []Invalidator
}

// NewCoordinator 创建失效协调器
func NewCoordinator(policy Policy, targets ...Invalidator) *Coordinator {
	if policy == "" {
		policy = PolicyFull
	}
	return &Coordinator{policy: policy, targets: targets}
}

// Policy 当前策略
func (c *Coordinator) Policy() Policy { return c.policy }

// OnDocumentChanged 文档新增或删除后调用
func (c *Coordinator) OnDocumentChanged(_ context.Context, fingerprint string) {
	total := 0
	for _, t := range c.targets {
		if c.policy == PolicySources {
			total += t.InvalidateDocument(fingerprint)
		} else {
			total += t.InvalidateAll()
		}
	}
	applog.Info("[Cache/Invalidate] Document changed",
		"fingerprint", fingerprint, "policy", string(c.policy), "entries_removed", total)
}
