package rag

import (
	"sort"

	"hybridrag/internal/domain/vector"
)

const rrfK = 60.0

// retrieval 检索结果；relevance 为最高的原始相似度（余弦或关键词覆盖率），用于置信度
type retrieval struct {
	hits      []vector.Hit
	relevance float64
	fallback  bool
}

// rrfMerge Reciprocal Rank Fusion 融合排序
// 公式: score(d) = Σ 1/(k + rank_i(d)), k=60
func rrfMerge(vectorHits, keywordHits []vector.Hit, topK int) []vector.Hit {
	type fused struct {
		hit   vector.Hit
		score float64
		first int // 首次出现的位置，分数相同时保持确定顺序
	}

	byID := make(map[string]*fused)
	pos := 0
	add := func(list []vector.Hit) {
		for rank, h := range list {
			f, ok := byID[h.ChunkID]
			if !ok {
				f = &fused{hit: h, first: pos}
				byID[h.ChunkID] = f
				pos++
			}
			f.score += 1.0 / (rrfK + float64(rank+1))
		}
	}
	add(vectorHits)
	add(keywordHits)

	results := make([]*fused, 0, len(byID))
	for _, f := range byID {
		results = append(results, f)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].first < results[j].first
	})

	if topK <= 0 || topK > len(results) {
		topK = len(results)
	}
	out := make([]vector.Hit, topK)
	for i := 0; i < topK; i++ {
		out[i] = results[i].hit
		out[i].Score = results[i].score
	}
	return out
}

// confidenceLevel 置信度分档
func confidenceLevel(score float64) string {
	switch {
	case score < 0.4:
		return "low"
	case score < 0.65:
		return "medium"
	default:
		return "high"
	}
}
