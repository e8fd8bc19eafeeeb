package vector

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Metadata chunk 附带信息
type Metadata struct {
	DocumentFingerprint string `json:"document_fingerprint"`
	DisplayName         string `json:"display_name,omitempty"`
	Seq                 int    `json:"seq"`
	Preview             string `json:"preview,omitempty"`
}

// Hit 检索命中
type Hit struct {
	ChunkID  string   `json:"chunk_id"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Item 批量写入单元
type Item struct {
	ChunkID  string
	Vector   []float32
	Metadata Metadata
}

type entry struct {
	id     string
	vec    []float32 // 已归一化
	meta   Metadata
	seq    uint64
	tokens map[string]struct{}
}

// Index 内存向量索引（暴力扫描，精确余弦）。
// 它只是持久化存储的派生缓存，随时可由 LoadIndexFromStore 重建。
type Index struct {
	mu      sync.RWMutex
	dims    int
	entries map[string]*entry
	byDoc   map[string]map[string]struct{}
	nextSeq uint64
}

// NewIndex 创建索引；dims<=0 时由首次写入决定维度
func NewIndex(dims int) *Index {
	return &Index{
		dims:    dims,
		entries: make(map[string]*entry),
		byDoc:   make(map[string]map[string]struct{}),
	}
}

// Dims 当前维度（0 表示尚未确定）
func (idx *Index) Dims() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dims
}

// Len chunk 数量
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Upsert 写入或更新单个 chunk；更新时保留原插入序号
func (idx *Index) Upsert(chunkID string, vec []float32, meta Metadata) error {
	return idx.UpsertBatch([]Item{{ChunkID: chunkID, Vector: vec, Metadata: meta}})
}

// UpsertBatch 在同一把写锁内写入一批 chunk，读者要么看到全部要么一个都看不到
func (idx *Index) UpsertBatch(items []Item) error {
	if len(items) == 0 {
		return nil
	}
	prepared, dims, err := prepare(items)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dims != 0 && idx.dims != dims {
		return fmt.Errorf("%w: index has %d, got %d", ErrDimensionMismatch, idx.dims, dims)
	}
	idx.dims = dims
	idx.insertLocked(prepared)
	return nil
}

// Replace 用 items 原子替换整个索引内容
func (idx *Index) Replace(items []Item) error {
	prepared, dims, err := prepare(items)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = make(map[string]*entry, len(prepared))
	idx.byDoc = make(map[string]map[string]struct{})
	idx.nextSeq = 0
	if dims != 0 {
		idx.dims = dims
	}
	idx.insertLocked(prepared)
	return nil
}

func prepare(items []Item) ([]*entry, int, error) {
	prepared := make([]*entry, 0, len(items))
	dims := 0
	for _, it := range items {
		if it.ChunkID == "" {
			return nil, 0, fmt.Errorf("chunk id is required")
		}
		if len(it.Vector) == 0 {
			return nil, 0, fmt.Errorf("chunk %s: empty vector", it.ChunkID)
		}
		if dims == 0 {
			dims = len(it.Vector)
		} else if len(it.Vector) != dims {
			return nil, 0, fmt.Errorf("%w: chunk %s has %d, batch has %d", ErrDimensionMismatch, it.ChunkID, len(it.Vector), dims)
		}
		prepared = append(prepared, &entry{
			id:     it.ChunkID,
			vec:    Normalize(it.Vector),
			meta:   it.Metadata,
			tokens: Tokenize(it.Metadata.Preview),
		})
	}
	return prepared, dims, nil
}

func (idx *Index) insertLocked(prepared []*entry) {
	for _, e := range prepared {
		if old, ok := idx.entries[e.id]; ok {
			e.seq = old.seq
			idx.unlinkDoc(old)
		} else {
			idx.nextSeq++
			e.seq = idx.nextSeq
		}
		idx.entries[e.id] = e
		doc := e.meta.DocumentFingerprint
		if idx.byDoc[doc] == nil {
			idx.byDoc[doc] = make(map[string]struct{})
		}
		idx.byDoc[doc][e.id] = struct{}{}
	}
}

// Remove 删除单个 chunk，返回是否存在
func (idx *Index) Remove(chunkID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[chunkID]
	if !ok {
		return false
	}
	delete(idx.entries, chunkID)
	idx.unlinkDoc(e)
	return true
}

// RemoveDocument 删除某文档的全部 chunk，返回删除数量
func (idx *Index) RemoveDocument(fingerprint string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids := idx.byDoc[fingerprint]
	for id := range ids {
		delete(idx.entries, id)
	}
	delete(idx.byDoc, fingerprint)
	return len(ids)
}

// HasDocument 索引中是否存在该文档的 chunk
func (idx *Index) HasDocument(fingerprint string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byDoc[fingerprint]) > 0
}

// Reset 清空索引，维度保持不变
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]*entry)
	idx.byDoc = make(map[string]map[string]struct{})
	idx.nextSeq = 0
}

func (idx *Index) unlinkDoc(e *entry) {
	doc := e.meta.DocumentFingerprint
	if ids, ok := idx.byDoc[doc]; ok {
		delete(ids, e.id)
		if len(ids) == 0 {
			delete(idx.byDoc, doc)
		}
	}
}

// Search 按余弦相似度降序返回 topK；分数相同按插入顺序
func (idx *Index) Search(query []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	q := Normalize(query)

	idx.mu.RLock()
	if len(idx.entries) == 0 {
		idx.mu.RUnlock()
		return nil, nil
	}
	if len(q) != idx.dims {
		dims := idx.dims
		idx.mu.RUnlock()
		return nil, fmt.Errorf("%w: index has %d, query has %d", ErrDimensionMismatch, dims, len(q))
	}
	cands := make([]scored, 0, len(idx.entries))
	for _, e := range idx.entries {
		cands = append(cands, scored{e: e, score: Dot(q, e.vec)})
	}
	idx.mu.RUnlock()

	return topHits(cands, topK), nil
}

// KeywordSearch 基于 preview 词项重叠的关键词检索；score = 命中词数 / 查询词数
func (idx *Index) KeywordSearch(query string, topK int) []Hit {
	terms := Tokenize(query)
	if topK <= 0 || len(terms) == 0 {
		return nil
	}

	idx.mu.RLock()
	cands := make([]scored, 0)
	for _, e := range idx.entries {
		matched := 0
		for t := range terms {
			if _, ok := e.tokens[t]; ok {
				matched++
			}
		}
		if matched > 0 {
			cands = append(cands, scored{e: e, score: float64(matched) / float64(len(terms))})
		}
	}
	idx.mu.RUnlock()

	return topHits(cands, topK)
}

type scored struct {
	e     *entry
	score float64
}

func topHits(cands []scored, topK int) []Hit {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].e.seq < cands[j].e.seq
	})
	if len(cands) > topK {
		cands = cands[:topK]
	}
	hits := make([]Hit, len(cands))
	for i, c := range cands {
		hits[i] = Hit{ChunkID: c.e.id, Score: c.score, Metadata: c.e.meta}
	}
	return hits
}

// Tokenize 小写化并按非字母数字切词，去掉单字符词
func Tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}
