package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hybridrag/internal/domain/cache"
	"hybridrag/internal/domain/vector"
	applog "hybridrag/internal/platform/log"

	"github.com/google/uuid"
)

// NoRelevantAnswer 检索不到相关内容时的固定答复
const NoRelevantAnswer = "I could not find any relevant information in the uploaded documents."

// Observer 指标回调，nil 表示不采集
type Observer interface {
	ObserveQuery(tier, mode string, elapsed time.Duration, err error)
	ObserveIngest(outcome string, elapsed time.Duration)
	ObserveGeneration(elapsed time.Duration, err error)
	ObserveKeywordFallback()
}

// Deps 引擎依赖
type Deps struct {
	Store     DocumentStore
	Embedder  Embedder
	Generator AnswerGenerator
	// 以下可选
	EmbeddingStore cache.EmbeddingStore
	Parsers        *ParserRegistry
	Observer       Observer
	Now            func() time.Time
}

// Engine 混合检索缓存引擎：文档去重入库、分层查询缓存、向量检索与答案生成
type Engine struct {
	cfg       Config
	store     DocumentStore
	embedder  Embedder
	generator AnswerGenerator
	parsers   *ParserRegistry
	chunker   *Chunker
	observer  Observer
	now       func() time.Time

	index        *vector.Index
	synchronizer *Synchronizer
	embeddings   *cache.EmbeddingCache
	queries      *cache.QueryCache[*Answer]
	coordinator  *cache.Coordinator

	mu      sync.Mutex
	stop    context.CancelFunc
	janitor sync.WaitGroup
}

// NewEngine 组装引擎；所有状态由调用方持有，没有全局单例
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Embedder == nil || deps.Generator == nil {
		return nil, errors.New("store, embedder and generator are required")
	}
	cfg.Normalize()

	policy, err := cache.ParsePolicy(cfg.InvalidationPolicy)
	if err != nil {
		return nil, err
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	embOpts := []cache.EmbeddingOption{cache.WithClock(now)}
	if deps.EmbeddingStore != nil {
		embOpts = append(embOpts, cache.WithEmbeddingStore(deps.EmbeddingStore))
	}
	embeddings, err := cache.NewEmbeddingCache(cfg.EmbeddingCacheCapacity, embOpts...)
	if err != nil {
		return nil, err
	}

	parsers := deps.Parsers
	if parsers == nil {
		parsers = NewParserRegistry()
	}

	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		embedder:   deps.Embedder,
		generator:  deps.Generator,
		parsers:    parsers,
		chunker:    NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		observer:   deps.Observer,
		now:        now,
		index:      vector.NewIndex(deps.Embedder.Dims()),
		embeddings: embeddings,
	}
	e.queries = cache.NewQueryCache[*Answer](e.embedQuery, cache.QueryConfig{
		TTL:         cfg.QueryTTL(),
		Threshold:   cfg.SemanticThreshold,
		MaxEntries:  cfg.QueryCacheMaxEntries,
		FillTimeout: cfg.FillTimeout(),
		Now:         now,
	})
	e.coordinator = cache.NewCoordinator(policy, e.queries)
	e.synchronizer = NewSynchronizer(deps.Store, e.index, e.coordinator, cfg.PendingWait(), cfg.PendingPoll())
	return e, nil
}

// Start 恢复中断的文档并从持久化存储加载索引，启动过期清理
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.synchronizer.RecoverPending(ctx); err != nil {
		return err
	}
	if _, err := e.synchronizer.LoadIndexFromStore(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == nil && e.cfg.SweepIntervalSeconds > 0 {
		jctx, cancel := context.WithCancel(context.Background())
		e.stop = cancel
		e.janitor.Add(1)
		go func() {
			defer e.janitor.Done()
			e.queries.RunJanitor(jctx, time.Duration(e.cfg.SweepIntervalSeconds)*time.Second)
		}()
	}
	return nil
}

// Shutdown 停止后台任务
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	stop := e.stop
	e.stop = nil
	e.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()

	done := make(chan struct{})
	go func() {
		e.janitor.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IngestDocument 上传文档：重复内容直接返回 duplicate，不做任何抽取与向量化
func (e *Engine) IngestDocument(ctx context.Context, data []byte, name string) (*ProcessingOutcome, error) {
	start := e.now()
	outcome, err := e.ingest(ctx, data, name)
	if e.observer != nil && outcome != nil {
		e.observer.ObserveIngest(string(outcome.Kind), e.now().Sub(start))
	}
	return outcome, err
}

func (e *Engine) ingest(ctx context.Context, data []byte, name string) (*ProcessingOutcome, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}
	if int64(len(data)) > e.cfg.MaxFileBytes() {
		return nil, fmt.Errorf("%w: %d bytes, limit %d MB", ErrFileTooLarge, len(data), e.cfg.MaxFileSize)
	}
	parser, err := e.parsers.Resolve(name, data)
	if err != nil {
		return nil, err
	}

	rec, isNew, err := e.synchronizer.Ingest(ctx, data, name)
	if err != nil {
		return nil, err
	}
	if !isNew {
		return &ProcessingOutcome{Kind: OutcomeDuplicate, Record: rec}, nil
	}

	chunks, err := e.extract(ctx, parser, rec.Fingerprint, data)
	if err != nil {
		e.synchronizer.Fail(ctx, rec.Fingerprint, err)
		return e.failed(ctx, rec, err), err
	}
	if err := e.synchronizer.CommitChunks(ctx, rec.Fingerprint, chunks); err != nil {
		return e.failed(ctx, rec, err), err
	}

	committed, err := e.store.FindByFingerprint(ctx, rec.Fingerprint)
	if err != nil || committed == nil {
		rec.Status = StatusProcessed
		rec.ChunkCount = len(chunks)
		committed = rec
	}
	applog.Info("[RAG/Engine] Document ingested",
		"fingerprint", rec.Fingerprint, "name", name, "chunks", len(chunks))
	return &ProcessingOutcome{Kind: OutcomeNew, Record: committed}, nil
}

// extract 抽取、分块、向量化；解析器或模型适配器 panic 时转为错误，保证调用方能 Fail 掉 pending 记录
func (e *Engine) extract(ctx context.Context, parser Parser, fingerprint string, data []byte) (chunks []ChunkEmbedding, err error) {
	defer func() {
		if r := recover(); r != nil {
			applog.Error("[RAG/Engine] Extraction panicked", "fingerprint", fingerprint, "panic", r)
			chunks, err = nil, fmt.Errorf("%w: %v", ErrExtractionPanic, r)
		}
	}()

	text, err := parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	pieces := e.chunker.Split(text)
	if len(pieces) == 0 {
		return nil, ErrEmptyDocument
	}

	vectors, err := e.embedder.Embed(ctx, pieces)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingProvider, err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbeddingProvider, len(vectors), len(pieces))
	}

	chunks = make([]ChunkEmbedding, len(pieces))
	for i, p := range pieces {
		chunks[i] = ChunkEmbedding{
			ChunkID:             ChunkID(fingerprint, i),
			DocumentFingerprint: fingerprint,
			Seq:                 i,
			Vector:              vectors[i],
			Preview:             p,
		}
	}
	return chunks, nil
}

func (e *Engine) failed(ctx context.Context, rec *DocumentRecord, cause error) *ProcessingOutcome {
	out := &ProcessingOutcome{Kind: OutcomeFailed, Record: rec, Error: cause.Error()}
	if cur, err := e.store.FindByFingerprint(context.WithoutCancel(ctx), rec.Fingerprint); err == nil && cur != nil {
		out.Record = cur
	} else {
		rec.Status = StatusFailed
		rec.Error = cause.Error()
	}
	return out
}

// AnswerQuery 查询：精确缓存 -> 语义缓存 -> 检索 + 生成
func (e *Engine) AnswerQuery(ctx context.Context, query string, topK int, mode string) (*QueryResult, error) {
	start := e.now()
	q := cache.NormalizeQuery(query)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	m, err := ParseSearchMode(mode, e.cfg.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}

	res, err := e.queries.Resolve(ctx, q, topK, string(m), func(fctx context.Context) (*Answer, []string, error) {
		return e.answer(fctx, q, topK, m)
	})
	if e.observer != nil {
		e.observer.ObserveQuery(string(res.Tier), string(m), e.now().Sub(start), err)
	}
	if err != nil {
		return nil, err
	}

	applog.Info("[RAG/Engine] Query answered", "mode", m, "top_k", topK, "tier", res.Tier)
	return &QueryResult{Answer: res.Payload, CacheTier: string(res.Tier)}, nil
}

func (e *Engine) answer(ctx context.Context, q string, topK int, m SearchMode) (*Answer, []string, error) {
	r, err := e.retrieve(ctx, q, topK, m)
	if err != nil {
		return nil, nil, err
	}

	ans := &Answer{
		ID:        uuid.New().String(),
		Mode:      string(m),
		CreatedAt: e.now().UTC(),
	}
	if len(r.hits) == 0 {
		ans.Text = NoRelevantAnswer
		ans.Level = confidenceLevel(0)
		return ans, nil, nil
	}

	sources := make([]Source, len(r.hits))
	seen := make(map[string]struct{})
	var docs []string
	for i, h := range r.hits {
		sources[i] = Source{
			Fingerprint: h.Metadata.DocumentFingerprint,
			DisplayName: h.Metadata.DisplayName,
			ChunkID:     h.ChunkID,
			Score:       h.Score,
			Preview:     h.Metadata.Preview,
		}
		if _, ok := seen[h.Metadata.DocumentFingerprint]; !ok {
			seen[h.Metadata.DocumentFingerprint] = struct{}{}
			docs = append(docs, h.Metadata.DocumentFingerprint)
		}
	}

	start := e.now()
	text, err := e.generator.Generate(ctx, q, sources)
	if e.observer != nil {
		e.observer.ObserveGeneration(e.now().Sub(start), err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	ans.Text = text
	ans.Sources = sources
	ans.Confidence = r.relevance
	ans.Level = confidenceLevel(r.relevance)
	return ans, docs, nil
}

func (e *Engine) retrieve(ctx context.Context, q string, topK int, m SearchMode) (*retrieval, error) {
	if m == ModeKeyword {
		return e.keyword(q, topK, false), nil
	}

	qv, err := e.embedQuery(ctx, q)
	if err != nil {
		return nil, err
	}

	candidates := topK
	if m == ModeHybrid {
		candidates = topK * 3
		if candidates < 20 {
			candidates = 20
		}
	}
	hits, err := e.index.Search(qv, candidates)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	if len(hits) == 0 || hits[0].Score < e.cfg.MinRelevance {
		applog.Info("[RAG/Engine] Low vector relevance, falling back to keyword search", "min_relevance", e.cfg.MinRelevance)
		if e.observer != nil {
			e.observer.ObserveKeywordFallback()
		}
		return e.keyword(q, topK, true), nil
	}

	best := hits[0].Score
	if m == ModeHybrid {
		hits = rrfMerge(hits, e.index.KeywordSearch(q, candidates), topK)
	} else if len(hits) > topK {
		hits = hits[:topK]
	}
	return &retrieval{hits: hits, relevance: best}, nil
}

func (e *Engine) keyword(q string, topK int, fallback bool) *retrieval {
	hits := e.index.KeywordSearch(q, topK)
	r := &retrieval{hits: hits, fallback: fallback}
	if len(hits) > 0 {
		r.relevance = hits[0].Score
	}
	return r
}

// embedQuery 查询向量，经过 LRU（和可选的 Redis）缓存
func (e *Engine) embedQuery(ctx context.Context, q string) ([]float32, error) {
	return e.embeddings.GetOrCompute(ctx, q, func(ctx context.Context, text string) ([]float32, error) {
		vs, err := e.embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingProvider, err)
		}
		if len(vs) != 1 {
			return nil, fmt.Errorf("%w: got %d vectors for 1 query", ErrEmbeddingProvider, len(vs))
		}
		return vs[0], nil
	})
}

// RemoveDocument 删除文档及其 chunk，并触发缓存失效
func (e *Engine) RemoveDocument(ctx context.Context, fingerprint string) error {
	return e.synchronizer.Remove(ctx, fingerprint)
}

// GetDocument 按指纹查询文档
func (e *Engine) GetDocument(ctx context.Context, fingerprint string) (*DocumentRecord, error) {
	rec, err := e.store.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if rec == nil {
		return nil, ErrDocumentNotFound
	}
	return rec, nil
}

// ListDocuments 列出全部文档
func (e *Engine) ListDocuments(ctx context.Context) ([]DocumentRecord, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return docs, nil
}

// CacheStats 缓存与索引的观测数据
func (e *Engine) CacheStats() CacheStats {
	q := e.queries.Stats()
	emb := e.embeddings.Stats()
	return CacheStats{
		ExactEntries:       q.ExactEntries,
		SemanticScanSize:   q.SemanticScanSize,
		EmbeddingCacheSize: emb.Size,
		HitRate:            q.HitRate,
		ExactHits:          q.ExactHits,
		SemanticHits:       q.SemanticHits,
		Misses:             q.Misses,
		EmbeddingHits:      emb.Hits,
		EmbeddingMisses:    emb.Misses,
		EmbeddingDegraded:  emb.Degraded,
		IndexedChunks:      e.index.Len(),
		InvalidationPolicy: string(e.coordinator.Policy()),
	}
}

// Ping 检查持久化存储
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// SupportedTypes 支持上传的文件类型
func (e *Engine) SupportedTypes() string {
	return e.parsers.SupportedTypes()
}

// MaxFileBytes 上传大小上限
func (e *Engine) MaxFileBytes() int64 {
	return e.cfg.MaxFileBytes()
}
