// Package metrics 提供 Prometheus 指标，实现 rag.Observer
package metrics

import (
	"time"

	"hybridrag/internal/domain/rag"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 查询、入库、生成相关指标
type Metrics struct {
	QueryTotal         *prometheus.CounterVec
	QueryDuration      *prometheus.HistogramVec
	IngestTotal        *prometheus.CounterVec
	IngestDuration     prometheus.Histogram
	GenerationDuration prometheus.Histogram
	GenerationErrors   prometheus.Counter
	KeywordFallbacks   prometheus.Counter

	factory promauto.Factory
}

var _ rag.Observer = (*Metrics)(nil)

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		QueryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridrag_queries_total",
			Help: "Queries answered, by cache tier, search mode and outcome",
		}, []string{"tier", "mode", "outcome"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hybridrag_query_duration_seconds",
			Help:    "End-to-end query latency by cache tier",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9), // 1ms ~ 65s
		}, []string{"tier"}),
		IngestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridrag_ingest_total",
			Help: "Document uploads by outcome (new, duplicate, failed)",
		}, []string{"outcome"}),
		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hybridrag_ingest_duration_seconds",
			Help:    "Document ingestion latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 9),
		}),
		GenerationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hybridrag_generation_duration_seconds",
			Help:    "Answer generation latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		GenerationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "hybridrag_generation_errors_total",
			Help: "Failed answer generation calls",
		}),
		KeywordFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "hybridrag_keyword_fallback_total",
			Help: "Vector searches below the relevance floor that fell back to keyword search",
		}),
		factory: f,
	}
}

// WatchCache 以 GaugeFunc 暴露缓存和索引状态，抓取时实时读取
func (m *Metrics) WatchCache(stats func() rag.CacheStats) {
	gauge := func(name, help string, read func(rag.CacheStats) float64) {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return read(stats())
		})
	}
	gauge("hybridrag_query_cache_entries", "Live exact-tier entries",
		func(s rag.CacheStats) float64 { return float64(s.ExactEntries) })
	gauge("hybridrag_semantic_scan_size", "Entries scanned by a semantic lookup",
		func(s rag.CacheStats) float64 { return float64(s.SemanticScanSize) })
	gauge("hybridrag_query_cache_hit_rate", "Exact plus semantic hits over all lookups",
		func(s rag.CacheStats) float64 { return s.HitRate })
	gauge("hybridrag_embedding_cache_entries", "Query embeddings held in the LRU",
		func(s rag.CacheStats) float64 { return float64(s.EmbeddingCacheSize) })
	gauge("hybridrag_embedding_cache_degraded", "1 while the embedding L2 store is bypassed",
		func(s rag.CacheStats) float64 {
			if s.EmbeddingDegraded {
				return 1
			}
			return 0
		})
	gauge("hybridrag_indexed_chunks", "Chunks in the in-memory vector index",
		func(s rag.CacheStats) float64 { return float64(s.IndexedChunks) })
}

func (m *Metrics) ObserveQuery(tier, mode string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.QueryTotal.WithLabelValues(tier, mode, outcome).Inc()
	m.QueryDuration.WithLabelValues(tier).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveIngest(outcome string, elapsed time.Duration) {
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveGeneration(elapsed time.Duration, err error) {
	m.GenerationDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.GenerationErrors.Inc()
	}
}

func (m *Metrics) ObserveKeywordFallback() {
	m.KeywordFallbacks.Inc()
}
