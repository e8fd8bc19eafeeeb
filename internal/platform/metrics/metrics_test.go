package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"hybridrag/internal/domain/rag"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveQuery("exact", "vector", 2*time.Millisecond, nil)
	m.ObserveQuery("miss", "vector", time.Second, errors.New("boom"))
	m.ObserveIngest("duplicate", time.Millisecond)
	m.ObserveGeneration(time.Second, errors.New("provider down"))
	m.ObserveKeywordFallback()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueryTotal.WithLabelValues("exact", "vector", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueryTotal.WithLabelValues("miss", "vector", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestTotal.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeywordFallbacks))
}

func TestWatchCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	stats := rag.CacheStats{ExactEntries: 3, IndexedChunks: 42, EmbeddingDegraded: true, HitRate: 0.5}
	m.WatchCache(func() rag.CacheStats { return stats })

	expected := `
# HELP hybridrag_indexed_chunks Chunks in the in-memory vector index
# TYPE hybridrag_indexed_chunks gauge
hybridrag_indexed_chunks 42
# HELP hybridrag_embedding_cache_degraded 1 while the embedding L2 store is bypassed
# TYPE hybridrag_embedding_cache_degraded gauge
hybridrag_embedding_cache_degraded 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"hybridrag_indexed_chunks", "hybridrag_embedding_cache_degraded"))

	n, err := testutil.GatherAndCount(reg, "hybridrag_query_cache_entries")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
