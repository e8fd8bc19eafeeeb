package vector

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meta(doc string, seq int, preview string) Metadata {
	return Metadata{DocumentFingerprint: doc, Seq: seq, Preview: preview}
}

func TestSearchOrdersByCosineDescending(t *testing.T) {
	idx := NewIndex(0)
	require.NoError(t, idx.Upsert("a", []float32{1, 0}, meta("d1", 0, "")))
	require.NoError(t, idx.Upsert("b", []float32{0, 1}, meta("d1", 1, "")))
	require.NoError(t, idx.Upsert("c", []float32{3, 3}, meta("d2", 0, "")))

	hits, err := idx.Search([]float32{2, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "a", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "c", hits[1].ChunkID)
	assert.InDelta(t, math.Sqrt2/2, hits[1].Score, 1e-6)
	assert.Equal(t, "b", hits[2].ChunkID)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-6)
}

func TestSearchTieBreaksByInsertionOrder(t *testing.T) {
	idx := NewIndex(2)
	for _, id := range []string{"z", "m", "a"} {
		require.NoError(t, idx.Upsert(id, []float32{1, 1}, meta("d", 0, "")))
	}

	hits, err := idx.Search([]float32{1, 1}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "m", "a"}, ids(hits))

	// 更新向量不改变插入顺序
	require.NoError(t, idx.Upsert("z", []float32{2, 2}, meta("d", 0, "")))
	hits, err = idx.Search([]float32{1, 1}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "m", "a"}, ids(hits))
}

func TestSearchMatchesExhaustiveCosine(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	idx := NewIndex(8)
	vecs := make(map[string][]float32)
	for i := 0; i < 200; i++ {
		v := make([]float32, 8)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		id := fmt.Sprintf("c%03d", i)
		vecs[id] = v
		require.NoError(t, idx.Upsert(id, v, meta("d", i, "")))
	}
	q := []float32{0.3, -0.2, 0.9, 0.1, 0, -0.5, 0.4, 0.2}

	type pair struct {
		id    string
		score float64
	}
	var want []pair
	for id, v := range vecs {
		s, err := Cosine(q, v)
		require.NoError(t, err)
		want = append(want, pair{id, s})
	}
	sort.Slice(want, func(i, j int) bool { return want[i].score > want[j].score })

	hits, err := idx.Search(q, 10)
	require.NoError(t, err)
	require.Len(t, hits, 10)
	for i, h := range hits {
		assert.Equal(t, want[i].id, h.ChunkID)
		assert.InDelta(t, want[i].score, h.Score, 1e-5)
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx := NewIndex(3)
	err := idx.Upsert("a", []float32{1, 2}, meta("d", 0, ""))
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	require.NoError(t, idx.Upsert("a", []float32{1, 2, 3}, meta("d", 0, "")))
	_, err = idx.Search([]float32{1, 2}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = idx.UpsertBatch([]Item{
		{ChunkID: "x", Vector: []float32{1, 2, 3}},
		{ChunkID: "y", Vector: []float32{1, 2}},
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, idx.Len(), "rejected batch must not be partially applied")
}

func TestRemoveAndRemoveDocument(t *testing.T) {
	idx := NewIndex(0)
	require.NoError(t, idx.UpsertBatch([]Item{
		{ChunkID: "d1:0", Vector: []float32{1, 0}, Metadata: meta("d1", 0, "")},
		{ChunkID: "d1:1", Vector: []float32{1, 1}, Metadata: meta("d1", 1, "")},
		{ChunkID: "d2:0", Vector: []float32{0, 1}, Metadata: meta("d2", 0, "")},
	}))

	assert.True(t, idx.Remove("d1:0"))
	assert.False(t, idx.Remove("d1:0"))
	assert.Equal(t, 2, idx.Len())

	assert.Equal(t, 1, idx.RemoveDocument("d1"))
	assert.False(t, idx.HasDocument("d1"))
	assert.True(t, idx.HasDocument("d2"))

	hits, err := idx.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2:0"}, ids(hits))
}

func TestKeywordSearch(t *testing.T) {
	idx := NewIndex(0)
	require.NoError(t, idx.Upsert("a", []float32{1, 0}, meta("d", 0, "Python is a programming language")))
	require.NoError(t, idx.Upsert("b", []float32{1, 0}, meta("d", 1, "Go is a programming language too")))
	require.NoError(t, idx.Upsert("c", []float32{1, 0}, meta("d", 2, "bananas")))

	hits := idx.KeywordSearch("python programming", 5)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "b", hits[1].ChunkID)
	assert.InDelta(t, 0.5, hits[1].Score, 1e-9)

	assert.Empty(t, idx.KeywordSearch("?", 5))
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	idx := NewIndex(4)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				_ = idx.Upsert(id, []float32{float32(w), float32(i), 1, 0}, meta(fmt.Sprintf("d%d", w), i, ""))
				if i%3 == 0 {
					idx.Remove(id)
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := idx.Search([]float32{1, 1, 1, 1}, 5)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4*66, idx.Len())
}

func TestCodecRoundTrip(t *testing.T) {
	v := []float32{0, -1.5, 3.25, float32(math.Pi)}
	got, err := Decode(Encode(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosineZeroVector(t *testing.T) {
	s, err := Cosine([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s)
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ChunkID
	}
	return out
}

func TestReplaceSwapsContents(t *testing.T) {
	idx := NewIndex(0)
	require.NoError(t, idx.Upsert("old", []float32{1, 0}, meta("d0", 0, "")))

	require.NoError(t, idx.Replace([]Item{
		{ChunkID: "d1:0", Vector: []float32{0, 1}, Metadata: meta("d1", 0, "")},
		{ChunkID: "d1:1", Vector: []float32{1, 1}, Metadata: meta("d1", 1, "")},
	}))
	assert.Equal(t, 2, idx.Len())
	assert.False(t, idx.HasDocument("d0"))

	require.NoError(t, idx.Replace(nil))
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 2, idx.Dims())
}
