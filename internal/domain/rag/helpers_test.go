package rag_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"hybridrag/internal/db/memstore"
	"hybridrag/internal/domain/rag"
)

const testDims = 4

// fakeEmbedder 按文本返回预设向量，未登记的文本返回 fallback
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	err      error
	panics   atomic.Bool
	calls    atomic.Int64
	texts    atomic.Int64
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors:  make(map[string][]float32),
		fallback: []float32{0, 0, 0, 1},
	}
}

func (f *fakeEmbedder) set(text string, v []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[text] = v
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	f.texts.Add(int64(len(texts)))
	if f.panics.Load() {
		panic("embedding adapter exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = f.fallback
	}
	return out, nil
}

func (f *fakeEmbedder) Dims() int { return testDims }

// fakeGenerator 记录调用次数；gate 非空时阻塞直到关闭
type fakeGenerator struct {
	calls atomic.Int64
	gate  chan struct{}
	err   error
}

func (g *fakeGenerator) Generate(ctx context.Context, query string, sources []rag.Source) (string, error) {
	g.calls.Add(1)
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return "answer to " + query + " from " + sources[0].DisplayName, nil
}

// flakyStore 可注入 UpsertChunks 失败
type flakyStore struct {
	*memstore.Store
	failUpsert atomic.Bool
}

var errDiskFull = errors.New("disk full")

// hookedStore 在 UpsertChunks 成功后执行 afterUpsert
type hookedStore struct {
	*memstore.Store
	afterUpsert func(fingerprint string)
}

func (s *hookedStore) UpsertChunks(ctx context.Context, fingerprint string, chunks []rag.ChunkEmbedding) error {
	if err := s.Store.UpsertChunks(ctx, fingerprint, chunks); err != nil {
		return err
	}
	if s.afterUpsert != nil {
		s.afterUpsert(fingerprint)
	}
	return nil
}

func (s *flakyStore) UpsertChunks(ctx context.Context, fingerprint string, chunks []rag.ChunkEmbedding) error {
	if s.failUpsert.Load() {
		return errDiskFull
	}
	return s.Store.UpsertChunks(ctx, fingerprint, chunks)
}

// recordingNotifier 记录变更通知
type recordingNotifier struct {
	mu      sync.Mutex
	changed []string
}

func (n *recordingNotifier) OnDocumentChanged(_ context.Context, fingerprint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, fingerprint)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.changed)
}

// unitAt 与 e0=[1,0,0,0] 余弦为 cos 的单位向量
func unitAt(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos)), 0, 0}
}

func chunksFor(fingerprint string, n int) []rag.ChunkEmbedding {
	out := make([]rag.ChunkEmbedding, n)
	for i := range out {
		out[i] = rag.ChunkEmbedding{
			ChunkID:             rag.ChunkID(fingerprint, i),
			DocumentFingerprint: fingerprint,
			Seq:                 i,
			Vector:              []float32{1, float32(i), 0, 0},
			Preview:             "chunk",
		}
	}
	return out
}
