package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"hybridrag/internal/domain/rag"
)

// Store 进程内 DocumentStore，无持久化；用于测试和 STORE_DRIVER=memory
type Store struct {
	mu     sync.RWMutex
	docs   map[string]rag.DocumentRecord
	chunks map[string][]rag.ChunkEmbedding
	now    func() time.Time
}

// New 创建内存存储
func New() *Store {
	return &Store{
		docs:   make(map[string]rag.DocumentRecord),
		chunks: make(map[string][]rag.ChunkEmbedding),
		now:    time.Now,
	}
}

var _ rag.DocumentStore = (*Store)(nil)

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) FindByFingerprint(_ context.Context, fingerprint string) (*rag.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[fingerprint]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *Store) InsertIfAbsent(_ context.Context, rec *rag.DocumentRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[rec.Fingerprint]; ok {
		return false, nil
	}
	s.docs[rec.Fingerprint] = *rec
	return true, nil
}

func (s *Store) ClaimFailed(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[fingerprint]
	if !ok || d.Status != rag.StatusFailed {
		return false, nil
	}
	d.Status = rag.StatusPending
	d.Error = ""
	d.UpdatedAt = s.now().UTC()
	s.docs[fingerprint] = d
	return true, nil
}

func (s *Store) UpsertChunks(_ context.Context, fingerprint string, chunks []rag.ChunkEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[fingerprint]
	if !ok {
		return rag.ErrDocumentNotFound
	}
	cp := make([]rag.ChunkEmbedding, len(chunks))
	for i, c := range chunks {
		c.Vector = append([]float32(nil), c.Vector...)
		cp[i] = c
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].Seq < cp[j].Seq })
	s.chunks[fingerprint] = cp
	d.Status = rag.StatusProcessed
	d.ChunkCount = len(cp)
	d.Error = ""
	d.UpdatedAt = s.now().UTC()
	s.docs[fingerprint] = d
	return nil
}

func (s *Store) MarkFailed(_ context.Context, fingerprint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[fingerprint]
	if !ok {
		return rag.ErrDocumentNotFound
	}
	delete(s.chunks, fingerprint)
	d.Status = rag.StatusFailed
	d.ChunkCount = 0
	d.Error = reason
	d.UpdatedAt = s.now().UTC()
	s.docs[fingerprint] = d
	return nil
}

func (s *Store) DeleteDocument(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[fingerprint]; !ok {
		return rag.ErrDocumentNotFound
	}
	delete(s.docs, fingerprint)
	delete(s.chunks, fingerprint)
	return nil
}

func (s *Store) ListProcessedChunks(ctx context.Context, fn func(rag.StoredChunk) error) error {
	s.mu.RLock()
	var out []rag.StoredChunk
	for fp, d := range s.docs {
		if d.Status != rag.StatusProcessed {
			continue
		}
		for _, c := range s.chunks[fp] {
			out = append(out, rag.StoredChunk{ChunkEmbedding: c, DisplayName: d.DisplayName})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentFingerprint != out[j].DocumentFingerprint {
			return out[i].DocumentFingerprint < out[j].DocumentFingerprint
		}
		return out[i].Seq < out[j].Seq
	})
	for _, c := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListDocuments(context.Context) ([]rag.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rag.DocumentRecord, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out, nil
}

// ChunkCount 已持久化的 chunk 数（测试用）
func (s *Store) ChunkCount(fingerprint string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[fingerprint])
}
