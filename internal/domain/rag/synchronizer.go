package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hybridrag/internal/domain/vector"
	applog "hybridrag/internal/platform/log"
)

// ChangeNotifier 文档变更通知（缓存失效协调器）
type ChangeNotifier interface {
	OnDocumentChanged(ctx context.Context, fingerprint string)
}

// Synchronizer 文档同步器：指纹去重、持久化写入、向量索引维护。
// 持久化存储是唯一事实来源，内存索引可随时由 LoadIndexFromStore 重建。
type Synchronizer struct {
	store    DocumentStore
	index    *vector.Index
	notifier ChangeNotifier
	wait     time.Duration
	poll     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*pending // 本进程正在处理的指纹
}

type pending struct {
	done        chan struct{} // 提交或失败时关闭
	displayName string
}

// NewSynchronizer 创建同步器；wait 为等待并发处理的上限，poll 为轮询间隔
func NewSynchronizer(store DocumentStore, index *vector.Index, notifier ChangeNotifier, wait, poll time.Duration) *Synchronizer {
	if wait <= 0 {
		wait = 30 * time.Second
	}
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &Synchronizer{
		store:    store,
		index:    index,
		notifier: notifier,
		wait:     wait,
		poll:     poll,
		now:      time.Now,
		inflight: make(map[string]*pending),
	}
}

// Ingest 计算指纹并原子地占位。
// isNew=true 时调用方必须继续抽取和向量化，然后调用 CommitChunks 或 Fail。
// 记录已是 processed 时直接返回 isNew=false；若他人正在处理则有界等待。
func (s *Synchronizer) Ingest(ctx context.Context, data []byte, displayName string) (*DocumentRecord, bool, error) {
	return s.IngestFingerprint(ctx, Fingerprint(data), displayName)
}

// IngestFingerprint 同 Ingest，指纹已由调用方计算
func (s *Synchronizer) IngestFingerprint(ctx context.Context, fingerprint, displayName string) (*DocumentRecord, bool, error) {
	now := s.now().UTC()
	rec := &DocumentRecord{
		Fingerprint: fingerprint,
		DisplayName: displayName,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	deadline := time.NewTimer(s.wait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		inserted, err := s.store.InsertIfAbsent(ctx, rec)
		if err != nil {
			return nil, false, fmt.Errorf("%w: insert document: %w", ErrPersistence, err)
		}
		if inserted {
			s.track(fingerprint, displayName)
			applog.Info("[RAG/Sync] New document", "fingerprint", fingerprint, "name", displayName)
			return rec, true, nil
		}

		existing, err := s.store.FindByFingerprint(ctx, fingerprint)
		if err != nil {
			return nil, false, fmt.Errorf("%w: find document: %w", ErrPersistence, err)
		}
		if existing != nil {
			switch existing.Status {
			case StatusProcessed:
				applog.Info("[RAG/Sync] Duplicate content, skipping", "fingerprint", fingerprint, "name", displayName)
				return existing, false, nil
			case StatusFailed:
				claimed, err := s.store.ClaimFailed(ctx, fingerprint)
				if err != nil {
					return nil, false, fmt.Errorf("%w: claim failed document: %w", ErrPersistence, err)
				}
				if claimed {
					s.track(fingerprint, existing.DisplayName)
					existing.Status = StatusPending
					existing.Error = ""
					applog.Info("[RAG/Sync] Retrying failed document", "fingerprint", fingerprint)
					return existing, true, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-deadline.C:
			applog.Warn("[RAG/Sync] Gave up waiting for concurrent processing", "fingerprint", fingerprint, "wait", s.wait.String())
			return nil, false, fmt.Errorf("%w: %s", ErrProcessingTimeout, fingerprint)
		case <-s.waitCh(fingerprint):
		case <-ticker.C:
		}
	}
}

// CommitChunks 持久化 chunk、写入索引并把状态置为 processed。
// 任一步失败都会把文档标记为 failed 并回滚已写入的 chunk，索引保持不变。
func (s *Synchronizer) CommitChunks(ctx context.Context, fingerprint string, chunks []ChunkEmbedding) error {
	displayName := s.displayName(fingerprint)
	defer s.release(fingerprint)

	if err := s.validate(fingerprint, chunks); err != nil {
		s.markFailed(ctx, fingerprint, err)
		return fmt.Errorf("%w: %w", ErrPartialCommit, err)
	}

	if err := s.store.UpsertChunks(ctx, fingerprint, chunks); err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			applog.Warn("[RAG/Sync] Document removed before commit", "fingerprint", fingerprint)
			return fmt.Errorf("%w: %w", ErrPartialCommit, err)
		}
		s.markFailed(ctx, fingerprint, err)
		return fmt.Errorf("%w: %w: %w", ErrPartialCommit, ErrPersistence, err)
	}

	items := make([]vector.Item, len(chunks))
	for i, c := range chunks {
		items[i] = vector.Item{
			ChunkID: c.ChunkID,
			Vector:  c.Vector,
			Metadata: vector.Metadata{
				DocumentFingerprint: fingerprint,
				DisplayName:         displayName,
				Seq:                 c.Seq,
				Preview:             c.Preview,
			},
		}
	}
	if err := s.index.UpsertBatch(items); err != nil {
		s.markFailed(ctx, fingerprint, err)
		return fmt.Errorf("%w: %w", ErrPartialCommit, err)
	}

	// 其他实例可能在写入 chunk 与写入索引之间删除了文档
	rec, err := s.store.FindByFingerprint(context.WithoutCancel(ctx), fingerprint)
	if err != nil || rec == nil || rec.Status != StatusProcessed {
		s.index.RemoveDocument(fingerprint)
		if err != nil {
			return fmt.Errorf("%w: %w: recheck document: %w", ErrPartialCommit, ErrPersistence, err)
		}
		applog.Warn("[RAG/Sync] Document removed during commit, dropping chunks", "fingerprint", fingerprint)
		return fmt.Errorf("%w: %w", ErrPartialCommit, ErrDocumentNotFound)
	}

	applog.Info("[RAG/Sync] Chunks committed", "fingerprint", fingerprint, "chunks", len(chunks))
	s.notify(ctx, fingerprint)
	return nil
}

// Fail 放弃处理：标记 failed 并唤醒等待者
func (s *Synchronizer) Fail(ctx context.Context, fingerprint string, cause error) {
	defer s.release(fingerprint)
	s.markFailed(ctx, fingerprint, cause)
}

// Remove 删除文档及其全部 chunk（持久化与内存），并触发缓存失效
// 本进程正在提交同一文档时先有界等待提交结束
func (s *Synchronizer) Remove(ctx context.Context, fingerprint string) error {
	if ch := s.waitCh(fingerprint); ch != nil {
		timer := time.NewTimer(s.wait)
		select {
		case <-ch:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			applog.Warn("[RAG/Sync] Removing document still in processing", "fingerprint", fingerprint, "wait", s.wait.String())
		}
		timer.Stop()
	}

	if err := s.store.DeleteDocument(ctx, fingerprint); err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return err
		}
		return fmt.Errorf("%w: delete document: %w", ErrPersistence, err)
	}
	n := s.index.RemoveDocument(fingerprint)
	applog.Info("[RAG/Sync] Document removed", "fingerprint", fingerprint, "chunks", n)
	s.notify(ctx, fingerprint)
	return nil
}

// LoadIndexFromStore 从持久化存储重建内存索引，返回载入的 chunk 数
func (s *Synchronizer) LoadIndexFromStore(ctx context.Context) (int, error) {
	start := time.Now()
	var items []vector.Item
	err := s.store.ListProcessedChunks(ctx, func(c StoredChunk) error {
		items = append(items, vector.Item{
			ChunkID: c.ChunkID,
			Vector:  c.Vector,
			Metadata: vector.Metadata{
				DocumentFingerprint: c.DocumentFingerprint,
				DisplayName:         c.DisplayName,
				Seq:                 c.Seq,
				Preview:             c.Preview,
			},
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: list chunks: %w", ErrPersistence, err)
	}
	if err := s.index.Replace(items); err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	applog.Info("[RAG/Sync] Index loaded from store", "chunks", len(items), "elapsed_ms", time.Since(start).Milliseconds())
	return len(items), nil
}

// RecoverPending 启动时把上次进程遗留的 pending 记录标记为 failed，允许重新上传
func (s *Synchronizer) RecoverPending(ctx context.Context) (int, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list documents: %w", ErrPersistence, err)
	}
	n := 0
	for _, d := range docs {
		if d.Status != StatusPending || s.isTracked(d.Fingerprint) {
			continue
		}
		if err := s.store.MarkFailed(ctx, d.Fingerprint, "interrupted before commit"); err != nil {
			return n, fmt.Errorf("%w: mark failed: %w", ErrPersistence, err)
		}
		n++
	}
	if n > 0 {
		applog.Warn("[RAG/Sync] Recovered interrupted documents", "count", n)
	}
	return n, nil
}

func (s *Synchronizer) validate(fingerprint string, chunks []ChunkEmbedding) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks", ErrInvalidChunks)
	}
	dims := s.index.Dims()
	seen := make(map[int]struct{}, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		if c.DocumentFingerprint == "" {
			c.DocumentFingerprint = fingerprint
		}
		if c.DocumentFingerprint != fingerprint {
			return fmt.Errorf("%w: chunk %d belongs to %s", ErrInvalidChunks, c.Seq, c.DocumentFingerprint)
		}
		if c.ChunkID == "" {
			c.ChunkID = ChunkID(fingerprint, c.Seq)
		}
		if _, dup := seen[c.Seq]; dup {
			return fmt.Errorf("%w: duplicate seq %d", ErrInvalidChunks, c.Seq)
		}
		seen[c.Seq] = struct{}{}
		if len(c.Vector) == 0 {
			return fmt.Errorf("%w: chunk %d has no vector", ErrInvalidChunks, c.Seq)
		}
		if dims == 0 {
			dims = len(c.Vector)
		}
		if len(c.Vector) != dims {
			return fmt.Errorf("%w: %w: chunk %d has %d dims, want %d",
				ErrInvalidChunks, vector.ErrDimensionMismatch, c.Seq, len(c.Vector), dims)
		}
	}
	return nil
}

func (s *Synchronizer) markFailed(ctx context.Context, fingerprint string, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.store.MarkFailed(context.WithoutCancel(ctx), fingerprint, reason); err != nil {
		applog.Error("[RAG/Sync] Failed to mark document failed", "fingerprint", fingerprint, "error", err)
		return
	}
	applog.Warn("[RAG/Sync] Document processing failed", "fingerprint", fingerprint, "error", reason)
}

func (s *Synchronizer) notify(ctx context.Context, fingerprint string) {
	if s.notifier != nil {
		s.notifier.OnDocumentChanged(ctx, fingerprint)
	}
}

func (s *Synchronizer) track(fingerprint, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[fingerprint]; !ok {
		s.inflight[fingerprint] = &pending{done: make(chan struct{}), displayName: displayName}
	}
}

func (s *Synchronizer) release(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.inflight[fingerprint]; ok {
		close(p.done)
		delete(s.inflight, fingerprint)
	}
}

func (s *Synchronizer) displayName(fingerprint string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.inflight[fingerprint]; ok {
		return p.displayName
	}
	return ""
}

func (s *Synchronizer) isTracked(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[fingerprint]
	return ok
}

// waitCh 本进程处理中的指纹返回其完成信号，否则返回 nil（仅靠轮询）
func (s *Synchronizer) waitCh(fingerprint string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.inflight[fingerprint]; ok {
		return p.done
	}
	return nil
}
