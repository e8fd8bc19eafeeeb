package rag_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"hybridrag/internal/db/memstore"
	"hybridrag/internal/domain/rag"
	"hybridrag/internal/domain/vector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSync(t *testing.T, store rag.DocumentStore, wait time.Duration) (*rag.Synchronizer, *vector.Index, *recordingNotifier) {
	t.Helper()
	idx := vector.NewIndex(testDims)
	n := &recordingNotifier{}
	return rag.NewSynchronizer(store, idx, n, wait, 10*time.Millisecond), idx, n
}

func TestSynchronizer_IngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	s, idx, n := newSync(t, store, time.Second)
	data := []byte("the same document body")

	rec, isNew, err := s.Ingest(ctx, data, "a.txt")
	require.NoError(t, err)
	require.True(t, isNew)
	require.NoError(t, s.CommitChunks(ctx, rec.Fingerprint, chunksFor(rec.Fingerprint, 3)))

	for i := 0; i < 5; i++ {
		again, isNew, err := s.Ingest(ctx, data, "renamed.txt")
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, rec.Fingerprint, again.Fingerprint)
		assert.Equal(t, rag.StatusProcessed, again.Status)
		assert.Equal(t, 3, again.ChunkCount)
	}

	docs, err := store.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, 1, n.count())
}

func TestSynchronizer_ConcurrentIngestSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, idx, _ := newSync(t, memstore.New(), 5*time.Second)
	data := []byte("racing upload")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		dups    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, isNew, err := s.Ingest(ctx, data, "race.txt")
			if !assert.NoError(t, err) {
				return
			}
			if isNew {
				time.Sleep(30 * time.Millisecond)
				assert.NoError(t, s.CommitChunks(ctx, rec.Fingerprint, chunksFor(rec.Fingerprint, 2)))
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.Equal(t, rag.StatusProcessed, rec.Status)
			mu.Lock()
			dups++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, dups)
	assert.Equal(t, 2, idx.Len())
}

func TestSynchronizer_PendingWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newSync(t, memstore.New(), 50*time.Millisecond)
	data := []byte("slow document")

	_, isNew, err := s.Ingest(ctx, data, "slow.txt")
	require.NoError(t, err)
	require.True(t, isNew)

	_, _, err = s.Ingest(ctx, data, "slow.txt")
	assert.ErrorIs(t, err, rag.ErrProcessingTimeout)
}

func TestSynchronizer_PendingWaitHonoursContext(t *testing.T) {
	s, _, _ := newSync(t, memstore.New(), 5*time.Second)
	data := []byte("cancelled waiter")

	_, isNew, err := s.Ingest(context.Background(), data, "c.txt")
	require.NoError(t, err)
	require.True(t, isNew)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = s.Ingest(ctx, data, "c.txt")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSynchronizer_CommitFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memstore.New()}
	s, idx, n := newSync(t, store, time.Second)
	data := []byte("doomed document")

	rec, isNew, err := s.Ingest(ctx, data, "doomed.txt")
	require.NoError(t, err)
	require.True(t, isNew)

	store.failUpsert.Store(true)
	err = s.CommitChunks(ctx, rec.Fingerprint, chunksFor(rec.Fingerprint, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, rag.ErrPartialCommit)
	assert.ErrorIs(t, err, rag.ErrPersistence)
	assert.ErrorIs(t, err, errDiskFull)

	got, err := store.FindByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, rag.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "disk full")
	assert.False(t, idx.HasDocument(rec.Fingerprint))
	assert.Zero(t, n.count())

	// 失败的文档可重新上传
	store.failUpsert.Store(false)
	retry, isNew, err := s.Ingest(ctx, data, "doomed.txt")
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NoError(t, s.CommitChunks(ctx, retry.Fingerprint, chunksFor(retry.Fingerprint, 2)))
	assert.True(t, idx.HasDocument(rec.Fingerprint))
}

func TestSynchronizer_CommitRejectsInvalidChunks(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	s, idx, _ := newSync(t, store, time.Second)

	rec, _, err := s.Ingest(ctx, []byte("bad vectors"), "bad.txt")
	require.NoError(t, err)

	chunks := chunksFor(rec.Fingerprint, 2)
	chunks[1].Vector = []float32{1, 2}
	err = s.CommitChunks(ctx, rec.Fingerprint, chunks)
	assert.ErrorIs(t, err, rag.ErrPartialCommit)
	assert.ErrorIs(t, err, rag.ErrInvalidChunks)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
	assert.Zero(t, idx.Len())
	assert.Zero(t, store.ChunkCount(rec.Fingerprint))

	got, err := store.FindByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, rag.StatusFailed, got.Status)
}

func TestSynchronizer_FailWakesWaiters(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newSync(t, memstore.New(), 5*time.Second)
	data := []byte("will fail")

	rec, isNew, err := s.Ingest(ctx, data, "f.txt")
	require.NoError(t, err)
	require.True(t, isNew)

	done := make(chan bool, 1)
	go func() {
		_, isNew, err := s.Ingest(ctx, data, "f.txt")
		assert.NoError(t, err)
		done <- isNew
	}()

	time.Sleep(20 * time.Millisecond)
	s.Fail(ctx, rec.Fingerprint, assert.AnError)

	select {
	case isNew := <-done:
		assert.True(t, isNew, "waiter should claim the failed document")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestSynchronizer_Remove(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	s, idx, n := newSync(t, store, time.Second)

	rec, _, err := s.Ingest(ctx, []byte("to be removed"), "r.txt")
	require.NoError(t, err)
	require.NoError(t, s.CommitChunks(ctx, rec.Fingerprint, chunksFor(rec.Fingerprint, 3)))

	require.NoError(t, s.Remove(ctx, rec.Fingerprint))
	assert.Zero(t, idx.Len())
	assert.Zero(t, store.ChunkCount(rec.Fingerprint))
	got, err := store.FindByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 2, n.count())

	assert.ErrorIs(t, s.Remove(ctx, rec.Fingerprint), rag.ErrDocumentNotFound)
}

func TestSynchronizer_LoadIndexFromStore(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	s, _, _ := newSync(t, store, time.Second)

	for _, body := range []string{"first doc", "second doc"} {
		rec, _, err := s.Ingest(ctx, []byte(body), body+".txt")
		require.NoError(t, err)
		require.NoError(t, s.CommitChunks(ctx, rec.Fingerprint, chunksFor(rec.Fingerprint, 2)))
	}
	// pending 文档不应进入索引
	_, _, err := s.Ingest(ctx, []byte("still pending"), "p.txt")
	require.NoError(t, err)

	restarted, idx, _ := newSync(t, store, time.Second)
	n, err := restarted.LoadIndexFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, idx.Len())

	hits, err := idx.Search([]float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, []string{"first doc.txt", "second doc.txt"}, hits[0].Metadata.DisplayName)
}

func TestSynchronizer_RecoverPending(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	crashed, _, _ := newSync(t, store, time.Second)

	rec, _, err := crashed.Ingest(ctx, []byte("interrupted"), "i.txt")
	require.NoError(t, err)

	s, _, _ := newSync(t, store, time.Second)
	n, err := s.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.FindByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, rag.StatusFailed, got.Status)

	_, isNew, err := s.Ingest(ctx, []byte("interrupted"), "i.txt")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestSynchronizer_RemoveDuringCommitLeavesNoOrphanChunks(t *testing.T) {
	ctx := context.Background()
	store := &hookedStore{Store: memstore.New()}
	s, idx, n := newSync(t, store, 100*time.Millisecond)

	var removeErr error
	store.afterUpsert = func(fp string) {
		store.afterUpsert = nil
		removeErr = s.Remove(ctx, fp)
	}

	rec, isNew, err := s.Ingest(ctx, []byte("removed mid-commit"), "gone.txt")
	require.NoError(t, err)
	require.True(t, isNew)

	err = s.CommitChunks(ctx, rec.Fingerprint, chunksFor(rec.Fingerprint, 3))
	require.NoError(t, removeErr)
	assert.ErrorIs(t, err, rag.ErrPartialCommit)
	assert.ErrorIs(t, err, rag.ErrDocumentNotFound)

	got, err := store.FindByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, idx.Len())
	assert.False(t, idx.HasDocument(rec.Fingerprint))
	assert.Equal(t, 1, n.count(), "only the removal notifies")
}

func TestSynchronizer_RemoveWaitsForInflightCommit(t *testing.T) {
	ctx := context.Background()
	store := &hookedStore{Store: memstore.New()}
	s, idx, _ := newSync(t, store, 5*time.Second)

	reached := make(chan struct{})
	gate := make(chan struct{})
	store.afterUpsert = func(string) {
		close(reached)
		<-gate
	}

	rec, _, err := s.Ingest(ctx, []byte("slow commit"), "slow.txt")
	require.NoError(t, err)

	commitDone := make(chan error, 1)
	go func() { commitDone <- s.CommitChunks(ctx, rec.Fingerprint, chunksFor(rec.Fingerprint, 2)) }()
	<-reached

	removeDone := make(chan error, 1)
	go func() { removeDone <- s.Remove(ctx, rec.Fingerprint) }()

	select {
	case <-removeDone:
		t.Fatal("remove finished while commit was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-commitDone)
	require.NoError(t, <-removeDone)

	got, err := store.FindByFingerprint(ctx, rec.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, idx.Len())
}

func TestSynchronizer_CommitAfterDeleteIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	s, idx, n := newSync(t, store, time.Second)

	rec, _, err := s.Ingest(ctx, []byte("deleted while pending"), "p.txt")
	require.NoError(t, err)
	require.NoError(t, store.DeleteDocument(ctx, rec.Fingerprint))

	err = s.CommitChunks(ctx, rec.Fingerprint, chunksFor(rec.Fingerprint, 2))
	assert.ErrorIs(t, err, rag.ErrDocumentNotFound)
	assert.NotErrorIs(t, err, rag.ErrPersistence)
	assert.Zero(t, idx.Len())
	assert.Zero(t, n.count())
}
