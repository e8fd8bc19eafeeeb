package sqlstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"hybridrag/internal/domain/rag"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	})
	return New(sqlx.NewDb(db, DriverPostgres)), mock
}

func TestPostgres_InsertIfAbsentUsesOnConflict(t *testing.T) {
	s, mock := newMockStore(t)
	rec := pendingRecord("fp", "a.txt")

	q := regexp.QuoteMeta("ON CONFLICT (fingerprint) DO NOTHING")
	mock.ExpectExec(q).
		WithArgs("fp", "a.txt", 0, "pending", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).
		WithArgs("fp", "a.txt", 0, "pending", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindByFingerprint(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	cols := []string{"fingerprint", "display_name", "chunk_count", "status", "error", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE fingerprint = $1")).
		WithArgs("fp").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("fp", "a.txt", 2, "processed", "", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE fingerprint = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	rec, err := s.FindByFingerprint(context.Background(), "fp")
	require.NoError(t, err)
	assert.Equal(t, rag.StatusProcessed, rec.Status)
	assert.Equal(t, 2, rec.ChunkCount)

	rec, err = s.FindByFingerprint(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertChunksCommits(t *testing.T) {
	s, mock := newMockStore(t)
	chunks := testChunks("fp", 2)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status = $1, chunk_count = $2")).
		WithArgs("processed", 2, sqlmock.AnyArg(), "fp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chunks WHERE fingerprint = $1")).
		WithArgs("fp").WillReturnResult(sqlmock.NewResult(0, 0))
	for _, c := range chunks {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
			WithArgs("fp", c.Seq, c.ChunkID, sqlmock.AnyArg(), c.Preview).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.UpsertChunks(context.Background(), "fp", chunks))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertChunksRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)
	chunks := testChunks("fp", 2)
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chunks")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).WillReturnError(boom)
	mock.ExpectRollback()

	err := s.UpsertChunks(context.Background(), "fp", chunks)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertChunksForMissingDocument(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET status = $1")).
		WithArgs("processed", 1, sqlmock.AnyArg(), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.UpsertChunks(context.Background(), "gone", testChunks("gone", 1))
	assert.ErrorIs(t, err, rag.ErrDocumentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteMissingDocument(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chunks")).WithArgs("fp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents")).WithArgs("fp").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	assert.ErrorIs(t, s.DeleteDocument(context.Background(), "fp"), rag.ErrDocumentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimFailed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE fingerprint = $3 AND status = $4")).
		WithArgs("pending", sqlmock.AnyArg(), "fp", "failed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ClaimFailed(context.Background(), "fp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
