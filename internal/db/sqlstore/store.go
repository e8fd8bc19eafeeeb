package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hybridrag/internal/domain/rag"
	"hybridrag/internal/domain/vector"
	applog "hybridrag/internal/platform/log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc 驱动名为 sqlite，sqlx 默认只认识 sqlite3
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store 基于 sqlx 的 DocumentStore，支持 postgres 与 sqlite
type Store struct {
	db     *sqlx.DB
	driver string
}

var _ rag.DocumentStore = (*Store)(nil)

// Open 打开数据库并确保表结构存在
func Open(ctx context.Context, driver, url string, pool PoolConfig) (*Store, error) {
	dsn, err := dataSource(driver, url)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// 单写者，避免 SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		if pool.MaxOpenConns > 0 {
			db.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			db.SetMaxIdleConns(pool.MaxIdleConns)
		}
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := New(db)
	if err := s.Ensure(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	applog.Info("[Store/SQL] Connected", "driver", driver)
	return s, nil
}

// New 包装已打开的连接（测试中配合 sqlmock 使用）
func New(db *sqlx.DB) *Store {
	return &Store{db: db, driver: db.DriverName()}
}

func dataSource(driver, url string) (string, error) {
	switch driver {
	case DriverPostgres:
		if url == "" {
			return "", errors.New("postgres requires a connection url")
		}
		return url, nil
	case DriverSQLite:
		if url == "" {
			url = "./data/hybridrag.db"
		}
		if url != ":memory:" && !strings.HasPrefix(url, "file:") {
			if err := os.MkdirAll(filepath.Dir(url), 0o755); err != nil {
				return "", fmt.Errorf("create data directory: %w", err)
			}
		}
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		return url + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", driver)
	}
}

// Ensure 确保 documents / chunks 表存在
func (s *Store) Ensure(ctx context.Context) error {
	ts, blob := "TIMESTAMPTZ", "BYTEA"
	if s.driver == DriverSQLite {
		ts, blob = "DATETIME", "BLOB"
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			fingerprint  VARCHAR(64) PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			chunk_count  INTEGER NOT NULL DEFAULT 0,
			status       VARCHAR(16) NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			created_at   %[1]s NOT NULL,
			updated_at   %[1]s NOT NULL
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			fingerprint VARCHAR(64) NOT NULL REFERENCES documents(fingerprint) ON DELETE CASCADE,
			seq         INTEGER NOT NULL,
			chunk_id    TEXT NOT NULL,
			vector      %s NOT NULL,
			preview     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (fingerprint, seq)
		)`, blob),
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

const documentColumns = `fingerprint, display_name, chunk_count, status, error, created_at, updated_at`

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*rag.DocumentRecord, error) {
	var rec rag.DocumentRecord
	err := s.db.GetContext(ctx, &rec,
		s.db.Rebind(`SELECT `+documentColumns+` FROM documents WHERE fingerprint = ?`), fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}
	return &rec, nil
}

// InsertIfAbsent 依赖主键唯一约束：并发插入只有一个成功
func (s *Store) InsertIfAbsent(ctx context.Context, rec *rag.DocumentRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`),
		rec.Fingerprint, rec.DisplayName, rec.ChunkCount, string(rec.Status), rec.Error,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ClaimFailed(ctx context.Context, fingerprint string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE documents SET status = ?, error = '', updated_at = ?
		WHERE fingerprint = ? AND status = ?`),
		string(rag.StatusPending), time.Now().UTC(), fingerprint, string(rag.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("claim failed document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpsertChunks 同一事务内先置 processed（文档不存在则 ErrDocumentNotFound），再替换 chunk；任一步失败整体回滚
func (s *Store) UpsertChunks(ctx context.Context, fingerprint string, chunks []rag.ChunkEmbedding) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE documents SET status = ?, chunk_count = ?, error = '', updated_at = ?
			WHERE fingerprint = ?`),
			string(rag.StatusProcessed), len(chunks), time.Now().UTC(), fingerprint)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if err := expectRow(res); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM chunks WHERE fingerprint = ?`), fingerprint); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		insert := tx.Rebind(`INSERT INTO chunks (fingerprint, seq, chunk_id, vector, preview) VALUES (?, ?, ?, ?, ?)`)
		for _, c := range chunks {
			if _, err := tx.ExecContext(ctx, insert, fingerprint, c.Seq, c.ChunkID, vector.Encode(c.Vector), c.Preview); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.Seq, err)
			}
		}
		return nil
	})
}

// MarkFailed 删除已写入的 chunk 并置为 failed
func (s *Store) MarkFailed(ctx context.Context, fingerprint, reason string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM chunks WHERE fingerprint = ?`), fingerprint); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE documents SET status = ?, chunk_count = 0, error = ?, updated_at = ?
			WHERE fingerprint = ?`),
			string(rag.StatusFailed), reason, time.Now().UTC(), fingerprint)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return expectRow(res)
	})
}

func (s *Store) DeleteDocument(ctx context.Context, fingerprint string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM chunks WHERE fingerprint = ?`), fingerprint); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM documents WHERE fingerprint = ?`), fingerprint)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return expectRow(res)
	})
}

type chunkRow struct {
	ChunkID     string `db:"chunk_id"`
	Fingerprint string `db:"fingerprint"`
	Seq         int    `db:"seq"`
	Vector      []byte `db:"vector"`
	Preview     string `db:"preview"`
	DisplayName string `db:"display_name"`
}

func (s *Store) ListProcessedChunks(ctx context.Context, fn func(rag.StoredChunk) error) error {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT c.chunk_id, c.fingerprint, c.seq, c.vector, c.preview, d.display_name
		FROM chunks c JOIN documents d ON d.fingerprint = c.fingerprint
		WHERE d.status = ?
		ORDER BY c.fingerprint, c.seq`), string(rag.StatusProcessed))
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r chunkRow
		if err := rows.StructScan(&r); err != nil {
			return fmt.Errorf("scan chunk: %w", err)
		}
		vec, err := vector.Decode(r.Vector)
		if err != nil {
			return fmt.Errorf("decode chunk %s: %w", r.ChunkID, err)
		}
		if err := fn(rag.StoredChunk{
			ChunkEmbedding: rag.ChunkEmbedding{
				ChunkID:             r.ChunkID,
				DocumentFingerprint: r.Fingerprint,
				Seq:                 r.Seq,
				Vector:              vec,
				Preview:             r.Preview,
			},
			DisplayName: r.DisplayName,
		}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) ListDocuments(ctx context.Context) ([]rag.DocumentRecord, error) {
	docs := []rag.DocumentRecord{}
	if err := s.db.SelectContext(ctx, &docs,
		`SELECT `+documentColumns+` FROM documents ORDER BY created_at, fingerprint`); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			applog.Warn("[Store/SQL] Rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rag.ErrDocumentNotFound
	}
	return nil
}
