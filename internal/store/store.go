// Package store provides the local persistent vector index: a SQLite-backed
// rag.VectorStore that keeps every tenant's chunks and embeddings in one
// database file and answers queries by exact cosine scan. It suits a single
// mailbox or a developer laptop; large archives belong in the Qdrant adapter.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/mailrag-go/internal/rag"
)

// SQLiteIndex is a rag.VectorStore backed by a local SQLite database.
// Tenants are isolated by the tenant column of the composite primary key.
type SQLiteIndex struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// Open opens (or creates) a SQLiteIndex at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteIndex, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &SQLiteIndex{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteIndex) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chunks (
    tenant       TEXT    NOT NULL,
    id           TEXT    NOT NULL,
    text         TEXT    NOT NULL,
    message_id   TEXT    NOT NULL,
    thread_id    TEXT    NOT NULL DEFAULT '',
    subject      TEXT    NOT NULL DEFAULT '',
    from_addr    TEXT    NOT NULL DEFAULT '',
    date         TEXT    NOT NULL DEFAULT '',
    chunk_index  INTEGER NOT NULL,
    embedding    BLOB    NOT NULL,
    updated_at   INTEGER NOT NULL, -- Unix timestamp (seconds)
    PRIMARY KEY (tenant, id)
);
CREATE INDEX IF NOT EXISTS idx_chunks_tenant_message
    ON chunks (tenant, message_id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Upsert inserts or replaces chunks for tenantID in a single transaction.
func (s *SQLiteIndex) Upsert(ctx context.Context, tenantID string, chunks []rag.Chunk, embeddings [][]float32) error {
	if err := rag.ValidateUpsert(tenantID, chunks, embeddings); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: upsert begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO chunks (tenant, id, text, message_id, thread_id, subject, from_addr, date, chunk_index, embedding, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant, id) DO UPDATE SET
    text        = excluded.text,
    message_id  = excluded.message_id,
    thread_id   = excluded.thread_id,
    subject     = excluded.subject,
    from_addr   = excluded.from_addr,
    date        = excluded.date,
    chunk_index = excluded.chunk_index,
    embedding   = excluded.embedding,
    updated_at  = excluded.updated_at`

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("store: upsert prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for i, c := range chunks {
		m := c.Metadata
		if _, err := stmt.ExecContext(ctx, tenantID, c.ID, c.Text, m.MessageID, m.ThreadID, m.Subject,
			m.FromAddr, m.Date, m.ChunkIndex, encodeVector(embeddings[i]), now); err != nil {
			return fmt.Errorf("store: upsert %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: upsert commit: %w", err)
	}
	return nil
}

// Query scans every chunk of tenantID and returns the k nearest by cosine
// distance, ascending.
func (s *SQLiteIndex) Query(ctx context.Context, tenantID string, embedding []float32, k int) ([]rag.Context, error) {
	if tenantID == "" {
		return nil, rag.ErrEmptyTenant
	}
	if k <= 0 {
		return []rag.Context{}, nil
	}

	const q = `
SELECT id, text, message_id, thread_id, subject, from_addr, date, chunk_index, embedding
FROM   chunks
WHERE  tenant = ?`

	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	out := []rag.Context{}
	for rows.Next() {
		var c rag.Context
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Text, &c.Metadata.MessageID, &c.Metadata.ThreadID, &c.Metadata.Subject,
			&c.Metadata.FromAddr, &c.Metadata.Date, &c.Metadata.ChunkIndex, &blob); err != nil {
			return nil, fmt.Errorf("store: query scan: %w", err)
		}
		c.Distance = rag.CosineDistance(embedding, decodeVector(blob))
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query rows: %w", err)
	}
	return rag.TopK(out, k), nil
}

// PruneMessage deletes the chunks of messageID whose chunk_index is keep or
// higher.
func (s *SQLiteIndex) PruneMessage(ctx context.Context, tenantID, messageID string, keep int) error {
	if tenantID == "" {
		return rag.ErrEmptyTenant
	}
	const q = `DELETE FROM chunks WHERE tenant = ? AND message_id = ? AND chunk_index >= ?`
	if _, err := s.db.ExecContext(ctx, q, tenantID, messageID, keep); err != nil {
		return fmt.Errorf("store: prune %s: %w", messageID, err)
	}
	return nil
}

// Count returns the number of chunks stored for tenantID.
func (s *SQLiteIndex) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE tenant = ?`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (s *SQLiteIndex) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteIndex) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector. Trailing bytes that do not
// form a full float32 are ignored.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
