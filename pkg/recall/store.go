package recall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store holds message embeddings in pgvector and serves both search
// legs: vector similarity over message_embeddings and Postgres
// full-text over the messages table.
type Store struct {
	pool *pgxpool.Pool
}

// Match is one vector similarity hit.
type Match struct {
	MessageID int64
	Distance  float64 // cosine distance (lower = more similar)
}

// Snippet is one recalled message.
type Snippet struct {
	MessageID int64     `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRef pairs a message ID with its text, for sync diffing.
type MessageRef struct {
	ID   int64
	Text string
}

// NewStore creates a pgvector-backed store and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Init creates the pgvector extension, the embeddings table, and the
// search indexes. The messages table must already exist: the
// relational store's Init runs first.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id   BIGINT PRIMARY KEY,
			embedding    vector(768) NOT NULL,
			content_hash TEXT NOT NULL,
			model_name   TEXT NOT NULL DEFAULT 'nomic-embed-text-v1.5',
			embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_embeddings_hnsw
		ON message_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_messages_fts
		ON messages
		USING gin (to_tsvector('english', text))
	`)
	if err != nil {
		return fmt.Errorf("create full-text index: %w", err)
	}

	slog.Info("recall store initialized")
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Upsert stores or replaces the embedding for a message.
func (s *Store) Upsert(ctx context.Context, messageID int64, embedding []float32, contentHash string) error {
	vec := pgvector.NewVector(embedding)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_embeddings (message_id, embedding, content_hash, embedded_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (message_id) DO UPDATE
		SET embedding = EXCLUDED.embedding,
			content_hash = EXCLUDED.content_hash,
			embedded_at = now()
	`, messageID, vec, contentHash)
	if err != nil {
		return fmt.Errorf("upsert embedding %d: %w", messageID, err)
	}
	return nil
}

// UpsertBatch stores embeddings for multiple messages in one transaction.
func (s *Store) UpsertBatch(ctx context.Context, messageIDs []int64, embeddings [][]float32, contentHashes []string) error {
	if len(messageIDs) != len(embeddings) || len(messageIDs) != len(contentHashes) {
		return fmt.Errorf("mismatched batch sizes: ids=%d embeddings=%d hashes=%d",
			len(messageIDs), len(embeddings), len(contentHashes))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range messageIDs {
		vec := pgvector.NewVector(embeddings[i])
		_, err := tx.Exec(ctx, `
			INSERT INTO message_embeddings (message_id, embedding, content_hash, embedded_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (message_id) DO UPDATE
			SET embedding = EXCLUDED.embedding,
				content_hash = EXCLUDED.content_hash,
				embedded_at = now()
		`, messageIDs[i], vec, contentHashes[i])
		if err != nil {
			return fmt.Errorf("upsert embedding %d: %w", messageIDs[i], err)
		}
	}

	return tx.Commit(ctx)
}

// Search returns the top-K most similar messages by cosine distance.
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, limit int) ([]Match, error) {
	vec := pgvector.NewVector(queryEmbedding)
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, embedding <=> $1 AS distance
		FROM message_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.MessageID, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// KeywordSearch runs Postgres full-text search over message texts,
// ranked by relevance.
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int) ([]Snippet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, sender, text, created_at
		FROM messages
		WHERE to_tsvector('english', text) @@ websearch_to_tsquery('english', $1)
		ORDER BY ts_rank(to_tsvector('english', text), websearch_to_tsquery('english', $1)) DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var sn Snippet
		if err := rows.Scan(&sn.MessageID, &sn.SessionID, &sn.Role, &sn.Sender, &sn.Text, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		snippets = append(snippets, sn)
	}
	return snippets, rows.Err()
}

// Refs returns every persisted message with its text, for the sync
// worker's hash diff.
func (s *Store) Refs(ctx context.Context) ([]MessageRef, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, text FROM messages ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list message refs: %w", err)
	}
	defer rows.Close()

	var refs []MessageRef
	for rows.Next() {
		var r MessageRef
		if err := rows.Scan(&r.ID, &r.Text); err != nil {
			return nil, fmt.Errorf("scan message ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// Embedded returns all embedded message IDs with their content hashes.
func (s *Store) Embedded(ctx context.Context) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT message_id, content_hash FROM message_embeddings")
	if err != nil {
		return nil, fmt.Errorf("get embedded: %w", err)
	}
	defer rows.Close()

	embedded := make(map[int64]string)
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan embedded: %w", err)
		}
		embedded[id] = hash
	}
	return embedded, rows.Err()
}

// SnippetsByIDs fetches full message rows for a set of IDs. Order of
// the result is not defined; callers re-order by their own ranking.
func (s *Store) SnippetsByIDs(ctx context.Context, ids []int64) ([]Snippet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, sender, text, created_at
		FROM messages
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch snippets: %w", err)
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var sn Snippet
		if err := rows.Scan(&sn.MessageID, &sn.SessionID, &sn.Role, &sn.Sender, &sn.Text, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		snippets = append(snippets, sn)
	}
	return snippets, rows.Err()
}

// Delete removes the embedding for a message.
func (s *Store) Delete(ctx context.Context, messageID int64) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM message_embeddings WHERE message_id = $1", messageID)
	return err
}

// Count returns the number of embedded messages.
func (s *Store) Count(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM message_embeddings").Scan(&count)
	return
}
