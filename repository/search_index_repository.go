package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"ragchat-backend/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSearchUnavailable indicates the search index cannot be reached
	ErrSearchUnavailable = errors.New("search index unavailable")

	// ErrIndexConfiguration indicates the index schema is incompatible with
	// the configured embedding dimensions
	ErrIndexConfiguration = errors.New("search index schema incompatible with configured embedding dimensions")
)

// DefaultEmbeddingDimensions matches the gemini-embedding-001 output size
const DefaultEmbeddingDimensions = 768

const listPageSize = 1000

// SearchIndexRepository manages and queries the document search index
// backed by Postgres with pgvector and full-text search
type SearchIndexRepository struct {
	db         *pgxpool.Pool
	dimensions int

	mu         sync.Mutex
	indexReady atomic.Bool
}

// NewSearchIndexRepository creates a new search index repository.
// dimensions <= 0 falls back to DefaultEmbeddingDimensions.
func NewSearchIndexRepository(db *pgxpool.Pool, dimensions int) *SearchIndexRepository {
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	return &SearchIndexRepository{db: db, dimensions: dimensions}
}

// formatVector formats an embedding vector as a string for pgx
func formatVector(embedding []float64) string {
	if len(embedding) == 0 {
		return "[]"
	}
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = fmt.Sprintf("%.6f", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// EnsureIndex provisions the index table on first use. Safe for concurrent
// callers; only the first does the work.
func (r *SearchIndexRepository) EnsureIndex(ctx context.Context) error {
	if r.indexReady.Load() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexReady.Load() {
		return nil
	}
	if err := r.createOrVerifyIndex(ctx); err != nil {
		return err
	}
	r.indexReady.Store(true)
	return nil
}

// createOrVerifyIndex creates the index table if missing and verifies the
// embedding column dimensions when it already exists
func (r *SearchIndexRepository) createOrVerifyIndex(ctx context.Context) error {
	_, err := r.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return classifySearchError("create pgvector extension", err)
	}

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS index_documents (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    embedding vector(%d),
    content_tsv tsvector GENERATED ALWAYS AS (
        to_tsvector('english', coalesce(title, '') || ' ' || content)
    ) STORED,
    uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, r.dimensions)

	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return classifySearchError("create index table", err)
	}

	// An existing table keeps its original vector dimensions; a mismatch
	// needs operator remediation (new table or compatible config).
	var existingDims int
	err = r.db.QueryRow(ctx, `
SELECT coalesce(atttypmod, -1)
FROM pg_attribute
WHERE attrelid = 'index_documents'::regclass AND attname = 'embedding'`).Scan(&existingDims)
	if err != nil {
		return classifySearchError("inspect index schema", err)
	}
	if existingDims > 0 && existingDims != r.dimensions {
		return fmt.Errorf("%w: index has %d dimensions, configured %d",
			ErrIndexConfiguration, existingDims, r.dimensions)
	}

	_, err = r.db.Exec(ctx,
		"CREATE INDEX IF NOT EXISTS index_documents_tsv_idx ON index_documents USING GIN (content_tsv)")
	if err != nil {
		return classifySearchError("create keyword index", err)
	}

	return nil
}

// HybridSearch combines keyword and vector similarity search. A nil
// embedding degrades to keyword-only search; query "*" matches everything.
func (r *SearchIndexRepository) HybridSearch(
	ctx context.Context,
	queryText string,
	queryEmbedding []float64,
	topK int,
) ([]models.RetrievedChunk, error) {
	if err := r.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	matchAll := queryText == "" || queryText == "*"

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case len(queryEmbedding) > 0:
		// Score is the better of cosine similarity and (clamped) keyword
		// rank, so a strong lexical match is not drowned out by a weak
		// vector one.
		rows, err = r.db.Query(ctx, `
SELECT id, title, content, metadata,
    GREATEST(
        CASE WHEN embedding IS NULL THEN 0
             ELSE 1 - (embedding <=> $1::vector) END,
        CASE WHEN $3 THEN 0
             ELSE LEAST(ts_rank_cd(content_tsv, websearch_to_tsquery('english', $2)), 1.0) END
    ) AS score
FROM index_documents
WHERE $3
   OR embedding IS NOT NULL
   OR content_tsv @@ websearch_to_tsquery('english', $2)
ORDER BY score DESC
LIMIT $4`, formatVector(queryEmbedding), queryText, matchAll, topK)
	case matchAll:
		rows, err = r.db.Query(ctx, `
SELECT id, title, content, metadata, 0::float8 AS score
FROM index_documents
ORDER BY uploaded_at DESC, id
LIMIT $1`, topK)
	default:
		rows, err = r.db.Query(ctx, `
SELECT id, title, content, metadata,
    LEAST(ts_rank_cd(content_tsv, websearch_to_tsquery('english', $1)), 1.0) AS score
FROM index_documents
WHERE content_tsv @@ websearch_to_tsquery('english', $1)
ORDER BY score DESC
LIMIT $2`, queryText, topK)
	}
	if err != nil {
		return nil, classifySearchError("hybrid search", err)
	}

	return collectChunks(rows)
}

// UploadDocuments upserts a batch of chunk documents into the index
func (r *SearchIndexRepository) UploadDocuments(ctx context.Context, documents []models.IndexDocument) error {
	if len(documents) == 0 {
		return nil
	}
	if err := r.EnsureIndex(ctx); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, doc := range documents {
		metadata, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", doc.ID, err)
		}

		var embedding interface{}
		if len(doc.Embedding) > 0 {
			if len(doc.Embedding) != r.dimensions {
				return fmt.Errorf("%w: document %s embedding has %d dimensions",
					ErrIndexConfiguration, doc.ID, len(doc.Embedding))
			}
			embedding = formatVector(doc.Embedding)
		}

		batch.Queue(`
INSERT INTO index_documents (id, title, content, metadata, embedding)
VALUES ($1, $2, $3, $4, $5::vector)
ON CONFLICT (id) DO UPDATE SET
    title = EXCLUDED.title,
    content = EXCLUDED.content,
    metadata = EXCLUDED.metadata,
    embedding = EXCLUDED.embedding`,
			doc.ID, doc.Title, doc.Content, metadata, embedding)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range documents {
		if _, err := results.Exec(); err != nil {
			return classifySearchError("upload documents", err)
		}
	}
	return nil
}

// DeleteDocuments removes documents by ID from the index
func (r *SearchIndexRepository) DeleteDocuments(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	if err := r.EnsureIndex(ctx); err != nil {
		return err
	}

	_, err := r.db.Exec(ctx, "DELETE FROM index_documents WHERE id = ANY($1)", documentIDs)
	if err != nil {
		return classifySearchError("delete documents", err)
	}
	return nil
}

// DeleteByParentID removes every chunk whose metadata parent_id matches.
// Returns the number of chunks deleted.
func (r *SearchIndexRepository) DeleteByParentID(ctx context.Context, parentID string) (int, error) {
	if err := r.EnsureIndex(ctx); err != nil {
		return 0, err
	}

	tag, err := r.db.Exec(ctx,
		"DELETE FROM index_documents WHERE metadata->>'parent_id' = $1", parentID)
	if err != nil {
		return 0, classifySearchError("delete by parent", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListAllDocuments returns every indexed chunk, reading in pages to avoid
// loading unbounded result sets in one query
func (r *SearchIndexRepository) ListAllDocuments(ctx context.Context) ([]models.RetrievedChunk, error) {
	if err := r.EnsureIndex(ctx); err != nil {
		return nil, err
	}

	var collected []models.RetrievedChunk
	offset := 0
	for {
		rows, err := r.db.Query(ctx, `
SELECT id, title, content, metadata, 0::float8 AS score
FROM index_documents
ORDER BY id
LIMIT $1 OFFSET $2`, listPageSize, offset)
		if err != nil {
			return nil, classifySearchError("list documents", err)
		}

		page, err := collectChunks(rows)
		if err != nil {
			return nil, err
		}
		collected = append(collected, page...)
		if len(page) < listPageSize {
			return collected, nil
		}
		offset += len(page)
	}
}

// GetIndexStats fetches index statistics such as document count
func (r *SearchIndexRepository) GetIndexStats(ctx context.Context) (*models.IndexStats, error) {
	var count int
	err := r.db.QueryRow(ctx, "SELECT count(*) FROM index_documents").Scan(&count)
	if err != nil {
		return nil, classifySearchError("index stats", err)
	}
	return &models.IndexStats{DocumentCount: count}, nil
}

// collectChunks normalizes query rows into retrieved chunks
func collectChunks(rows pgx.Rows) ([]models.RetrievedChunk, error) {
	defer rows.Close()

	var chunks []models.RetrievedChunk
	for rows.Next() {
		var (
			chunk    models.RetrievedChunk
			metadata []byte
		)
		if err := rows.Scan(&chunk.ID, &chunk.Title, &chunk.Content, &metadata, &chunk.Score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		chunk.Metadata = decodeMetadata(metadata)
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySearchError("iterate search results", err)
	}
	return chunks, nil
}

// decodeMetadata parses a JSONB column value, keeping unparseable payloads
// under a raw_metadata key instead of dropping them
func decodeMetadata(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return map[string]interface{}{"raw_metadata": string(raw)}
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// classifySearchError maps transport-level failures to ErrSearchUnavailable
// and leaves everything else wrapped as-is
func classifySearchError(op string, err error) error {
	var netErr net.Error
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrSearchUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
