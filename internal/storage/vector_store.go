package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// VectorStore persists and searches chunk embeddings.
type VectorStore interface {
	// UpsertBatch stores all chunks in one transaction. Either every chunk
	// lands or none do.
	UpsertBatch(ctx context.Context, chunks []Chunk) error
	// Search returns the topK nearest chunks by cosine distance, content
	// and summary vectors alike, restricted to completed documents in the
	// given knowledge bases. Summary hits carry SummaryChunkIndex.
	Search(ctx context.Context, embedding []float32, kbIDs []uuid.UUID, topK int) ([]RetrievedChunk, error)
	// DeleteByDocument removes every chunk belonging to a document.
	DeleteByDocument(ctx context.Context, docID uuid.UUID) error
	// GetChunk fetches a single chunk by document and index.
	GetChunk(ctx context.Context, docID uuid.UUID, index int) (*Chunk, error)
	// DocumentChunks returns a document's content chunks ordered by index.
	DocumentChunks(ctx context.Context, docID uuid.UUID) ([]Chunk, error)
	// Corpus returns every content chunk text in the given knowledge bases,
	// keyed for keyword scoring.
	Corpus(ctx context.Context, kbIDs []uuid.UUID) ([]CorpusEntry, error)
}

// CorpusEntry is one content chunk's text plus enough identity to join
// keyword hits back to stored chunks.
type CorpusEntry struct {
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Filename   string
}

// PgVectorStore implements VectorStore on Postgres with the pgvector
// extension.
type PgVectorStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewPgVectorStore creates a pgvector-backed store.
func NewPgVectorStore(db *PostgresDB, logger *slog.Logger) *PgVectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgVectorStore{db: db, logger: logger.With("component", "vector_store")}
}

func (s *PgVectorStore) UpsertBatch(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chunks (document_id, chunk_index, chunk_type, content, token_count, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6::vector)
			 ON CONFLICT (document_id, chunk_index, chunk_type)
			 DO UPDATE SET content = EXCLUDED.content, token_count = EXCLUDED.token_count,
			   embedding = EXCLUDED.embedding`)
		if err != nil {
			return fmt.Errorf("failed to prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.DocumentID, c.ChunkIndex, c.Type,
				c.Content, c.TokenCount, embeddingToString(c.Embedding)); err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
			}
		}
		return nil
	})
}

func (s *PgVectorStore) Search(ctx context.Context, embedding []float32, kbIDs []uuid.UUID, topK int) ([]RetrievedChunk, error) {
	if len(kbIDs) == 0 || topK <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.document_id, c.chunk_index, c.chunk_type, c.content, c.token_count,
		   d.filename, c.embedding <=> $1::vector AS distance
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE d.knowledge_base_id = ANY($2::uuid[])
		   AND d.status = $3
		 ORDER BY distance ASC
		 LIMIT $4`,
		embeddingToString(embedding), uuidArray(kbIDs), StatusCompleted, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var out []RetrievedChunk
	for rows.Next() {
		var rc RetrievedChunk
		if err := rows.Scan(&rc.DocumentID, &rc.ChunkIndex, &rc.Type, &rc.Content,
			&rc.TokenCount, &rc.Filename, &rc.Distance); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *PgVectorStore) DeleteByDocument(ctx context.Context, docID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *PgVectorStore) GetChunk(ctx context.Context, docID uuid.UUID, index int) (*Chunk, error) {
	var c Chunk
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, chunk_index, chunk_type, content, token_count
		 FROM chunks WHERE document_id = $1 AND chunk_index = $2 AND chunk_type = $3`,
		docID, index, ChunkTypeContent,
	).Scan(&c.DocumentID, &c.ChunkIndex, &c.Type, &c.Content, &c.TokenCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &c, nil
}

func (s *PgVectorStore) DocumentChunks(ctx context.Context, docID uuid.UUID) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, chunk_index, chunk_type, content, token_count
		 FROM chunks WHERE document_id = $1 AND chunk_type = $2
		 ORDER BY chunk_index ASC`, docID, ChunkTypeContent)
	if err != nil {
		return nil, fmt.Errorf("failed to list document chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.DocumentID, &c.ChunkIndex, &c.Type, &c.Content, &c.TokenCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PgVectorStore) Corpus(ctx context.Context, kbIDs []uuid.UUID) ([]CorpusEntry, error) {
	if len(kbIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.document_id, c.chunk_index, c.content, d.filename
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE d.knowledge_base_id = ANY($1::uuid[])
		   AND d.status = $2
		   AND c.chunk_type = $3
		 ORDER BY c.document_id, c.chunk_index`,
		uuidArray(kbIDs), StatusCompleted, ChunkTypeContent)
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	defer rows.Close()

	var out []CorpusEntry
	for rows.Next() {
		var e CorpusEntry
		if err := rows.Scan(&e.DocumentID, &e.ChunkIndex, &e.Content, &e.Filename); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// embeddingToString renders a vector in pgvector's text input format.
func embeddingToString(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// uuidArray renders IDs as a Postgres uuid[] literal for ANY($n) filters.
func uuidArray(ids []uuid.UUID) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return "{" + strings.Join(strs, ",") + "}"
}
