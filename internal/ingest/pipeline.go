// Package ingest runs the asynchronous document ingestion pipeline:
// parse, chunk, summarize, embed, store.
package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/chunker"
	"github.com/atlas-kb/atlas/internal/llm"
	"github.com/atlas-kb/atlas/internal/parser"
	"github.com/atlas-kb/atlas/internal/storage"
	"github.com/atlas-kb/atlas/pkg/logger"
)

// DocumentStore is the repository surface the pipeline needs.
type DocumentStore interface {
	GetKnowledgeBase(ctx context.Context, id uuid.UUID) (*storage.KnowledgeBase, error)
	CreateDocument(ctx context.Context, doc *storage.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*storage.Document, error)
	GetDocumentByHash(ctx context.Context, kbID uuid.UUID, hash string) (*storage.Document, error)
	TransitionDocumentStatus(ctx context.Context, id uuid.UUID, to storage.DocumentStatus) error
	MarkDocumentFailed(ctx context.Context, id uuid.UUID, cause storage.FailureCause) error
	MarkDocumentCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error
	UpdateDocumentSummary(ctx context.Context, id uuid.UUID, summary string) error
	DeleteDocument(ctx context.Context, id uuid.UUID) error
}

// TextParser extracts plain text from upload bytes.
type TextParser interface {
	Parse(ctx context.Context, filename string, data []byte) (string, error)
}

// TextChunker splits parsed text into token windows.
type TextChunker interface {
	Chunk(text string) []chunker.Chunk
}

// Embedder converts texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatModel produces the document summary.
type ChatModel interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Config holds pipeline tuning knobs.
type Config struct {
	Workers          int
	QueueSize        int
	SummaryMaxChars  int
	SummaryMaxTokens int
}

// DefaultConfig returns default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		QueueSize:       64,
		SummaryMaxChars: 6000,
	}
}

// Pipeline orchestrates document ingestion. Uploads return immediately;
// the heavy work happens on the worker pool and surfaces through the
// document's status.
type Pipeline struct {
	store   DocumentStore
	vectors storage.VectorStore
	objects storage.ObjectStorage
	parser  TextParser
	chunker TextChunker
	embed   Embedder
	chat    ChatModel
	config  Config
	pool    *Pool
	log     *logger.Logger
}

// New creates a Pipeline. Call Start before ingesting.
func New(store DocumentStore, vectors storage.VectorStore, objects storage.ObjectStorage,
	textParser TextParser, textChunker TextChunker, embed Embedder, chat ChatModel,
	cfg Config, log *logger.Logger) *Pipeline {

	if log == nil {
		log = logger.Default()
	}
	p := &Pipeline{
		store:   store,
		vectors: vectors,
		objects: objects,
		parser:  textParser,
		chunker: textChunker,
		embed:   embed,
		chat:    chat,
		config:  cfg,
		log:     log.WithComponent("ingest"),
	}
	p.pool = NewPool(cfg.Workers, cfg.QueueSize, p.processDocument, log)
	return p
}

// Start launches the background workers.
func (p *Pipeline) Start(ctx context.Context) {
	p.pool.Start(ctx, p.config.Workers)
}

// Stop drains the workers.
func (p *Pipeline) Stop() {
	p.pool.Stop()
}

// Ingest registers an upload and schedules background processing. The
// returned document is in the pending state unless the format is
// unsupported, in which case it lands directly in failed. A duplicate
// upload returns the existing document with ErrDuplicateDocument.
func (p *Pipeline) Ingest(ctx context.Context, kbID uuid.UUID, filename string, data []byte) (*storage.Document, error) {
	if _, err := p.store.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty upload")
	}

	hash := contentHash(data)
	if existing, err := p.store.GetDocumentByHash(ctx, kbID, hash); err == nil {
		return existing, ErrDuplicateDocument
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	doc := &storage.Document{
		KnowledgeBaseID: kbID,
		Filename:        filename,
		FileType:        parser.FileType(filename),
		FileSize:        int64(len(data)),
		ContentHash:     hash,
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		// A concurrent upload of the same bytes can win the insert between
		// the hash check and here. Surface it as the duplicate it is.
		if errors.Is(err, storage.ErrDuplicate) {
			if existing, lookupErr := p.store.GetDocumentByHash(ctx, kbID, hash); lookupErr == nil {
				return existing, ErrDuplicateDocument
			}
			return nil, ErrDuplicateDocument
		}
		return nil, err
	}

	// Unsupported formats are recorded rather than rejected, so the UI can
	// show why the file never became searchable.
	if !parser.Supported(filename) {
		p.failNew(ctx, doc.ID, storage.CauseUnsupportedFormat)
		doc.Status = storage.StatusFailed
		doc.FailureCause = sql.NullString{String: string(storage.CauseUnsupportedFormat), Valid: true}
		return doc, nil
	}

	objectPath := storage.OriginalPath(doc.ID.String(), filename)
	if _, err := p.objects.UploadBytes(ctx, data, objectPath, ""); err != nil {
		_ = p.store.DeleteDocument(ctx, doc.ID)
		return nil, fmt.Errorf("failed to store original upload: %w", err)
	}

	if err := p.pool.Enqueue(doc.ID); err != nil {
		_ = p.objects.Delete(ctx, objectPath)
		_ = p.store.DeleteDocument(ctx, doc.ID)
		return nil, err
	}

	p.log.Info("document queued for ingestion",
		"document_id", doc.ID, "kb_id", kbID, "filename", filename, "size", len(data))
	return doc, nil
}

// Reindex re-runs ingestion for a failed document from its stored original
// bytes.
func (p *Pipeline) Reindex(ctx context.Context, docID uuid.UUID) (*storage.Document, error) {
	doc, err := p.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != storage.StatusFailed {
		return nil, ErrNotReindexable
	}
	cause := storage.FailureCause(doc.FailureCause.String)

	if err := p.store.TransitionDocumentStatus(ctx, docID, storage.StatusPending); err != nil {
		return nil, err
	}
	// Stale chunks from a partial earlier run must not survive the retry.
	if err := p.vectors.DeleteByDocument(ctx, docID); err != nil {
		p.log.WithError(err).Warn("failed to clear stale chunks before reindex", "document_id", docID)
	}

	if err := p.pool.Enqueue(docID); err != nil {
		// No job was scheduled, so a pending status would strand the
		// document. Put it back in failed with its original cause so a
		// later reindex is accepted.
		p.failNew(ctx, docID, cause)
		return nil, err
	}

	doc.Status = storage.StatusPending
	doc.FailureCause.Valid = false
	p.log.Info("document queued for reindex", "document_id", docID)
	return doc, nil
}

// Delete removes a document, its chunks, and its stored original.
func (p *Pipeline) Delete(ctx context.Context, docID uuid.UUID) error {
	doc, err := p.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}

	if err := p.vectors.DeleteByDocument(ctx, docID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	objectPath := storage.OriginalPath(docID.String(), doc.Filename)
	if err := p.objects.Delete(ctx, objectPath); err != nil {
		p.log.WithError(err).Warn("failed to delete stored original", "document_id", docID)
	}
	return p.store.DeleteDocument(ctx, docID)
}

// processDocument is the background worker body. All failure paths land the
// document in failed with a cause; a document deleted mid-run aborts
// quietly.
func (p *Pipeline) processDocument(ctx context.Context, docID uuid.UUID) {
	log := p.log.With("document_id", docID)

	doc, err := p.store.GetDocument(ctx, docID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("document deleted before processing started")
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to load document")
		return
	}

	if err := p.store.TransitionDocumentStatus(ctx, docID, storage.StatusProcessing); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		log.WithError(err).Error("failed to mark document processing")
		return
	}

	data, err := p.objects.Download(ctx, storage.OriginalPath(docID.String(), doc.Filename))
	if err != nil {
		log.WithError(err).Error("failed to read stored original")
		p.fail(ctx, docID, storage.CauseParseFailure)
		return
	}

	text, err := p.parser.Parse(ctx, doc.Filename, data)
	if err != nil {
		cause := storage.CauseParseFailure
		if errors.Is(err, parser.ErrUnsupportedFormat) {
			cause = storage.CauseUnsupportedFormat
		}
		log.WithError(err).Error("failed to parse document")
		p.fail(ctx, docID, cause)
		return
	}

	chunks := p.chunker.Chunk(text)
	if len(chunks) == 0 {
		log.Error("document produced no chunks")
		p.fail(ctx, docID, storage.CauseParseFailure)
		return
	}

	// Summary generation is best effort. A document without a summary is
	// still searchable through its content chunks.
	summary := p.summarize(ctx, doc.Filename, text)

	texts := make([]string, 0, len(chunks)+1)
	for _, ch := range chunks {
		texts = append(texts, ch.Content)
	}
	if summary != "" {
		texts = append(texts, summary)
	}

	embeddings, err := p.embed.EmbedBatch(ctx, texts)
	if err != nil {
		log.WithError(err).Error("failed to embed chunks")
		p.rollback(ctx, docID)
		p.fail(ctx, docID, storage.CauseEmbeddingFailure)
		return
	}

	stored := make([]storage.Chunk, 0, len(chunks)+1)
	for i, ch := range chunks {
		stored = append(stored, storage.Chunk{
			KnowledgeBaseID: doc.KnowledgeBaseID,
			DocumentID:      docID,
			ChunkIndex:      ch.Index,
			Type:            storage.ChunkTypeContent,
			Content:         ch.Content,
			TokenCount:      ch.TokenCount,
			Embedding:       embeddings[i],
		})
	}
	if summary != "" {
		stored = append(stored, storage.Chunk{
			KnowledgeBaseID: doc.KnowledgeBaseID,
			DocumentID:      docID,
			ChunkIndex:      storage.SummaryChunkIndex,
			Type:            storage.ChunkTypeSummary,
			Content:         summary,
			Embedding:       embeddings[len(embeddings)-1],
		})
	}

	if err := p.vectors.UpsertBatch(ctx, stored); err != nil {
		log.WithError(err).Error("failed to store chunks")
		p.rollback(ctx, docID)
		p.fail(ctx, docID, storage.CauseEmbeddingFailure)
		return
	}

	if summary != "" {
		if err := p.store.UpdateDocumentSummary(ctx, docID, summary); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Warn("failed to persist document summary")
		}
	}

	if err := p.store.MarkDocumentCompleted(ctx, docID, len(chunks)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted mid-run. The cascade removed its chunks with it.
			log.Info("document deleted during processing")
			p.rollback(ctx, docID)
			return
		}
		log.WithError(err).Error("failed to mark document completed")
		return
	}

	log.Info("document ingested", "chunks", len(chunks), "has_summary", summary != "")
}

// summarize asks the chat model for a short document summary. Errors are
// logged and swallowed.
func (p *Pipeline) summarize(ctx context.Context, filename, text string) string {
	if p.chat == nil {
		return ""
	}

	maxChars := p.config.SummaryMaxChars
	if maxChars <= 0 {
		maxChars = 6000
	}
	excerpt := text
	if len(excerpt) > maxChars {
		excerpt = excerpt[:maxChars]
	}

	summary, err := p.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You summarize documents. Reply with a concise summary of at most three sentences. Reply with the summary only."},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Document %q begins:\n\n%s", filename, excerpt)},
	})
	if err != nil {
		p.log.WithError(err).Warn("summary generation failed", "filename", filename)
		return ""
	}
	return summary
}

func (p *Pipeline) rollback(ctx context.Context, docID uuid.UUID) {
	if err := p.vectors.DeleteByDocument(ctx, docID); err != nil {
		p.log.WithError(err).Warn("rollback failed to delete chunks", "document_id", docID)
	}
}

func (p *Pipeline) fail(ctx context.Context, docID uuid.UUID, cause storage.FailureCause) {
	if err := p.store.MarkDocumentFailed(ctx, docID, cause); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.log.WithError(err).Error("failed to mark document failed", "document_id", docID)
	}
}

// failNew walks a pending document through processing to failed so the
// transition table holds even for failures before a worker ever ran.
func (p *Pipeline) failNew(ctx context.Context, docID uuid.UUID, cause storage.FailureCause) {
	if err := p.store.TransitionDocumentStatus(ctx, docID, storage.StatusProcessing); err != nil {
		p.log.WithError(err).Error("failed to mark document processing", "document_id", docID)
		return
	}
	p.fail(ctx, docID, cause)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
