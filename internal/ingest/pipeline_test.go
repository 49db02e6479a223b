package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/chunker"
	"github.com/atlas-kb/atlas/internal/llm"
	"github.com/atlas-kb/atlas/internal/parser"
	"github.com/atlas-kb/atlas/internal/storage"
)

// mockStore is an in-memory DocumentStore that enforces the status
// transition table the way the real repository does.
type mockStore struct {
	mu        sync.Mutex
	kbs       map[uuid.UUID]*storage.KnowledgeBase
	docs      map[uuid.UUID]*storage.Document
	summaries map[uuid.UUID]string

	createErr  error // returned once by CreateDocument
	hashMisses int   // GetDocumentByHash misses this many times first
}

func newMockStore() *mockStore {
	return &mockStore{
		kbs:       make(map[uuid.UUID]*storage.KnowledgeBase),
		docs:      make(map[uuid.UUID]*storage.Document),
		summaries: make(map[uuid.UUID]string),
	}
}

func (m *mockStore) addKB() uuid.UUID {
	id := uuid.New()
	m.kbs[id] = &storage.KnowledgeBase{ID: id, Name: "test"}
	return id
}

func (m *mockStore) GetKnowledgeBase(_ context.Context, id uuid.UUID) (*storage.KnowledgeBase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kb, ok := m.kbs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return kb, nil
}

func (m *mockStore) CreateDocument(_ context.Context, doc *storage.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		err := m.createErr
		m.createErr = nil
		return err
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.Status = storage.StatusPending
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *mockStore) GetDocument(_ context.Context, id uuid.UUID) (*storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *mockStore) GetDocumentByHash(_ context.Context, kbID uuid.UUID, hash string) (*storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashMisses > 0 {
		m.hashMisses--
		return nil, storage.ErrNotFound
	}
	for _, doc := range m.docs {
		if doc.KnowledgeBaseID == kbID && doc.ContentHash == hash {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) TransitionDocumentStatus(_ context.Context, id uuid.UUID, to storage.DocumentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if err := storage.CheckTransition(doc.Status, to); err != nil {
		return err
	}
	doc.Status = to
	doc.FailureCause.Valid = false
	return nil
}

func (m *mockStore) MarkDocumentFailed(_ context.Context, id uuid.UUID, cause storage.FailureCause) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if err := storage.CheckTransition(doc.Status, storage.StatusFailed); err != nil {
		return err
	}
	doc.Status = storage.StatusFailed
	doc.FailureCause.String = string(cause)
	doc.FailureCause.Valid = true
	doc.ChunkCount = 0
	return nil
}

func (m *mockStore) MarkDocumentCompleted(_ context.Context, id uuid.UUID, chunkCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if err := storage.CheckTransition(doc.Status, storage.StatusCompleted); err != nil {
		return err
	}
	doc.Status = storage.StatusCompleted
	doc.ChunkCount = chunkCount
	return nil
}

func (m *mockStore) UpdateDocumentSummary(_ context.Context, id uuid.UUID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return storage.ErrNotFound
	}
	m.summaries[id] = summary
	return nil
}

func (m *mockStore) DeleteDocument(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

// mockVectors records chunk writes and deletes.
type mockVectors struct {
	mu        sync.Mutex
	chunks    map[uuid.UUID][]storage.Chunk
	upsertErr error
}

func newMockVectors() *mockVectors {
	return &mockVectors{chunks: make(map[uuid.UUID][]storage.Chunk)}
}

func (m *mockVectors) UpsertBatch(_ context.Context, chunks []storage.Chunk) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.DocumentID] = append(m.chunks[c.DocumentID], c)
	}
	return nil
}

func (m *mockVectors) Search(context.Context, []float32, []uuid.UUID, int) ([]storage.RetrievedChunk, error) {
	return nil, nil
}

func (m *mockVectors) DeleteByDocument(_ context.Context, docID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, docID)
	return nil
}

func (m *mockVectors) GetChunk(context.Context, uuid.UUID, int) (*storage.Chunk, error) {
	return nil, storage.ErrNotFound
}

func (m *mockVectors) DocumentChunks(context.Context, uuid.UUID) ([]storage.Chunk, error) {
	return nil, nil
}

func (m *mockVectors) Corpus(context.Context, []uuid.UUID) ([]storage.CorpusEntry, error) {
	return nil, nil
}

// mockObjects is an in-memory object store.
type mockObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockObjects() *mockObjects {
	return &mockObjects{objects: make(map[string][]byte)}
}

func (m *mockObjects) UploadBytes(_ context.Context, data []byte, path, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return path, nil
}

func (m *mockObjects) Download(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return data, nil
}

func (m *mockObjects) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *mockObjects) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *mockObjects) Health(context.Context) error { return nil }

// mockParser returns configured text or error.
type mockParser struct {
	text string
	err  error
}

func (m *mockParser) Parse(context.Context, string, []byte) (string, error) {
	return m.text, m.err
}

// mockChunker splits on sentence boundaries, one chunk per sentence.
type mockChunker struct{}

func (mockChunker) Chunk(text string) []chunker.Chunk {
	var out []chunker.Chunk
	for _, part := range strings.Split(text, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, chunker.Chunk{Index: len(out), Content: part, TokenCount: len(strings.Fields(part))})
	}
	return out
}

// mockEmbedder returns unit vectors or a configured error.
type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// mockChat returns a fixed summary or a configured error.
type mockChat struct {
	summary string
	err     error
}

func (m *mockChat) Chat(context.Context, []llm.Message) (string, error) {
	return m.summary, m.err
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *mockStore
	vectors  *mockVectors
	objects  *mockObjects
	parser   *mockParser
	embed    *mockEmbedder
	chat     *mockChat
	kbID     uuid.UUID
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	return newFixtureConfig(t, DefaultConfig())
}

func newFixtureConfig(t *testing.T, cfg Config) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:   newMockStore(),
		vectors: newMockVectors(),
		objects: newMockObjects(),
		parser:  &mockParser{text: "First sentence. Second sentence. Third sentence."},
		embed:   &mockEmbedder{},
		chat:    &mockChat{summary: "A short summary."},
	}
	f.kbID = f.store.addKB()
	f.pipeline = New(f.store, f.vectors, f.objects, f.parser, mockChunker{}, f.embed, f.chat,
		cfg, nil)
	return f
}

// process runs the queued job the way a worker would, releasing the
// document's in-flight slot when it finishes.
func (f *pipelineFixture) process(id uuid.UUID) {
	f.pipeline.pool.run(context.Background(), id, 0)
}

func (f *pipelineFixture) ingest(t *testing.T, filename string, data []byte) *storage.Document {
	t.Helper()
	doc, err := f.pipeline.Ingest(context.Background(), f.kbID, filename, data)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	return doc
}

func TestIngestQueuesPendingDocument(t *testing.T) {
	f := newFixture(t)

	doc := f.ingest(t, "doc.txt", []byte("hello world"))
	if doc.Status != storage.StatusPending {
		t.Errorf("expected pending, got %s", doc.Status)
	}

	path := storage.OriginalPath(doc.ID.String(), "doc.txt")
	if exists, _ := f.objects.Exists(context.Background(), path); !exists {
		t.Error("expected original upload to be stored")
	}
}

func TestIngestDuplicateReturnsExisting(t *testing.T) {
	f := newFixture(t)

	first := f.ingest(t, "doc.txt", []byte("same bytes"))
	dup, err := f.pipeline.Ingest(context.Background(), f.kbID, "renamed.txt", []byte("same bytes"))
	if !errors.Is(err, ErrDuplicateDocument) {
		t.Fatalf("expected ErrDuplicateDocument, got %v", err)
	}
	if dup.ID != first.ID {
		t.Errorf("expected existing document back, got %s", dup.ID)
	}
}

func TestIngestSameBytesInOtherKB(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "doc.txt", []byte("same bytes"))
	otherKB := f.store.addKB()
	if _, err := f.pipeline.Ingest(context.Background(), otherKB, "doc.txt", []byte("same bytes")); err != nil {
		t.Errorf("duplicate detection must be per knowledge base, got %v", err)
	}
}

func TestIngestUnsupportedFormat(t *testing.T) {
	f := newFixture(t)

	doc := f.ingest(t, "image.png", []byte("not really an image"))
	if doc.Status != storage.StatusFailed {
		t.Fatalf("expected failed, got %s", doc.Status)
	}
	if doc.FailureCauseText() != string(storage.CauseUnsupportedFormat) {
		t.Errorf("returned document cause = %q, want %q",
			doc.FailureCauseText(), storage.CauseUnsupportedFormat)
	}

	stored, err := f.store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.FailureCauseText() != string(storage.CauseUnsupportedFormat) {
		t.Errorf("expected unsupported_format cause, got %q", stored.FailureCauseText())
	}
}

func TestIngestUnknownKnowledgeBase(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Ingest(context.Background(), uuid.New(), "doc.txt", []byte("data"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown KB, got %v", err)
	}
}

func TestProcessDocumentCompletes(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "doc.txt", []byte("hello"))

	f.process(doc.ID)

	stored, _ := f.store.GetDocument(context.Background(), doc.ID)
	if stored.Status != storage.StatusCompleted {
		t.Fatalf("expected completed, got %s (cause %q)", stored.Status, stored.FailureCauseText())
	}
	if stored.ChunkCount != 3 {
		t.Errorf("expected 3 content chunks, got %d", stored.ChunkCount)
	}
	if f.store.summaries[doc.ID] != "A short summary." {
		t.Errorf("summary not persisted, got %q", f.store.summaries[doc.ID])
	}

	chunks := f.vectors.chunks[doc.ID]
	if len(chunks) != 4 {
		t.Fatalf("expected 3 content chunks plus summary, got %d", len(chunks))
	}
	var summaryChunks int
	for _, c := range chunks {
		if c.Type == storage.ChunkTypeSummary {
			summaryChunks++
			if c.ChunkIndex != storage.SummaryChunkIndex {
				t.Errorf("summary chunk index = %d, want %d", c.ChunkIndex, storage.SummaryChunkIndex)
			}
		}
	}
	if summaryChunks != 1 {
		t.Errorf("expected exactly one summary chunk, got %d", summaryChunks)
	}
}

func TestProcessDocumentParseFailure(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "doc.txt", []byte("hello"))
	f.parser.err = parser.ErrParseFailure

	f.process(doc.ID)

	stored, _ := f.store.GetDocument(context.Background(), doc.ID)
	if stored.Status != storage.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.FailureCauseText() != string(storage.CauseParseFailure) {
		t.Errorf("expected parse_failure, got %q", stored.FailureCauseText())
	}
}

func TestProcessDocumentEmbeddingFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "doc.txt", []byte("hello"))
	f.embed.err = errors.New("embedding backend down")

	f.process(doc.ID)

	stored, _ := f.store.GetDocument(context.Background(), doc.ID)
	if stored.Status != storage.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.FailureCauseText() != string(storage.CauseEmbeddingFailure) {
		t.Errorf("expected embedding_failure, got %q", stored.FailureCauseText())
	}
	if len(f.vectors.chunks[doc.ID]) != 0 {
		t.Error("expected no chunks to survive a failed run")
	}
}

func TestProcessDocumentSummaryFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "doc.txt", []byte("hello"))
	f.chat.err = errors.New("model unavailable")

	f.process(doc.ID)

	stored, _ := f.store.GetDocument(context.Background(), doc.ID)
	if stored.Status != storage.StatusCompleted {
		t.Fatalf("expected completed despite summary failure, got %s", stored.Status)
	}
	for _, c := range f.vectors.chunks[doc.ID] {
		if c.Type == storage.ChunkTypeSummary {
			t.Error("expected no summary chunk when summarization fails")
		}
	}
}

func TestProcessDocumentDeletedBeforeRun(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "doc.txt", []byte("hello"))
	if err := f.store.DeleteDocument(context.Background(), doc.ID); err != nil {
		t.Fatal(err)
	}

	// Must abort quietly, not panic or recreate the document.
	f.process(doc.ID)

	if _, err := f.store.GetDocument(context.Background(), doc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("document must stay deleted")
	}
}

func TestReindexRequiresFailedStatus(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "doc.txt", []byte("hello"))
	f.process(doc.ID)

	if _, err := f.pipeline.Reindex(context.Background(), doc.ID); !errors.Is(err, ErrNotReindexable) {
		t.Errorf("expected ErrNotReindexable for completed document, got %v", err)
	}
}

func TestReindexRequeuesFailedDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "doc.txt", []byte("hello"))
	f.parser.err = parser.ErrParseFailure
	f.process(doc.ID)

	f.parser.err = nil
	requeued, err := f.pipeline.Reindex(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}
	if requeued.Status != storage.StatusPending {
		t.Errorf("expected pending after reindex, got %s", requeued.Status)
	}

	f.process(doc.ID)
	stored, _ := f.store.GetDocument(context.Background(), doc.ID)
	if stored.Status != storage.StatusCompleted {
		t.Errorf("expected completed after successful reindex, got %s", stored.Status)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "doc.txt", []byte("hello"))
	f.process(doc.ID)

	if err := f.pipeline.Delete(context.Background(), doc.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := f.store.GetDocument(context.Background(), doc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("document row must be gone")
	}
	if len(f.vectors.chunks[doc.ID]) != 0 {
		t.Error("chunks must be gone")
	}
	path := storage.OriginalPath(doc.ID.String(), "doc.txt")
	if exists, _ := f.objects.Exists(context.Background(), path); exists {
		t.Error("stored original must be gone")
	}
}

func TestPoolDedupesInflightJobs(t *testing.T) {
	pool := NewPool(1, 8, func(context.Context, uuid.UUID) {}, nil)
	id := uuid.New()

	if err := pool.Enqueue(id); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := pool.Enqueue(id); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}
	if err := pool.Enqueue(uuid.New()); err != nil {
		t.Errorf("different document must be accepted, got %v", err)
	}
}

func TestPoolQueueFull(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, uuid.UUID) {}, nil)

	if err := pool.Enqueue(uuid.New()); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := pool.Enqueue(uuid.New()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestIngestDuplicateInsertRace(t *testing.T) {
	f := newFixture(t)
	data := []byte("raced bytes")

	winner := f.ingest(t, "doc.txt", data)

	// The losing upload misses the hash check but collides on insert.
	f.store.hashMisses = 1
	f.store.createErr = fmt.Errorf("insert documents: %w", storage.ErrDuplicate)

	doc, err := f.pipeline.Ingest(context.Background(), f.kbID, "doc.txt", data)
	if !errors.Is(err, ErrDuplicateDocument) {
		t.Fatalf("expected ErrDuplicateDocument, got %v", err)
	}
	if doc == nil || doc.ID != winner.ID {
		t.Errorf("expected the winning document back, got %+v", doc)
	}
}

func TestReindexQueueFullKeepsDocumentFailed(t *testing.T) {
	f := newFixtureConfig(t, Config{QueueSize: 1})
	doc := f.ingest(t, "doc.txt", []byte("hello"))
	f.parser.err = parser.ErrParseFailure
	f.process(doc.ID)
	f.parser.err = nil

	// The single queue slot is still occupied by the original job.
	if _, err := f.pipeline.Reindex(context.Background(), doc.ID); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	stored, err := f.store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != storage.StatusFailed {
		t.Fatalf("document stranded in %s, want failed", stored.Status)
	}
	if stored.FailureCauseText() != string(storage.CauseParseFailure) {
		t.Errorf("original cause lost, got %q", stored.FailureCauseText())
	}

	// Once the queue drains, the same document must be reindexable.
	<-f.pipeline.pool.jobs
	requeued, err := f.pipeline.Reindex(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("retry after queue drain failed: %v", err)
	}
	if requeued.Status != storage.StatusPending {
		t.Errorf("expected pending after retry, got %s", requeued.Status)
	}
}
