package rag

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/storage"
)

type stubRepo struct {
	kbs  map[uuid.UUID]*storage.KnowledgeBase
	docs map[uuid.UUID]*storage.Document

	kbCalls  int
	docCalls int
}

func (s *stubRepo) GetKnowledgeBase(_ context.Context, id uuid.UUID) (*storage.KnowledgeBase, error) {
	s.kbCalls++
	kb, ok := s.kbs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return kb, nil
}

func (s *stubRepo) GetDocument(_ context.Context, id uuid.UUID) (*storage.Document, error) {
	s.docCalls++
	doc, ok := s.docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return doc, nil
}

type builderFixture struct {
	repo    *stubRepo
	vectors *stubVectors
	builder *ContextBuilder
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()
	repo := &stubRepo{
		kbs:  make(map[uuid.UUID]*storage.KnowledgeBase),
		docs: make(map[uuid.UUID]*storage.Document),
	}
	vectors := &stubVectors{}
	return &builderFixture{
		repo:    repo,
		vectors: vectors,
		builder: NewContextBuilder(repo, vectors, nil),
	}
}

func (f *builderFixture) addKB(name, description string) uuid.UUID {
	id := uuid.New()
	f.repo.kbs[id] = &storage.KnowledgeBase{ID: id, Name: name, Description: description}
	return id
}

func (f *builderFixture) addDoc(kbID uuid.UUID, filename, summary string, chunkCount int) uuid.UUID {
	id := uuid.New()
	doc := &storage.Document{
		ID:              id,
		KnowledgeBaseID: kbID,
		Filename:        filename,
		ChunkCount:      chunkCount,
		Status:          storage.StatusCompleted,
	}
	if summary != "" {
		doc.Summary = sql.NullString{String: summary, Valid: true}
	}
	f.repo.docs[id] = doc
	return id
}

func TestBuildEmptySelection(t *testing.T) {
	f := newBuilderFixture(t)

	got, err := f.builder.Build(context.Background(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got.Text != "" || len(got.References) != 0 {
		t.Fatalf("expected empty context, got %+v", got)
	}
}

func TestBuildHierarchyAndReferences(t *testing.T) {
	f := newBuilderFixture(t)
	kbA := f.addKB("Contracts", "Signed agreements")
	kbB := f.addKB("Policies", "")
	docA := f.addDoc(kbA, "msa.pdf", "Master services agreement.", 1)
	docB := f.addDoc(kbB, "leave.md", "", 1)

	selected := []storage.RetrievedChunk{
		retrieved(docA, 0, "termination clause text", 0.10),
		retrieved(docB, 0, "annual leave accrual", 0.25),
	}

	got, err := f.builder.Build(context.Background(), selected)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(got.References) != 2 {
		t.Fatalf("got %d references, want 2", len(got.References))
	}
	first := got.References[0]
	if first.DocumentID != docA || first.Filename != "msa.pdf" ||
		first.KnowledgeBaseName != "Contracts" || first.ChunkIndex != 0 || first.Distance != 0.10 {
		t.Errorf("first reference = %+v", first)
	}
	if got.References[1].DocumentID != docB {
		t.Errorf("second reference doc = %s, want %s", got.References[1].DocumentID, docB)
	}

	text := got.Text
	order := []string{
		"Knowledge base: Contracts",
		"Signed agreements",
		"Document: msa.pdf",
		"Summary: Master services agreement.",
		"termination clause text",
		"Knowledge base: Policies",
		"Document: leave.md",
		"annual leave accrual",
	}
	pos := -1
	for _, s := range order {
		idx := strings.Index(text, s)
		if idx < 0 {
			t.Fatalf("context missing %q:\n%s", s, text)
		}
		if idx < pos {
			t.Fatalf("%q appears out of order:\n%s", s, text)
		}
		pos = idx
	}
	if strings.Count(text, "Knowledge base: Contracts") != 1 {
		t.Errorf("knowledge base header repeated:\n%s", text)
	}
}

func TestBuildExpandsNeighbors(t *testing.T) {
	f := newBuilderFixture(t)
	kb := f.addKB("Docs", "")
	doc := f.addDoc(kb, "guide.txt", "", 5)

	fetched := make(map[int]bool)
	f.vectors.getFn = func(_ context.Context, docID uuid.UUID, index int) (*storage.Chunk, error) {
		if docID != doc {
			t.Errorf("fetched neighbor for unexpected document %s", docID)
		}
		fetched[index] = true
		return &storage.Chunk{DocumentID: docID, ChunkIndex: index, Content: "neighbor"}, nil
	}

	selected := []storage.RetrievedChunk{retrieved(doc, 2, "selected", 0.1)}
	got, err := f.builder.Build(context.Background(), selected)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !fetched[1] || !fetched[3] {
		t.Errorf("fetched = %v, want indexes 1 and 3", fetched)
	}
	if len(fetched) != 2 {
		t.Errorf("fetched extra neighbors: %v", fetched)
	}
	if strings.Count(got.Text, "neighbor") != 2 {
		t.Errorf("expected both neighbors in context:\n%s", got.Text)
	}
	// References still come from the selection only.
	if len(got.References) != 1 || got.References[0].ChunkIndex != 2 {
		t.Errorf("references = %+v", got.References)
	}
}

func TestBuildClampsNeighborsToDocumentRange(t *testing.T) {
	f := newBuilderFixture(t)
	kb := f.addKB("Docs", "")
	doc := f.addDoc(kb, "tiny.txt", "", 1)

	f.vectors.getFn = func(_ context.Context, _ uuid.UUID, index int) (*storage.Chunk, error) {
		t.Errorf("unexpected neighbor fetch for index %d", index)
		return nil, storage.ErrNotFound
	}

	selected := []storage.RetrievedChunk{retrieved(doc, 0, "whole document", 0.1)}
	got, err := f.builder.Build(context.Background(), selected)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(got.Text, "whole document") {
		t.Errorf("context missing the selected chunk:\n%s", got.Text)
	}
}

func TestBuildDeduplicatesOverlappingNeighbors(t *testing.T) {
	f := newBuilderFixture(t)
	kb := f.addKB("Docs", "")
	doc := f.addDoc(kb, "guide.txt", "", 4)

	fetches := make(map[int]int)
	f.vectors.getFn = func(_ context.Context, _ uuid.UUID, index int) (*storage.Chunk, error) {
		fetches[index]++
		return &storage.Chunk{DocumentID: doc, ChunkIndex: index, Content: "filler"}, nil
	}

	// Chunks 1 and 2 are both selected; their shared neighbors must appear
	// once each and the selected chunks must not be re-fetched.
	selected := []storage.RetrievedChunk{
		retrieved(doc, 1, "one", 0.1),
		retrieved(doc, 2, "two", 0.2),
	}
	got, err := f.builder.Build(context.Background(), selected)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for idx, n := range fetches {
		if n != 1 {
			t.Errorf("index %d fetched %d times", idx, n)
		}
	}
	if fetches[1] != 0 || fetches[2] != 0 {
		t.Errorf("selected chunks were re-fetched: %v", fetches)
	}
	if fetches[0] != 1 || fetches[3] != 1 || len(fetches) != 2 {
		t.Errorf("fetches = %v, want indexes 0 and 3 once each", fetches)
	}
	if strings.Count(got.Text, "one") != 1 || strings.Count(got.Text, "two") != 1 {
		t.Errorf("selected chunk text duplicated:\n%s", got.Text)
	}
}

func TestBuildSkipsVanishedDocument(t *testing.T) {
	f := newBuilderFixture(t)
	kb := f.addKB("Docs", "")
	doc := f.addDoc(kb, "kept.txt", "", 1)
	gone := uuid.New()

	selected := []storage.RetrievedChunk{
		retrieved(gone, 0, "orphan", 0.1),
		retrieved(doc, 0, "kept", 0.2),
	}
	got, err := f.builder.Build(context.Background(), selected)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(got.References) != 1 || got.References[0].Filename != "kept.txt" {
		t.Fatalf("references = %+v", got.References)
	}
	if strings.Contains(got.Text, "orphan") {
		t.Errorf("vanished document's chunk leaked into context:\n%s", got.Text)
	}
}

func summaryHit(docID uuid.UUID, content string, distance float64) storage.RetrievedChunk {
	return storage.RetrievedChunk{
		Chunk: storage.Chunk{
			DocumentID: docID,
			ChunkIndex: storage.SummaryChunkIndex,
			Type:       storage.ChunkTypeSummary,
			Content:    content,
		},
		Distance: distance,
	}
}

func TestBuildSummaryHitSurfacesDocumentSummary(t *testing.T) {
	f := newBuilderFixture(t)
	kb := f.addKB("Manuals", "")
	withStored := f.addDoc(kb, "guide.pdf", "Stored summary.", 3)
	withoutStored := f.addDoc(kb, "notes.md", "", 2)

	fetches := 0
	f.vectors.getFn = func(context.Context, uuid.UUID, int) (*storage.Chunk, error) {
		fetches++
		return nil, storage.ErrNotFound
	}

	selected := []storage.RetrievedChunk{
		summaryHit(withStored, "Vector copy of the guide summary.", 0.05),
		summaryHit(withoutStored, "Meeting notes overview.", 0.20),
	}

	got, err := f.builder.Build(context.Background(), selected)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if fetches != 0 {
		t.Errorf("summary hits must not expand neighbors, fetched %d chunks", fetches)
	}
	if !strings.Contains(got.Text, "Summary: Stored summary.") {
		t.Errorf("stored summary missing:\n%s", got.Text)
	}
	if strings.Contains(got.Text, "Vector copy") {
		t.Errorf("stored summary should win over the hit text:\n%s", got.Text)
	}
	if !strings.Contains(got.Text, "Summary: Meeting notes overview.") {
		t.Errorf("hit text should stand in for a missing stored summary:\n%s", got.Text)
	}
	if len(got.References) != 2 {
		t.Fatalf("references = %+v", got.References)
	}
	if got.References[0].ChunkIndex != storage.SummaryChunkIndex {
		t.Errorf("summary reference index = %d, want %d",
			got.References[0].ChunkIndex, storage.SummaryChunkIndex)
	}
}
