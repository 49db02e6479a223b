package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/storage"
)

// Repository is the metadata surface the context builder needs.
type Repository interface {
	GetKnowledgeBase(ctx context.Context, id uuid.UUID) (*storage.KnowledgeBase, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*storage.Document, error)
}

// Context is the assembled grounding material for one generation call.
type Context struct {
	Text       string
	References []storage.Reference
}

// ContextBuilder expands selected chunks with their neighbors and arranges
// them hierarchically: knowledge base description, then document summary,
// then chunk text.
type ContextBuilder struct {
	repo    Repository
	vectors storage.VectorStore
	logger  *slog.Logger
}

// NewContextBuilder creates a ContextBuilder.
func NewContextBuilder(repo Repository, vectors storage.VectorStore, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		repo:    repo,
		vectors: vectors,
		logger:  logger.With("component", "context_builder"),
	}
}

// Build assembles the context block and reference list from the final
// ranked selection. References come from the selection itself, not the
// expanded neighbors, and preserve rank order.
func (b *ContextBuilder) Build(ctx context.Context, selected []storage.RetrievedChunk) (*Context, error) {
	if len(selected) == 0 {
		return &Context{}, nil
	}

	docs := make(map[uuid.UUID]*storage.Document)
	kbs := make(map[uuid.UUID]*storage.KnowledgeBase)

	var refs []storage.Reference
	for _, c := range selected {
		doc, err := b.document(ctx, docs, c.DocumentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				b.logger.Warn("retrieved chunk's document vanished", "document_id", c.DocumentID)
				continue
			}
			return nil, err
		}
		kb, err := b.knowledgeBase(ctx, kbs, doc.KnowledgeBaseID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, storage.Reference{
			KnowledgeBaseID:   kb.ID,
			KnowledgeBaseName: kb.Name,
			DocumentID:        doc.ID,
			Filename:          doc.Filename,
			ChunkIndex:        c.ChunkIndex,
			Distance:          c.Distance,
		})
	}

	expanded := b.expand(ctx, selected, docs)

	// Nesting order is fixed: KB description once, each document's summary
	// once, then that document's chunk text in index order. KBs and
	// documents appear in rank order of their first chunk.
	var kbOrder []uuid.UUID
	docsByKB := make(map[uuid.UUID][]uuid.UUID)
	seenDoc := make(map[uuid.UUID]bool)
	summaryHits := make(map[uuid.UUID]string)
	for _, c := range selected {
		if c.ChunkIndex == storage.SummaryChunkIndex && c.Content != "" {
			summaryHits[c.DocumentID] = c.Content
		}
	}
	for _, c := range selected {
		doc, ok := docs[c.DocumentID]
		if !ok || seenDoc[doc.ID] {
			continue
		}
		seenDoc[doc.ID] = true
		if _, ok := docsByKB[doc.KnowledgeBaseID]; !ok {
			kbOrder = append(kbOrder, doc.KnowledgeBaseID)
		}
		docsByKB[doc.KnowledgeBaseID] = append(docsByKB[doc.KnowledgeBaseID], doc.ID)
	}

	var sb strings.Builder
	for _, kbID := range kbOrder {
		kb := kbs[kbID]
		fmt.Fprintf(&sb, "Knowledge base: %s\n", kb.Name)
		if kb.Description != "" {
			sb.WriteString(kb.Description)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")

		for _, docID := range docsByKB[kbID] {
			doc := docs[docID]
			fmt.Fprintf(&sb, "Document: %s\n", doc.Filename)
			summary := doc.SummaryText()
			if summary == "" {
				summary = summaryHits[docID]
			}
			if summary != "" {
				fmt.Fprintf(&sb, "Summary: %s\n", summary)
			}
			sb.WriteString("\n")

			for _, text := range expanded[docID] {
				sb.WriteString(text)
				sb.WriteString("\n\n")
			}
		}
	}

	return &Context{
		Text:       strings.TrimSpace(sb.String()),
		References: refs,
	}, nil
}

// expand adds each selected chunk's immediate neighbors, deduplicated and
// clamped to the document's chunk range, and returns per-document chunk
// texts in ascending index order.
func (b *ContextBuilder) expand(ctx context.Context, selected []storage.RetrievedChunk,
	docs map[uuid.UUID]*storage.Document) map[uuid.UUID][]string {

	type entry struct {
		content string
		have    bool
	}
	wanted := make(map[uuid.UUID]map[int]*entry)

	for _, c := range selected {
		doc, ok := docs[c.DocumentID]
		if !ok {
			continue
		}
		// A summary hit pulls its document into the hierarchy, where the
		// summary line already carries the text. It has no neighbors.
		if c.ChunkIndex == storage.SummaryChunkIndex {
			continue
		}
		if wanted[c.DocumentID] == nil {
			wanted[c.DocumentID] = make(map[int]*entry)
		}
		wanted[c.DocumentID][c.ChunkIndex] = &entry{content: c.Content, have: true}

		for _, idx := range []int{c.ChunkIndex - 1, c.ChunkIndex + 1} {
			if idx < 0 || idx >= doc.ChunkCount {
				continue
			}
			if _, ok := wanted[c.DocumentID][idx]; !ok {
				wanted[c.DocumentID][idx] = &entry{}
			}
		}
	}

	out := make(map[uuid.UUID][]string, len(wanted))
	for docID, indexes := range wanted {
		ordered := make([]int, 0, len(indexes))
		for idx := range indexes {
			ordered = append(ordered, idx)
		}
		sort.Ints(ordered)

		for _, idx := range ordered {
			e := indexes[idx]
			if !e.have {
				chunk, err := b.vectors.GetChunk(ctx, docID, idx)
				if err != nil {
					if !errors.Is(err, storage.ErrNotFound) {
						b.logger.Warn("neighbor chunk fetch failed",
							"document_id", docID, "chunk_index", idx, "error", err)
					}
					continue
				}
				e.content = chunk.Content
			}
			out[docID] = append(out[docID], e.content)
		}
	}
	return out
}

func (b *ContextBuilder) document(ctx context.Context, cache map[uuid.UUID]*storage.Document, id uuid.UUID) (*storage.Document, error) {
	if doc, ok := cache[id]; ok {
		return doc, nil
	}
	doc, err := b.repo.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = doc
	return doc, nil
}

func (b *ContextBuilder) knowledgeBase(ctx context.Context, cache map[uuid.UUID]*storage.KnowledgeBase, id uuid.UUID) (*storage.KnowledgeBase, error) {
	if kb, ok := cache[id]; ok {
		return kb, nil
	}
	kb, err := b.repo.GetKnowledgeBase(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = kb
	return kb, nil
}
