package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/ingest"
	"github.com/atlas-kb/atlas/internal/storage"
)

// maxUploadBytes bounds multipart uploads.
const maxUploadBytes = 100 << 20

// chunkPreviewLimit caps how many chunks ride along with a document detail
// response.
const chunkPreviewLimit = 50

// UploadDocument handles POST /api/documents/upload. The upload returns as
// soon as the document row exists; parsing and embedding run in the
// background.
func UploadDocument(kbStore KnowledgeBaseStore, ingestor Ingestor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			RespondBadRequest(w, "invalid multipart form")
			return
		}

		kbID, err := uuid.Parse(r.FormValue("knowledge_base_id"))
		if err != nil {
			RespondBadRequest(w, "invalid knowledge_base_id")
			return
		}
		if _, err := kbStore.GetKnowledgeBase(r.Context(), kbID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "knowledge base not found")
				return
			}
			logger.Error("failed to get knowledge base", "id", kbID, "error", err)
			RespondInternalError(w, "")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			RespondBadRequest(w, "file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			logger.Error("failed to read upload", "filename", header.Filename, "error", err)
			RespondBadRequest(w, "failed to read file")
			return
		}
		if len(data) == 0 {
			RespondBadRequest(w, "file is empty")
			return
		}

		doc, err := ingestor.Ingest(r.Context(), kbID, header.Filename, data)
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrDuplicateDocument):
				RespondConflict(w, "document already exists in this knowledge base")
			case errors.Is(err, ingest.ErrQueueFull):
				RespondError(w, http.StatusTooManyRequests, ErrCodeTooManyJobs, "ingestion queue is full, try again later")
			default:
				logger.Error("failed to ingest document", "filename", header.Filename, "error", err)
				RespondInternalError(w, "")
			}
			return
		}
		RespondJSON(w, http.StatusAccepted, doc)
	}
}

// ListDocuments handles GET /api/documents?knowledge_base_id=.
func ListDocuments(store DocumentStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var kbID *uuid.UUID
		if v := r.URL.Query().Get("knowledge_base_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				RespondBadRequest(w, "invalid knowledge_base_id")
				return
			}
			kbID = &id
		}

		docs, err := store.ListDocuments(r.Context(), kbID)
		if err != nil {
			logger.Error("failed to list documents", "error", err)
			RespondInternalError(w, "")
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		RespondJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

// documentDetail is the document detail payload.
type documentDetail struct {
	*storage.Document
	Summary      string          `json:"summary,omitempty"`
	FailureCause string          `json:"failure_cause,omitempty"`
	Chunks       []storage.Chunk `json:"chunks"`
}

// GetDocument handles GET /api/documents/{id}. Completed documents include
// a preview of their chunk text.
func GetDocument(store DocumentStore, chunks ChunkReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		doc, err := store.GetDocument(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "document not found")
				return
			}
			logger.Error("failed to get document", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}

		detail := documentDetail{
			Document:     doc,
			Summary:      doc.SummaryText(),
			FailureCause: doc.FailureCauseText(),
			Chunks:       []storage.Chunk{},
		}
		if doc.Status == storage.StatusCompleted {
			all, err := chunks.DocumentChunks(r.Context(), id)
			if err != nil {
				logger.Error("failed to load chunks", "document_id", id, "error", err)
				RespondInternalError(w, "")
				return
			}
			if len(all) > chunkPreviewLimit {
				all = all[:chunkPreviewLimit]
			}
			detail.Chunks = all
		}
		RespondJSON(w, http.StatusOK, detail)
	}
}

// GetDocumentChunk handles GET /api/documents/{id}/chunks/{index}.
func GetDocumentChunk(chunks ChunkReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil || index < 0 {
			RespondBadRequest(w, "invalid chunk index")
			return
		}

		chunk, err := chunks.GetChunk(r.Context(), id, index)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "chunk not found")
				return
			}
			logger.Error("failed to get chunk", "document_id", id, "index", index, "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondJSON(w, http.StatusOK, chunk)
	}
}

// ReindexDocument handles POST /api/documents/{id}/reindex. Only failed
// documents can be reindexed.
func ReindexDocument(ingestor Ingestor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		doc, err := ingestor.Reindex(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				RespondNotFound(w, "document not found")
			case errors.Is(err, ingest.ErrNotReindexable):
				RespondConflict(w, "only failed documents can be reindexed")
			case errors.Is(err, ingest.ErrAlreadyQueued):
				RespondError(w, http.StatusTooManyRequests, ErrCodeTooManyJobs, "document is already being processed")
			case errors.Is(err, ingest.ErrQueueFull):
				RespondError(w, http.StatusTooManyRequests, ErrCodeTooManyJobs, "ingestion queue is full, try again later")
			default:
				logger.Error("failed to reindex document", "id", id, "error", err)
				RespondInternalError(w, "")
			}
			return
		}
		RespondJSON(w, http.StatusAccepted, doc)
	}
}

// DeleteDocument handles DELETE /api/documents/{id}.
func DeleteDocument(ingestor Ingestor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := ingestor.Delete(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "document not found")
				return
			}
			logger.Error("failed to delete document", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondNoContent(w)
	}
}
