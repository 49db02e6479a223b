package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/storage"
)

// KnowledgeBaseRequest is the create/update body.
type KnowledgeBaseRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// CreateKnowledgeBase handles POST /api/knowledge-bases.
func CreateKnowledgeBase(store KnowledgeBaseStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KnowledgeBaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondBadRequest(w, "invalid request body")
			return
		}
		if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
			RespondBadRequest(w, "name is required")
			return
		}
		description := ""
		if req.Description != nil {
			description = *req.Description
		}

		kb, err := store.CreateKnowledgeBase(r.Context(), strings.TrimSpace(*req.Name), description)
		if err != nil {
			logger.Error("failed to create knowledge base", "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondJSON(w, http.StatusCreated, kb)
	}
}

// ListKnowledgeBases handles GET /api/knowledge-bases.
func ListKnowledgeBases(store KnowledgeBaseStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kbs, err := store.ListKnowledgeBases(r.Context())
		if err != nil {
			logger.Error("failed to list knowledge bases", "error", err)
			RespondInternalError(w, "")
			return
		}
		if kbs == nil {
			kbs = []storage.KnowledgeBase{}
		}
		RespondJSON(w, http.StatusOK, map[string]any{"knowledge_bases": kbs})
	}
}

// GetKnowledgeBase handles GET /api/knowledge-bases/{id}. The response
// includes the knowledge base's documents.
func GetKnowledgeBase(store KnowledgeBaseStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		kb, err := store.GetKnowledgeBase(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "knowledge base not found")
				return
			}
			logger.Error("failed to get knowledge base", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		docs, err := store.ListDocuments(r.Context(), &id)
		if err != nil {
			logger.Error("failed to list documents", "knowledge_base_id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		RespondJSON(w, http.StatusOK, map[string]any{
			"knowledge_base": kb,
			"documents":      docs,
		})
	}
}

// UpdateKnowledgeBase handles PUT /api/knowledge-bases/{id}.
func UpdateKnowledgeBase(store KnowledgeBaseStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req KnowledgeBaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondBadRequest(w, "invalid request body")
			return
		}
		if req.Name == nil && req.Description == nil {
			RespondBadRequest(w, "nothing to update")
			return
		}

		kb, err := store.UpdateKnowledgeBase(r.Context(), id, req.Name, req.Description)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "knowledge base not found")
				return
			}
			logger.Error("failed to update knowledge base", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondJSON(w, http.StatusOK, kb)
	}
}

// DeleteKnowledgeBase handles DELETE /api/knowledge-bases/{id}. Documents
// are removed through the ingestor so their vectors and stored files go too.
func DeleteKnowledgeBase(store KnowledgeBaseStore, ingestor Ingestor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if _, err := store.GetKnowledgeBase(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "knowledge base not found")
				return
			}
			logger.Error("failed to get knowledge base", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}

		docs, err := store.ListDocuments(r.Context(), &id)
		if err != nil {
			logger.Error("failed to list documents", "knowledge_base_id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		for _, doc := range docs {
			if err := ingestor.Delete(r.Context(), doc.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				logger.Error("failed to delete document", "document_id", doc.ID, "error", err)
				RespondInternalError(w, "")
				return
			}
		}
		if err := store.DeleteKnowledgeBase(r.Context(), id); err != nil {
			logger.Error("failed to delete knowledge base", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondNoContent(w)
	}
}

// pathUUID parses a UUID path parameter, responding 400 on bad input.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		RespondBadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
