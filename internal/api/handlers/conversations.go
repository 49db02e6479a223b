package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/atlas-kb/atlas/internal/storage"
)

// ConversationRequest is the create/update body.
type ConversationRequest struct {
	Title string `json:"title"`
}

// CreateConversation handles POST /api/chat/conversations.
func CreateConversation(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondBadRequest(w, "invalid request body")
			return
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			title = "New Conversation"
		}

		conv, err := store.CreateConversation(r.Context(), title)
		if err != nil {
			logger.Error("failed to create conversation", "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondJSON(w, http.StatusCreated, conv)
	}
}

// ListConversations handles GET /api/chat/conversations.
func ListConversations(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := store.ListConversations(r.Context())
		if err != nil {
			logger.Error("failed to list conversations", "error", err)
			RespondInternalError(w, "")
			return
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}
		RespondJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	}
}

// GetConversation handles GET /api/chat/conversations/{id}. The response
// includes the full message history.
func GetConversation(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		conv, err := store.GetConversation(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "conversation not found")
				return
			}
			logger.Error("failed to get conversation", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		messages, err := store.ConversationMessages(r.Context(), id, 0)
		if err != nil {
			logger.Error("failed to load messages", "conversation_id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondJSON(w, http.StatusOK, map[string]any{
			"conversation": conv,
			"messages":     messageViews(messages),
		})
	}
}

// UpdateConversation handles PUT /api/chat/conversations/{id}.
func UpdateConversation(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondBadRequest(w, "invalid request body")
			return
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			RespondBadRequest(w, "title is required")
			return
		}

		conv, err := store.UpdateConversationTitle(r.Context(), id, title)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "conversation not found")
				return
			}
			logger.Error("failed to update conversation", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondJSON(w, http.StatusOK, conv)
	}
}

// DeleteConversation handles DELETE /api/chat/conversations/{id}.
func DeleteConversation(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := store.DeleteConversation(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "conversation not found")
				return
			}
			logger.Error("failed to delete conversation", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondNoContent(w)
	}
}

// GetConversationMessages handles GET /api/history/messages/{id}.
func GetConversationMessages(store ConversationStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				RespondBadRequest(w, "invalid limit")
				return
			}
			limit = n
		}

		if _, err := store.GetConversation(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "conversation not found")
				return
			}
			logger.Error("failed to get conversation", "id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		messages, err := store.ConversationMessages(r.Context(), id, limit)
		if err != nil {
			logger.Error("failed to load messages", "conversation_id", id, "error", err)
			RespondInternalError(w, "")
			return
		}
		RespondJSON(w, http.StatusOK, map[string]any{
			"conversation_id": id,
			"messages":        messageViews(messages),
		})
	}
}

// messageView flattens the nullable reasoning column for JSON consumers.
type messageView struct {
	storage.Message
	Reasoning string `json:"reasoning,omitempty"`
}

func messageViews(messages []storage.Message) []messageView {
	out := make([]messageView, len(messages))
	for i, m := range messages {
		out[i] = messageView{Message: m}
		if m.Reasoning.Valid {
			out[i].Reasoning = m.Reasoning.String
		}
	}
	return out
}
