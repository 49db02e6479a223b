package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/rag"
	"github.com/atlas-kb/atlas/internal/storage"
)

// maxMessageRunes bounds the chat message length.
const maxMessageRunes = 4000

// ChatRequestBody is the incoming chat request.
type ChatRequestBody struct {
	Message          string   `json:"message"`
	ConversationID   string   `json:"conversation_id,omitempty"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids,omitempty"`
	Model            string   `json:"model,omitempty"`
}

func parseChatRequest(body *ChatRequestBody) (rag.ChatRequest, error) {
	req := rag.ChatRequest{
		Message: strings.TrimSpace(body.Message),
		Model:   strings.TrimSpace(body.Model),
	}
	if req.Message == "" {
		return req, fmt.Errorf("message is required")
	}
	if utf8.RuneCountInString(req.Message) > maxMessageRunes {
		return req, fmt.Errorf("message must not exceed %d characters", maxMessageRunes)
	}
	if body.ConversationID != "" {
		id, err := uuid.Parse(body.ConversationID)
		if err != nil {
			return req, fmt.Errorf("invalid conversation_id")
		}
		req.ConversationID = id
	}
	for _, raw := range body.KnowledgeBaseIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return req, fmt.Errorf("invalid knowledge base id %q", raw)
		}
		req.KnowledgeBaseIDs = append(req.KnowledgeBaseIDs, id)
	}
	return req, nil
}

// HandleChat handles POST /api/chat. The response is an SSE stream of
// events; the conversation id rides in the X-Conversation-Id header so the
// client learns it before the first event. Closing the connection cancels
// generation.
func HandleChat(service ChatService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ChatRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			RespondBadRequest(w, "invalid request body")
			return
		}
		req, err := parseChatRequest(&body)
		if err != nil {
			RespondBadRequest(w, err.Error())
			return
		}

		conv, err := service.Prepare(r.Context(), req)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				RespondNotFound(w, "conversation not found")
				return
			}
			logger.Error("failed to prepare conversation", "error", err)
			RespondInternalError(w, "")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			RespondInternalError(w, "streaming not supported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Conversation-Id", conv.ID.String())
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		service.Answer(r.Context(), conv, req, func(ev rag.Event) error {
			return writeSSE(w, flusher, ev)
		})
	}
}

// writeSSE encodes one event in the data-only SSE framing.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev rag.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
