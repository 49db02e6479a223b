package rag

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/storage"
)

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (*storage.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*storage.Conversation, error)
	ConversationMessages(ctx context.Context, convID uuid.UUID, limit int) ([]storage.Message, error)
	CreateMessage(ctx context.Context, msg *storage.Message) error
}

// ChatRequest is one user turn.
type ChatRequest struct {
	ConversationID   uuid.UUID // Nil creates a new conversation
	Message          string
	KnowledgeBaseIDs []uuid.UUID
	Model            string // empty uses the configured default
}

// Service ties retrieval, generation, and persistence into the chat flow.
type Service struct {
	conversations ConversationStore
	resolver      *OptionsResolver
	retriever     *Retriever
	builder       *ContextBuilder
	streamer      *Streamer
	registry      *CancelRegistry
	logger        *slog.Logger
}

// NewService creates a chat Service.
func NewService(conversations ConversationStore, resolver *OptionsResolver, retriever *Retriever,
	builder *ContextBuilder, streamer *Streamer, logger *slog.Logger) *Service {

	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conversations: conversations,
		resolver:      resolver,
		retriever:     retriever,
		builder:       builder,
		streamer:      streamer,
		registry:      NewCancelRegistry(),
		logger:        logger.With("component", "chat_service"),
	}
}

// newConversationTitle derives a title from the first message.
func newConversationTitle(message string) string {
	const maxRunes = 50
	if utf8.RuneCountInString(message) <= maxRunes {
		return message
	}
	runes := []rune(message)
	return string(runes[:maxRunes])
}

// Prepare resolves the conversation for a chat turn, creating one when the
// request does not name an existing conversation.
func (s *Service) Prepare(ctx context.Context, req ChatRequest) (*storage.Conversation, error) {
	if req.ConversationID == uuid.Nil {
		return s.conversations.CreateConversation(ctx, newConversationTitle(req.Message))
	}
	return s.conversations.GetConversation(ctx, req.ConversationID)
}

// Answer runs one chat turn: retrieve, generate, persist. Events flow
// through emit; the stream always ends with one terminal event. Starting a
// new turn on a conversation cancels the turn already streaming on it.
func (s *Service) Answer(ctx context.Context, conv *storage.Conversation, req ChatRequest, emit func(Event) error) {
	ctx, release := s.registry.Register(ctx, conv.ID)
	defer release()

	opts := s.resolver.Resolve(ctx, req.KnowledgeBaseIDs)
	if req.Model != "" {
		opts.ChatModel = req.Model
	}

	// History is loaded before the user message is written so the model
	// does not see the question twice.
	history, err := s.conversations.ConversationMessages(ctx, conv.ID, opts.MaxHistory)
	if err != nil {
		s.fail(emit, fmt.Errorf("failed to load history: %w", err))
		return
	}
	if err := s.conversations.CreateMessage(ctx, &storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleUser,
		Content:        req.Message,
	}); err != nil {
		s.fail(emit, fmt.Errorf("failed to save message: %w", err))
		return
	}

	selected, err := s.retriever.Retrieve(ctx, req.Message, opts)
	if err != nil {
		s.fail(emit, fmt.Errorf("retrieval failed: %w", err))
		return
	}
	rctx, err := s.builder.Build(ctx, selected)
	if err != nil {
		s.fail(emit, fmt.Errorf("context assembly failed: %w", err))
		return
	}

	messages := BuildMessages(rctx, history, req.Message)
	res := s.streamer.Stream(ctx, opts.ChatModel, messages, rctx.References, emit)

	if res.Err != nil || res.Content == "" {
		return
	}
	msg := &storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleAssistant,
		Content:        res.Content,
		References:     rctx.References,
	}
	if res.Reasoning != "" {
		msg.Reasoning = sql.NullString{String: res.Reasoning, Valid: true}
	}
	// Persist with a fresh context: the request context is gone once the
	// client disconnects, but a partial answer is still worth keeping.
	if err := s.conversations.CreateMessage(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Error("failed to persist assistant message", "conversation_id", conv.ID, "error", err)
	}
}

// Stop cancels the conversation's in-flight generation, if any.
func (s *Service) Stop(conversationID uuid.UUID) bool {
	return s.registry.Cancel(conversationID)
}

func (s *Service) fail(emit func(Event) error, err error) {
	s.logger.Error("chat turn failed", "error", err)
	if emitErr := emit(Event{Type: EventError, Error: err.Error()}); emitErr != nil {
		s.logger.Warn("error event not delivered", "error", emitErr)
	}
}
