package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/rag"
	"github.com/atlas-kb/atlas/internal/storage"
)

// KnowledgeBaseStore is the repository surface for knowledge base handlers.
type KnowledgeBaseStore interface {
	CreateKnowledgeBase(ctx context.Context, name, description string) (*storage.KnowledgeBase, error)
	GetKnowledgeBase(ctx context.Context, id uuid.UUID) (*storage.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context) ([]storage.KnowledgeBase, error)
	UpdateKnowledgeBase(ctx context.Context, id uuid.UUID, name, description *string) (*storage.KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, id uuid.UUID) error
	ListDocuments(ctx context.Context, kbID *uuid.UUID) ([]storage.Document, error)
}

// DocumentStore is the repository surface for document handlers.
type DocumentStore interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*storage.Document, error)
	ListDocuments(ctx context.Context, kbID *uuid.UUID) ([]storage.Document, error)
}

// Ingestor accepts uploads and manages document lifecycle.
type Ingestor interface {
	Ingest(ctx context.Context, kbID uuid.UUID, filename string, data []byte) (*storage.Document, error)
	Reindex(ctx context.Context, docID uuid.UUID) (*storage.Document, error)
	Delete(ctx context.Context, docID uuid.UUID) error
}

// ChunkReader serves stored chunk text.
type ChunkReader interface {
	GetChunk(ctx context.Context, docID uuid.UUID, index int) (*storage.Chunk, error)
	DocumentChunks(ctx context.Context, docID uuid.UUID) ([]storage.Chunk, error)
}

// ChatService runs a chat turn end to end.
type ChatService interface {
	Prepare(ctx context.Context, req rag.ChatRequest) (*storage.Conversation, error)
	Answer(ctx context.Context, conv *storage.Conversation, req rag.ChatRequest, emit func(rag.Event) error)
}

// ConversationStore is the repository surface for conversation handlers.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (*storage.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*storage.Conversation, error)
	ListConversations(ctx context.Context) ([]storage.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) (*storage.Conversation, error)
	DeleteConversation(ctx context.Context, id uuid.UUID) error
	ConversationMessages(ctx context.Context, convID uuid.UUID, limit int) ([]storage.Message, error)
}

// SettingsStore persists runtime settings overrides.
type SettingsStore interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSettings(ctx context.Context, keys []string) error
}

// ModelLister reports the chat models available on the runtime.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
	Model() string
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}
