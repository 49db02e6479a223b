// Package storage provides database access, vector storage, and the
// document status state machine.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the processing state of an uploaded document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// validTransitions is the single source of truth for status changes.
// failed -> pending is the reindex edge; everything else is forward-only.
var validTransitions = map[DocumentStatus][]DocumentStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
	StatusCompleted:  {},
}

// ErrInvalidTransition is returned when a status change is not permitted.
type ErrInvalidTransition struct {
	From, To DocumentStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid document status transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to DocumentStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an ErrInvalidTransition if the move is not allowed.
func CheckTransition(from, to DocumentStatus) error {
	if !CanTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	return nil
}

// FailureCause records why a document ended up in the failed state.
type FailureCause string

const (
	CauseUnsupportedFormat FailureCause = "unsupported_format"
	CauseParseFailure      FailureCause = "parse_failure"
	CauseEmbeddingFailure  FailureCause = "embedding_failure"
)

// KnowledgeBase groups documents and carries a description that is injected
// into prompts as background context.
type KnowledgeBase struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Document is an uploaded file's metadata. The content itself lives in the
// object store; its chunks and vectors live in the chunks table.
type Document struct {
	ID              uuid.UUID      `json:"id"`
	KnowledgeBaseID uuid.UUID      `json:"knowledge_base_id"`
	Filename        string         `json:"filename"`
	FileType        string         `json:"file_type"`
	FileSize        int64          `json:"file_size"`
	ContentHash     string         `json:"content_hash"`
	ChunkCount      int            `json:"chunk_count"`
	Summary         sql.NullString `json:"-"`
	Status          DocumentStatus `json:"status"`
	FailureCause    sql.NullString `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SummaryText returns the summary or "" when none was generated.
func (d *Document) SummaryText() string {
	if d.Summary.Valid {
		return d.Summary.String
	}
	return ""
}

// FailureCauseText returns the recorded failure cause or "".
func (d *Document) FailureCauseText() string {
	if d.FailureCause.Valid {
		return d.FailureCause.String
	}
	return ""
}

// ChunkType distinguishes content chunks from the document-level summary
// vector.
type ChunkType string

const (
	ChunkTypeContent ChunkType = "chunk"
	ChunkTypeSummary ChunkType = "summary"
)

// SummaryChunkIndex is the sentinel chunk_index used for summary vectors.
const SummaryChunkIndex = -1

// Chunk is a vectorized slice of document text. Content chunks have
// contiguous indexes 0..chunk_count-1; the summary uses SummaryChunkIndex.
type Chunk struct {
	KnowledgeBaseID uuid.UUID `json:"knowledge_base_id"`
	DocumentID      uuid.UUID `json:"document_id"`
	ChunkIndex      int       `json:"chunk_index"`
	Type            ChunkType `json:"type"`
	Content         string    `json:"content"`
	TokenCount      int       `json:"token_count"`
	Embedding       []float32 `json:"-"`
}

// RetrievedChunk is a chunk returned from a similarity or keyword query.
// Distance is pgvector cosine distance: 0 means identical direction, up to 2
// for opposite vectors. Keyword-only hits carry a sentinel distance of 1.
type RetrievedChunk struct {
	Chunk
	Distance float64 `json:"distance"`
	Filename string  `json:"filename"`
}

// Conversation is a chat session owning an ordered list of messages.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation. Immutable once written.
type Message struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Reasoning      sql.NullString `json:"-"`
	References     []Reference    `json:"references,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Reference is a citation pointer emitted with an assistant answer. It never
// duplicates chunk content.
type Reference struct {
	KnowledgeBaseID   uuid.UUID `json:"knowledge_base_id"`
	KnowledgeBaseName string    `json:"knowledge_base_name"`
	DocumentID        uuid.UUID `json:"document_id"`
	Filename          string    `json:"filename"`
	ChunkIndex        int       `json:"chunk_index"`
	Distance          float64   `json:"distance"`
}
