package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a requested row does not exist. Background
// pipeline runs use it to detect a document deleted mid-run.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert collides with a uniqueness
// constraint, e.g. two concurrent uploads of the same bytes racing past
// the hash check.
var ErrDuplicate = errors.New("storage: duplicate row")

// uniqueViolation is the Postgres error code for unique_violation.
const uniqueViolation = "23505"

// Repository provides CRUD access to knowledge bases, documents,
// conversations, messages, and settings.
type Repository struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewRepository creates a new Repository instance.
func NewRepository(db *PostgresDB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger.With("component", "repository")}
}

// CreateKnowledgeBase inserts a new knowledge base.
func (r *Repository) CreateKnowledgeBase(ctx context.Context, name, description string) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO knowledge_bases (id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		kb.ID, kb.Name, kb.Description, kb.CreatedAt, kb.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge base: %w", err)
	}
	return kb, nil
}

// GetKnowledgeBase fetches a knowledge base by ID.
func (r *Repository) GetKnowledgeBase(ctx context.Context, id uuid.UUID) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM knowledge_bases WHERE id = $1`, id,
	).Scan(&kb.ID, &kb.Name, &kb.Description, &kb.CreatedAt, &kb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	return &kb, nil
}

// ListKnowledgeBases returns all knowledge bases, most recently updated first.
func (r *Repository) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at
		 FROM knowledge_bases ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		if err := rows.Scan(&kb.ID, &kb.Name, &kb.Description, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

// UpdateKnowledgeBase updates name and/or description.
func (r *Repository) UpdateKnowledgeBase(ctx context.Context, id uuid.UUID, name, description *string) (*KnowledgeBase, error) {
	kb, err := r.GetKnowledgeBase(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		kb.Name = *name
	}
	if description != nil {
		kb.Description = *description
	}
	kb.UpdatedAt = time.Now().UTC()
	_, err = r.db.ExecContext(ctx,
		`UPDATE knowledge_bases SET name = $2, description = $3, updated_at = $4 WHERE id = $1`,
		kb.ID, kb.Name, kb.Description, kb.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update knowledge base: %w", err)
	}
	return kb, nil
}

// DeleteKnowledgeBase deletes a knowledge base; documents and chunks cascade
// at the schema level.
func (r *Repository) DeleteKnowledgeBase(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateDocument inserts a new document row in the pending state.
func (r *Repository) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.Status = StatusPending
	doc.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (id, knowledge_base_id, filename, file_type, file_size,
		   content_hash, chunk_count, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		doc.ID, doc.KnowledgeBaseID, doc.Filename, doc.FileType, doc.FileSize,
		doc.ContentHash, doc.Status, doc.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("document already exists: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by ID.
func (r *Repository) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	var doc Document
	err := r.db.QueryRowContext(ctx,
		`SELECT id, knowledge_base_id, filename, file_type, file_size, content_hash,
		   chunk_count, summary, status, failure_cause, created_at
		 FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.KnowledgeBaseID, &doc.Filename, &doc.FileType, &doc.FileSize,
		&doc.ContentHash, &doc.ChunkCount, &doc.Summary, &doc.Status, &doc.FailureCause, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// GetDocumentByHash looks up a document by content hash within one knowledge
// base. Duplicate detection is per-KB: the same bytes may exist in another KB.
func (r *Repository) GetDocumentByHash(ctx context.Context, kbID uuid.UUID, hash string) (*Document, error) {
	var doc Document
	err := r.db.QueryRowContext(ctx,
		`SELECT id, knowledge_base_id, filename, file_type, file_size, content_hash,
		   chunk_count, summary, status, failure_cause, created_at
		 FROM documents WHERE knowledge_base_id = $1 AND content_hash = $2`, kbID, hash,
	).Scan(&doc.ID, &doc.KnowledgeBaseID, &doc.Filename, &doc.FileType, &doc.FileSize,
		&doc.ContentHash, &doc.ChunkCount, &doc.Summary, &doc.Status, &doc.FailureCause, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document by hash: %w", err)
	}
	return &doc, nil
}

// ListDocuments returns documents, optionally filtered by knowledge base.
func (r *Repository) ListDocuments(ctx context.Context, kbID *uuid.UUID) ([]Document, error) {
	query := `SELECT id, knowledge_base_id, filename, file_type, file_size, content_hash,
	   chunk_count, summary, status, failure_cause, created_at
	 FROM documents`
	var args []any
	if kbID != nil {
		query += ` WHERE knowledge_base_id = $1`
		args = append(args, *kbID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.KnowledgeBaseID, &doc.Filename, &doc.FileType,
			&doc.FileSize, &doc.ContentHash, &doc.ChunkCount, &doc.Summary, &doc.Status,
			&doc.FailureCause, &doc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// TransitionDocumentStatus moves a document to a new status, enforcing the
// transition table under a row lock. Clears any recorded failure cause.
func (r *Repository) TransitionDocumentStatus(ctx context.Context, id uuid.UUID, to DocumentStatus) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current DocumentStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read document status: %w", err)
		}
		if err := CheckTransition(current, to); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET status = $2, failure_cause = NULL WHERE id = $1`, id, to)
		return err
	})
}

// MarkDocumentFailed transitions a document to failed and records the cause.
func (r *Repository) MarkDocumentFailed(ctx context.Context, id uuid.UUID, cause FailureCause) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current DocumentStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read document status: %w", err)
		}
		if err := CheckTransition(current, StatusFailed); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET status = $2, failure_cause = $3, chunk_count = 0 WHERE id = $1`,
			id, StatusFailed, string(cause))
		return err
	})
}

// MarkDocumentCompleted transitions a document to completed and sets the
// final chunk count.
func (r *Repository) MarkDocumentCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current DocumentStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read document status: %w", err)
		}
		if err := CheckTransition(current, StatusCompleted); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET status = $2, failure_cause = NULL, chunk_count = $3 WHERE id = $1`,
			id, StatusCompleted, chunkCount)
		return err
	})
}

// UpdateDocumentSummary stores the generated summary text.
func (r *Repository) UpdateDocumentSummary(ctx context.Context, id uuid.UUID, summary string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET summary = $2 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("failed to update document summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes the document row.
func (r *Repository) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateConversation inserts a new conversation.
func (r *Repository) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	if title == "" {
		title = "New Conversation"
	}
	conv := &Conversation{
		ID:        uuid.New(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches a conversation by ID.
func (r *Repository) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var conv Conversation
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = $1`, id,
	).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns all conversations, most recently active first.
func (r *Repository) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// UpdateConversationTitle renames a conversation.
func (r *Repository) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) (*Conversation, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET title = $2, updated_at = $3 WHERE id = $1`,
		id, title, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetConversation(ctx, id)
}

// DeleteConversation deletes a conversation; messages cascade.
func (r *Repository) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage appends a message to a conversation and bumps the
// conversation's updated_at so listings sort by recent activity.
func (r *Repository) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now().UTC()

	var refs any
	if len(msg.References) > 0 {
		data, err := json.Marshal(msg.References)
		if err != nil {
			return fmt.Errorf("failed to marshal references: %w", err)
		}
		refs = data
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, reasoning, refs, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Reasoning, refs, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = $2 WHERE id = $1`,
			msg.ConversationID, msg.CreatedAt)
		return err
	})
}

// ConversationMessages returns a conversation's messages in chronological
// order. A limit of 0 returns everything; a positive limit returns the most
// recent N messages, still oldest-first.
func (r *Repository) ConversationMessages(ctx context.Context, convID uuid.UUID, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, reasoning, refs, created_at
	 FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var refs []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.Reasoning, &refs, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if len(refs) > 0 {
			if err := json.Unmarshal(refs, &msg.References); err != nil {
				r.logger.Warn("malformed references on message", "message_id", msg.ID, "error", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// GetSettings returns all persisted settings as a key/value map.
func (r *Repository) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetSetting upserts a single setting.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// DeleteSettings removes settings, restoring their defaults. A nil key list
// removes everything.
func (r *Repository) DeleteSettings(ctx context.Context, keys []string) error {
	if keys == nil {
		_, err := r.db.ExecContext(ctx, `DELETE FROM settings`)
		return err
	}
	for _, k := range keys {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = $1`, k); err != nil {
			return fmt.Errorf("failed to delete setting %s: %w", k, err)
		}
	}
	return nil
}
