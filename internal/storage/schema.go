package storage

import (
	"context"
	"fmt"
)

// Migrate creates the schema if it does not exist. Statements run in order
// and each is idempotent.
func Migrate(ctx context.Context, db *PostgresDB) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS knowledge_bases (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			knowledge_base_id UUID NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
			filename VARCHAR(512) NOT NULL,
			file_type VARCHAR(16) NOT NULL,
			file_size BIGINT NOT NULL,
			content_hash CHAR(64) NOT NULL,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			summary TEXT,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			failure_cause VARCHAR(50),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE (knowledge_base_id, content_hash)
		)`,

		`CREATE TABLE IF NOT EXISTS chunks (
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			chunk_type VARCHAR(20) NOT NULL DEFAULT 'chunk',
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			embedding vector(2560),
			PRIMARY KEY (document_id, chunk_index, chunk_type)
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role VARCHAR(20) NOT NULL,
			content TEXT NOT NULL,
			reasoning TEXT,
			refs JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key VARCHAR(128) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_documents_kb_id ON documents(knowledge_base_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id)`,
	}

	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
