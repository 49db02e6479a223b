package ingest

import "errors"

var (
	// ErrDuplicateDocument means the same content already exists in the
	// target knowledge base.
	ErrDuplicateDocument = errors.New("ingest: duplicate document in knowledge base")
	// ErrNotReindexable means reindex was requested for a document that is
	// not in the failed state.
	ErrNotReindexable = errors.New("ingest: only failed documents can be reindexed")
	// ErrQueueFull means the ingestion queue cannot accept more work.
	ErrQueueFull = errors.New("ingest: queue is full")
	// ErrAlreadyQueued means the document already has an in-flight job.
	ErrAlreadyQueued = errors.New("ingest: document already queued")
)
