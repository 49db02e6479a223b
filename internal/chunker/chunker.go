// Package chunker splits document text into overlapping token windows for
// embedding.
package chunker

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Config holds chunking parameters. Sizes are in tokens.
type Config struct {
	ChunkSize int
	Overlap   int
	MinSize   int
	Encoding  string
}

// DefaultConfig returns default chunking parameters.
func DefaultConfig() Config {
	return Config{
		ChunkSize: 600,
		Overlap:   100,
		MinSize:   50,
		Encoding:  "cl100k_base",
	}
}

// Chunk is one window of document text.
type Chunk struct {
	Index      int
	Content    string
	TokenCount int
}

// TokenChunker slices text into fixed-size overlapping token windows.
type TokenChunker struct {
	config    Config
	tokenizer *tiktoken.Tiktoken
}

// New creates a TokenChunker. Overlap must be smaller than the chunk size.
func New(cfg Config) (*TokenChunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("overlap %d must be in [0, chunk size)", cfg.Overlap)
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "cl100k_base"
	}

	tokenizer, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tokenizer: %w", err)
	}

	return &TokenChunker{config: cfg, tokenizer: tokenizer}, nil
}

// CountTokens returns the token count of a text.
func (c *TokenChunker) CountTokens(text string) int {
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Chunk splits text into overlapping windows. Every chunk except possibly
// the last holds ChunkSize tokens; a trailing fragment below MinSize is
// merged into the previous chunk so no undersized chunk is ever emitted.
func (c *TokenChunker) Chunk(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	tokens := c.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= c.config.ChunkSize {
		return []Chunk{{Index: 0, Content: text, TokenCount: len(tokens)}}
	}

	step := c.config.ChunkSize - c.config.Overlap
	var chunks []Chunk

	for start := 0; start < len(tokens); start += step {
		end := start + c.config.ChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}

		window := tokens[start:end]
		if len(window) < c.config.MinSize && len(chunks) > 0 {
			// Extend the last chunk instead of emitting a fragment. The
			// overlap means the fragment's tokens start inside the last
			// window, so re-decode from that window's start.
			prev := &chunks[len(chunks)-1]
			prevStart := start - step
			merged := tokens[prevStart:end]
			prev.Content = strings.TrimSpace(c.tokenizer.Decode(merged))
			prev.TokenCount = len(merged)
			break
		}

		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Content:    strings.TrimSpace(c.tokenizer.Decode(window)),
			TokenCount: len(window),
		})

		if end == len(tokens) {
			break
		}
	}

	return chunks
}
