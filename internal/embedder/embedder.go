// Package embedder generates vector embeddings through an OpenAI-compatible
// API.
package embedder

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/atlas-kb/atlas/pkg/logger"
)

// Embedder converts text into dense vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// Config holds embedder configuration. BaseURL points at any
// OpenAI-compatible endpoint, typically a local Ollama instance.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxBatchSize   int
	MaxRetries     int
	RetryDelay     time.Duration
	RateLimitRPS   int
	RequestTimeout time.Duration
}

// DefaultConfig returns default embedder configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:11434/v1",
		APIKey:         "ollama",
		Model:          "qwen3-embedding:4b",
		MaxBatchSize:   32,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		RateLimitRPS:   20,
		RequestTimeout: 60 * time.Second,
	}
}

// Client implements Embedder against an OpenAI-compatible API.
type Client struct {
	client      *openai.Client
	config      Config
	rateLimiter *rate.Limiter
	log         *logger.Logger
}

// New creates an embedding client.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if log == nil {
		log = logger.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		client:      openai.NewClientWithConfig(clientCfg),
		config:      cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS),
		log:         log.WithComponent("embedder"),
	}, nil
}

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	results := make([][]float32, len(texts))

	for i := 0; i < len(texts); i += c.config.MaxBatchSize {
		end := i + c.config.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := c.embedWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch embedding failed: %w", err)
		}
		copy(results[i:end], batch)
	}

	c.log.Debug("batch embedding complete",
		"texts", len(texts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

// ModelName returns the embedding model name.
func (c *Client) ModelName() string {
	return c.config.Model
}

func (c *Client) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying embedding request", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		embeddings, err := c.doEmbed(ctx, texts)
		if err == nil {
			return embeddings, nil
		}
		lastErr = err
		c.log.WithError(err).Warn("embedding request failed", "attempt", attempt)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.config.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding API error: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	// Servers are not required to return items in input order; place each
	// embedding by its reported index.
	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) || embeddings[data.Index] != nil {
			return nil, fmt.Errorf("unexpected embedding index %d for %d texts", data.Index, len(texts))
		}
		embeddings[data.Index] = data.Embedding
	}
	return embeddings, nil
}
