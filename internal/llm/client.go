// Package llm wraps an OpenAI-compatible chat API. It works with Ollama,
// LM Studio, and other local servers as well as hosted endpoints.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Roles for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
}

// Delta is one streamed fragment. Content and Reasoning arrive on separate
// fields so thinking models can interleave them; either may be empty.
type Delta struct {
	Content   string
	Reasoning string
}

// Config holds LLM client configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Client talks to an OpenAI-compatible chat endpoint.
type Client struct {
	client *openai.Client
	config Config
	logger *slog.Logger
}

// New creates an LLM client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("chat model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// Local servers ignore the key but the SDK requires one.
		apiKey = "not-needed"
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		logger: logger.With("component", "llm_client"),
	}, nil
}

// Model returns the configured chat model.
func (c *Client) Model() string {
	return c.config.Model
}

// Chat sends a blocking chat request and returns the full completion text.
// Used for query rewriting, reranking, and summaries; answers stream instead.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    convertMessages(messages),
		Temperature: c.config.Temperature,
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = c.config.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream is an in-progress streamed completion. Callers must Close it.
type Stream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns the next delta. io.EOF signals normal completion.
func (s *Stream) Recv() (Delta, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Delta{}, io.EOF
		}
		return Delta{}, fmt.Errorf("stream receive failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Delta{}, nil
	}
	d := resp.Choices[0].Delta
	return Delta{Content: d.Content, Reasoning: d.ReasoningContent}, nil
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.stream.Close()
}

// ChatStream starts a streamed chat completion with the given model
// override. An empty model uses the configured default.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message) (*Stream, error) {
	if model == "" {
		model = c.config.Model
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(messages),
		Temperature: c.config.Temperature,
		Stream:      true,
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = c.config.MaxTokens
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start chat stream: %w", err)
	}
	return &Stream{stream: stream}, nil
}

// ListModels returns the chat models available on the endpoint, sorted by
// ID. Embedding models are filtered out since they cannot chat.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	var models []string
	for _, m := range resp.Models {
		if isEmbeddingModel(m.ID) {
			continue
		}
		models = append(models, m.ID)
	}
	sort.Strings(models)
	return models, nil
}

func isEmbeddingModel(id string) bool {
	lower := strings.ToLower(id)
	return strings.Contains(lower, "embed") || strings.Contains(lower, "bge-") ||
		strings.Contains(lower, "minilm")
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
