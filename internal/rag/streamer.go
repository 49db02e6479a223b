package rag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/llm"
	"github.com/atlas-kb/atlas/internal/storage"
)

// EventType tags streamed generation events.
type EventType string

const (
	EventContent    EventType = "content"
	EventReasoning  EventType = "reasoning"
	EventReferences EventType = "references"
	EventError      EventType = "error"
	EventCancelled  EventType = "cancelled"
)

// Event is one item on the generation stream. Every stream ends with
// exactly one terminal event: references on success, error on failure,
// cancelled when the caller stopped it.
type Event struct {
	Type       EventType           `json:"type"`
	Content    string              `json:"content,omitempty"`
	References []storage.Reference `json:"references,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// DeltaStream is the fragment source the streamer consumes. *llm.Stream
// implements it.
type DeltaStream interface {
	Recv() (llm.Delta, error)
	Close() error
}

// StreamSource starts streamed completions.
type StreamSource interface {
	ChatStream(ctx context.Context, model string, messages []llm.Message) (DeltaStream, error)
}

type llmStreamSource struct {
	client *llm.Client
}

func (s llmStreamSource) ChatStream(ctx context.Context, model string, messages []llm.Message) (DeltaStream, error) {
	return s.client.ChatStream(ctx, model, messages)
}

// NewLLMStreamSource adapts an llm.Client to the StreamSource interface.
func NewLLMStreamSource(client *llm.Client) StreamSource {
	return llmStreamSource{client: client}
}

// Result is what a finished stream produced, for persistence.
type Result struct {
	Content   string
	Reasoning string
	Cancelled bool
	Err       error
}

// Streamer pumps a chat completion to a caller-supplied sink, demuxing
// answer and reasoning fragments.
type Streamer struct {
	source StreamSource
	logger *slog.Logger
}

// NewStreamer creates a Streamer.
func NewStreamer(source StreamSource, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{source: source, logger: logger.With("component", "streamer")}
}

// Stream runs the completion and forwards events through emit. It always
// delivers exactly one terminal event unless emit itself fails, in which
// case the sink is gone and nothing more can be sent. The accumulated
// answer is returned either way so the caller can persist partial output.
func (s *Streamer) Stream(ctx context.Context, model string, messages []llm.Message,
	refs []storage.Reference, emit func(Event) error) *Result {

	res := &Result{}

	stream, err := s.source.ChatStream(ctx, model, messages)
	if err != nil {
		res.Err = err
		s.terminal(emit, Event{Type: EventError, Error: err.Error()})
		return res
	}
	defer stream.Close()

	var content, reasoning strings.Builder
	for {
		delta, err := stream.Recv()
		if err != nil {
			res.Content = content.String()
			res.Reasoning = reasoning.String()
			switch {
			case errors.Is(err, io.EOF):
				if refs == nil {
					refs = []storage.Reference{}
				}
				s.terminal(emit, Event{Type: EventReferences, References: refs})
			case ctx.Err() != nil:
				res.Cancelled = true
				s.terminal(emit, Event{Type: EventCancelled})
			default:
				res.Err = err
				s.terminal(emit, Event{Type: EventError, Error: err.Error()})
			}
			return res
		}

		if delta.Reasoning != "" {
			reasoning.WriteString(delta.Reasoning)
			if err := emit(Event{Type: EventReasoning, Content: delta.Reasoning}); err != nil {
				return s.sinkGone(res, &content, &reasoning, err)
			}
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := emit(Event{Type: EventContent, Content: delta.Content}); err != nil {
				return s.sinkGone(res, &content, &reasoning, err)
			}
		}
	}
}

func (s *Streamer) terminal(emit func(Event) error, ev Event) {
	if err := emit(ev); err != nil {
		s.logger.Warn("terminal event not delivered", "type", ev.Type, "error", err)
	}
}

func (s *Streamer) sinkGone(res *Result, content, reasoning *strings.Builder, err error) *Result {
	s.logger.Debug("event sink closed mid-stream", "error", err)
	res.Content = content.String()
	res.Reasoning = reasoning.String()
	res.Cancelled = true
	return res
}

// CancelRegistry tracks in-flight generations by conversation so a stop
// request can cancel exactly one stream without touching the others.
type CancelRegistry struct {
	mu     sync.Mutex
	active map[uuid.UUID]*streamHandle
}

type streamHandle struct {
	cancel context.CancelFunc
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{active: make(map[uuid.UUID]*streamHandle)}
}

// Register derives a cancellable context for the conversation's stream.
// A previous stream on the same conversation is cancelled first. The
// returned release must be called when the stream finishes.
func (r *CancelRegistry) Register(ctx context.Context, conversationID uuid.UUID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	handle := &streamHandle{cancel: cancel}

	r.mu.Lock()
	if prev, ok := r.active[conversationID]; ok {
		prev.cancel()
	}
	r.active[conversationID] = handle
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		// Only clear our own entry; a newer stream may have replaced it.
		if r.active[conversationID] == handle {
			delete(r.active, conversationID)
		}
		r.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Cancel stops the conversation's in-flight stream. It reports whether a
// stream was running.
func (r *CancelRegistry) Cancel(conversationID uuid.UUID) bool {
	r.mu.Lock()
	handle, ok := r.active[conversationID]
	if ok {
		delete(r.active, conversationID)
	}
	r.mu.Unlock()

	if ok {
		handle.cancel()
	}
	return ok
}
