package rag

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/llm"
	"github.com/atlas-kb/atlas/internal/storage"
)

type scriptedStream struct {
	deltas []llm.Delta
	err    error
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (llm.Delta, error) {
	if s.pos >= len(s.deltas) {
		if s.err != nil {
			return llm.Delta{}, s.err
		}
		return llm.Delta{}, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type scriptedSource struct {
	stream   *scriptedStream
	startErr error
	model    string
}

func (s *scriptedSource) ChatStream(_ context.Context, model string, _ []llm.Message) (DeltaStream, error) {
	s.model = model
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.stream, nil
}

func collectEvents(t *testing.T) (func(Event) error, *[]Event) {
	t.Helper()
	var events []Event
	return func(ev Event) error {
		events = append(events, ev)
		return nil
	}, &events
}

func terminalCount(events []Event) int {
	n := 0
	for _, ev := range events {
		switch ev.Type {
		case EventReferences, EventError, EventCancelled:
			n++
		}
	}
	return n
}

func TestStreamDemuxesAndEndsWithReferences(t *testing.T) {
	stream := &scriptedStream{deltas: []llm.Delta{
		{Reasoning: "thinking "},
		{Reasoning: "harder"},
		{Content: "The answer"},
		{Content: " is 42."},
		{},
	}}
	source := &scriptedSource{stream: stream}
	s := NewStreamer(source, nil)

	refs := []storage.Reference{{Filename: "a.md", ChunkIndex: 3}}
	emit, events := collectEvents(t)
	res := s.Stream(context.Background(), "llama3", nil, refs, emit)

	if res.Err != nil || res.Cancelled {
		t.Fatalf("result = %+v", res)
	}
	if res.Content != "The answer is 42." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Reasoning != "thinking harder" {
		t.Errorf("reasoning = %q", res.Reasoning)
	}
	if source.model != "llama3" {
		t.Errorf("model = %q", source.model)
	}
	if !stream.closed {
		t.Error("stream not closed")
	}

	evs := *events
	if got := terminalCount(evs); got != 1 {
		t.Fatalf("terminal events = %d, want 1: %+v", got, evs)
	}
	last := evs[len(evs)-1]
	if last.Type != EventReferences {
		t.Fatalf("last event = %s, want references", last.Type)
	}
	if len(last.References) != 1 || last.References[0].Filename != "a.md" {
		t.Errorf("references = %+v", last.References)
	}
	// Empty deltas produce no events.
	if len(evs) != 5 {
		t.Errorf("got %d events, want 5: %+v", len(evs), evs)
	}
	if evs[0].Type != EventReasoning || evs[2].Type != EventContent {
		t.Errorf("event order wrong: %+v", evs)
	}
}

func TestStreamEmptyReferencesStillTerminates(t *testing.T) {
	source := &scriptedSource{stream: &scriptedStream{}}
	s := NewStreamer(source, nil)

	emit, events := collectEvents(t)
	s.Stream(context.Background(), "", nil, nil, emit)

	evs := *events
	if len(evs) != 1 || evs[0].Type != EventReferences {
		t.Fatalf("events = %+v, want a single references event", evs)
	}
	if evs[0].References == nil {
		t.Error("references should be an empty list, not nil")
	}
}

func TestStreamModelErrorEmitsErrorTerminal(t *testing.T) {
	stream := &scriptedStream{
		deltas: []llm.Delta{{Content: "partial"}},
		err:    fmt.Errorf("connection reset"),
	}
	s := NewStreamer(&scriptedSource{stream: stream}, nil)

	emit, events := collectEvents(t)
	res := s.Stream(context.Background(), "", nil, nil, emit)

	if res.Err == nil {
		t.Fatal("expected an error in the result")
	}
	if res.Content != "partial" {
		t.Errorf("partial content lost: %q", res.Content)
	}
	evs := *events
	if got := terminalCount(evs); got != 1 {
		t.Fatalf("terminal events = %d: %+v", got, evs)
	}
	if evs[len(evs)-1].Type != EventError {
		t.Fatalf("last event = %s, want error", evs[len(evs)-1].Type)
	}
}

func TestStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		deltas: []llm.Delta{{Content: "before"}},
		err:    context.Canceled,
	}
	s := NewStreamer(&scriptedSource{stream: stream}, nil)

	var events []Event
	res := s.Stream(ctx, "", nil, nil, func(ev Event) error {
		events = append(events, ev)
		if ev.Type == EventContent {
			cancel()
		}
		return nil
	})

	if !res.Cancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if res.Content != "before" {
		t.Errorf("partial content = %q", res.Content)
	}
	last := events[len(events)-1]
	if last.Type != EventCancelled {
		t.Fatalf("last event = %s, want cancelled", last.Type)
	}
	if terminalCount(events) != 1 {
		t.Fatalf("terminal events = %d: %+v", terminalCount(events), events)
	}
}

func TestStreamStartFailure(t *testing.T) {
	s := NewStreamer(&scriptedSource{startErr: fmt.Errorf("model not found")}, nil)

	emit, events := collectEvents(t)
	res := s.Stream(context.Background(), "", nil, nil, emit)

	if res.Err == nil {
		t.Fatal("expected an error")
	}
	evs := *events
	if len(evs) != 1 || evs[0].Type != EventError {
		t.Fatalf("events = %+v, want a single error event", evs)
	}
}

func TestStreamStopsWhenSinkCloses(t *testing.T) {
	stream := &scriptedStream{deltas: []llm.Delta{
		{Content: "one"},
		{Content: "two"},
	}}
	s := NewStreamer(&scriptedSource{stream: stream}, nil)

	var events []Event
	res := s.Stream(context.Background(), "", nil, nil, func(ev Event) error {
		events = append(events, ev)
		return fmt.Errorf("client went away")
	})

	if !res.Cancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if res.Content != "one" {
		t.Errorf("content = %q", res.Content)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v, want only the first delta", events)
	}
}

func TestCancelRegistry(t *testing.T) {
	r := NewCancelRegistry()
	convA, convB := uuid.New(), uuid.New()

	if r.Cancel(convA) {
		t.Fatal("cancel with nothing registered should report false")
	}

	ctxA, releaseA := r.Register(context.Background(), convA)
	ctxB, releaseB := r.Register(context.Background(), convB)
	defer releaseB()

	if !r.Cancel(convA) {
		t.Fatal("expected an active stream for conversation A")
	}
	select {
	case <-ctxA.Done():
	default:
		t.Fatal("conversation A's context should be cancelled")
	}
	if ctxB.Err() != nil {
		t.Fatal("conversation B must be unaffected")
	}

	// Cancel is idempotent once the stream is gone.
	if r.Cancel(convA) {
		t.Fatal("second cancel should report false")
	}
	releaseA()
}

func TestCancelRegistryReplacesPreviousStream(t *testing.T) {
	r := NewCancelRegistry()
	conv := uuid.New()

	ctx1, release1 := r.Register(context.Background(), conv)
	ctx2, release2 := r.Register(context.Background(), conv)

	if ctx1.Err() == nil {
		t.Fatal("registering a second stream should cancel the first")
	}
	if ctx2.Err() != nil {
		t.Fatal("the new stream must stay live")
	}

	// Releasing the superseded stream must not evict the new one.
	release1()
	if !r.Cancel(conv) {
		t.Fatal("the new stream should still be registered")
	}
	release2()
}
