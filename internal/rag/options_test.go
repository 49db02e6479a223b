package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

type stubSettings struct {
	settings map[string]string
	err      error
}

func (s *stubSettings) GetSettings(_ context.Context) (map[string]string, error) {
	return s.settings, s.err
}

func testDefaults() Options {
	return Options{
		TopK:       5,
		RerankTopN: 10,
		BM25Weight: 0.5,
	}
}

func TestResolveDefaults(t *testing.T) {
	r := NewOptionsResolver(testDefaults(), &stubSettings{settings: map[string]string{}})
	kbs := []uuid.UUID{uuid.New()}

	opts := r.Resolve(context.Background(), kbs)
	if opts.TopK != 5 || opts.RerankTopN != 10 || opts.BM25Weight != 0.5 {
		t.Errorf("defaults not applied: %+v", opts)
	}
	if opts.RRFConstant != 60 {
		t.Errorf("RRFConstant = %d, want 60", opts.RRFConstant)
	}
	if len(opts.KnowledgeBaseIDs) != 1 || opts.KnowledgeBaseIDs[0] != kbs[0] {
		t.Errorf("knowledge bases not carried: %+v", opts.KnowledgeBaseIDs)
	}
}

func TestResolveOverrides(t *testing.T) {
	r := NewOptionsResolver(testDefaults(), &stubSettings{settings: map[string]string{
		SettingQueryRewrite:  "true",
		SettingHybridSearch:  "true",
		SettingReranking:     "true",
		SettingBM25Weight:    "0.3",
		SettingRerankTopN:    "25",
		SettingRetrievalTopK: "8",
		SettingChatModel:     "qwen3:8b",
	}})

	opts := r.Resolve(context.Background(), nil)
	if !opts.QueryRewrite || !opts.HybridSearch || !opts.Rerank {
		t.Errorf("toggles not applied: %+v", opts)
	}
	if opts.BM25Weight != 0.3 || opts.RerankTopN != 25 || opts.TopK != 8 {
		t.Errorf("numeric overrides not applied: %+v", opts)
	}
	if opts.ChatModel != "qwen3:8b" {
		t.Errorf("chat model = %q", opts.ChatModel)
	}
}

func TestResolveRejectsInvalidValues(t *testing.T) {
	r := NewOptionsResolver(testDefaults(), &stubSettings{settings: map[string]string{
		SettingQueryRewrite:  "maybe",
		SettingBM25Weight:    "1.5",
		SettingRetrievalTopK: "-3",
		SettingRerankTopN:    "zero",
	}})

	opts := r.Resolve(context.Background(), nil)
	if opts.QueryRewrite {
		t.Error("unparseable bool should keep the default")
	}
	if opts.BM25Weight != 0.5 {
		t.Errorf("out-of-range weight accepted: %v", opts.BM25Weight)
	}
	if opts.TopK != 5 || opts.RerankTopN != 10 {
		t.Errorf("invalid ints accepted: %+v", opts)
	}
}

func TestResolveSettingsFailureFallsBack(t *testing.T) {
	r := NewOptionsResolver(testDefaults(), &stubSettings{err: fmt.Errorf("redis down")})

	opts := r.Resolve(context.Background(), nil)
	if opts.TopK != 5 || opts.BM25Weight != 0.5 {
		t.Errorf("defaults not used on settings failure: %+v", opts)
	}
}
