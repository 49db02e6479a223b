// Package rag implements the retrieval orchestrator and generation
// streamer.
package rag

import (
	"context"
	"strconv"

	"github.com/google/uuid"
)

// Options is an immutable per-request snapshot of retrieval settings. It is
// resolved once when a request arrives; settings changed mid-request never
// affect an in-flight retrieval.
type Options struct {
	KnowledgeBaseIDs []uuid.UUID
	TopK             int
	QueryRewrite     bool
	HybridSearch     bool
	Rerank           bool
	RerankTopN       int
	BM25Weight       float64
	RRFConstant      int
	MaxHistory       int
	ChatModel        string
}

// Setting keys recognized by the resolver.
const (
	SettingQueryRewrite  = "query_rewrite"
	SettingHybridSearch  = "hybrid_search"
	SettingReranking     = "reranking"
	SettingBM25Weight    = "bm25_weight"
	SettingRerankTopN    = "rerank_top_n"
	SettingRetrievalTopK = "retrieval_top_k"
	SettingChatModel     = "chat_model"
)

// SettingsSource reads the persisted settings map.
type SettingsSource interface {
	GetSettings(ctx context.Context) (map[string]string, error)
}

// OptionsResolver builds Options snapshots from defaults overlaid with
// persisted settings.
type OptionsResolver struct {
	defaults Options
	source   SettingsSource
}

// NewOptionsResolver creates a resolver with the given defaults.
func NewOptionsResolver(defaults Options, source SettingsSource) *OptionsResolver {
	if defaults.RRFConstant <= 0 {
		defaults.RRFConstant = 60
	}
	if defaults.MaxHistory <= 0 {
		defaults.MaxHistory = 20
	}
	return &OptionsResolver{defaults: defaults, source: source}
}

// Resolve snapshots current settings for one request. A settings read
// failure falls back to the defaults so retrieval keeps working.
func (r *OptionsResolver) Resolve(ctx context.Context, kbIDs []uuid.UUID) Options {
	opts := r.defaults
	opts.KnowledgeBaseIDs = kbIDs

	if r.source == nil {
		return opts
	}
	settings, err := r.source.GetSettings(ctx)
	if err != nil {
		return opts
	}

	if v, ok := settings[SettingQueryRewrite]; ok {
		opts.QueryRewrite = parseBool(v, opts.QueryRewrite)
	}
	if v, ok := settings[SettingHybridSearch]; ok {
		opts.HybridSearch = parseBool(v, opts.HybridSearch)
	}
	if v, ok := settings[SettingReranking]; ok {
		opts.Rerank = parseBool(v, opts.Rerank)
	}
	if v, ok := settings[SettingBM25Weight]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			opts.BM25Weight = f
		}
	}
	if v, ok := settings[SettingRerankTopN]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.RerankTopN = n
		}
	}
	if v, ok := settings[SettingRetrievalTopK]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.TopK = n
		}
	}
	if v, ok := settings[SettingChatModel]; ok && v != "" {
		opts.ChatModel = v
	}
	return opts
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
