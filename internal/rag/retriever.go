package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/atlas-kb/atlas/internal/keyword"
	"github.com/atlas-kb/atlas/internal/llm"
	"github.com/atlas-kb/atlas/internal/storage"
)

// Embedder generates query embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChatModel serves query rewriting and reranking.
type ChatModel interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// EmbeddingCache caches query embeddings. Both methods degrade gracefully.
type EmbeddingCache interface {
	Get(ctx context.Context, query string) ([]float32, bool)
	Set(ctx context.Context, query string, embedding []float32)
}

// Segmenter tokenizes text for keyword scoring.
type Segmenter interface {
	Tokenize(text string) []string
}

// chunkKey identifies a chunk across ranked lists.
type chunkKey struct {
	docID uuid.UUID
	index int
}

// missingRankPenalty is added to a list's length to rank items absent from
// that list, pushing single-list hits below items present in both.
const missingRankPenalty = 100

// Retriever runs the retrieval pipeline: optional query rewrite, vector
// search, optional BM25 fusion, optional rerank.
type Retriever struct {
	vectors storage.VectorStore
	embed   Embedder
	chat    ChatModel
	cache   EmbeddingCache
	seg     Segmenter
	logger  *slog.Logger
}

// NewRetriever creates a Retriever. cache and seg may be nil; a nil seg
// disables hybrid search regardless of options.
func NewRetriever(vectors storage.VectorStore, embed Embedder, chat ChatModel,
	cache EmbeddingCache, seg Segmenter, logger *slog.Logger) *Retriever {

	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		vectors: vectors,
		embed:   embed,
		chat:    chat,
		cache:   cache,
		seg:     seg,
		logger:  logger.With("component", "retriever"),
	}
}

// Retrieve returns the final ranked chunk selection for a question. An
// empty knowledge base set yields no chunks and no error; generation then
// proceeds ungrounded.
func (r *Retriever) Retrieve(ctx context.Context, question string, opts Options) ([]storage.RetrievedChunk, error) {
	if len(opts.KnowledgeBaseIDs) == 0 || opts.TopK <= 0 {
		return nil, nil
	}

	queries := []string{question}
	if opts.QueryRewrite {
		queries = r.rewriteQuery(ctx, question)
	}

	// Fetch enough candidates to feed the reranker when it is enabled.
	candidateN := opts.TopK
	if opts.Rerank && opts.RerankTopN > candidateN {
		candidateN = opts.RerankTopN
	}

	var bm25 *keyword.Index
	var corpus []storage.CorpusEntry
	if opts.HybridSearch && r.seg != nil {
		var err error
		corpus, err = r.vectors.Corpus(ctx, opts.KnowledgeBaseIDs)
		if err != nil {
			r.logger.Warn("corpus load failed, falling back to vector-only search", "error", err)
		} else if len(corpus) > 0 {
			docs := make([]keyword.Document, len(corpus))
			for i, e := range corpus {
				docs[i] = keyword.Document{
					Key:    chunkKey{docID: e.DocumentID, index: e.ChunkIndex},
					Tokens: r.seg.Tokenize(e.Content),
				}
			}
			bm25 = keyword.Build(docs)
		}
	}
	corpusByKey := make(map[chunkKey]storage.CorpusEntry, len(corpus))
	for _, e := range corpus {
		corpusByKey[chunkKey{docID: e.DocumentID, index: e.ChunkIndex}] = e
	}

	// Each sub-query produces a fused ranked list; lists merge by first
	// occurrence so earlier sub-queries take precedence on duplicates.
	seen := make(map[chunkKey]bool)
	var merged []storage.RetrievedChunk
	for _, q := range queries {
		candidates, err := r.searchOne(ctx, q, opts, candidateN, bm25, corpusByKey)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			key := chunkKey{docID: c.DocumentID, index: c.ChunkIndex}
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, c)
		}
	}

	if opts.Rerank && r.chat != nil {
		merged = r.rerank(ctx, question, merged, opts.RerankTopN)
	}

	if len(merged) > opts.TopK {
		merged = merged[:opts.TopK]
	}
	r.logger.Debug("retrieval complete",
		"question_len", len(question), "sub_queries", len(queries), "selected", len(merged))
	return merged, nil
}

// searchOne runs vector search plus optional BM25 fusion for one query
// string.
func (r *Retriever) searchOne(ctx context.Context, query string, opts Options, topN int,
	bm25 *keyword.Index, corpusByKey map[chunkKey]storage.CorpusEntry) ([]storage.RetrievedChunk, error) {

	embedding, err := r.queryEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	vectorHits, err := r.vectors.Search(ctx, embedding, opts.KnowledgeBaseIDs, topN)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	if bm25 == nil {
		return vectorHits, nil
	}

	keywordHits := bm25.Search(r.seg.Tokenize(query), topN)
	return fuse(vectorHits, keywordHits, corpusByKey, opts.BM25Weight, opts.RRFConstant, topN), nil
}

// fuse combines vector and keyword rankings with weighted reciprocal rank
// fusion. An item missing from one list gets that list's length plus a
// fixed penalty as its rank. Ties keep vector order.
func fuse(vectorHits []storage.RetrievedChunk, keywordHits []keyword.Hit,
	corpusByKey map[chunkKey]storage.CorpusEntry, bm25Weight float64, rrfK, topN int) []storage.RetrievedChunk {

	if rrfK <= 0 {
		rrfK = 60
	}

	vectorRank := make(map[chunkKey]int, len(vectorHits))
	for i, c := range vectorHits {
		vectorRank[chunkKey{docID: c.DocumentID, index: c.ChunkIndex}] = i + 1
	}
	keywordRank := make(map[chunkKey]int, len(keywordHits))
	for i, h := range keywordHits {
		keywordRank[h.Key.(chunkKey)] = i + 1
	}

	missingVec := len(vectorHits) + missingRankPenalty
	missingKw := len(keywordHits) + missingRankPenalty

	type fusedItem struct {
		chunk   storage.RetrievedChunk
		score   float64
		vecRank int
	}

	items := make(map[chunkKey]*fusedItem, len(vectorHits)+len(keywordHits))
	for i, c := range vectorHits {
		items[chunkKey{docID: c.DocumentID, index: c.ChunkIndex}] = &fusedItem{chunk: c, vecRank: i + 1}
	}
	for _, h := range keywordHits {
		key := h.Key.(chunkKey)
		if _, ok := items[key]; ok {
			continue
		}
		entry, ok := corpusByKey[key]
		if !ok {
			continue
		}
		items[key] = &fusedItem{
			chunk: storage.RetrievedChunk{
				Chunk: storage.Chunk{
					DocumentID: entry.DocumentID,
					ChunkIndex: entry.ChunkIndex,
					Type:       storage.ChunkTypeContent,
					Content:    entry.Content,
				},
				// Keyword-only hits have no measured distance.
				Distance: 1,
				Filename: entry.Filename,
			},
			vecRank: missingVec,
		}
	}

	k := float64(rrfK)
	for key, item := range items {
		rv, ok := vectorRank[key]
		if !ok {
			rv = missingVec
		}
		rk, ok := keywordRank[key]
		if !ok {
			rk = missingKw
		}
		item.score = (1-bm25Weight)/(k+float64(rv)) + bm25Weight/(k+float64(rk))
	}

	ordered := make([]*fusedItem, 0, len(items))
	for _, item := range items {
		ordered = append(ordered, item)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].vecRank < ordered[j].vecRank
	})

	if len(ordered) > topN {
		ordered = ordered[:topN]
	}
	out := make([]storage.RetrievedChunk, len(ordered))
	for i, item := range ordered {
		out[i] = item.chunk
	}
	return out
}

// rewriteQuery asks the model to restate the question for retrieval. The
// model may emit several sub-queries, one per line. Any failure falls back
// to the original question.
func (r *Retriever) rewriteQuery(ctx context.Context, question string) []string {
	if r.chat == nil {
		return []string{question}
	}

	resp, err := r.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "Rewrite the user's question into one or more short search queries optimized for document retrieval. Output one query per line and nothing else."},
		{Role: llm.RoleUser, Content: question},
	})
	if err != nil {
		r.logger.Warn("query rewrite failed, using original question", "error", err)
		return []string{question}
	}

	var queries []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			queries = append(queries, line)
		}
	}
	if len(queries) == 0 {
		return []string{question}
	}
	return queries
}

// rerank asks the model to score the top candidates 0-10 and resorts by
// score. Any failure, including an unparseable reply, keeps the original
// order.
func (r *Retriever) rerank(ctx context.Context, question string, candidates []storage.RetrievedChunk, topN int) []storage.RetrievedChunk {
	if len(candidates) < 2 {
		return candidates
	}
	n := topN
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}
	head, tail := candidates[:n], candidates[n:]

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nPassages:\n", question)
	for i, c := range head {
		content := c.Content
		if len(content) > 800 {
			content = content[:800]
		}
		fmt.Fprintf(&sb, "[%d] %s\n\n", i, content)
	}

	resp, err := r.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "Score each passage's relevance to the question from 0 to 10. Reply with one line per passage in the form index:score and nothing else."},
		{Role: llm.RoleUser, Content: sb.String()},
	})
	if err != nil {
		r.logger.Warn("rerank failed, keeping fusion order", "error", err)
		return candidates
	}

	scores, ok := parseRerankScores(resp, n)
	if !ok {
		r.logger.Warn("rerank reply unparseable, keeping fusion order")
		return candidates
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	reranked := make([]storage.RetrievedChunk, 0, len(candidates))
	for _, i := range idx {
		reranked = append(reranked, head[i])
	}
	return append(reranked, tail...)
}

// parseRerankScores reads "index:score" lines. It tolerates surrounding
// noise but requires at least one valid line; out-of-range indexes are
// ignored.
func parseRerankScores(resp string, n int) ([]float64, bool) {
	scores := make([]float64, n)
	valid := false

	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(strings.Trim(parts[0], "[]")))
		if err != nil || idx < 0 || idx >= n {
			continue
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || score < 0 || score > 10 {
			continue
		}
		scores[idx] = score
		valid = true
	}
	return scores, valid
}

// queryEmbedding returns the query vector, consulting the cache first.
func (r *Retriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if r.cache != nil {
		if emb, ok := r.cache.Get(ctx, query); ok {
			return emb, nil
		}
	}
	emb, err := r.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(ctx, query, emb)
	}
	return emb, nil
}
