// Package keyword provides lexical search over chunk text using BM25
// ranking on top of gse word segmentation.
package keyword

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/go-ego/gse"
)

// BM25 parameters. k1 controls term-frequency saturation, b controls
// document-length normalization.
const (
	k1 = 1.5
	b  = 0.75
)

// Segmenter tokenizes text for lexical matching. Loading dictionaries is
// slow, so one Segmenter is shared process-wide.
type Segmenter struct {
	seg gse.Segmenter
}

var (
	defaultSegmenter *Segmenter
	segmenterOnce    sync.Once
	segmenterErr     error
)

// NewSegmenter loads the embedded dictionaries once and returns the shared
// segmenter.
func NewSegmenter() (*Segmenter, error) {
	segmenterOnce.Do(func() {
		s := &Segmenter{}
		if err := s.seg.LoadDict(); err != nil {
			segmenterErr = fmt.Errorf("failed to load segmenter dictionary: %w", err)
			return
		}
		defaultSegmenter = s
	})
	return defaultSegmenter, segmenterErr
}

// Tokenize splits text into lowercase search terms, dropping punctuation
// and whitespace tokens.
func (s *Segmenter) Tokenize(text string) []string {
	raw := s.seg.CutSearch(strings.ToLower(text), true)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.TrimSpace(tok)
		if tok == "" || isPunctOnly(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isPunctOnly(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Document is one indexed chunk text with caller-supplied identity.
type Document struct {
	Key    any
	Tokens []string
}

// Hit is a scored match from a BM25 query.
type Hit struct {
	Key   any
	Score float64
}

// Index is an in-memory BM25 index built per query over the candidate
// corpus. It is immutable after Build.
type Index struct {
	docs      []Document
	docFreq   map[string]int
	docLen    []int
	avgDocLen float64
}

// Build constructs a BM25 index over the given documents.
func Build(docs []Document) *Index {
	idx := &Index{
		docs:    docs,
		docFreq: make(map[string]int),
		docLen:  make([]int, len(docs)),
	}

	var totalLen int
	for i, doc := range docs {
		idx.docLen[i] = len(doc.Tokens)
		totalLen += len(doc.Tokens)

		seen := make(map[string]bool, len(doc.Tokens))
		for _, tok := range doc.Tokens {
			if !seen[tok] {
				seen[tok] = true
				idx.docFreq[tok]++
			}
		}
	}
	if len(docs) > 0 {
		idx.avgDocLen = float64(totalLen) / float64(len(docs))
	}
	return idx
}

// Search scores every document against the query tokens and returns the
// topK hits with positive scores, best first. Ties keep index order.
func (idx *Index) Search(queryTokens []string, topK int) []Hit {
	if len(idx.docs) == 0 || len(queryTokens) == 0 || topK <= 0 {
		return nil
	}

	n := float64(len(idx.docs))
	scores := make([]float64, len(idx.docs))

	for _, term := range queryTokens {
		df := idx.docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))

		for i, doc := range idx.docs {
			tf := 0
			for _, tok := range doc.Tokens {
				if tok == term {
					tf++
				}
			}
			if tf == 0 {
				continue
			}
			norm := 1 - b + b*float64(idx.docLen[i])/idx.avgDocLen
			scores[i] += idf * float64(tf) * (k1 + 1) / (float64(tf) + k1*norm)
		}
	}

	hits := make([]Hit, 0, len(idx.docs))
	for i, score := range scores {
		if score > 0 {
			hits = append(hits, Hit{Key: idx.docs[i].Key, Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
