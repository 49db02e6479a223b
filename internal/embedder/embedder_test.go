package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:        srv.URL,
		APIKey:         "test",
		Model:          "test-embedding",
		MaxRetries:     0,
		RetryDelay:     time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func embeddingsResponse(items ...map[string]any) map[string]any {
	return map[string]any{
		"object": "list",
		"model":  "test-embedding",
		"data":   items,
		"usage":  map[string]int{"prompt_tokens": 0, "total_tokens": 0},
	}
}

func TestEmbedBatchPlacesByIndex(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Items deliberately out of input order.
		_ = json.NewEncoder(w).Encode(embeddingsResponse(
			map[string]any{"object": "embedding", "index": 1, "embedding": []float32{2, 2}},
			map[string]any{"object": "embedding", "index": 0, "embedding": []float32{1, 1}},
		))
	})

	got, err := c.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d embeddings", len(got))
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("embeddings not placed by index: %v", got)
	}
}

func TestEmbedBatchRejectsBadIndexes(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embeddingsResponse(
			map[string]any{"object": "embedding", "index": 0, "embedding": []float32{1}},
			map[string]any{"object": "embedding", "index": 5, "embedding": []float32{2}},
		))
	})

	if _, err := c.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected an error for an out-of-range index")
	}
}
