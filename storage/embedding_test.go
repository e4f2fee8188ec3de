package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"videorag/config"
)

type embeddingsRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

type embeddingsItem struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingsResponse struct {
	Object string           `json:"object"`
	Data   []embeddingsItem `json:"data"`
	Model  string           `json:"model"`
}

// fakeEmbeddingsServer answers the embeddings endpoint with one-hot
// vectors identifying each input, returned in reverse order so the
// caller has to restore order from the index field.
type fakeEmbeddingsServer struct {
	mu          sync.Mutex
	requests    [][]string
	dimensions  []int
	inFlight    int
	maxInFlight int
	dim         int
}

func (f *fakeEmbeddingsServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.requests = append(f.requests, req.Input)
		f.dimensions = append(f.dimensions, req.Dimensions)
		f.inFlight++
		if f.inFlight > f.maxInFlight {
			f.maxInFlight = f.inFlight
		}
		f.mu.Unlock()
		defer func() {
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
		}()

		resp := embeddingsResponse{Object: "list", Model: req.Model}
		for pos, text := range req.Input {
			var n int
			if _, err := fmt.Sscanf(text, "aspect %d", &n); err != nil {
				t.Errorf("unexpected input %q", text)
			}
			vec := make([]float32, f.dim)
			// Magnitude 3 so the gateway has to normalize.
			vec[n] = 3
			resp.Data = append(resp.Data, embeddingsItem{Object: "embedding", Embedding: vec, Index: pos})
		}
		// Reverse so response order disagrees with input order.
		for i, j := 0, len(resp.Data)-1; i < j; i, j = i+1, j-1 {
			resp.Data[i], resp.Data[j] = resp.Data[j], resp.Data[i]
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func newTestEmbedder(t *testing.T, url string, dim, chunkSize int) *OpenAIEmbedder {
	t.Helper()
	cfg := config.Default()
	cfg.APIKey = "test-key"
	cfg.BaseURL = url
	cfg.EmbeddingDim = dim
	cfg.EmbedChunkSize = chunkSize
	e, err := NewOpenAIEmbedder(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}
	return e
}

func TestEmbedBatchChunksSequentiallyAndRestoresOrder(t *testing.T) {
	const dim, chunkSize = 8, 2
	fake := &fakeEmbeddingsServer{dim: dim}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	e := newTestEmbedder(t, ts.URL, dim, chunkSize)

	texts := make([]string, 5)
	for i := range texts {
		texts[i] = fmt.Sprintf("aspect %d", i)
	}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	if len(fake.requests) != 3 {
		t.Fatalf("got %d requests, want 3 chunks for 5 inputs", len(fake.requests))
	}
	var received []string
	for i, chunk := range fake.requests {
		if len(chunk) > chunkSize {
			t.Errorf("chunk %d carries %d inputs, cap is %d", i, len(chunk), chunkSize)
		}
		received = append(received, chunk...)
		if fake.dimensions[i] != dim {
			t.Errorf("chunk %d requested dimension %d, want %d", i, fake.dimensions[i], dim)
		}
	}
	for i, text := range texts {
		if received[i] != text {
			t.Fatalf("inputs arrived out of order: position %d is %q, want %q", i, received[i], text)
		}
	}
	if fake.maxInFlight != 1 {
		t.Errorf("max in-flight requests = %d, chunks must run sequentially", fake.maxInFlight)
	}

	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors for %d inputs", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != dim {
			t.Fatalf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
		// Despite the reversed response, vector i identifies input i,
		// normalized to unit length.
		if math.Abs(float64(v[i])-1.0) > 1e-5 {
			t.Errorf("vector %d not restored to input order or not normalized: %v", i, v)
		}
		for j, x := range v {
			if j != i && x != 0 {
				t.Errorf("vector %d has stray component at %d: %v", i, j, x)
			}
		}
	}
}

func TestEmbedBatchRejectsShortResponse(t *testing.T) {
	const dim = 8
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embeddingsResponse{
			Object: "list",
			Data:   []embeddingsItem{{Object: "embedding", Embedding: make([]float32, dim), Index: 0}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	e := newTestEmbedder(t, ts.URL, dim, 32)
	_, err := e.EmbedBatch(context.Background(), []string{"aspect 0", "aspect 1"})
	if err == nil {
		t.Fatal("short response accepted")
	}
}

func TestEmbedBatchRejectsOutOfRangeIndex(t *testing.T) {
	const dim = 8
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embeddingsResponse{
			Object: "list",
			Data: []embeddingsItem{
				{Object: "embedding", Embedding: make([]float32, dim), Index: 0},
				{Object: "embedding", Embedding: make([]float32, dim), Index: 5},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	e := newTestEmbedder(t, ts.URL, dim, 32)
	_, err := e.EmbedBatch(context.Background(), []string{"aspect 0", "aspect 1"})
	if err == nil {
		t.Fatal("out-of-range response index accepted")
	}
}
