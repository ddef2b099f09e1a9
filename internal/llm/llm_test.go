package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/pkg/observability"
)

func TestTokenTrackerAccumulates(t *testing.T) {
	tracker := NewTokenTracker()
	tracker.Record(OpExtraction, 100, 40)
	tracker.Record(OpExtraction, 50, 10)
	tracker.Record(OpQuery, 7, 3)

	u := tracker.Usage(OpExtraction)
	assert.Equal(t, int64(150), u.PromptTokens)
	assert.Equal(t, int64(50), u.CompletionTokens)
	assert.Equal(t, int64(2), u.Calls)
	assert.Equal(t, int64(200), u.Total())

	snap := tracker.Snapshot()
	assert.Equal(t, int64(10), snap[OpQuery].Total())
	assert.Zero(t, snap[OpRerank].Calls)
}

func TestTokenTrackerConcurrent(t *testing.T) {
	tracker := NewTokenTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Record(OpSummarization, 1, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), tracker.Usage(OpSummarization).Calls)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("12345678"))
}

func newChatServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPClient, *TokenTracker) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tracker := NewTokenTracker()
	client := NewHTTPClient(ClientConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "test-model",
		MaxRetries: 2,
	}, tracker, observability.NewNoopLogger())
	return srv, client, tracker
}

func TestChatCompletion(t *testing.T) {
	_, client, tracker := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"paris"}}],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`)
	})

	answer, err := client.Complete(context.Background(), "capital of france?", OpQuery)
	require.NoError(t, err)
	assert.Equal(t, "paris", answer)

	u := tracker.Usage(OpQuery)
	assert.Equal(t, int64(12), u.PromptTokens)
	assert.Equal(t, int64(4), u.CompletionTokens)
}

func TestChatEstimatesTokensWithoutUsage(t *testing.T) {
	_, client, tracker := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"12345678"}}]}`)
	})

	_, err := client.Complete(context.Background(), "abcd", OpSummarization)
	require.NoError(t, err)

	u := tracker.Usage(OpSummarization)
	assert.Equal(t, int64(1), u.PromptTokens)     // 4 chars
	assert.Equal(t, int64(2), u.CompletionTokens) // 8 chars
}

func TestChatRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	_, client, _ := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	answer, err := client.Complete(context.Background(), "hi", OpQuery)
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	_, client, _ := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad request"}`)
	})

	_, err := client.Complete(context.Background(), "hi", OpQuery)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatEmptyChoices(t *testing.T) {
	_, client, _ := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})

	_, err := client.Complete(context.Background(), "hi", OpQuery)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func newEmbedServer(t *testing.T, dimension, batchSize int, handler http.HandlerFunc) (*HTTPEmbedder, *TokenTracker) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tracker := NewTokenTracker()
	embedder := NewHTTPEmbedder(EmbedderConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "test-embed",
		Dimension:  dimension,
		BatchSize:  batchSize,
		MaxRetries: 1,
	}, tracker, observability.NewNoopLogger())
	return embedder, tracker
}

func TestEmbedSplitsBatchesAndRestoresOrder(t *testing.T) {
	var batches atomic.Int32
	embedder, _ := newEmbedServer(t, 2, 2, func(w http.ResponseWriter, r *http.Request) {
		batches.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.LessOrEqual(t, len(req.Input), 2)

		// answer in reverse order; the index field must restore it
		resp := embedResponse{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(len(req.Input[i])), 0}})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	vectors, err := embedder.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	assert.Equal(t, int32(3), batches.Load())
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0], "vector %d out of order", i)
	}
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	embedder, _ := newEmbedServer(t, 4, 8, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1,2]}]}`)
	})

	_, err := embedder.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrBadEmbedding)
}

func TestEmbedRejectsCountMismatch(t *testing.T) {
	embedder, _ := newEmbedServer(t, 0, 8, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})

	_, err := embedder.Embed(context.Background(), []string{"x", "y"})
	assert.ErrorIs(t, err, ErrBadEmbedding)
}

func TestEmbedEmptyInput(t *testing.T) {
	embedder, _ := newEmbedServer(t, 0, 8, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	vectors, err := embedder.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestEmbedRejectsDuplicateIndex(t *testing.T) {
	embedder, _ := newEmbedServer(t, 0, 8, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1]},{"index":0,"embedding":[2]}]}`)
	})

	_, err := embedder.Embed(context.Background(), []string{"x", "y"})
	assert.ErrorIs(t, err, ErrBadEmbedding)
}

func TestEmbedRecordsTokenUsage(t *testing.T) {
	embedder, tracker := newEmbedServer(t, 0, 8, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1]}],"usage":{"prompt_tokens":9,"total_tokens":9}}`)
	})

	_, err := embedder.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)

	u := tracker.Usage(OpEmbedding)
	assert.Equal(t, int64(9), u.PromptTokens)
	assert.Equal(t, int64(1), u.Calls)
}

func TestEmbedEstimatesTokensWithoutUsage(t *testing.T) {
	embedder, tracker := newEmbedServer(t, 0, 8, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1]},{"index":1,"embedding":[2]}]}`)
	})

	_, err := embedder.Embed(context.Background(), []string{"abcd", "12345678"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), tracker.Usage(OpEmbedding).PromptTokens) // 1 + 2
}
