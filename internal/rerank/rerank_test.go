package rerank

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/pkg/observability"
)

func TestSyntheticScores(t *testing.T) {
	scores := SyntheticScores(3)
	require.Len(t, scores, 3)
	assert.Equal(t, Result{Index: 0, Score: 1.0}, scores[0])
	assert.Equal(t, Result{Index: 1, Score: 0.95}, scores[1])
	assert.InDelta(t, 0.9, scores[2].Score, 1e-9)

	// the schedule floors instead of going below 0.1
	many := SyntheticScores(30)
	assert.Equal(t, SyntheticScoreFloor, many[29].Score)
	assert.Equal(t, SyntheticScoreFloor, many[20].Score)
}

func TestIdentityProvider(t *testing.T) {
	svc, err := NewService(Config{Provider: ProviderNone}, observability.NewNoopLogger())
	require.NoError(t, err)

	results := svc.Rerank(context.Background(), "query", []string{"a", "b", "c"})
	require.Len(t, results, 3)
	assert.Equal(t, []int{0, 1, 2}, indices(results))
}

func TestUnknownProvider(t *testing.T) {
	_, err := NewService(Config{Provider: "acme"}, observability.NewNoopLogger())
	assert.ErrorContains(t, err, "unknown reranker provider")
}

func TestHTTPProviderOrdersAndFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		assert.Equal(t, "Bearer rk", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"results":[{"index":2,"relevance_score":0.9},{"index":0,"relevance_score":0.4},{"index":1,"relevance_score":0.05}]}`)
	}))
	defer srv.Close()

	svc, err := NewService(Config{
		Provider: ProviderCohere,
		BaseURL:  srv.URL,
		APIKey:   "rk",
		MinScore: 0.1,
	}, observability.NewNoopLogger())
	require.NoError(t, err)

	results := svc.Rerank(context.Background(), "query", []string{"a", "b", "c"})
	// index 1 is filtered below MinScore; remaining sorted descending
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].Index)
	assert.Equal(t, 0, results[1].Index)
}

func TestProviderFailureFallsBackToInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc, err := NewService(Config{
		Provider: ProviderJina,
		BaseURL:  srv.URL,
	}, observability.NewNoopLogger())
	require.NoError(t, err)

	results := svc.Rerank(context.Background(), "query", []string{"a", "b", "c"})
	require.Len(t, results, 3)
	assert.Equal(t, []int{0, 1, 2}, indices(results))
	assert.Equal(t, 1.0, results[0].Score)
}

func TestRerankDropsOutOfRangeIndexes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"index":7,"relevance_score":0.9},{"index":0,"relevance_score":0.8}]}`)
	}))
	defer srv.Close()

	svc, err := NewService(Config{Provider: ProviderCohere, BaseURL: srv.URL}, observability.NewNoopLogger())
	require.NoError(t, err)

	results := svc.Rerank(context.Background(), "query", []string{"only"})
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Index)
}

func TestRerankEmptyInput(t *testing.T) {
	svc, err := NewService(Config{}, observability.NewNoopLogger())
	require.NoError(t, err)
	assert.Nil(t, svc.Rerank(context.Background(), "query", nil))
}

func indices(results []Result) []int {
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.Index
	}
	return out
}
