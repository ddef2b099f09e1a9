package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/ragmesh/ragmesh/pkg/observability"
	"github.com/ragmesh/ragmesh/pkg/resilience"
)

// Default endpoints. Cohere and Jina expose the same request shape.
var providerBaseURLs = map[string]string{
	ProviderCohere: "https://api.cohere.ai/v1",
	ProviderJina:   "https://api.jina.ai/v1",
}

// httpReranker talks to a Cohere/Jina-shaped /rerank endpoint.
type httpReranker struct {
	cfg     Config
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newHTTPReranker(cfg Config, logger observability.Logger) *httpReranker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = providerBaseURLs[cfg.Provider]
	}
	return &httpReranker{
		cfg:     cfg,
		baseURL: baseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewBreaker("rerank-"+cfg.Provider, resilience.DefaultBreakerConfig(), logger),
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank implements Reranker.
func (r *httpReranker) Rerank(ctx context.Context, query string, documents []string) ([]Result, error) {
	payload, err := json.Marshal(rerankRequest{
		Model:     r.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build rerank request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		}

		resp, err := r.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("rerank request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read rerank response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rerank provider returned status %d", resp.StatusCode)
		}

		var decoded rerankResponse
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode rerank response: %w", err)
		}

		out := make([]Result, 0, len(decoded.Results))
		for _, item := range decoded.Results {
			out = append(out, Result{Index: item.Index, Score: item.RelevanceScore})
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("rerank provider unavailable: %w", err)
		}
		return nil, err
	}
	return result.([]Result), nil
}
