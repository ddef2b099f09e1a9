package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ragmesh/ragmesh/pkg/observability"
	"github.com/ragmesh/ragmesh/pkg/resilience"
)

// MaxEmbedBatch caps one provider request. Larger inputs are split.
const MaxEmbedBatch = 32

// ErrBadEmbedding is returned when the provider answer does not line up
// with the input batch.
var ErrBadEmbedding = errors.New("malformed embedding response")

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the vector width this embedder produces.
	Dimension() int
}

// EmbedderConfig configures an HTTP embedding client.
type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	BatchSize  int
	Timeout    time.Duration
	MaxRetries uint64
}

func (c EmbedderConfig) withDefaults() EmbedderConfig {
	if c.BatchSize <= 0 || c.BatchSize > MaxEmbedBatch {
		c.BatchSize = MaxEmbedBatch
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// HTTPEmbedder talks to an OpenAI-shaped /embeddings endpoint.
type HTTPEmbedder struct {
	cfg     EmbedderConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	tracker *TokenTracker
	logger  observability.Logger
}

// NewHTTPEmbedder creates an embedding client.
func NewHTTPEmbedder(cfg EmbedderConfig, tracker *TokenTracker, logger observability.Logger) *HTTPEmbedder {
	cfg = cfg.withDefaults()
	return &HTTPEmbedder{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewBreaker("embedding", resilience.DefaultBreakerConfig(), logger),
		tracker: tracker,
		logger:  logger.WithPrefix("embedding"),
	}
}

// Dimension implements Embedder.
func (e *HTTPEmbedder) Dimension() int {
	return e.cfg.Dimension
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *usageBlock `json:"usage"`
}

// Embed implements Embedder. Inputs beyond the batch size are sent as
// consecutive requests; output order always matches input order.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch starting at %d: %w", start, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	req := embedRequest{Model: e.cfg.Model, Input: batch}

	var resp embedResponse
	result, err := e.breaker.Execute(func() (interface{}, error) {
		if err := postJSON(ctx, e.http, e.cfg.BaseURL+"/embeddings", e.cfg.APIKey, e.cfg.MaxRetries, req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrBadEmbedding, len(resp.Data), len(batch))
		}

		// Providers may reorder; the index field is authoritative.
		vectors := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, fmt.Errorf("%w: index %d out of range", ErrBadEmbedding, d.Index)
			}
			if vectors[d.Index] != nil {
				return nil, fmt.Errorf("%w: duplicate index %d", ErrBadEmbedding, d.Index)
			}
			if e.cfg.Dimension > 0 && len(d.Embedding) != e.cfg.Dimension {
				return nil, fmt.Errorf("%w: vector has dimension %d, want %d", ErrBadEmbedding, len(d.Embedding), e.cfg.Dimension)
			}
			vectors[d.Index] = d.Embedding
		}
		return vectors, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("embedding provider unavailable: %w", err)
		}
		return nil, err
	}

	promptTokens := 0
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		promptTokens = resp.Usage.PromptTokens
	} else {
		for _, text := range batch {
			promptTokens += EstimateTokens(text)
		}
	}
	e.tracker.Record(OpEmbedding, promptTokens, 0)

	e.logger.Debug("embedded batch", map[string]interface{}{
		"model":         e.cfg.Model,
		"count":         len(batch),
		"prompt_tokens": promptTokens,
	})
	return result.([][]float32), nil
}
