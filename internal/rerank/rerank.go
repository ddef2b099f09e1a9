// Package rerank reorders retrieved chunks by relevance to the query.
// Provider failures never fail a query: the service degrades to the
// original retrieval order with synthetic scores.
package rerank

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ragmesh/ragmesh/pkg/observability"
)

// Result scores one input document. Index refers to the input slice.
type Result struct {
	Index int
	Score float64
}

// Reranker scores documents against a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]Result, error)
}

// Provider names accepted by the configuration.
const (
	ProviderNone   = "none"
	ProviderCohere = "cohere"
	ProviderJina   = "jina"
)

const (
	// SyntheticScoreFloor is the lowest score assigned in fallback order.
	SyntheticScoreFloor = 0.1

	syntheticScoreStep = 0.05
)

// SyntheticScores assigns descending placeholder scores 1.0, 0.95, ...
// floored at SyntheticScoreFloor, preserving input order.
func SyntheticScores(n int) []Result {
	out := make([]Result, n)
	for i := range out {
		score := 1.0 - float64(i)*syntheticScoreStep
		if score < SyntheticScoreFloor {
			score = SyntheticScoreFloor
		}
		out[i] = Result{Index: i, Score: score}
	}
	return out
}

// Identity is the "none" provider: input order with synthetic scores.
type Identity struct{}

// Rerank implements Reranker.
func (Identity) Rerank(_ context.Context, _ string, documents []string) ([]Result, error) {
	return SyntheticScores(len(documents)), nil
}

// Config tunes the rerank service.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string

	// MinScore filters out results the provider scored below it.
	MinScore float64

	// Timeout bounds one provider call.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = ProviderNone
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.1
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

// Service wraps a provider with the timeout, the score filter, and the
// identity fallback.
type Service struct {
	provider Reranker
	cfg      Config
	logger   observability.Logger
}

// NewService builds the service for the configured provider.
func NewService(cfg Config, logger observability.Logger) (*Service, error) {
	cfg = cfg.withDefaults()

	var provider Reranker
	switch cfg.Provider {
	case ProviderNone:
		provider = Identity{}
	case ProviderCohere, ProviderJina:
		provider = newHTTPReranker(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown reranker provider %q", cfg.Provider)
	}

	return &Service{
		provider: provider,
		cfg:      cfg,
		logger:   logger.WithPrefix("rerank"),
	}, nil
}

// Rerank scores and filters documents, descending by score. It never
// fails: provider errors degrade to the original order with synthetic
// scores.
func (s *Service) Rerank(ctx context.Context, query string, documents []string) []Result {
	if len(documents) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	results, err := s.provider.Rerank(callCtx, query, documents)
	if err != nil {
		s.logger.Warn("rerank failed, keeping retrieval order", map[string]interface{}{
			"provider": s.cfg.Provider,
			"error":    err.Error(),
		})
		results = SyntheticScores(len(documents))
	}

	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(documents) {
			continue
		}
		if r.Score >= s.cfg.MinScore {
			filtered = append(filtered, r)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	return filtered
}
