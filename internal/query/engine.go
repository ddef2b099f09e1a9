// Package query executes natural-language queries over a project's
// chunks and knowledge graph. Five modes compose vector search, entity
// expansion, graph traversal, reranking, and LLM synthesis; every mode
// shares the same rerank-truncate-synthesize tail and the same
// citation-tag contract.
package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/extraction"
	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/rerank"
	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// ErrEmptyQuery is returned when the query text is blank.
var ErrEmptyQuery = errors.New("empty query")

// KeywordExtractor supplies high/low-level keywords for a query. The
// entity vector search embeds the query together with its high-level
// keywords when an extractor is configured.
type KeywordExtractor interface {
	ExtractKeywords(ctx context.Context, projectID uuid.UUID, query string) (*extraction.Keywords, error)
}

// Config tunes the engine.
type Config struct {
	// TopK is the vector search width for chunks and entities.
	TopK int

	// ChunkTopK is how many sources survive reranking into the prompt.
	ChunkTopK int

	// MixMaxDepth bounds BFS expansion in MIX mode.
	MixMaxDepth int

	// MixMaxNodes caps the entities BFS expansion may add.
	MixMaxNodes int

	// Timeout bounds one query end to end.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.ChunkTopK <= 0 {
		c.ChunkTopK = 5
	}
	if c.MixMaxDepth <= 0 {
		c.MixMaxDepth = 2
	}
	if c.MixMaxNodes <= 0 {
		c.MixMaxNodes = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	return c
}

// Engine executes queries against one backend.
type Engine struct {
	store    storage.Store
	embedder llm.Embedder
	client   llm.Client
	reranker *rerank.Service
	keywords KeywordExtractor
	cfg      Config
	logger   observability.Logger
	emitter  observability.EventEmitter
}

// New creates a query engine. keywords may be nil, in which case entity
// search embeds the raw query text.
func New(store storage.Store, embedder llm.Embedder, client llm.Client, reranker *rerank.Service, keywords KeywordExtractor, cfg Config, logger observability.Logger, emitter observability.EventEmitter) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		client:   client,
		reranker: reranker,
		keywords: keywords,
		cfg:      cfg.withDefaults(),
		logger:   logger.WithPrefix("query"),
		emitter:  emitter,
	}
}

// Query answers queryText from the project's ingested content. A
// project with nothing to retrieve (including a deleted one) yields the
// no-context answer with zero sources and no error.
func (e *Engine) Query(ctx context.Context, projectID uuid.UUID, queryText string, mode models.QueryMode) (*models.QueryResult, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, ErrEmptyQuery
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	chunkVec, entityVec, err := e.queryVectors(ctx, projectID, queryText, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var cands []candidate
	switch mode {
	case models.QueryModeNaive:
		cands, err = e.chunkCandidates(ctx, projectID, chunkVec)
		if err != nil {
			return nil, err
		}

	case models.QueryModeLocal:
		cands, err = e.chunkCandidates(ctx, projectID, chunkVec)
		if err != nil {
			return nil, err
		}
		e.attachEntityContext(ctx, projectID, cands)

	case models.QueryModeGlobal:
		if ga, _ := e.graphAnswer(ctx, projectID, queryText, entityVec); ga != nil {
			cands = []candidate{*ga}
		}

	case models.QueryModeHybrid, models.QueryModeMix:
		local, err := e.chunkCandidates(ctx, projectID, chunkVec)
		if err != nil {
			return nil, err
		}
		e.attachEntityContext(ctx, projectID, local)

		ga, seeds := e.graphAnswer(ctx, projectID, queryText, entityVec)
		var global []candidate
		if ga != nil {
			global = []candidate{*ga}
		}
		cands = unionCandidates(local, global)

		if mode == models.QueryModeMix {
			cands = e.expandBFS(ctx, projectID, seeds, cands)
		}

	default:
		return nil, fmt.Errorf("unknown query mode %q", mode)
	}

	result, err := e.assemble(ctx, projectID, queryText, mode, cands)
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(ctx, observability.EventQueryCompleted, map[string]interface{}{
		"project_id":  projectID.String(),
		"mode":        string(mode),
		"sources":     result.TotalSources,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, nil
}

// queryVectors embeds the query once for chunk search and, when the
// mode is entity-aware, once more with high-level keywords appended.
// Identical texts share one embedding.
func (e *Engine) queryVectors(ctx context.Context, projectID uuid.UUID, queryText string, mode models.QueryMode) (chunkVec, entityVec []float32, err error) {
	entityText := queryText
	entityAware := mode == models.QueryModeGlobal || mode == models.QueryModeHybrid || mode == models.QueryModeMix
	if entityAware && e.keywords != nil {
		kw, err := e.keywords.ExtractKeywords(ctx, projectID, queryText)
		if err != nil {
			e.logger.Warn("keyword extraction failed, using raw query", map[string]interface{}{
				"error": err.Error(),
			})
		} else if len(kw.HighLevel) > 0 {
			entityText = queryText + "\n" + strings.Join(kw.HighLevel, ", ")
		}
	}

	texts := []string{queryText}
	if entityText != queryText {
		texts = append(texts, entityText)
	}
	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, err
	}
	chunkVec = vecs[0]
	entityVec = vecs[0]
	if len(vecs) > 1 {
		entityVec = vecs[1]
	}
	return chunkVec, entityVec, nil
}

var citationPattern = regexp.MustCompile(`\[[^\[\]]*\]`)

// assemble runs the shared tail: rerank, truncate to ChunkTopK, build
// the citation-tagged prompt, synthesize, post-process citations.
func (e *Engine) assemble(ctx context.Context, projectID uuid.UUID, queryText string, mode models.QueryMode, cands []candidate) (*models.QueryResult, error) {
	if len(cands) == 0 {
		return noContextResult(mode), nil
	}

	sortBySimilarity(cands)

	docs := make([]string, len(cands))
	for i, c := range cands {
		docs[i] = c.text
	}
	ranked := e.reranker.Rerank(ctx, queryText, docs)
	if len(ranked) > e.cfg.ChunkTopK {
		ranked = ranked[:e.cfg.ChunkTopK]
	}
	if len(ranked) == 0 {
		return noContextResult(mode), nil
	}

	blocks := make([]string, 0, len(ranked))
	sources := make([]models.QuerySource, 0, len(ranked))
	hasDocument := false
	for _, r := range ranked {
		c := cands[r.Index]
		if c.documentID != nil {
			hasDocument = true
			blocks = append(blocks, fmt.Sprintf("[%s]\n%s", c.key, c.text))
		} else {
			blocks = append(blocks, fmt.Sprintf("%s\n%s", c.source, c.text))
		}
		score := r.Score
		sources = append(sources, models.QuerySource{
			DocumentID: c.documentID,
			ChunkIndex: c.chunkIndex,
			ChunkText:  c.text,
			Source:     c.source,
			Similarity: &score,
		})
	}

	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(answerSystemPrompt, strings.Join(blocks, "\n\n"))},
		{Role: "user", Content: queryText},
	}
	answer, err := e.client.Chat(ctx, messages, llm.OpQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize answer: %w", err)
	}
	if !hasDocument {
		answer = stripCitations(answer)
	}

	e.logger.Debug("query answered", map[string]interface{}{
		"project_id": projectID.String(),
		"mode":       string(mode),
		"sources":    len(sources),
	})
	return &models.QueryResult{
		Answer:       answer,
		Sources:      sources,
		Mode:         mode,
		TotalSources: len(sources),
	}, nil
}

func noContextResult(mode models.QueryMode) *models.QueryResult {
	return &models.QueryResult{
		Answer:  NoContextAnswer,
		Sources: []models.QuerySource{},
		Mode:    mode,
	}
}

// stripCitations removes [...] tokens and collapses the whitespace they
// leave behind. Used when no source in the prompt carried a real
// document id, so any bracketed token the model produced is fabricated.
func stripCitations(answer string) string {
	cleaned := citationPattern.ReplaceAllString(answer, "")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return cleaned
}
