// Package extraction turns document chunks into knowledge-graph entities
// and relations via prompted LLM calls. Every call is fingerprinted and
// cached so re-ingestion of unchanged content never pays for the LLM
// twice.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// DefaultConcurrency bounds how many chunks are extracted in parallel.
const DefaultConcurrency = 20

// Entity is one extracted graph node before persistence.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`

	// TypeKnown is false when the LLM invented a type outside the
	// configured list. The entity is kept either way.
	TypeKnown bool `json:"-"`
}

// Relation is one extracted graph edge before persistence.
type Relation struct {
	Src         string   `json:"src"`
	Tgt         string   `json:"tgt"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Weight      float64  `json:"weight"`
}

// Result is the extraction outcome for one chunk.
type Result struct {
	Entities  []Entity
	Relations []Relation
	FromCache bool
}

// Keywords is the outcome of query keyword derivation.
type Keywords struct {
	HighLevel []string `json:"high_level_keywords"`
	LowLevel  []string `json:"low_level_keywords"`
}

// Config tunes the extractor.
type Config struct {
	EntityTypes []string
	Language    string
	Concurrency int
	// Gleanings is the number of follow-up passes asking the LLM for
	// entities it missed. Zero disables gleaning.
	Gleanings int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Language == "" {
		c.Language = "English"
	}
	return c
}

// Service runs extraction against an LLM behind the layered cache.
type Service struct {
	llm        llm.Client
	cache      *Cache
	cfg        Config
	knownTypes map[string]struct{}
	logger     observability.Logger
}

// NewService creates an extraction service.
func NewService(client llm.Client, cache *Cache, cfg Config, logger observability.Logger) *Service {
	cfg = cfg.withDefaults()
	known := make(map[string]struct{}, len(cfg.EntityTypes))
	for _, t := range cfg.EntityTypes {
		known[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return &Service{
		llm:        client,
		cache:      cache,
		cfg:        cfg,
		knownTypes: known,
		logger:     logger.WithPrefix("extraction"),
	}
}

// ExtractChunk extracts entities and relations from one chunk.
func (s *Service) ExtractChunk(ctx context.Context, projectID uuid.UUID, chunk *models.Chunk) (*Result, error) {
	prompt := fmt.Sprintf(entityExtractionPrompt,
		strings.Join(s.cfg.EntityTypes, ", "), s.cfg.Language, chunk.Content)
	hash := Fingerprint(entityExtractionPrompt, s.cfg.EntityTypes, s.cfg.Language, chunk.Content)

	raw, cached := s.cache.Get(ctx, projectID, models.CacheTypeEntityExtraction, hash)
	if !cached {
		var err error
		raw, err = s.llm.Complete(ctx, prompt, llm.OpExtraction)
		if err != nil {
			return nil, fmt.Errorf("failed to extract chunk %s: %w", chunk.ID, err)
		}
		if err := s.cache.Put(ctx, projectID, models.CacheTypeEntityExtraction, hash, raw, llm.EstimateTokens(prompt)+llm.EstimateTokens(raw)); err != nil {
			s.logger.Warn("failed to cache extraction result", map[string]interface{}{
				"chunk_id": chunk.ID,
				"error":    err.Error(),
			})
		}
	}

	result, err := s.parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extraction for chunk %s: %w", chunk.ID, err)
	}
	result.FromCache = cached

	if s.cfg.Gleanings > 0 {
		s.glean(ctx, projectID, chunk, prompt, raw, result)
	}
	return result, nil
}

// glean runs follow-up passes and merges any additional findings.
// Gleaning failures degrade to the initial result.
func (s *Service) glean(ctx context.Context, projectID uuid.UUID, chunk *models.Chunk, prompt, initial string, result *Result) {
	history := []llm.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: initial},
	}
	for pass := 1; pass <= s.cfg.Gleanings; pass++ {
		passKey := fmt.Sprintf("%s#glean-%d", chunk.Content, pass)
		hash := Fingerprint(gleaningPrompt, s.cfg.EntityTypes, s.cfg.Language, passKey)

		raw, cached := s.cache.Get(ctx, projectID, models.CacheTypeGleaning, hash)
		if !cached {
			var err error
			raw, err = s.llm.Chat(ctx, append(history, llm.Message{Role: "user", Content: gleaningPrompt}), llm.OpExtraction)
			if err != nil {
				s.logger.Warn("gleaning pass failed", map[string]interface{}{
					"chunk_id": chunk.ID,
					"pass":     pass,
					"error":    err.Error(),
				})
				return
			}
			if err := s.cache.Put(ctx, projectID, models.CacheTypeGleaning, hash, raw, llm.EstimateTokens(raw)); err != nil {
				s.logger.Warn("failed to cache gleaning result", map[string]interface{}{
					"chunk_id": chunk.ID,
					"error":    err.Error(),
				})
			}
		}

		extra, err := s.parse(raw)
		if err != nil {
			s.logger.Warn("failed to parse gleaning result", map[string]interface{}{
				"chunk_id": chunk.ID,
				"pass":     pass,
				"error":    err.Error(),
			})
			return
		}
		mergeResults(result, extra)
		history = append(history,
			llm.Message{Role: "user", Content: gleaningPrompt},
			llm.Message{Role: "assistant", Content: raw})
	}
}

// mergeResults appends findings not already present, comparing by
// normalized names.
func mergeResults(base, extra *Result) {
	seenEntities := make(map[string]struct{}, len(base.Entities))
	for _, e := range base.Entities {
		seenEntities[models.NormalizeEntityName(e.Name)] = struct{}{}
	}
	for _, e := range extra.Entities {
		key := models.NormalizeEntityName(e.Name)
		if _, ok := seenEntities[key]; ok {
			continue
		}
		seenEntities[key] = struct{}{}
		base.Entities = append(base.Entities, e)
	}

	seenRelations := make(map[[2]string]struct{}, len(base.Relations))
	for _, r := range base.Relations {
		seenRelations[[2]string{models.NormalizeEntityName(r.Src), models.NormalizeEntityName(r.Tgt)}] = struct{}{}
	}
	for _, r := range extra.Relations {
		key := [2]string{models.NormalizeEntityName(r.Src), models.NormalizeEntityName(r.Tgt)}
		if _, ok := seenRelations[key]; ok {
			continue
		}
		seenRelations[key] = struct{}{}
		base.Relations = append(base.Relations, r)
	}
}

// BatchResult collects per-chunk outcomes of a batch extraction.
type BatchResult struct {
	// Results is keyed by chunk ID.
	Results map[string]*Result

	// Failed is keyed by chunk ID for chunks whose extraction or parse
	// failed after retries.
	Failed map[string]error
}

// SuccessRatio is the fraction of chunks that extracted successfully.
func (b *BatchResult) SuccessRatio() float64 {
	total := len(b.Results) + len(b.Failed)
	if total == 0 {
		return 1
	}
	return float64(len(b.Results)) / float64(total)
}

// ExtractBatch extracts a set of chunks with bounded concurrency.
// Individual chunk failures are collected, never fatal; the caller
// decides what success ratio is acceptable.
func (s *Service) ExtractBatch(ctx context.Context, projectID uuid.UUID, chunks []*models.Chunk) *BatchResult {
	out := &BatchResult{
		Results: make(map[string]*Result, len(chunks)),
		Failed:  make(map[string]error),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			result, err := s.ExtractChunk(gctx, projectID, chunk)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed[chunk.ID] = err
				return nil
			}
			out.Results[chunk.ID] = result
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are per-chunk

	if len(out.Failed) > 0 {
		s.logger.Warn("batch extraction had failures", map[string]interface{}{
			"project_id": projectID.String(),
			"total":      len(chunks),
			"failed":     len(out.Failed),
		})
	}
	return out
}

// ExtractKeywords derives high- and low-level search keywords from a
// query, cached under KEYWORD_EXTRACTION.
func (s *Service) ExtractKeywords(ctx context.Context, projectID uuid.UUID, query string) (*Keywords, error) {
	hash := Fingerprint(keywordExtractionPrompt, nil, s.cfg.Language, query)

	raw, cached := s.cache.Get(ctx, projectID, models.CacheTypeKeywordExtraction, hash)
	if !cached {
		var err error
		raw, err = s.llm.Complete(ctx, fmt.Sprintf(keywordExtractionPrompt, query), llm.OpQuery)
		if err != nil {
			return nil, fmt.Errorf("failed to extract keywords: %w", err)
		}
		if err := s.cache.Put(ctx, projectID, models.CacheTypeKeywordExtraction, hash, raw, llm.EstimateTokens(raw)); err != nil {
			s.logger.Warn("failed to cache keywords", map[string]interface{}{
				"project_id": projectID.String(),
				"error":      err.Error(),
			})
		}
	}

	var kw Keywords
	if err := json.Unmarshal([]byte(stripFences(raw)), &kw); err != nil {
		return nil, fmt.Errorf("failed to parse keyword response: %w", err)
	}
	return &kw, nil
}

// parse decodes an LLM extraction response, tolerating code fences and
// leading prose, and normalizes the findings.
func (s *Service) parse(raw string) (*Result, error) {
	var payload struct {
		Entities []struct {
			Name        string `json:"name"`
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"entities"`
		Relations []struct {
			Src         string   `json:"src"`
			Tgt         string   `json:"tgt"`
			Description string   `json:"description"`
			Keywords    []string `json:"keywords"`
			Weight      float64  `json:"weight"`
		} `json:"relations"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("invalid extraction JSON: %w", err)
	}

	result := &Result{}
	for _, e := range payload.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		entityType := strings.ToUpper(strings.TrimSpace(e.Type))
		_, known := s.knownTypes[entityType]
		if !known {
			s.logger.Debug("unknown entity type kept", map[string]interface{}{
				"entity": name,
				"type":   entityType,
			})
		}
		result.Entities = append(result.Entities, Entity{
			Name:        name,
			Type:        entityType,
			Description: strings.TrimSpace(e.Description),
			TypeKnown:   known,
		})
	}
	for _, r := range payload.Relations {
		src, tgt := strings.TrimSpace(r.Src), strings.TrimSpace(r.Tgt)
		if src == "" || tgt == "" {
			continue
		}
		weight := r.Weight
		if weight <= 0 {
			weight = 1
		}
		result.Relations = append(result.Relations, Relation{
			Src:         src,
			Tgt:         tgt,
			Description: strings.TrimSpace(r.Description),
			Keywords:    r.Keywords,
			Weight:      weight,
		})
	}
	return result, nil
}

// stripFences removes markdown code fences and any prose around the
// outermost JSON object.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
