package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/pkg/models"
)

const (
	// graphAnswerKey is the dedup slot the synthesized graph answer
	// occupies when mode results are unioned.
	graphAnswerKey = "graph-answer"

	// localNeighborCap bounds the entity-context lines attached to one
	// chunk in LOCAL mode.
	localNeighborCap = 10

	// pseudoChunkSimilarity is the retrieval score assigned to entities
	// surfaced by BFS expansion. They enter the rerank pool behind
	// vector-scored chunks.
	pseudoChunkSimilarity = 0.5
)

// candidate is one retrieval hit before reranking. key deduplicates
// across modes: the chunk id for chunks, graphAnswerKey for the
// synthesized answer, "entity:<name-key>" for BFS pseudo-chunks.
type candidate struct {
	key        string
	documentID *uuid.UUID
	chunkIndex *int
	source     string
	text       string
	similarity float64
}

// chunkCandidates runs the chunk-embedding vector search shared by
// NAIVE and LOCAL.
func (e *Engine) chunkCandidates(ctx context.Context, projectID uuid.UUID, queryVec []float32) ([]candidate, error) {
	matches, err := e.store.Vectors.Query(ctx, projectID, queryVec, e.cfg.TopK, models.OwnerTypeChunk)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunk embeddings: %w", err)
	}

	out := make([]candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, candidate{
			key:        m.OwnerID,
			documentID: m.DocumentID,
			chunkIndex: m.ChunkIndex,
			source:     m.OwnerID,
			text:       m.Content,
			similarity: m.Similarity,
		})
	}
	return out, nil
}

// attachEntityContext enriches chunk candidates with the descriptions of
// their linked entities and those entities' 1-hop neighbors. Ranking is
// untouched: LOCAL orders by vector similarity.
func (e *Engine) attachEntityContext(ctx context.Context, projectID uuid.UUID, cands []candidate) {
	for i := range cands {
		if cands[i].documentID == nil {
			continue
		}

		linked, err := e.store.Graph.GetEntitiesBySourceID(ctx, projectID, cands[i].key)
		if err != nil {
			e.logger.Warn("entity lookup for chunk failed", map[string]interface{}{
				"chunk_id": cands[i].key,
				"error":    err.Error(),
			})
			continue
		}
		if len(linked) == 0 {
			continue
		}

		seen := make(map[string]struct{}, len(linked))
		var lines []string
		var neighborNames []string
		for _, ent := range linked {
			seen[models.NormalizeEntityName(ent.Name)] = struct{}{}
			lines = append(lines, entityLine(ent))
		}
		for _, ent := range linked {
			rels, err := e.store.Graph.GetRelationsForEntity(ctx, projectID, ent.Name)
			if err != nil {
				continue
			}
			for _, rel := range rels {
				for _, name := range []string{rel.SrcID, rel.TgtID} {
					key := models.NormalizeEntityName(name)
					if _, ok := seen[key]; ok {
						continue
					}
					seen[key] = struct{}{}
					neighborNames = append(neighborNames, name)
				}
			}
		}
		if len(neighborNames) > 0 {
			neighbors, err := e.store.Graph.GetEntities(ctx, projectID, neighborNames)
			if err == nil {
				for _, name := range neighborNames {
					if ent, ok := neighbors[models.NormalizeEntityName(name)]; ok {
						lines = append(lines, entityLine(ent))
					}
				}
			}
		}
		if len(lines) > localNeighborCap {
			lines = lines[:localNeighborCap]
		}
		cands[i].text += "\n\nRelated entities:\n" + strings.Join(lines, "\n")
	}
}

// graphAnswer runs the entity-centric retrieval for GLOBAL: entity
// vector search, 1-hop relation neighborhood, LLM synthesis. The result
// is one candidate with a nil document id, or nil when the project has
// no matching entities. Synthesis failures degrade to no candidate so
// HYBRID and MIX can still answer from chunks.
func (e *Engine) graphAnswer(ctx context.Context, projectID uuid.UUID, queryText string, entityVec []float32) (*candidate, []string) {
	matches, err := e.store.Vectors.Query(ctx, projectID, entityVec, e.cfg.TopK, models.OwnerTypeEntity)
	if err != nil {
		e.logger.Warn("entity embedding search failed", map[string]interface{}{
			"project_id": projectID.String(),
			"error":      err.Error(),
		})
		return nil, nil
	}
	if len(matches) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m.Content
		if name == "" {
			name = m.OwnerID
		}
		names = append(names, name)
	}

	entities, err := e.store.Graph.GetEntities(ctx, projectID, names)
	if err != nil {
		e.logger.Warn("entity fetch failed", map[string]interface{}{
			"project_id": projectID.String(),
			"error":      err.Error(),
		})
		return nil, nil
	}

	var facts []string
	seenRel := make(map[string]struct{})
	for _, name := range names {
		ent, ok := entities[models.NormalizeEntityName(name)]
		if !ok {
			continue
		}
		facts = append(facts, entityLine(ent))
		rels, err := e.store.Graph.GetRelationsForEntity(ctx, projectID, ent.Name)
		if err != nil {
			continue
		}
		for _, rel := range rels {
			key := models.NormalizeEntityName(rel.SrcID) + "\x00" + models.NormalizeEntityName(rel.TgtID)
			if _, ok := seenRel[key]; ok {
				continue
			}
			seenRel[key] = struct{}{}
			facts = append(facts, relationLine(rel))
		}
	}
	if len(facts) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(graphAnswerPrompt, strings.Join(facts, "\n"), queryText)
	answer, err := e.client.Complete(ctx, prompt, llm.OpQuery)
	if err != nil {
		e.logger.Warn("graph answer synthesis failed", map[string]interface{}{
			"project_id": projectID.String(),
			"error":      err.Error(),
		})
		return nil, names
	}

	return &candidate{
		key:        graphAnswerKey,
		source:     models.GraphAnswerSource,
		text:       answer,
		similarity: matches[0].Similarity,
	}, names
}

// expandBFS adds pseudo-chunk candidates for entities reachable within
// maxDepth hops of the seed entities, up to maxNodes across all seeds.
func (e *Engine) expandBFS(ctx context.Context, projectID uuid.UUID, seeds []string, cands []candidate) []candidate {
	if e.cfg.MixMaxNodes <= 0 {
		return cands
	}

	seen := make(map[string]struct{}, len(seeds))
	for _, name := range seeds {
		seen[models.NormalizeEntityName(name)] = struct{}{}
	}

	budget := e.cfg.MixMaxNodes
	for _, seed := range seeds {
		if budget <= 0 {
			break
		}
		// the seed itself counts against the traversal cap but is
		// never added, so ask for one node more than the budget
		reached, err := e.store.Graph.TraverseBFS(ctx, projectID, seed, e.cfg.MixMaxDepth, budget+1)
		if err != nil {
			e.logger.Warn("graph expansion failed", map[string]interface{}{
				"entity": seed,
				"error":  err.Error(),
			})
			continue
		}
		for _, ent := range reached {
			key := models.NormalizeEntityName(ent.Name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			cands = append(cands, candidate{
				key:        "entity:" + key,
				source:     ent.Name,
				text:       entityLine(ent),
				similarity: pseudoChunkSimilarity,
			})
			budget--
			if budget <= 0 {
				break
			}
		}
	}
	return cands
}

// unionCandidates merges mode result sets, deduplicating by key and
// keeping the maximum similarity for each.
func unionCandidates(sets ...[]candidate) []candidate {
	byKey := make(map[string]int)
	var out []candidate
	for _, set := range sets {
		for _, c := range set {
			if i, ok := byKey[c.key]; ok {
				if c.similarity > out[i].similarity {
					out[i].similarity = c.similarity
				}
				continue
			}
			byKey[c.key] = len(out)
			out = append(out, c)
		}
	}
	return out
}

func sortBySimilarity(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].similarity > cands[j].similarity
	})
}

func entityLine(ent *models.Entity) string {
	if ent.Type != "" {
		return fmt.Sprintf("- %s (%s): %s", ent.Name, ent.Type, ent.Description)
	}
	return fmt.Sprintf("- %s: %s", ent.Name, ent.Description)
}

func relationLine(rel *models.Relation) string {
	line := fmt.Sprintf("- %s -> %s: %s", rel.SrcID, rel.TgtID, rel.Description)
	if len(rel.Keywords) > 0 {
		line += fmt.Sprintf(" [keywords: %s]", strings.Join(rel.Keywords, ", "))
	}
	return line
}
