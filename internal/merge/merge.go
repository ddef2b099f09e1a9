// Package merge folds duplicate entities into a canonical one. The plan
// is computed up front — redirected relations, filtered self-loops,
// merged descriptions — and handed to the storage backend, which applies
// it in a single transaction.
package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// Strategy selects how member descriptions combine into the canonical
// description.
type Strategy string

const (
	StrategyConcatenate  Strategy = "CONCATENATE"
	StrategyKeepFirst    Strategy = "KEEP_FIRST"
	StrategyKeepLongest  Strategy = "KEEP_LONGEST"
	StrategyLLMSummarize Strategy = "LLM_SUMMARIZE"
)

const summarizePrompt = `Combine the following descriptions of the same entity into one concise description. Respond with the description only.

%s`

// Service computes and applies entity merges.
type Service struct {
	graph    storage.GraphStorage
	vectors  storage.VectorStorage
	llm      llm.Client
	strategy Strategy
	logger   observability.Logger
	emitter  observability.EventEmitter
}

// NewService creates a merge service. client may be nil unless the
// strategy is LLM_SUMMARIZE.
func NewService(graph storage.GraphStorage, vectors storage.VectorStorage, client llm.Client, strategy Strategy, logger observability.Logger, emitter observability.EventEmitter) *Service {
	if strategy == "" {
		strategy = StrategyConcatenate
	}
	return &Service{
		graph:    graph,
		vectors:  vectors,
		llm:      client,
		strategy: strategy,
		logger:   logger.WithPrefix("merge"),
		emitter:  emitter,
	}
}

// Plan computes the merge of sourceNames into targetName without
// touching storage. Every source must exist; the target may or may not
// exist yet.
func (s *Service) Plan(ctx context.Context, projectID uuid.UUID, targetName string, sourceNames []string) (*storage.MergePlan, error) {
	targetKey := models.NormalizeEntityName(targetName)
	if targetKey == "" {
		return nil, fmt.Errorf("merge target name is empty")
	}

	sourceKeys := make(map[string]string, len(sourceNames)) // normalized -> display
	for _, name := range sourceNames {
		key := models.NormalizeEntityName(name)
		if key == "" {
			return nil, fmt.Errorf("merge source name is empty")
		}
		if key == targetKey {
			return nil, fmt.Errorf("merge source %q equals the target", name)
		}
		if _, dup := sourceKeys[key]; dup {
			return nil, fmt.Errorf("merge source %q listed twice", name)
		}
		sourceKeys[key] = name
	}
	if len(sourceKeys) == 0 {
		return nil, fmt.Errorf("merge requires at least one source")
	}

	lookup := append([]string{targetName}, sourceNames...)
	existing, err := s.graph.GetEntities(ctx, projectID, lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to load entities for merge: %w", err)
	}
	for key, display := range sourceKeys {
		if _, ok := existing[key]; !ok {
			return nil, fmt.Errorf("merge source %q: %w", display, storage.ErrNotFound)
		}
	}

	target := s.buildTarget(ctx, projectID, targetName, targetKey, sourceNames, existing)

	collected, err := s.collectRelations(ctx, projectID, sourceNames)
	if err != nil {
		return nil, err
	}

	plan := &storage.MergePlan{
		ProjectID:   projectID,
		Target:      target,
		SourceNames: sortedValues(sourceKeys),
	}
	s.redirectRelations(plan, collected, sourceKeys, target.Name)
	return plan, nil
}

// buildTarget assembles the fully merged entity.
func (s *Service) buildTarget(ctx context.Context, projectID uuid.UUID, targetName, targetKey string, sourceNames []string, existing map[string]*models.Entity) models.Entity {
	target := models.Entity{ProjectID: projectID, Name: targetName}

	var descriptions []string
	var chunkLists [][]string
	if prior, ok := existing[targetKey]; ok {
		target.Name = prior.Name
		target.Type = prior.Type
		descriptions = append(descriptions, prior.Description)
		chunkLists = append(chunkLists, prior.SourceChunkIDs)
	}
	for _, name := range sourceNames {
		source, ok := existing[models.NormalizeEntityName(name)]
		if !ok {
			continue
		}
		if target.Type == "" {
			target.Type = source.Type
		}
		descriptions = append(descriptions, source.Description)
		chunkLists = append(chunkLists, source.SourceChunkIDs)
	}

	target.Description = s.mergeDescriptions(ctx, descriptions)
	target.SourceChunkIDs = models.UnionChunkIDs(chunkLists...)
	return target
}

// mergeDescriptions applies the configured strategy. LLM_SUMMARIZE falls
// back to CONCATENATE on any provider failure.
func (s *Service) mergeDescriptions(ctx context.Context, descriptions []string) string {
	switch s.strategy {
	case StrategyKeepFirst:
		for _, d := range descriptions {
			if strings.TrimSpace(d) != "" {
				return d
			}
		}
		return ""
	case StrategyKeepLongest:
		longest := ""
		for _, d := range descriptions {
			if len(d) > len(longest) {
				longest = d
			}
		}
		return longest
	case StrategyLLMSummarize:
		if summary, err := s.summarize(ctx, descriptions); err == nil {
			return summary
		}
		return models.MergeDescriptions(descriptions...)
	default:
		return models.MergeDescriptions(descriptions...)
	}
}

func (s *Service) summarize(ctx context.Context, descriptions []string) (string, error) {
	if s.llm == nil {
		return "", fmt.Errorf("no LLM client configured")
	}
	combined := models.MergeDescriptions(descriptions...)
	if combined == "" {
		return "", nil
	}
	summary, err := s.llm.Complete(ctx, fmt.Sprintf(summarizePrompt, combined), llm.OpSummarization)
	if err != nil {
		s.logger.Warn("description summarization failed, concatenating", map[string]interface{}{
			"error": err.Error(),
		})
		return "", err
	}
	return strings.TrimSpace(summary), nil
}

// collectRelations gathers every relation touching a source, deduplicated
// by its original endpoint pair.
func (s *Service) collectRelations(ctx context.Context, projectID uuid.UUID, sourceNames []string) ([]*models.Relation, error) {
	seen := make(map[[2]string]struct{})
	var out []*models.Relation
	for _, name := range sourceNames {
		relations, err := s.graph.GetRelationsForEntity(ctx, projectID, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load relations for %q: %w", name, err)
		}
		for _, rel := range relations {
			key := [2]string{models.NormalizeEntityName(rel.SrcID), models.NormalizeEntityName(rel.TgtID)}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, rel)
		}
	}
	return out, nil
}

// redirectRelations rewrites source endpoints to the target, filters the
// self-loops that creates, and collapses duplicates.
func (s *Service) redirectRelations(plan *storage.MergePlan, collected []*models.Relation, sourceKeys map[string]string, targetName string) {
	merged := make(map[storage.RelationKey]*models.Relation)
	var order []storage.RelationKey

	for _, rel := range collected {
		plan.DeleteRelations = append(plan.DeleteRelations, storage.RelationKey{Src: rel.SrcID, Tgt: rel.TgtID})

		src, tgt := rel.SrcID, rel.TgtID
		if _, ok := sourceKeys[models.NormalizeEntityName(src)]; ok {
			src = targetName
		}
		if _, ok := sourceKeys[models.NormalizeEntityName(tgt)]; ok {
			tgt = targetName
		}
		plan.RelationsRedirected++

		if models.IsSelfLoop(src, tgt) {
			plan.SelfLoopsFiltered++
			continue
		}

		key := storage.RelationKey{
			Src: models.NormalizeEntityName(src),
			Tgt: models.NormalizeEntityName(tgt),
		}
		if prior, ok := merged[key]; ok {
			prior.Weight += rel.Weight
			prior.Keywords = models.UnionKeywords(prior.Keywords, rel.Keywords)
			prior.Description = models.MergeDescriptions(prior.Description, rel.Description)
			prior.SourceChunkIDs = models.UnionChunkIDs(prior.SourceChunkIDs, rel.SourceChunkIDs)
			plan.RelationsDeduped++
			continue
		}
		merged[key] = &models.Relation{
			ProjectID:      plan.ProjectID,
			SrcID:          src,
			TgtID:          tgt,
			Description:    rel.Description,
			Keywords:       models.UnionKeywords(rel.Keywords),
			Weight:         rel.Weight,
			SourceChunkIDs: rel.SourceChunkIDs,
		}
		order = append(order, key)
	}

	for _, key := range order {
		plan.UpsertRelations = append(plan.UpsertRelations, *merged[key])
	}
}

// Apply executes a plan: the backend applies it atomically, then the
// source entities' embeddings are dropped so stale vectors cannot match.
func (s *Service) Apply(ctx context.Context, plan *storage.MergePlan) error {
	if err := s.graph.ApplyMergePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to apply merge plan: %w", err)
	}
	if err := s.vectors.DeleteEntityEmbeddings(ctx, plan.ProjectID, plan.SourceNames); err != nil {
		return fmt.Errorf("failed to delete source entity embeddings: %w", err)
	}

	s.emitter.Emit(ctx, observability.EventMergeCompleted, map[string]interface{}{
		"project_id":           plan.ProjectID.String(),
		"target":               plan.Target.Name,
		"sources":              len(plan.SourceNames),
		"relations_redirected": plan.RelationsRedirected,
		"relations_deduped":    plan.RelationsDeduped,
		"self_loops_filtered":  plan.SelfLoopsFiltered,
	})
	return nil
}

// MergeEntities plans and applies in one call.
func (s *Service) MergeEntities(ctx context.Context, projectID uuid.UUID, targetName string, sourceNames []string) (*storage.MergePlan, error) {
	plan, err := s.Plan(ctx, projectID, targetName, sourceNames)
	if err != nil {
		return nil, err
	}
	if err := s.Apply(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// MergeCluster applies one resolver cluster: aliases fold into the
// canonical entity.
func (s *Service) MergeCluster(ctx context.Context, projectID uuid.UUID, cluster *models.MergeCluster) (*storage.MergePlan, error) {
	if len(cluster.Aliases) == 0 {
		return nil, nil
	}
	return s.MergeEntities(ctx, projectID, cluster.CanonicalName, cluster.Aliases)
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
