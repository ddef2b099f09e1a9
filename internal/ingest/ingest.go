// Package ingest orchestrates document processing: chunking, embedding,
// entity extraction, resolution, and graph persistence. Every write is
// an idempotent upsert, so a failed ingestion is retried by running it
// again; partial state converges instead of being rolled back.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/chunker"
	"github.com/ragmesh/ragmesh/internal/extraction"
	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// ChunkNamespace is the KV namespace chunk payloads are stored under.
const ChunkNamespace = "chunks"

// Extractor is the slice of the extraction service the pipeline needs.
type Extractor interface {
	ExtractBatch(ctx context.Context, projectID uuid.UUID, chunks []*models.Chunk) *extraction.BatchResult
}

// Resolver groups entities that refer to the same real-world thing.
// A nil resolver disables the resolution pass.
type Resolver interface {
	Resolve(ctx context.Context, entities []*models.Entity) ([]*models.MergeCluster, error)
}

// Config tunes the pipeline.
type Config struct {
	ChunkSize    int
	ChunkOverlap int

	// EmbeddingModel is recorded on persisted embeddings.
	EmbeddingModel string

	// MinExtractionSuccess is the fraction of chunks that must extract
	// successfully for the document to reach PROCESSED.
	MinExtractionSuccess float64
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1200
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = 100
	}
	if c.MinExtractionSuccess <= 0 {
		c.MinExtractionSuccess = 0.5
	}
	return c
}

// Pipeline ingests documents into one backend.
type Pipeline struct {
	store     storage.Store
	embedder  llm.Embedder
	extractor Extractor
	resolver  Resolver
	cfg       Config
	logger    observability.Logger
	emitter   observability.EventEmitter
}

// New creates an ingestion pipeline. resolver may be nil.
func New(store storage.Store, embedder llm.Embedder, extractor Extractor, resolver Resolver, cfg Config, logger observability.Logger, emitter observability.EventEmitter) *Pipeline {
	return &Pipeline{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		resolver:  resolver,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithPrefix("ingest"),
		emitter:   emitter,
	}
}

// IngestDocument processes one document end to end and returns its
// final status. A document that already has chunk embeddings is
// considered ingested and its existing status is returned untouched.
func (p *Pipeline) IngestDocument(ctx context.Context, doc *models.Document) (*models.DocStatus, error) {
	has, err := p.store.Vectors.HasVectors(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing vectors: %w", err)
	}
	if has {
		existing, err := p.store.DocStatus.Get(ctx, doc.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load existing status: %w", err)
		}
		// only a fully processed document short-circuits; a FAILED or
		// interrupted one is reprocessed and converges through upserts
		if existing != nil && existing.Status == models.StatusProcessed {
			p.logger.Info("document already ingested", map[string]interface{}{
				"document_id": doc.ID.String(),
			})
			return existing, nil
		}
	}

	start := time.Now()
	status := &models.DocStatus{
		DocumentID: doc.ID,
		ProjectID:  doc.ProjectID,
		Status:     models.StatusProcessing,
		StartedAt:  &start,
	}
	if err := p.store.DocStatus.Upsert(ctx, status); err != nil {
		return nil, fmt.Errorf("failed to mark document processing: %w", err)
	}

	chunks, err := p.chunk(doc)
	if err != nil {
		return p.fail(ctx, status, err)
	}
	if len(chunks) == 0 {
		return p.finish(ctx, status, start)
	}

	if err := p.persistChunks(ctx, doc, chunks); err != nil {
		return p.fail(ctx, status, err)
	}
	status.Counts.Chunks = len(chunks)

	batch := p.extractor.ExtractBatch(ctx, doc.ProjectID, chunks)
	if ratio := batch.SuccessRatio(); ratio < p.cfg.MinExtractionSuccess {
		return p.fail(ctx, status, fmt.Errorf("entity extraction succeeded for only %.0f%% of %d chunks", ratio*100, len(chunks)))
	}

	entities, relations := aggregate(doc.ProjectID, chunks, batch)
	entities, relations = p.resolve(ctx, entities, relations)

	if err := p.persistGraph(ctx, doc.ProjectID, entities, relations); err != nil {
		return p.fail(ctx, status, err)
	}
	if err := p.persistEntityEmbeddings(ctx, doc.ProjectID, entities); err != nil {
		return p.fail(ctx, status, err)
	}
	status.Counts.Entities = len(entities)
	status.Counts.Relations = len(relations)

	result, err := p.finish(ctx, status, start)
	if err != nil {
		return nil, err
	}
	p.emitter.Emit(ctx, observability.EventIngestCompleted, map[string]interface{}{
		"project_id":  doc.ProjectID.String(),
		"document_id": doc.ID.String(),
		"chunks":      status.Counts.Chunks,
		"entities":    status.Counts.Entities,
		"relations":   status.Counts.Relations,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, nil
}

// chunk splits the document with the chunker matching its type.
func (p *Pipeline) chunk(doc *models.Document) ([]*models.Chunk, error) {
	var pieces []chunker.Piece
	if doc.Type == models.DocumentTypeCode {
		out, err := chunker.NewCodeChunker(p.cfg.ChunkSize).Chunk(doc.FileName, []byte(doc.Content))
		if err != nil {
			return nil, fmt.Errorf("failed to chunk code document: %w", err)
		}
		pieces = out
	} else {
		pieces = chunker.NewProseChunker(p.cfg.ChunkSize, p.cfg.ChunkOverlap).Chunk(doc.Content)
	}

	chunks := make([]*models.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &models.Chunk{
			ID:         models.ChunkKey(doc.ID, i),
			DocumentID: doc.ID,
			ProjectID:  doc.ProjectID,
			ChunkIndex: i,
			Content:    piece.Content,
			TokenCount: piece.TokenCount,
			Code:       piece.Code,
		}
	}
	return chunks, nil
}

// persistChunks embeds the chunks and writes both the embeddings and
// the chunk payloads.
func (p *Pipeline) persistChunks(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	embeddings := make([]*models.Embedding, len(chunks))
	for i, c := range chunks {
		idx := c.ChunkIndex
		embeddings[i] = &models.Embedding{
			ID:         c.ID,
			OwnerType:  models.OwnerTypeChunk,
			OwnerID:    c.ID,
			ProjectID:  c.ProjectID,
			DocumentID: &c.DocumentID,
			ChunkIndex: &idx,
			Content:    c.Content,
			Vector:     vectors[i],
			Model:      p.cfg.EmbeddingModel,
		}
	}
	if err := p.store.Vectors.UpsertBatch(ctx, embeddings); err != nil {
		return fmt.Errorf("failed to persist chunk embeddings: %w", err)
	}

	for _, c := range chunks {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode chunk %s: %w", c.ID, err)
		}
		if err := p.store.KV.Set(ctx, doc.ProjectID, ChunkNamespace, c.ID, payload); err != nil {
			return fmt.Errorf("failed to persist chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// aggregate folds per-chunk extraction results into one entity and one
// relation per key, preserving chunk order so descriptions read in
// document order.
func aggregate(projectID uuid.UUID, chunks []*models.Chunk, batch *extraction.BatchResult) ([]*models.Entity, []*models.Relation) {
	entityIndex := make(map[string]*models.Entity)
	relationIndex := make(map[storage.RelationKey]*models.Relation)
	var entities []*models.Entity
	var relations []*models.Relation

	for _, chunk := range chunks {
		result, ok := batch.Results[chunk.ID]
		if !ok {
			continue
		}
		for _, ext := range result.Entities {
			key := models.NormalizeEntityName(ext.Name)
			if existing, ok := entityIndex[key]; ok {
				existing.Description = models.MergeDescriptions(existing.Description, ext.Description)
				existing.SourceChunkIDs = models.UnionChunkIDs(existing.SourceChunkIDs, []string{chunk.ID})
				if existing.Type == "" {
					existing.Type = ext.Type
				}
				continue
			}
			ent := &models.Entity{
				ProjectID:      projectID,
				Name:           ext.Name,
				Type:           ext.Type,
				Description:    ext.Description,
				SourceChunkIDs: []string{chunk.ID},
			}
			entityIndex[key] = ent
			entities = append(entities, ent)
		}
		for _, ext := range result.Relations {
			if models.IsSelfLoop(ext.Src, ext.Tgt) {
				continue
			}
			key := storage.RelationKey{
				Src: models.NormalizeEntityName(ext.Src),
				Tgt: models.NormalizeEntityName(ext.Tgt),
			}
			if existing, ok := relationIndex[key]; ok {
				existing.Weight += ext.Weight
				existing.Description = models.MergeDescriptions(existing.Description, ext.Description)
				existing.Keywords = models.UnionKeywords(existing.Keywords, ext.Keywords)
				existing.SourceChunkIDs = models.UnionChunkIDs(existing.SourceChunkIDs, []string{chunk.ID})
				continue
			}
			rel := &models.Relation{
				ProjectID:      projectID,
				SrcID:          ext.Src,
				TgtID:          ext.Tgt,
				Description:    ext.Description,
				Keywords:       models.UnionKeywords(ext.Keywords),
				Weight:         ext.Weight,
				SourceChunkIDs: []string{chunk.ID},
			}
			relationIndex[key] = rel
			relations = append(relations, rel)
		}
	}
	return entities, relations
}

// resolve collapses alias entities onto their canonical names before
// anything is persisted, so aliases never reach the graph.
func (p *Pipeline) resolve(ctx context.Context, entities []*models.Entity, relations []*models.Relation) ([]*models.Entity, []*models.Relation) {
	if p.resolver == nil || len(entities) < 2 {
		return entities, relations
	}
	clusters, err := p.resolver.Resolve(ctx, entities)
	if err != nil {
		p.logger.Warn("entity resolution failed, keeping entities as extracted", map[string]interface{}{
			"error": err.Error(),
		})
		return entities, relations
	}
	if len(clusters) == 0 {
		return entities, relations
	}

	// alias key -> canonical display name
	canonical := make(map[string]string)
	merged := make(map[string]string)
	for _, cluster := range clusters {
		for _, alias := range cluster.Aliases {
			canonical[models.NormalizeEntityName(alias)] = cluster.CanonicalName
		}
		merged[models.NormalizeEntityName(cluster.CanonicalName)] = cluster.MergedDescription
	}

	entityIndex := make(map[string]*models.Entity)
	var keptEntities []*models.Entity
	for _, ent := range entities {
		key := models.NormalizeEntityName(ent.Name)
		if _, isAlias := canonical[key]; isAlias {
			continue
		}
		if desc, ok := merged[key]; ok {
			ent.Description = desc
		}
		entityIndex[key] = ent
		keptEntities = append(keptEntities, ent)
	}
	// fold alias chunk ids into their canonical entity
	for _, ent := range entities {
		key := models.NormalizeEntityName(ent.Name)
		target, ok := canonical[key]
		if !ok {
			continue
		}
		if existing, ok := entityIndex[models.NormalizeEntityName(target)]; ok {
			existing.SourceChunkIDs = models.UnionChunkIDs(existing.SourceChunkIDs, ent.SourceChunkIDs)
		}
	}

	relationIndex := make(map[storage.RelationKey]*models.Relation)
	var keptRelations []*models.Relation
	for _, rel := range relations {
		if target, ok := canonical[models.NormalizeEntityName(rel.SrcID)]; ok {
			rel.SrcID = target
		}
		if target, ok := canonical[models.NormalizeEntityName(rel.TgtID)]; ok {
			rel.TgtID = target
		}
		if models.IsSelfLoop(rel.SrcID, rel.TgtID) {
			continue
		}
		key := storage.RelationKey{
			Src: models.NormalizeEntityName(rel.SrcID),
			Tgt: models.NormalizeEntityName(rel.TgtID),
		}
		if existing, ok := relationIndex[key]; ok {
			existing.Weight += rel.Weight
			existing.Description = models.MergeDescriptions(existing.Description, rel.Description)
			existing.Keywords = models.UnionKeywords(existing.Keywords, rel.Keywords)
			existing.SourceChunkIDs = models.UnionChunkIDs(existing.SourceChunkIDs, rel.SourceChunkIDs)
			continue
		}
		relationIndex[key] = rel
		keptRelations = append(keptRelations, rel)
	}

	p.logger.Info("entity resolution applied", map[string]interface{}{
		"clusters":        len(clusters),
		"entities_before": len(entities),
		"entities_after":  len(keptEntities),
	})
	return keptEntities, keptRelations
}

func (p *Pipeline) persistGraph(ctx context.Context, projectID uuid.UUID, entities []*models.Entity, relations []*models.Relation) error {
	if err := p.store.Graph.CreateProjectGraph(ctx, projectID); err != nil {
		return fmt.Errorf("failed to ensure project graph: %w", err)
	}
	if len(entities) > 0 {
		if err := p.store.Graph.UpsertEntities(ctx, projectID, entities); err != nil {
			return fmt.Errorf("failed to upsert entities: %w", err)
		}
	}
	if len(relations) > 0 {
		if err := p.store.Graph.UpsertRelations(ctx, projectID, relations); err != nil {
			return fmt.Errorf("failed to upsert relations: %w", err)
		}
	}
	return nil
}

// persistEntityEmbeddings embeds entity names so GLOBAL and MIX queries
// can search entities by similarity. Owner id is the normalized name.
func (p *Pipeline) persistEntityEmbeddings(ctx context.Context, projectID uuid.UUID, entities []*models.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	names := make([]string, len(entities))
	for i, ent := range entities {
		names[i] = ent.Name
	}
	vectors, err := p.embedder.Embed(ctx, names)
	if err != nil {
		return fmt.Errorf("failed to embed entity names: %w", err)
	}
	if len(vectors) != len(entities) {
		return fmt.Errorf("embedder returned %d vectors for %d entities", len(vectors), len(entities))
	}

	embeddings := make([]*models.Embedding, len(entities))
	for i, ent := range entities {
		key := models.NormalizeEntityName(ent.Name)
		embeddings[i] = &models.Embedding{
			ID:        "entity:" + key,
			OwnerType: models.OwnerTypeEntity,
			OwnerID:   key,
			ProjectID: projectID,
			Content:   ent.Name,
			Vector:    vectors[i],
			Model:     p.cfg.EmbeddingModel,
		}
	}
	if err := p.store.Vectors.UpsertBatch(ctx, embeddings); err != nil {
		return fmt.Errorf("failed to persist entity embeddings: %w", err)
	}
	return nil
}

// fail records FAILED with the cause and returns the error. Partial
// writes stay: re-ingestion converges through idempotent upserts.
func (p *Pipeline) fail(ctx context.Context, status *models.DocStatus, cause error) (*models.DocStatus, error) {
	now := time.Now()
	status.Status = models.StatusFailed
	status.ErrorMessage = cause.Error()
	status.CompletedAt = &now
	if err := p.store.DocStatus.Upsert(ctx, status); err != nil {
		p.logger.Error("failed to record failure status", map[string]interface{}{
			"document_id": status.DocumentID.String(),
			"error":       err.Error(),
		})
	}
	return status, cause
}

func (p *Pipeline) finish(ctx context.Context, status *models.DocStatus, start time.Time) (*models.DocStatus, error) {
	now := time.Now()
	status.Status = models.StatusProcessed
	status.CompletedAt = &now
	if err := p.store.DocStatus.Upsert(ctx, status); err != nil {
		return nil, fmt.Errorf("failed to record processed status: %w", err)
	}
	p.logger.Info("document ingested", map[string]interface{}{
		"document_id": status.DocumentID.String(),
		"chunks":      status.Counts.Chunks,
		"entities":    status.Counts.Entities,
		"relations":   status.Counts.Relations,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return status, nil
}
