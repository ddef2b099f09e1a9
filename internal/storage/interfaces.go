// Package storage defines the persistence contracts the ingestion
// pipeline and query engine are written against. Two backends implement
// them: postgres (distributed) and sqlite (embedded). Selection happens
// once at startup.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// Batched read sizes. Callers may pass larger slices; backends split
// internally.
const (
	EntityLookupBatchSize = 1000
	DegreeLookupBatchSize = 500
)

// RelationKey identifies a relation by its endpoints. Comparison uses
// normalized names.
type RelationKey struct {
	Src string
	Tgt string
}

// MergePlan is the precomputed outcome of merging source entities into a
// target. The merge service computes it; the backend applies it in a
// single transaction so readers never observe partial state.
type MergePlan struct {
	ProjectID uuid.UUID

	// Target is the fully merged entity to upsert.
	Target models.Entity

	// SourceNames are the entities to delete after redirecting.
	SourceNames []string

	// DeleteRelations are the pre-merge relations touching any source;
	// they are removed before the redirected set is written.
	DeleteRelations []RelationKey

	// UpsertRelations are the redirected, deduplicated relations.
	UpsertRelations []models.Relation

	// Bookkeeping for the merge.completed event.
	RelationsRedirected int
	RelationsDeduped    int
	SelfLoopsFiltered   int
}

// GraphStorage is the per-project knowledge graph contract. All
// operations are scoped to a single project; no call may touch another
// project's namespace.
type GraphStorage interface {
	// CreateProjectGraph allocates the project's graph namespace.
	// Creating an existing namespace is a no-op.
	CreateProjectGraph(ctx context.Context, projectID uuid.UUID) error

	// DeleteProjectGraph drops the namespace and everything in it.
	// Deleting a missing namespace is a no-op.
	DeleteProjectGraph(ctx context.Context, projectID uuid.UUID) error

	// GraphExists reports whether the project has a graph namespace.
	GraphExists(ctx context.Context, projectID uuid.UUID) (bool, error)

	// UpsertEntity writes an entity keyed by its normalized name. On
	// conflict, descriptions are merged and source chunk ids unioned.
	UpsertEntity(ctx context.Context, projectID uuid.UUID, entity *models.Entity) error

	// UpsertEntities is the batched form of UpsertEntity.
	UpsertEntities(ctx context.Context, projectID uuid.UUID, entities []*models.Entity) error

	// UpsertRelation writes a relation keyed by its normalized endpoint
	// pair. On conflict, weights are summed, keywords unioned, and
	// descriptions merged. Self-loops return ErrSelfLoop.
	UpsertRelation(ctx context.Context, projectID uuid.UUID, relation *models.Relation) error

	// UpsertRelations is the batched form of UpsertRelation. Self-loops
	// in the batch are rejected before any write.
	UpsertRelations(ctx context.Context, projectID uuid.UUID, relations []*models.Relation) error

	// GetEntity fetches a single entity by name. Returns ErrNotFound on
	// absence.
	GetEntity(ctx context.Context, projectID uuid.UUID, name string) (*models.Entity, error)

	// GetEntities fetches entities by name, batched internally. Missing
	// names are absent from the result, not errors. Keys in the result
	// map are normalized names.
	GetEntities(ctx context.Context, projectID uuid.UUID, names []string) (map[string]*models.Entity, error)

	// GetNodeDegrees returns the degree of each named entity, batched
	// internally. Missing entities report degree 0.
	GetNodeDegrees(ctx context.Context, projectID uuid.UUID, names []string) (map[string]int, error)

	// GetRelationsForEntity returns every relation where the entity is
	// either endpoint.
	GetRelationsForEntity(ctx context.Context, projectID uuid.UUID, name string) ([]*models.Relation, error)

	// TraverseBFS walks the graph level by level from the named entity.
	// Neighbors within a level are visited in lexicographic order.
	// maxNodes of 0 means unlimited.
	TraverseBFS(ctx context.Context, projectID uuid.UUID, startName string, maxDepth, maxNodes int) ([]*models.Entity, error)

	// FindShortestPath returns the entity names along a shortest path
	// from src to tgt, inclusive. Ties are broken by lexicographic
	// neighbor order. Returns ErrNotFound when no path exists.
	FindShortestPath(ctx context.Context, projectID uuid.UUID, src, tgt string) ([]string, error)

	// GetEntitiesBySourceID returns every entity whose sourceChunkIds
	// contain the given id, ordered by normalized name.
	GetEntitiesBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) ([]*models.Entity, error)

	// DeleteBySourceID removes every entity and relation whose
	// sourceChunkIds contain the given id.
	DeleteBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) error

	// GetStats returns entity/relation counts. Backends may answer from
	// catalog statistics and must fall back to exact counts when the
	// approximation is unavailable.
	GetStats(ctx context.Context, projectID uuid.UUID) (*models.GraphStats, error)

	// ApplyMergePlan applies a merge atomically: delete the plan's
	// relations, delete the source entities, upsert the target and the
	// redirected relations. All-or-nothing.
	ApplyMergePlan(ctx context.Context, plan *MergePlan) error
}

// VectorMatch is one similarity-search hit.
type VectorMatch struct {
	OwnerID    string
	OwnerType  models.OwnerType
	DocumentID *uuid.UUID
	ChunkIndex *int
	Content    string
	Similarity float64
}

// VectorStorage is the embedding store contract.
type VectorStorage interface {
	// Upsert writes an embedding, idempotent by owner id.
	Upsert(ctx context.Context, embedding *models.Embedding) error

	// UpsertBatch is the batched form of Upsert.
	UpsertBatch(ctx context.Context, embeddings []*models.Embedding) error

	// Query returns the topK most similar embeddings by cosine
	// similarity, descending, ties broken by owner id ascending.
	// ownerType of "" matches all owner types.
	Query(ctx context.Context, projectID uuid.UUID, queryVector []float32, topK int, ownerType models.OwnerType) ([]VectorMatch, error)

	// Delete removes one embedding by owner id.
	Delete(ctx context.Context, projectID uuid.UUID, ownerID string) error

	// DeleteBatch removes embeddings by owner id.
	DeleteBatch(ctx context.Context, projectID uuid.UUID, ownerIDs []string) error

	// DeleteByProject removes every embedding in the project.
	DeleteByProject(ctx context.Context, projectID uuid.UUID) error

	// DeleteEntityEmbeddings removes entity embeddings by entity name.
	DeleteEntityEmbeddings(ctx context.Context, projectID uuid.UUID, names []string) error

	// HasVectors reports whether any chunk embedding exists for the
	// document. Ingestion uses it as its idempotency gate.
	HasVectors(ctx context.Context, documentID uuid.UUID) (bool, error)
}

// KVStorage is a namespaced key/value store. Ingestion keeps chunk
// payloads (content plus code metadata) here so query assembly can
// rehydrate chunk text without the relational document store.
type KVStorage interface {
	Set(ctx context.Context, projectID uuid.UUID, namespace, key string, value []byte) error
	Get(ctx context.Context, projectID uuid.UUID, namespace, key string) ([]byte, error)
	GetBatch(ctx context.Context, projectID uuid.UUID, namespace string, keys []string) (map[string][]byte, error)
	Delete(ctx context.Context, projectID uuid.UUID, namespace, key string) error
	DeleteByProject(ctx context.Context, projectID uuid.UUID) error
}

// DocStatusStorage tracks per-document ingestion state.
type DocStatusStorage interface {
	Upsert(ctx context.Context, status *models.DocStatus) error
	Get(ctx context.Context, documentID uuid.UUID) (*models.DocStatus, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.DocStatus, error)
	DeleteByProject(ctx context.Context, projectID uuid.UUID) error
}

// ExtractionCacheStorage persists LLM extraction results keyed by
// (project, cacheType, contentHash).
type ExtractionCacheStorage interface {
	Get(ctx context.Context, projectID uuid.UUID, cacheType models.CacheType, contentHash string) (*models.ExtractionCacheEntry, error)
	Put(ctx context.Context, entry *models.ExtractionCacheEntry) error
	DeleteByProject(ctx context.Context, projectID uuid.UUID) error
}

// Store bundles the five contracts a backend provides.
type Store struct {
	Graph           GraphStorage
	Vectors         VectorStorage
	KV              KVStorage
	DocStatus       DocStatusStorage
	ExtractionCache ExtractionCacheStorage
}
