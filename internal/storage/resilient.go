package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/resilience"
)

// WithRetry wraps every contract in the store so each call runs under
// the retry schedule. Transient failures (connection loss, deadlocks,
// lock contention) are retried; permanent ones, including ErrNotFound,
// return after a single attempt with the cause preserved for errors.Is.
func WithRetry(s Store, r *resilience.Retryer) Store {
	return Store{
		Graph:           &retryGraph{next: s.Graph, r: r},
		Vectors:         &retryVectors{next: s.Vectors, r: r},
		KV:              &retryKV{next: s.KV, r: r},
		DocStatus:       &retryDocStatus{next: s.DocStatus, r: r},
		ExtractionCache: &retryExtractionCache{next: s.ExtractionCache, r: r},
	}
}

type retryGraph struct {
	next GraphStorage
	r    *resilience.Retryer
}

func (g *retryGraph) CreateProjectGraph(ctx context.Context, projectID uuid.UUID) error {
	return g.r.Do(ctx, "graph.create", func(ctx context.Context) error {
		return g.next.CreateProjectGraph(ctx, projectID)
	})
}

func (g *retryGraph) DeleteProjectGraph(ctx context.Context, projectID uuid.UUID) error {
	return g.r.Do(ctx, "graph.delete", func(ctx context.Context) error {
		return g.next.DeleteProjectGraph(ctx, projectID)
	})
}

func (g *retryGraph) GraphExists(ctx context.Context, projectID uuid.UUID) (bool, error) {
	return resilience.DoValue(ctx, g.r, "graph.exists", func(ctx context.Context) (bool, error) {
		return g.next.GraphExists(ctx, projectID)
	})
}

func (g *retryGraph) UpsertEntity(ctx context.Context, projectID uuid.UUID, entity *models.Entity) error {
	return g.r.Do(ctx, "graph.upsert_entity", func(ctx context.Context) error {
		return g.next.UpsertEntity(ctx, projectID, entity)
	})
}

func (g *retryGraph) UpsertEntities(ctx context.Context, projectID uuid.UUID, entities []*models.Entity) error {
	return g.r.Do(ctx, "graph.upsert_entities", func(ctx context.Context) error {
		return g.next.UpsertEntities(ctx, projectID, entities)
	})
}

func (g *retryGraph) UpsertRelation(ctx context.Context, projectID uuid.UUID, relation *models.Relation) error {
	return g.r.Do(ctx, "graph.upsert_relation", func(ctx context.Context) error {
		return g.next.UpsertRelation(ctx, projectID, relation)
	})
}

func (g *retryGraph) UpsertRelations(ctx context.Context, projectID uuid.UUID, relations []*models.Relation) error {
	return g.r.Do(ctx, "graph.upsert_relations", func(ctx context.Context) error {
		return g.next.UpsertRelations(ctx, projectID, relations)
	})
}

func (g *retryGraph) GetEntity(ctx context.Context, projectID uuid.UUID, name string) (*models.Entity, error) {
	return resilience.DoValue(ctx, g.r, "graph.get_entity", func(ctx context.Context) (*models.Entity, error) {
		return g.next.GetEntity(ctx, projectID, name)
	})
}

func (g *retryGraph) GetEntities(ctx context.Context, projectID uuid.UUID, names []string) (map[string]*models.Entity, error) {
	return resilience.DoValue(ctx, g.r, "graph.get_entities", func(ctx context.Context) (map[string]*models.Entity, error) {
		return g.next.GetEntities(ctx, projectID, names)
	})
}

func (g *retryGraph) GetNodeDegrees(ctx context.Context, projectID uuid.UUID, names []string) (map[string]int, error) {
	return resilience.DoValue(ctx, g.r, "graph.node_degrees", func(ctx context.Context) (map[string]int, error) {
		return g.next.GetNodeDegrees(ctx, projectID, names)
	})
}

func (g *retryGraph) GetRelationsForEntity(ctx context.Context, projectID uuid.UUID, name string) ([]*models.Relation, error) {
	return resilience.DoValue(ctx, g.r, "graph.relations_for_entity", func(ctx context.Context) ([]*models.Relation, error) {
		return g.next.GetRelationsForEntity(ctx, projectID, name)
	})
}

func (g *retryGraph) TraverseBFS(ctx context.Context, projectID uuid.UUID, startName string, maxDepth, maxNodes int) ([]*models.Entity, error) {
	return resilience.DoValue(ctx, g.r, "graph.traverse_bfs", func(ctx context.Context) ([]*models.Entity, error) {
		return g.next.TraverseBFS(ctx, projectID, startName, maxDepth, maxNodes)
	})
}

func (g *retryGraph) FindShortestPath(ctx context.Context, projectID uuid.UUID, src, tgt string) ([]string, error) {
	return resilience.DoValue(ctx, g.r, "graph.shortest_path", func(ctx context.Context) ([]string, error) {
		return g.next.FindShortestPath(ctx, projectID, src, tgt)
	})
}

func (g *retryGraph) GetEntitiesBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) ([]*models.Entity, error) {
	return resilience.DoValue(ctx, g.r, "graph.entities_by_source", func(ctx context.Context) ([]*models.Entity, error) {
		return g.next.GetEntitiesBySourceID(ctx, projectID, sourceID)
	})
}

func (g *retryGraph) DeleteBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) error {
	return g.r.Do(ctx, "graph.delete_by_source", func(ctx context.Context) error {
		return g.next.DeleteBySourceID(ctx, projectID, sourceID)
	})
}

func (g *retryGraph) GetStats(ctx context.Context, projectID uuid.UUID) (*models.GraphStats, error) {
	return resilience.DoValue(ctx, g.r, "graph.stats", func(ctx context.Context) (*models.GraphStats, error) {
		return g.next.GetStats(ctx, projectID)
	})
}

func (g *retryGraph) ApplyMergePlan(ctx context.Context, plan *MergePlan) error {
	return g.r.Do(ctx, "graph.apply_merge_plan", func(ctx context.Context) error {
		return g.next.ApplyMergePlan(ctx, plan)
	})
}

type retryVectors struct {
	next VectorStorage
	r    *resilience.Retryer
}

func (v *retryVectors) Upsert(ctx context.Context, embedding *models.Embedding) error {
	return v.r.Do(ctx, "vectors.upsert", func(ctx context.Context) error {
		return v.next.Upsert(ctx, embedding)
	})
}

func (v *retryVectors) UpsertBatch(ctx context.Context, embeddings []*models.Embedding) error {
	return v.r.Do(ctx, "vectors.upsert_batch", func(ctx context.Context) error {
		return v.next.UpsertBatch(ctx, embeddings)
	})
}

func (v *retryVectors) Query(ctx context.Context, projectID uuid.UUID, queryVector []float32, topK int, ownerType models.OwnerType) ([]VectorMatch, error) {
	return resilience.DoValue(ctx, v.r, "vectors.query", func(ctx context.Context) ([]VectorMatch, error) {
		return v.next.Query(ctx, projectID, queryVector, topK, ownerType)
	})
}

func (v *retryVectors) Delete(ctx context.Context, projectID uuid.UUID, ownerID string) error {
	return v.r.Do(ctx, "vectors.delete", func(ctx context.Context) error {
		return v.next.Delete(ctx, projectID, ownerID)
	})
}

func (v *retryVectors) DeleteBatch(ctx context.Context, projectID uuid.UUID, ownerIDs []string) error {
	return v.r.Do(ctx, "vectors.delete_batch", func(ctx context.Context) error {
		return v.next.DeleteBatch(ctx, projectID, ownerIDs)
	})
}

func (v *retryVectors) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	return v.r.Do(ctx, "vectors.delete_by_project", func(ctx context.Context) error {
		return v.next.DeleteByProject(ctx, projectID)
	})
}

func (v *retryVectors) DeleteEntityEmbeddings(ctx context.Context, projectID uuid.UUID, names []string) error {
	return v.r.Do(ctx, "vectors.delete_entity_embeddings", func(ctx context.Context) error {
		return v.next.DeleteEntityEmbeddings(ctx, projectID, names)
	})
}

func (v *retryVectors) HasVectors(ctx context.Context, documentID uuid.UUID) (bool, error) {
	return resilience.DoValue(ctx, v.r, "vectors.has_vectors", func(ctx context.Context) (bool, error) {
		return v.next.HasVectors(ctx, documentID)
	})
}

type retryKV struct {
	next KVStorage
	r    *resilience.Retryer
}

func (k *retryKV) Set(ctx context.Context, projectID uuid.UUID, namespace, key string, value []byte) error {
	return k.r.Do(ctx, "kv.set", func(ctx context.Context) error {
		return k.next.Set(ctx, projectID, namespace, key, value)
	})
}

func (k *retryKV) Get(ctx context.Context, projectID uuid.UUID, namespace, key string) ([]byte, error) {
	return resilience.DoValue(ctx, k.r, "kv.get", func(ctx context.Context) ([]byte, error) {
		return k.next.Get(ctx, projectID, namespace, key)
	})
}

func (k *retryKV) GetBatch(ctx context.Context, projectID uuid.UUID, namespace string, keys []string) (map[string][]byte, error) {
	return resilience.DoValue(ctx, k.r, "kv.get_batch", func(ctx context.Context) (map[string][]byte, error) {
		return k.next.GetBatch(ctx, projectID, namespace, keys)
	})
}

func (k *retryKV) Delete(ctx context.Context, projectID uuid.UUID, namespace, key string) error {
	return k.r.Do(ctx, "kv.delete", func(ctx context.Context) error {
		return k.next.Delete(ctx, projectID, namespace, key)
	})
}

func (k *retryKV) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	return k.r.Do(ctx, "kv.delete_by_project", func(ctx context.Context) error {
		return k.next.DeleteByProject(ctx, projectID)
	})
}

type retryDocStatus struct {
	next DocStatusStorage
	r    *resilience.Retryer
}

func (d *retryDocStatus) Upsert(ctx context.Context, status *models.DocStatus) error {
	return d.r.Do(ctx, "doc_status.upsert", func(ctx context.Context) error {
		return d.next.Upsert(ctx, status)
	})
}

func (d *retryDocStatus) Get(ctx context.Context, documentID uuid.UUID) (*models.DocStatus, error) {
	return resilience.DoValue(ctx, d.r, "doc_status.get", func(ctx context.Context) (*models.DocStatus, error) {
		return d.next.Get(ctx, documentID)
	})
}

func (d *retryDocStatus) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.DocStatus, error) {
	return resilience.DoValue(ctx, d.r, "doc_status.list", func(ctx context.Context) ([]*models.DocStatus, error) {
		return d.next.ListByProject(ctx, projectID)
	})
}

func (d *retryDocStatus) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	return d.r.Do(ctx, "doc_status.delete_by_project", func(ctx context.Context) error {
		return d.next.DeleteByProject(ctx, projectID)
	})
}

type retryExtractionCache struct {
	next ExtractionCacheStorage
	r    *resilience.Retryer
}

func (c *retryExtractionCache) Get(ctx context.Context, projectID uuid.UUID, cacheType models.CacheType, contentHash string) (*models.ExtractionCacheEntry, error) {
	return resilience.DoValue(ctx, c.r, "extraction_cache.get", func(ctx context.Context) (*models.ExtractionCacheEntry, error) {
		return c.next.Get(ctx, projectID, cacheType, contentHash)
	})
}

func (c *retryExtractionCache) Put(ctx context.Context, entry *models.ExtractionCacheEntry) error {
	return c.r.Do(ctx, "extraction_cache.put", func(ctx context.Context) error {
		return c.next.Put(ctx, entry)
	})
}

func (c *retryExtractionCache) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	return c.r.Do(ctx, "extraction_cache.delete_by_project", func(ctx context.Context) error {
		return c.next.DeleteByProject(ctx, projectID)
	})
}
