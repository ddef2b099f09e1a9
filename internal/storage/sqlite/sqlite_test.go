package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

func newTestStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	s, err := New(Config{Path: ":memory:"}, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, s.Contracts()
}

func seedGraph(t *testing.T, s *Store, projectID uuid.UUID) {
	t.Helper()
	require.NoError(t, s.CreateProjectGraph(context.Background(), projectID))
}

func TestGraphLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()

	exists, err := s.GraphExists(ctx, pid)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.CreateProjectGraph(ctx, pid))
	require.NoError(t, s.CreateProjectGraph(ctx, pid)) // idempotent

	exists, err = s.GraphExists(ctx, pid)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.DeleteProjectGraph(ctx, pid))
	exists, err = s.GraphExists(ctx, pid)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpsertEntityMergesOnConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	seedGraph(t, s, pid)

	require.NoError(t, s.UpsertEntity(ctx, pid, &models.Entity{
		Name: "Apple Inc", Type: "ORGANIZATION",
		Description:    "technology company",
		SourceChunkIDs: []string{"chunk-1"},
	}))
	// Same entity under a different surface form of the name.
	require.NoError(t, s.UpsertEntity(ctx, pid, &models.Entity{
		Name: "  apple   INC ", Type: "ORGANIZATION",
		Description:    "maker of the iPhone",
		SourceChunkIDs: []string{"chunk-2", "chunk-1"},
	}))

	e, err := s.GetEntity(ctx, pid, "Apple Inc")
	require.NoError(t, err)
	assert.Equal(t, "technology company | maker of the iPhone", e.Description)
	assert.Equal(t, []string{"chunk-1", "chunk-2"}, e.SourceChunkIDs)

	stats, err := s.GetStats(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.EntityCount)
}

func TestUpsertRelationSumsWeightAndRejectsSelfLoop(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	seedGraph(t, s, pid)

	rel := &models.Relation{
		SrcID: "Apple", TgtID: "iPhone",
		Description: "manufactures", Keywords: []string{"Product"}, Weight: 1.5,
		SourceChunkIDs: []string{"chunk-1"},
	}
	require.NoError(t, s.UpsertRelation(ctx, pid, rel))
	require.NoError(t, s.UpsertRelation(ctx, pid, &models.Relation{
		SrcID: "Apple", TgtID: "iPhone",
		Description: "designs", Keywords: []string{"design"}, Weight: 2.0,
	}))

	rels, err := s.GetRelationsForEntity(ctx, pid, "Apple")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 3.5, rels[0].Weight)
	assert.Equal(t, []string{"product", "design"}, rels[0].Keywords)
	assert.Equal(t, "manufactures | designs", rels[0].Description)

	err = s.UpsertRelation(ctx, pid, &models.Relation{SrcID: "Apple", TgtID: " APPLE "})
	assert.ErrorIs(t, err, storage.ErrSelfLoop)
}

func TestGetEntitiesMissingNamesAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	seedGraph(t, s, pid)

	require.NoError(t, s.UpsertEntity(ctx, pid, &models.Entity{Name: "Known"}))

	found, err := s.GetEntities(ctx, pid, []string{"Known", "Unknown"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Contains(t, found, "known")

	_, err = s.GetEntity(ctx, pid, "Unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetNodeDegrees(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	seedGraph(t, s, pid)

	require.NoError(t, s.UpsertRelations(ctx, pid, []*models.Relation{
		{SrcID: "A", TgtID: "B"},
		{SrcID: "A", TgtID: "C"},
		{SrcID: "B", TgtID: "C"},
	}))

	degrees, err := s.GetNodeDegrees(ctx, pid, []string{"A", "B", "C", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 2, degrees["a"])
	assert.Equal(t, 2, degrees["b"])
	assert.Equal(t, 2, degrees["c"])
	assert.Equal(t, 0, degrees["ghost"])
}

func seedLinearChain(t *testing.T, s *Store, pid uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	names := []string{"A", "B", "C", "D", "E"}
	for _, n := range names {
		require.NoError(t, s.UpsertEntity(ctx, pid, &models.Entity{Name: n, Description: n}))
	}
	for i := 0; i+1 < len(names); i++ {
		require.NoError(t, s.UpsertRelation(ctx, pid, &models.Relation{
			SrcID: names[i], TgtID: names[i+1], Weight: 1,
		}))
	}
}

func TestTraverseBFSLinearChain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	seedGraph(t, s, pid)
	seedLinearChain(t, s, pid)

	nodes, err := s.TraverseBFS(ctx, pid, "A", 2, 0)
	require.NoError(t, err)
	var names []string
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"A", "B", "C"}, names)

	nodes, err = s.TraverseBFS(ctx, pid, "A", 10, 2)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "A", nodes[0].Name)
}

func TestTraverseBFSMissingStart(t *testing.T) {
	s, _ := newTestStore(t)
	pid := uuid.New()
	seedGraph(t, s, pid)

	nodes, err := s.TraverseBFS(context.Background(), pid, "nowhere", 3, 0)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestFindShortestPath(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	seedGraph(t, s, pid)
	seedLinearChain(t, s, pid)

	path, err := s.FindShortestPath(ctx, pid, "A", "D")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, path)

	_, err = s.FindShortestPath(ctx, pid, "A", "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplyMergePlanSelfLoopScenario(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	seedGraph(t, s, pid)

	require.NoError(t, s.UpsertEntities(ctx, pid, []*models.Entity{
		{Name: "AI", Description: "abbreviation"},
		{Name: "Artificial Intelligence", Description: "the field"},
		{Name: "ML", Description: "machine learning"},
	}))
	require.NoError(t, s.UpsertRelations(ctx, pid, []*models.Relation{
		{SrcID: "AI", TgtID: "Artificial Intelligence", Description: "same", Weight: 1},
		{SrcID: "Artificial Intelligence", TgtID: "ML", Description: "includes", Weight: 1},
	}))

	plan := &storage.MergePlan{
		ProjectID: pid,
		Target: models.Entity{
			Name:        "Artificial Intelligence",
			Description: "the field | abbreviation",
		},
		SourceNames: []string{"AI"},
		DeleteRelations: []storage.RelationKey{
			{Src: "AI", Tgt: "Artificial Intelligence"},
		},
		SelfLoopsFiltered: 1,
	}
	require.NoError(t, s.ApplyMergePlan(ctx, plan))

	_, err := s.GetEntity(ctx, pid, "AI")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rels, err := s.GetRelationsForEntity(ctx, pid, "Artificial Intelligence")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "Artificial Intelligence", rels[0].SrcID)
	assert.Equal(t, "ML", rels[0].TgtID)
}

func TestDeleteBySourceID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	seedGraph(t, s, pid)

	require.NoError(t, s.UpsertEntities(ctx, pid, []*models.Entity{
		{Name: "keep", SourceChunkIDs: []string{"chunk-keep"}},
		{Name: "drop", SourceChunkIDs: []string{"chunk-drop"}},
	}))
	require.NoError(t, s.DeleteBySourceID(ctx, pid, "chunk-drop"))

	_, err := s.GetEntity(ctx, pid, "drop")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetEntity(ctx, pid, "keep")
	assert.NoError(t, err)
}

func TestVectorQueryRankingAndIsolation(t *testing.T) {
	_, contracts := newTestStore(t)
	ctx := context.Background()
	vectors := contracts.Vectors
	p1, p2 := uuid.New(), uuid.New()
	doc1 := uuid.New()
	idx := 0

	require.NoError(t, vectors.UpsertBatch(ctx, []*models.Embedding{
		{ProjectID: p1, OwnerType: models.OwnerTypeChunk, OwnerID: "c1",
			DocumentID: &doc1, ChunkIndex: &idx, Content: "exact",
			Vector: []float32{1, 0, 0}},
		{ProjectID: p1, OwnerType: models.OwnerTypeChunk, OwnerID: "c2",
			Content: "diagonal", Vector: []float32{1, 1, 0}},
		{ProjectID: p1, OwnerType: models.OwnerTypeEntity, OwnerID: "apple",
			Content: "entity", Vector: []float32{1, 0, 0}},
		{ProjectID: p2, OwnerType: models.OwnerTypeChunk, OwnerID: "other",
			Content: "other project", Vector: []float32{1, 0, 0}},
	}))

	matches, err := vectors.Query(ctx, p1, []float32{1, 0, 0}, 10, models.OwnerTypeChunk)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "c1", matches[0].OwnerID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
	assert.Equal(t, "c2", matches[1].OwnerID)
	require.NotNil(t, matches[0].DocumentID)
	assert.Equal(t, doc1, *matches[0].DocumentID)

	// No owner filter picks up the entity embedding too, ties broken by
	// owner id ascending.
	matches, err = vectors.Query(ctx, p1, []float32{1, 0, 0}, 10, "")
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "apple", matches[0].OwnerID)
	assert.Equal(t, "c1", matches[1].OwnerID)
}

func TestVectorDimensionCheck(t *testing.T) {
	s, err := New(Config{Path: ":memory:", Dimension: 3}, observability.NewNoopLogger())
	require.NoError(t, err)
	defer s.Close()

	err = s.Contracts().Vectors.Upsert(context.Background(), &models.Embedding{
		ProjectID: uuid.New(), OwnerType: models.OwnerTypeChunk, OwnerID: "c1",
		Vector: []float32{1, 0},
	})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestHasVectorsAndEntityEmbeddingDelete(t *testing.T) {
	_, contracts := newTestStore(t)
	ctx := context.Background()
	vectors := contracts.Vectors
	pid := uuid.New()
	doc := uuid.New()

	has, err := vectors.HasVectors(ctx, doc)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, vectors.Upsert(ctx, &models.Embedding{
		ProjectID: pid, OwnerType: models.OwnerTypeChunk, OwnerID: "c1",
		DocumentID: &doc, Vector: []float32{1},
	}))
	require.NoError(t, vectors.Upsert(ctx, &models.Embedding{
		ProjectID: pid, OwnerType: models.OwnerTypeEntity,
		OwnerID: models.NormalizeEntityName("Apple Inc"), Vector: []float32{1},
	}))

	has, err = vectors.HasVectors(ctx, doc)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, vectors.DeleteEntityEmbeddings(ctx, pid, []string{"Apple Inc"}))
	matches, err := vectors.Query(ctx, pid, []float32{1}, 10, models.OwnerTypeEntity)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestKVRoundTrip(t *testing.T) {
	_, contracts := newTestStore(t)
	ctx := context.Background()
	kv := contracts.KV
	pid := uuid.New()

	require.NoError(t, kv.Set(ctx, pid, "chunks", "c1", []byte(`{"content":"hello"}`)))
	require.NoError(t, kv.Set(ctx, pid, "chunks", "c1", []byte(`{"content":"updated"}`)))

	value, err := kv.Get(ctx, pid, "chunks", "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"updated"}`, string(value))

	batch, err := kv.GetBatch(ctx, pid, "chunks", []string{"c1", "missing"})
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	_, err = kv.Get(ctx, pid, "chunks", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDocStatusRoundTrip(t *testing.T) {
	_, contracts := newTestStore(t)
	ctx := context.Background()
	statuses := contracts.DocStatus
	pid, doc := uuid.New(), uuid.New()

	require.NoError(t, statuses.Upsert(ctx, &models.DocStatus{
		DocumentID: doc, ProjectID: pid, Status: models.StatusProcessing,
	}))
	require.NoError(t, statuses.Upsert(ctx, &models.DocStatus{
		DocumentID: doc, ProjectID: pid, Status: models.StatusProcessed,
		Counts: models.DocStatusCounts{Chunks: 4, Entities: 7, Relations: 3},
	}))

	got, err := statuses.Get(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, got.Status)
	assert.Equal(t, 7, got.Counts.Entities)

	list, err := statuses.ListByProject(ctx, pid)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExtractionCacheRoundTrip(t *testing.T) {
	_, contracts := newTestStore(t)
	ctx := context.Background()
	cache := contracts.ExtractionCache
	pid := uuid.New()

	_, err := cache.Get(ctx, pid, models.CacheTypeEntityExtraction, "deadbeef")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, cache.Put(ctx, &models.ExtractionCacheEntry{
		ProjectID: pid, CacheType: models.CacheTypeEntityExtraction,
		ContentHash: "deadbeef", Result: `{"entities":[]}`, TokensUsed: 12,
	}))

	entry, err := cache.Get(ctx, pid, models.CacheTypeEntityExtraction, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, 12, entry.TokensUsed)
}

func TestCascadingProjectDelete(t *testing.T) {
	s, contracts := newTestStore(t)
	ctx := context.Background()
	pid := uuid.New()
	doc := uuid.New()
	seedGraph(t, s, pid)
	seedLinearChain(t, s, pid)

	require.NoError(t, contracts.Vectors.Upsert(ctx, &models.Embedding{
		ProjectID: pid, OwnerType: models.OwnerTypeChunk, OwnerID: "c1",
		DocumentID: &doc, Vector: []float32{1},
	}))
	require.NoError(t, contracts.KV.Set(ctx, pid, "chunks", "c1", []byte("{}")))
	require.NoError(t, contracts.DocStatus.Upsert(ctx, &models.DocStatus{
		DocumentID: doc, ProjectID: pid, Status: models.StatusProcessed,
	}))
	require.NoError(t, contracts.ExtractionCache.Put(ctx, &models.ExtractionCacheEntry{
		ProjectID: pid, CacheType: models.CacheTypeGleaning, ContentHash: "cafe", Result: "{}",
	}))

	require.NoError(t, contracts.Vectors.DeleteByProject(ctx, pid))
	require.NoError(t, s.DeleteProjectGraph(ctx, pid))
	require.NoError(t, contracts.DocStatus.DeleteByProject(ctx, pid))
	require.NoError(t, contracts.KV.DeleteByProject(ctx, pid))
	require.NoError(t, contracts.ExtractionCache.DeleteByProject(ctx, pid))

	exists, err := s.GraphExists(ctx, pid)
	require.NoError(t, err)
	assert.False(t, exists)

	has, err := contracts.Vectors.HasVectors(ctx, doc)
	require.NoError(t, err)
	assert.False(t, has)

	stats, err := s.GetStats(ctx, pid)
	require.NoError(t, err)
	assert.Zero(t, stats.EntityCount)
	assert.Zero(t, stats.RelationCount)
}
