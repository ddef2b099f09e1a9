package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/internal/extraction"
	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/internal/storage/sqlite"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, float32(i) * 0.1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 4 }

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	fn    func(chunk *models.Chunk) (*extraction.Result, error)
}

func (f *fakeExtractor) ExtractBatch(_ context.Context, _ uuid.UUID, chunks []*models.Chunk) *extraction.BatchResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := &extraction.BatchResult{
		Results: make(map[string]*extraction.Result, len(chunks)),
		Failed:  make(map[string]error),
	}
	for _, c := range chunks {
		result, err := f.fn(c)
		if err != nil {
			out.Failed[c.ID] = err
			continue
		}
		out.Results[c.ID] = result
	}
	return out
}

type fakeResolver struct {
	clusters []*models.MergeCluster
}

func (f *fakeResolver) Resolve(context.Context, []*models.Entity) ([]*models.MergeCluster, error) {
	return f.clusters, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(_ context.Context, name string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqlite.New(sqlite.Config{Path: ":memory:"}, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store.Contracts()
}

// standardExtract yields the same two entities and one relation from
// every chunk, so aggregation across N chunks is easy to predict.
func standardExtract(*models.Chunk) (*extraction.Result, error) {
	return &extraction.Result{
		Entities: []extraction.Entity{
			{Name: "Go", Type: "TECHNOLOGY", Description: "programming language"},
			{Name: "Google", Type: "ORGANIZATION", Description: "created Go"},
		},
		Relations: []extraction.Relation{
			{Src: "Google", Tgt: "Go", Description: "created", Keywords: []string{"origin"}, Weight: 1},
		},
	}, nil
}

func proseDoc(projectID uuid.UUID, words int) *models.Document {
	parts := make([]string, words)
	for i := range parts {
		parts[i] = fmt.Sprintf("word%d", i)
	}
	return &models.Document{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      models.DocumentTypeText,
		FileName:  "doc.txt",
		Content:   strings.Join(parts, " "),
	}
}

func TestIngestProseEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	projectID := uuid.New()
	doc := proseDoc(projectID, 20) // size 10, overlap 0 -> exactly 2 chunks

	extractor := &fakeExtractor{fn: standardExtract}
	emitter := &recordingEmitter{}
	pipeline := New(st, &fakeEmbedder{}, extractor, nil,
		Config{ChunkSize: 10}, observability.NewNoopLogger(), emitter)

	status, err := pipeline.IngestDocument(ctx, doc)
	require.NoError(t, err)

	assert.Equal(t, models.StatusProcessed, status.Status)
	assert.Equal(t, 2, status.Counts.Chunks)
	assert.Equal(t, 2, status.Counts.Entities)
	assert.Equal(t, 1, status.Counts.Relations)
	require.NotNil(t, status.StartedAt)
	require.NotNil(t, status.CompletedAt)

	has, err := st.Vectors.HasVectors(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, has)

	// chunk payload is rehydratable from KV
	payload, err := st.KV.Get(ctx, projectID, ChunkNamespace, models.ChunkKey(doc.ID, 0))
	require.NoError(t, err)
	var chunk models.Chunk
	require.NoError(t, json.Unmarshal(payload, &chunk))
	assert.Equal(t, 0, chunk.ChunkIndex)
	assert.NotEmpty(t, chunk.Content)

	// both chunks contributed to the same entity and relation
	entity, err := st.Graph.GetEntity(ctx, projectID, "Go")
	require.NoError(t, err)
	assert.Len(t, entity.SourceChunkIDs, 2)

	relations, err := st.Graph.GetRelationsForEntity(ctx, projectID, "Google")
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, 2.0, relations[0].Weight)
	assert.Equal(t, []string{"origin"}, relations[0].Keywords)

	// entity names were embedded for GLOBAL queries
	matches, err := st.Vectors.Query(ctx, projectID, []float32{1, 0, 0, 0}, 10, models.OwnerTypeEntity)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	assert.Contains(t, emitter.events, observability.EventIngestCompleted)
}

func TestIngestIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	doc := proseDoc(uuid.New(), 20)

	extractor := &fakeExtractor{fn: standardExtract}
	pipeline := New(st, &fakeEmbedder{}, extractor, nil,
		Config{ChunkSize: 10}, observability.NewNoopLogger(), observability.NewNoopEmitter())

	first, err := pipeline.IngestDocument(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessed, first.Status)

	second, err := pipeline.IngestDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, second.Status)
	assert.Equal(t, 1, extractor.calls, "reprocessing a PROCESSED document must short-circuit")
}

func TestIngestExtractionFailureThenRecovery(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	doc := proseDoc(uuid.New(), 20)

	broken := &fakeExtractor{fn: func(*models.Chunk) (*extraction.Result, error) {
		return nil, fmt.Errorf("provider down")
	}}
	pipeline := New(st, &fakeEmbedder{}, broken, nil,
		Config{ChunkSize: 10}, observability.NewNoopLogger(), observability.NewNoopEmitter())

	status, err := pipeline.IngestDocument(ctx, doc)
	require.Error(t, err)
	require.NotNil(t, status)
	assert.Equal(t, models.StatusFailed, status.Status)
	assert.Contains(t, status.ErrorMessage, "entity extraction")

	// chunks persisted before the failure stay put
	has, err := st.Vectors.HasVectors(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, has)

	// re-ingestion with a healthy extractor is the recovery path
	healthy := New(st, &fakeEmbedder{}, &fakeExtractor{fn: standardExtract}, nil,
		Config{ChunkSize: 10}, observability.NewNoopLogger(), observability.NewNoopEmitter())
	recovered, err := healthy.IngestDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, recovered.Status)
	assert.Equal(t, 2, recovered.Counts.Entities)
}

func TestIngestPartialExtractionWithinThreshold(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	doc := proseDoc(uuid.New(), 20)

	// one of two chunks fails: ratio 0.5 meets the default threshold
	extractor := &fakeExtractor{fn: func(c *models.Chunk) (*extraction.Result, error) {
		if c.ChunkIndex == 1 {
			return nil, fmt.Errorf("transient parse failure")
		}
		return standardExtract(c)
	}}
	pipeline := New(st, &fakeEmbedder{}, extractor, nil,
		Config{ChunkSize: 10}, observability.NewNoopLogger(), observability.NewNoopEmitter())

	status, err := pipeline.IngestDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, status.Status)

	entity, err := st.Graph.GetEntity(ctx, doc.ProjectID, "Go")
	require.NoError(t, err)
	assert.Len(t, entity.SourceChunkIDs, 1)
}

func TestIngestAppliesResolution(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	projectID := uuid.New()
	doc := &models.Document{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      models.DocumentTypeText,
		Content:   "Apple Inc. was founded in 1976 and Apple ships the iPhone.",
	}

	extractor := &fakeExtractor{fn: func(*models.Chunk) (*extraction.Result, error) {
		return &extraction.Result{
			Entities: []extraction.Entity{
				{Name: "Apple Inc.", Type: "COMPANY", Description: "technology giant"},
				{Name: "Apple", Type: "COMPANY", Description: "maker of the iPhone"},
				{Name: "iPhone", Type: "PRODUCT", Description: "smartphone"},
			},
			Relations: []extraction.Relation{
				{Src: "Apple", Tgt: "iPhone", Description: "ships", Weight: 2},
			},
		}, nil
	}}
	resolver := &fakeResolver{clusters: []*models.MergeCluster{{
		CanonicalName:     "Apple Inc.",
		Aliases:           []string{"Apple"},
		MergedDescription: "technology giant | maker of the iPhone",
	}}}
	pipeline := New(st, &fakeEmbedder{}, extractor, resolver,
		Config{}, observability.NewNoopLogger(), observability.NewNoopEmitter())

	status, err := pipeline.IngestDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Counts.Entities)
	assert.Equal(t, 1, status.Counts.Relations)

	// the alias never reached the graph
	_, err = st.Graph.GetEntity(ctx, projectID, "Apple")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	canonical, err := st.Graph.GetEntity(ctx, projectID, "Apple Inc.")
	require.NoError(t, err)
	assert.Equal(t, "technology giant | maker of the iPhone", canonical.Description)

	// relation endpoints were redirected to the canonical name
	relations, err := st.Graph.GetRelationsForEntity(ctx, projectID, "Apple Inc.")
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, "iphone", models.NormalizeEntityName(relations[0].TgtID))

	// no embedding for the alias either
	matches, err := st.Vectors.Query(ctx, projectID, []float32{1, 0, 0, 0}, 10, models.OwnerTypeEntity)
	require.NoError(t, err)
	owners := make([]string, 0, len(matches))
	for _, m := range matches {
		owners = append(owners, m.OwnerID)
	}
	assert.ElementsMatch(t, []string{"apple inc.", "iphone"}, owners)
}

func TestIngestEmptyDocument(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	doc := &models.Document{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Type:      models.DocumentTypeText,
		Content:   "   ",
	}

	pipeline := New(st, &fakeEmbedder{}, &fakeExtractor{fn: standardExtract}, nil,
		Config{}, observability.NewNoopLogger(), observability.NewNoopEmitter())

	status, err := pipeline.IngestDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, status.Status)
	assert.Equal(t, models.DocStatusCounts{}, status.Counts)

	has, err := st.Vectors.HasVectors(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestIngestCodeDocument(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	projectID := uuid.New()
	doc := &models.Document{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      models.DocumentTypeCode,
		FileName:  "handlers.py",
		Content:   "import os\n\ndef handler(event):\n    return os.environ\n",
	}

	pipeline := New(st, &fakeEmbedder{}, &fakeExtractor{fn: standardExtract}, nil,
		Config{}, observability.NewNoopLogger(), observability.NewNoopEmitter())

	status, err := pipeline.IngestDocument(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessed, status.Status)
	require.GreaterOrEqual(t, status.Counts.Chunks, 1)

	payload, err := st.KV.Get(ctx, projectID, ChunkNamespace, models.ChunkKey(doc.ID, 0))
	require.NoError(t, err)
	var chunk models.Chunk
	require.NoError(t, json.Unmarshal(payload, &chunk))
	require.NotNil(t, chunk.Code)
	assert.Equal(t, "python", chunk.Code.Language)
}
