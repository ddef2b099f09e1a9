package merge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/internal/storage/sqlite"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string, op llm.Operation) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, op llm.Operation) (string, error) {
	return f.response, f.err
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(ctx context.Context, name string, fields map[string]interface{}) {
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

func seedMergeScenario(t *testing.T, ctx context.Context, st storage.Store, projectID uuid.UUID) {
	t.Helper()
	require.NoError(t, st.Graph.CreateProjectGraph(ctx, projectID))

	entities := []*models.Entity{
		{Name: "Artificial Intelligence", Type: "TECHNOLOGY", Description: "field of computer science", SourceChunkIDs: []string{"c1"}},
		{Name: "AI", Type: "TECHNOLOGY", Description: "common abbreviation", SourceChunkIDs: []string{"c2"}},
		{Name: "A.I.", Type: "TECHNOLOGY", Description: "styled abbreviation", SourceChunkIDs: []string{"c3"}},
		{Name: "Machine Learning", Type: "TECHNOLOGY", Description: "learning from data", SourceChunkIDs: []string{"c1"}},
	}
	require.NoError(t, st.Graph.UpsertEntities(ctx, projectID, entities))

	relations := []*models.Relation{
		{SrcID: "Artificial Intelligence", TgtID: "Machine Learning", Description: "includes", Keywords: []string{"research"}, Weight: 3, SourceChunkIDs: []string{"c1"}},
		{SrcID: "AI", TgtID: "Machine Learning", Description: "uses", Keywords: []string{"ml"}, Weight: 2, SourceChunkIDs: []string{"c2"}},
		{SrcID: "AI", TgtID: "Artificial Intelligence", Description: "abbreviates", Weight: 1, SourceChunkIDs: []string{"c2"}},
		{SrcID: "A.I.", TgtID: "Machine Learning", Description: "applies", Keywords: []string{"applied"}, Weight: 4, SourceChunkIDs: []string{"c3"}},
	}
	require.NoError(t, st.Graph.UpsertRelations(ctx, projectID, relations))

	embeddings := []*models.Embedding{
		{ID: "e1", OwnerType: models.OwnerTypeEntity, OwnerID: "ai", ProjectID: projectID, Content: "AI", Vector: []float32{1, 0}},
		{ID: "e2", OwnerType: models.OwnerTypeEntity, OwnerID: "a.i.", ProjectID: projectID, Content: "A.I.", Vector: []float32{0, 1}},
		{ID: "e3", OwnerType: models.OwnerTypeEntity, OwnerID: "machine learning", ProjectID: projectID, Content: "ML", Vector: []float32{1, 1}},
	}
	require.NoError(t, st.Vectors.UpsertBatch(ctx, embeddings))
}

func TestMergeEntitiesEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	projectID := uuid.New()
	seedMergeScenario(t, ctx, st, projectID)

	emitter := &recordingEmitter{}
	svc := NewService(st.Graph, st.Vectors, nil, StrategyConcatenate, observability.NewNoopLogger(), emitter)

	plan, err := svc.MergeEntities(ctx, projectID, "Artificial Intelligence", []string{"AI", "A.I."})
	require.NoError(t, err)

	assert.Equal(t, 3, plan.RelationsRedirected)
	assert.Equal(t, 1, plan.RelationsDeduped)
	assert.Equal(t, 1, plan.SelfLoopsFiltered)
	assert.Equal(t, []string{"A.I.", "AI"}, plan.SourceNames)

	// sources are gone
	_, err = st.Graph.GetEntity(ctx, projectID, "AI")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.Graph.GetEntity(ctx, projectID, "A.I.")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// target carries merged descriptions and unioned chunk ids
	target, err := st.Graph.GetEntity(ctx, projectID, "Artificial Intelligence")
	require.NoError(t, err)
	assert.Equal(t, "field of computer science | common abbreviation | styled abbreviation", target.Description)
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, target.SourceChunkIDs)

	// exactly one relation to Machine Learning: existing 3 + redirected 2 + 4
	relations, err := st.Graph.GetRelationsForEntity(ctx, projectID, "Artificial Intelligence")
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, 9.0, relations[0].Weight)
	assert.ElementsMatch(t, []string{"research", "ml", "applied"}, relations[0].Keywords)

	// source entity embeddings are dropped, others stay
	matches, err := st.Vectors.Query(ctx, projectID, []float32{1, 1}, 10, models.OwnerTypeEntity)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "machine learning", matches[0].OwnerID)

	assert.Equal(t, []string{observability.EventMergeCompleted}, emitter.events)
}

func TestPlanRejectsMissingSource(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	projectID := uuid.New()
	require.NoError(t, st.Graph.CreateProjectGraph(ctx, projectID))
	require.NoError(t, st.Graph.UpsertEntity(ctx, projectID, &models.Entity{Name: "Target", Type: "CONCEPT"}))

	svc := NewService(st.Graph, st.Vectors, nil, StrategyConcatenate, observability.NewNoopLogger(), observability.NewNoopEmitter())

	_, err := svc.Plan(ctx, projectID, "Target", []string{"Ghost"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPlanRejectsDegenerateInputs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := NewService(st.Graph, st.Vectors, nil, StrategyConcatenate, observability.NewNoopLogger(), observability.NewNoopEmitter())
	projectID := uuid.New()

	_, err := svc.Plan(ctx, projectID, "Target", []string{" TARGET "})
	assert.ErrorContains(t, err, "equals the target")

	_, err = svc.Plan(ctx, projectID, "Target", []string{"Dup", "dup"})
	assert.ErrorContains(t, err, "listed twice")

	_, err = svc.Plan(ctx, projectID, "Target", nil)
	assert.ErrorContains(t, err, "at least one source")

	_, err = svc.Plan(ctx, projectID, "  ", []string{"Src"})
	assert.ErrorContains(t, err, "target name is empty")
}

func TestDescriptionStrategies(t *testing.T) {
	ctx := context.Background()
	descriptions := []string{"", "short", "the longest description"}

	keepFirst := NewService(nil, nil, nil, StrategyKeepFirst, observability.NewNoopLogger(), observability.NewNoopEmitter())
	assert.Equal(t, "short", keepFirst.mergeDescriptions(ctx, descriptions))

	keepLongest := NewService(nil, nil, nil, StrategyKeepLongest, observability.NewNoopLogger(), observability.NewNoopEmitter())
	assert.Equal(t, "the longest description", keepLongest.mergeDescriptions(ctx, descriptions))

	concat := NewService(nil, nil, nil, "", observability.NewNoopLogger(), observability.NewNoopEmitter())
	assert.Equal(t, "short | the longest description", concat.mergeDescriptions(ctx, descriptions))
}

func TestLLMSummarizeWithFallback(t *testing.T) {
	ctx := context.Background()

	ok := NewService(nil, nil, &fakeLLM{response: " AI is a field of CS. "}, StrategyLLMSummarize, observability.NewNoopLogger(), observability.NewNoopEmitter())
	assert.Equal(t, "AI is a field of CS.", ok.mergeDescriptions(ctx, []string{"a", "b"}))

	broken := NewService(nil, nil, &fakeLLM{err: errors.New("provider down")}, StrategyLLMSummarize, observability.NewNoopLogger(), observability.NewNoopEmitter())
	assert.Equal(t, "a | b", broken.mergeDescriptions(ctx, []string{"a", "b"}))

	noClient := NewService(nil, nil, nil, StrategyLLMSummarize, observability.NewNoopLogger(), observability.NewNoopEmitter())
	assert.Equal(t, "a | b", noClient.mergeDescriptions(ctx, []string{"a", "b"}))
}

func TestMergeClusterNoAliases(t *testing.T) {
	svc := NewService(nil, nil, nil, StrategyConcatenate, observability.NewNoopLogger(), observability.NewNoopEmitter())
	plan, err := svc.MergeCluster(context.Background(), uuid.New(), &models.MergeCluster{CanonicalName: "Solo"})
	require.NoError(t, err)
	assert.Nil(t, plan)
}
