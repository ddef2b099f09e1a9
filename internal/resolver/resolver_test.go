package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

func TestSimilarityIdenticalAfterNormalization(t *testing.T) {
	w := DefaultWeights()
	assert.Equal(t, 1.0, similarity("Apple", "  APPLE ", w))
	assert.Equal(t, 1.0, similarity("Straße", "strasse", w)) // NFKC + casefold
}

func TestSimilarityLengthGate(t *testing.T) {
	w := DefaultWeights()
	// far shorter, not contained, not an acronym
	assert.Equal(t, 0.0, similarity("Go", "Enterprise Resource Planning Suite", w))
}

func TestSimilarityFirstTokenGate(t *testing.T) {
	w := DefaultWeights()
	assert.Equal(t, 0.0, similarity("Apple Inc", "Microsoft Corp", w))
}

func TestSimilarityContainmentPassesGates(t *testing.T) {
	w := DefaultWeights()
	score := similarity("The Warren State Home", "Warren State Home", w)
	assert.Greater(t, score, 0.75)
	assert.Less(t, score, 1.0)
}

func TestSimilarityAcronym(t *testing.T) {
	w := DefaultWeights()
	// acronym passes the gates and contributes its weight
	score := similarity("IBM", "International Business Machines", w)
	assert.Greater(t, score, 0.0)

	assert.True(t, isAcronymOf([]string{"ibm"}, []string{"international", "business", "machines"}))
	assert.False(t, isAcronymOf([]string{"ibx"}, []string{"international", "business", "machines"}))
	assert.False(t, isAcronymOf([]string{"ib"}, []string{"international", "business", "machines"}))
}

func TestEditSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, editSimilarity("same", "same"))
	assert.InDelta(t, 0.8, editSimilarity("apple", "appls"), 1e-9)
	assert.Equal(t, 0.0, editSimilarity("abc", "xyz"))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, levenshtein([]rune("kitten"), []rune("sitting")))
	assert.Equal(t, 5, levenshtein([]rune(""), []rune("hello")))
}

func newEntity(name, entityType, description string) *models.Entity {
	return &models.Entity{Name: name, Type: entityType, Description: description}
}

func TestResolveClusterScenario(t *testing.T) {
	r := New(Config{}, observability.NewNoopLogger())

	entities := []*models.Entity{
		newEntity("Warren State Home", "ORGANIZATION", "institution for delinquent boys in western Pennsylvania"),
		newEntity("The Warren State Home", "ORGANIZATION", "state institution"),
		newEntity("warren state home", "ORGANIZATION", "the home"),
		newEntity("Pittsburgh", "LOCATION", "city"),
	}

	clusters, err := r.Resolve(context.Background(), entities)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	// longest description wins the canonical election
	assert.Equal(t, "Warren State Home", c.CanonicalName)
	assert.Equal(t, []string{"The Warren State Home", "warren state home"}, c.Aliases)
	require.Len(t, c.Members, 3)
	assert.Equal(t,
		"institution for delinquent boys in western Pennsylvania | state institution | the home",
		c.MergedDescription)
}

func TestResolveAliasChainCluster(t *testing.T) {
	r := New(Config{}, observability.NewNoopLogger())

	entities := []*models.Entity{
		newEntity("Warren State Home and Training School", "ORG", "state institution for delinquent boys near Warren"),
		newEntity("Warren State Home", "ORG", "institution in Warren"),
		newEntity("Warren Home", "ORG", "the home"),
		newEntity("Warren Home School", "ORG", "school wing"),
		newEntity("Warwick Home", "ORG", "unrelated residence"),
	}

	clusters, err := r.Resolve(context.Background(), entities)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, "Warren State Home and Training School", c.CanonicalName)
	require.Len(t, c.Members, 4)
	assert.Equal(t, []string{"Warren Home", "Warren Home School", "Warren State Home"}, c.Aliases)
	assert.NotContains(t, c.Aliases, "Warwick Home")
}

func TestSimilarityShortAliasDominatedByContainment(t *testing.T) {
	w := DefaultWeights()
	assert.GreaterOrEqual(t, similarity("Warren State Home", "Warren Home", w), 0.75)
	assert.GreaterOrEqual(t, similarity("Warren Home", "Warren Home School", w), 0.75)
	assert.GreaterOrEqual(t, similarity("Warren State Home and Training School", "Warren State Home", w), 0.75)
	// partial token overlap with a different leading token stays gated
	assert.Equal(t, 0.0, similarity("Warwick Home", "Warren Home", w))
}

func TestResolveTypeBlocking(t *testing.T) {
	r := New(Config{}, observability.NewNoopLogger())

	entities := []*models.Entity{
		newEntity("Mercury", "PLANET", "closest planet to the sun"),
		newEntity("Mercury", "ELEMENT", "liquid metal"),
	}

	clusters, err := r.Resolve(context.Background(), entities)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestResolveBelowThreshold(t *testing.T) {
	r := New(Config{}, observability.NewNoopLogger())

	entities := []*models.Entity{
		newEntity("Apple", "ORGANIZATION", "fruit company"),
		newEntity("Apollo", "ORGANIZATION", "space program"),
	}

	clusters, err := r.Resolve(context.Background(), entities)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestResolveMaxAliasesCapsCluster(t *testing.T) {
	r := New(Config{MaxAliases: 2}, observability.NewNoopLogger())

	// all normalize to the same key, so every pair scores 1.0
	entities := []*models.Entity{
		newEntity("ACME", "ORGANIZATION", "aaaaaaaaaa"),
		newEntity("acme", "ORGANIZATION", "aaaaaaaa"),
		newEntity("Acme", "ORGANIZATION", "aaaaaa"),
		newEntity("aCme", "ORGANIZATION", "aaaa"),
		newEntity("acMe", "ORGANIZATION", "aa"),
	}

	clusters, err := r.Resolve(context.Background(), entities)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, "ACME", c.CanonicalName)
	assert.Len(t, c.Members, 3) // canonical plus MaxAliases
	assert.Equal(t, []string{"Acme", "acme"}, c.Aliases)
}

func TestResolveCanonicalTieBreaksLexicographically(t *testing.T) {
	r := New(Config{}, observability.NewNoopLogger())

	entities := []*models.Entity{
		newEntity("zeta corp", "ORGANIZATION", "same length!"),
		newEntity("Zeta Corp", "ORGANIZATION", "equal length"),
	}

	clusters, err := r.Resolve(context.Background(), entities)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "Zeta Corp", clusters[0].CanonicalName)
}

func TestResolveTooFewEntities(t *testing.T) {
	r := New(Config{}, observability.NewNoopLogger())

	clusters, err := r.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, clusters)

	clusters, err = r.Resolve(context.Background(), []*models.Entity{newEntity("Solo", "PERSON", "")})
	require.NoError(t, err)
	assert.Nil(t, clusters)
}

func TestUnionFindComponents(t *testing.T) {
	uf := newUnionFind(5)
	uf.union(0, 1)
	uf.union(3, 4)
	uf.union(1, 3)

	assert.Equal(t, uf.find(0), uf.find(4))
	assert.NotEqual(t, uf.find(0), uf.find(2))
}
