package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphNeighbors(adj map[string][]string) NeighborFunc {
	return func(_ context.Context, names []string) (map[string][]string, error) {
		out := make(map[string][]string, len(names))
		for _, n := range names {
			out[n] = adj[n]
		}
		return out, nil
	}
}

func TestTraverseLevelsLinearChain(t *testing.T) {
	adj := map[string][]string{
		"A": {"B"},
		"B": {"A", "C"},
		"C": {"B", "D"},
		"D": {"C", "E"},
		"E": {"D"},
	}

	order, err := TraverseLevels(context.Background(), "A", 2, 0, 0, graphNeighbors(adj))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestTraverseLevelsNodeCap(t *testing.T) {
	adj := map[string][]string{
		"A": {"B"},
		"B": {"A", "C"},
		"C": {"B", "D"},
		"D": {"C", "E"},
		"E": {"D"},
	}

	order, err := TraverseLevels(context.Background(), "A", 10, 2, 0, graphNeighbors(adj))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestTraverseLevelsLexicographicWithinLevel(t *testing.T) {
	adj := map[string][]string{
		"hub": {"zeta", "alpha", "mid"},
		"mid": {"hub", "beta"},
	}

	order, err := TraverseLevels(context.Background(), "hub", 2, 0, 0, graphNeighbors(adj))
	require.NoError(t, err)
	assert.Equal(t, []string{"hub", "alpha", "mid", "zeta", "beta"}, order)
}

func TestTraverseLevelsCycleTerminates(t *testing.T) {
	adj := map[string][]string{
		"A": {"B"},
		"B": {"C"},
		"C": {"A"},
	}

	order, err := TraverseLevels(context.Background(), "A", 10, 0, 0, graphNeighbors(adj))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestShortestPathDeterministicTieBreak(t *testing.T) {
	// Two equal-length paths A->B->D and A->C->D; lexicographic order
	// must pick the one through B.
	adj := map[string][]string{
		"A": {"C", "B"},
		"B": {"A", "D"},
		"C": {"A", "D"},
		"D": {"B", "C"},
	}

	path, err := ShortestPathLevels(context.Background(), "A", "D", graphNeighbors(adj))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "D"}, path)
}

func TestShortestPathUnreachable(t *testing.T) {
	adj := map[string][]string{
		"A": {"B"},
		"B": {"A"},
		"Z": {},
	}

	_, err := ShortestPathLevels(context.Background(), "A", "Z", graphNeighbors(adj))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShortestPathSelf(t *testing.T) {
	path, err := ShortestPathLevels(context.Background(), "A", "A", graphNeighbors(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, path)
}
