package storage

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// NeighborFunc returns the adjacent entity names for each of the given
// names in one batched call. Names absent from the result have no
// neighbors.
type NeighborFunc func(ctx context.Context, names []string) (map[string][]string, error)

// TraverseLevels is the shared BFS both backends build TraverseBFS on.
// It walks level by level from start: the start node is depth 0, its
// neighbors depth 1, and so on up to maxDepth. Within a level, newly
// discovered nodes are emitted in lexicographic order. maxNodes of 0
// means unlimited. Each level's neighbor query runs under levelTimeout
// when it is positive.
func TraverseLevels(ctx context.Context, start string, maxDepth, maxNodes int, levelTimeout time.Duration, neighbors NeighborFunc) ([]string, error) {
	visited := map[string]struct{}{start: {}}
	order := []string{start}
	frontier := []string{start}

	if maxNodes > 0 && len(order) >= maxNodes {
		return order[:maxNodes], nil
	}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		levelCtx := ctx
		var cancel context.CancelFunc
		if levelTimeout > 0 {
			levelCtx, cancel = context.WithTimeout(ctx, levelTimeout)
		}
		adjacency, err := neighbors(levelCtx, frontier)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to expand BFS level %d: %w", depth+1, err)
		}

		next := make([]string, 0)
		for _, node := range frontier {
			for _, nb := range adjacency[node] {
				if _, ok := visited[nb]; ok {
					continue
				}
				visited[nb] = struct{}{}
				next = append(next, nb)
			}
		}
		sort.Strings(next)

		for _, node := range next {
			order = append(order, node)
			if maxNodes > 0 && len(order) >= maxNodes {
				return order, nil
			}
		}
		frontier = next
	}
	return order, nil
}

// ShortestPathLevels finds a shortest path from src to tgt over the same
// batched neighbor function, returning the node names along the path
// inclusive of both endpoints. Lexicographic neighbor order makes the
// chosen path deterministic among equals. Returns ErrNotFound when tgt
// is unreachable.
func ShortestPathLevels(ctx context.Context, src, tgt string, neighbors NeighborFunc) ([]string, error) {
	if src == tgt {
		return []string{src}, nil
	}

	parent := map[string]string{src: ""}
	frontier := []string{src}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		adjacency, err := neighbors(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("failed to expand path search: %w", err)
		}

		next := make([]string, 0)
		for _, node := range frontier {
			nbs := append([]string(nil), adjacency[node]...)
			sort.Strings(nbs)
			for _, nb := range nbs {
				if _, seen := parent[nb]; seen {
					continue
				}
				parent[nb] = node
				if nb == tgt {
					return assemblePath(parent, src, tgt), nil
				}
				next = append(next, nb)
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return nil, ErrNotFound
}

func assemblePath(parent map[string]string, src, tgt string) []string {
	var rev []string
	for node := tgt; node != ""; node = parent[node] {
		rev = append(rev, node)
		if node == src {
			break
		}
	}
	path := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path
}
