// Package resolver deduplicates extracted entities that name the same
// real-world referent ("IBM" / "International Business Machines"). It
// never touches storage: the output is a set of merge clusters the merge
// service turns into plans.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// Config tunes the resolver.
type Config struct {
	// Threshold is the minimum similarity for two names to be considered
	// the same referent.
	Threshold float64

	Weights Weights

	// Workers bounds the parallel similarity computation.
	Workers int

	// BatchSize is how many candidate pairs one worker task scores.
	BatchSize int

	// MaxAliases caps the aliases absorbed into one canonical entity.
	// Overflow members stay unmerged.
	MaxAliases int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.75
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MaxAliases <= 0 {
		c.MaxAliases = 5
	}
	return c
}

// Resolver finds clusters of duplicate entities.
type Resolver struct {
	cfg    Config
	logger observability.Logger
}

// New creates a Resolver.
func New(cfg Config, logger observability.Logger) *Resolver {
	return &Resolver{cfg: cfg.withDefaults(), logger: logger.WithPrefix("resolver")}
}

type pair struct {
	i, j int
}

// Resolve groups the given entities into merge clusters. Entities are
// only compared within the same type block; clusters with a single
// member are dropped. The input is not modified.
func (r *Resolver) Resolve(ctx context.Context, entities []*models.Entity) ([]*models.MergeCluster, error) {
	if len(entities) < 2 {
		return nil, nil
	}

	// type blocking: cross-type pairs are never candidates
	blocks := make(map[string][]int)
	for i, e := range entities {
		blocks[e.Type] = append(blocks[e.Type], i)
	}

	uf := newUnionFind(len(entities))
	for _, indices := range blocks {
		if len(indices) < 2 {
			continue
		}
		if err := r.matchBlock(ctx, entities, indices, uf); err != nil {
			return nil, err
		}
	}

	clusters := r.buildClusters(entities, uf)
	if len(clusters) > 0 {
		r.logger.Info("resolved duplicate entities", map[string]interface{}{
			"entities": len(entities),
			"clusters": len(clusters),
		})
	}
	return clusters, nil
}

// matchBlock scores every pair in one type block in parallel and unions
// pairs at or above the threshold.
func (r *Resolver) matchBlock(ctx context.Context, entities []*models.Entity, indices []int, uf *unionFind) error {
	pairs := make([]pair, 0, len(indices)*(len(indices)-1)/2)
	for a := 0; a < len(indices); a++ {
		for b := a + 1; b < len(indices); b++ {
			pairs = append(pairs, pair{indices[a], indices[b]})
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for start := 0; start < len(pairs); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		batch := pairs[start:end]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var matched []pair
			for _, p := range batch {
				score := similarity(entities[p.i].Name, entities[p.j].Name, r.cfg.Weights)
				if score >= r.cfg.Threshold {
					matched = append(matched, p)
				}
			}
			if len(matched) > 0 {
				mu.Lock()
				for _, p := range matched {
					uf.union(p.i, p.j)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to score similarity block: %w", err)
	}
	return nil
}

// buildClusters converts union-find components into merge clusters,
// electing canonicals and capping aliases.
func (r *Resolver) buildClusters(entities []*models.Entity, uf *unionFind) []*models.MergeCluster {
	components := make(map[int][]int)
	for i := range entities {
		root := uf.find(i)
		components[root] = append(components[root], i)
	}

	var clusters []*models.MergeCluster
	for _, member := range components {
		if len(member) < 2 {
			continue
		}

		// canonical: longest description wins, ties break to the
		// lexicographically smaller name
		sort.Slice(member, func(a, b int) bool {
			ea, eb := entities[member[a]], entities[member[b]]
			if len(ea.Description) != len(eb.Description) {
				return len(ea.Description) > len(eb.Description)
			}
			return ea.Name < eb.Name
		})

		keep := member
		if len(keep) > r.cfg.MaxAliases+1 {
			keep = keep[:r.cfg.MaxAliases+1]
		}

		cluster := &models.MergeCluster{CanonicalName: entities[keep[0]].Name}
		descriptions := make([]string, 0, len(keep))
		for _, idx := range keep {
			cluster.Members = append(cluster.Members, *entities[idx])
			descriptions = append(descriptions, entities[idx].Description)
		}
		for _, idx := range keep[1:] {
			cluster.Aliases = append(cluster.Aliases, entities[idx].Name)
		}
		sort.Strings(cluster.Aliases)
		cluster.MergedDescription = models.MergeDescriptions(descriptions...)

		clusters = append(clusters, cluster)
	}

	sort.Slice(clusters, func(a, b int) bool {
		return clusters[a].CanonicalName < clusters[b].CanonicalName
	})
	return clusters
}

// unionFind is a standard disjoint-set with path compression and union
// by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}
