package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
)

type entityRow struct {
	ProjectID      string `db:"project_id"`
	NameKey        string `db:"name_key"`
	Name           string `db:"name"`
	EntityType     string `db:"entity_type"`
	Description    string `db:"description"`
	SourceChunkIDs string `db:"source_chunk_ids"`
}

func (r entityRow) toModel(projectID uuid.UUID) *models.Entity {
	return &models.Entity{
		ProjectID:      projectID,
		Name:           r.Name,
		Type:           r.EntityType,
		Description:    r.Description,
		SourceChunkIDs: unmarshalStrings(r.SourceChunkIDs),
	}
}

type relationRow struct {
	ProjectID      string  `db:"project_id"`
	SrcKey         string  `db:"src_key"`
	TgtKey         string  `db:"tgt_key"`
	SrcID          string  `db:"src_id"`
	TgtID          string  `db:"tgt_id"`
	Description    string  `db:"description"`
	Keywords       string  `db:"keywords"`
	Weight         float64 `db:"weight"`
	SourceChunkIDs string  `db:"source_chunk_ids"`
}

func (r relationRow) toModel(projectID uuid.UUID) *models.Relation {
	return &models.Relation{
		ProjectID:      projectID,
		SrcID:          r.SrcID,
		TgtID:          r.TgtID,
		Description:    r.Description,
		Keywords:       unmarshalStrings(r.Keywords),
		Weight:         r.Weight,
		SourceChunkIDs: unmarshalStrings(r.SourceChunkIDs),
	}
}

// CreateProjectGraph registers the project namespace. Idempotent.
func (s *Store) CreateProjectGraph(ctx context.Context, projectID uuid.UUID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO graphs (project_id) VALUES (?) ON CONFLICT (project_id) DO NOTHING`,
			projectID.String())
		if err != nil {
			return fmt.Errorf("failed to create project graph: %w", err)
		}
		return nil
	})
}

// DeleteProjectGraph removes the namespace; entities and relations go
// with it via the cascade. Idempotent.
func (s *Store) DeleteProjectGraph(ctx context.Context, projectID uuid.UUID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM graphs WHERE project_id = ?`, projectID.String())
		if err != nil {
			return fmt.Errorf("failed to delete project graph: %w", err)
		}
		return nil
	})
}

// GraphExists reports whether the project namespace exists.
func (s *Store) GraphExists(ctx context.Context, projectID uuid.UUID) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one, `SELECT 1 FROM graphs WHERE project_id = ?`, projectID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check project graph: %w", err)
	}
	return true, nil
}

// UpsertEntity merges the entity into the graph keyed by normalized name.
func (s *Store) UpsertEntity(ctx context.Context, projectID uuid.UUID, entity *models.Entity) error {
	return s.UpsertEntities(ctx, projectID, []*models.Entity{entity})
}

// UpsertEntities merges a batch of entities. Existing rows merge
// descriptions and union source chunk ids.
func (s *Store) UpsertEntities(ctx context.Context, projectID uuid.UUID, entities []*models.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range entities {
			if err := upsertEntityTx(ctx, tx, projectID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertEntityTx(ctx context.Context, tx *sqlx.Tx, projectID uuid.UUID, e *models.Entity) error {
	key := models.NormalizeEntityName(e.Name)
	if key == "" {
		return fmt.Errorf("entity name is empty")
	}

	var existing entityRow
	err := tx.GetContext(ctx, &existing,
		`SELECT project_id, name_key, name, entity_type, description, source_chunk_ids
		 FROM entities WHERE project_id = ? AND name_key = ?`,
		projectID.String(), key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (project_id, name_key, name, entity_type, description, source_chunk_ids)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			projectID.String(), key, e.Name, e.Type, e.Description, marshalJSON(e.SourceChunkIDs))
		if err != nil {
			return fmt.Errorf("failed to insert entity %q: %w", e.Name, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read entity %q: %w", e.Name, err)
	}

	description := models.MergeDescriptions(existing.Description, e.Description)
	chunkIDs := models.UnionChunkIDs(unmarshalStrings(existing.SourceChunkIDs), e.SourceChunkIDs)
	entityType := existing.EntityType
	if entityType == "" {
		entityType = e.Type
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET entity_type = ?, description = ?, source_chunk_ids = ?
		 WHERE project_id = ? AND name_key = ?`,
		entityType, description, marshalJSON(chunkIDs), projectID.String(), key)
	if err != nil {
		return fmt.Errorf("failed to update entity %q: %w", e.Name, err)
	}
	return nil
}

// UpsertRelation merges one relation; self-loops are rejected.
func (s *Store) UpsertRelation(ctx context.Context, projectID uuid.UUID, relation *models.Relation) error {
	return s.UpsertRelations(ctx, projectID, []*models.Relation{relation})
}

// UpsertRelations merges a batch of relations. Self-loops anywhere in
// the batch fail the whole batch before any write.
func (s *Store) UpsertRelations(ctx context.Context, projectID uuid.UUID, relations []*models.Relation) error {
	if len(relations) == 0 {
		return nil
	}
	for _, r := range relations {
		if models.IsSelfLoop(r.SrcID, r.TgtID) {
			return fmt.Errorf("relation %q -> %q: %w", r.SrcID, r.TgtID, storage.ErrSelfLoop)
		}
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range relations {
			if err := upsertRelationTx(ctx, tx, projectID, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertRelationTx(ctx context.Context, tx *sqlx.Tx, projectID uuid.UUID, r *models.Relation) error {
	srcKey := models.NormalizeEntityName(r.SrcID)
	tgtKey := models.NormalizeEntityName(r.TgtID)

	var existing relationRow
	err := tx.GetContext(ctx, &existing,
		`SELECT project_id, src_key, tgt_key, src_id, tgt_id, description, keywords, weight, source_chunk_ids
		 FROM relations WHERE project_id = ? AND src_key = ? AND tgt_key = ?`,
		projectID.String(), srcKey, tgtKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO relations (project_id, src_key, tgt_key, src_id, tgt_id, description, keywords, weight, source_chunk_ids)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			projectID.String(), srcKey, tgtKey, r.SrcID, r.TgtID,
			r.Description, marshalJSON(models.UnionKeywords(r.Keywords)), r.Weight, marshalJSON(r.SourceChunkIDs))
		if err != nil {
			return fmt.Errorf("failed to insert relation %q -> %q: %w", r.SrcID, r.TgtID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read relation %q -> %q: %w", r.SrcID, r.TgtID, err)
	}

	description := models.MergeDescriptions(existing.Description, r.Description)
	keywords := models.UnionKeywords(unmarshalStrings(existing.Keywords), r.Keywords)
	chunkIDs := models.UnionChunkIDs(unmarshalStrings(existing.SourceChunkIDs), r.SourceChunkIDs)
	_, err = tx.ExecContext(ctx,
		`UPDATE relations SET description = ?, keywords = ?, weight = weight + ?, source_chunk_ids = ?
		 WHERE project_id = ? AND src_key = ? AND tgt_key = ?`,
		description, marshalJSON(keywords), r.Weight, marshalJSON(chunkIDs),
		projectID.String(), srcKey, tgtKey)
	if err != nil {
		return fmt.Errorf("failed to update relation %q -> %q: %w", r.SrcID, r.TgtID, err)
	}
	return nil
}

// GetEntity fetches one entity by name.
func (s *Store) GetEntity(ctx context.Context, projectID uuid.UUID, name string) (*models.Entity, error) {
	found, err := s.GetEntities(ctx, projectID, []string{name})
	if err != nil {
		return nil, err
	}
	e, ok := found[models.NormalizeEntityName(name)]
	if !ok {
		return nil, fmt.Errorf("entity %q: %w", name, storage.ErrNotFound)
	}
	return e, nil
}

// GetEntities fetches entities by name, batched. Missing names are
// simply absent from the result map, which is keyed by normalized name.
func (s *Store) GetEntities(ctx context.Context, projectID uuid.UUID, names []string) (map[string]*models.Entity, error) {
	result := make(map[string]*models.Entity, len(names))
	keys := normalizeKeys(names)

	for start := 0; start < len(keys); start += storage.EntityLookupBatchSize {
		end := start + storage.EntityLookupBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		query, args, err := sqlx.In(
			`SELECT project_id, name_key, name, entity_type, description, source_chunk_ids
			 FROM entities WHERE project_id = ? AND name_key IN (?)`,
			projectID.String(), keys[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to build entity lookup: %w", err)
		}
		var rows []entityRow
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to fetch entities: %w", err)
		}
		for _, row := range rows {
			result[row.NameKey] = row.toModel(projectID)
		}
	}
	return result, nil
}

// GetNodeDegrees returns each entity's degree; missing entities report 0.
func (s *Store) GetNodeDegrees(ctx context.Context, projectID uuid.UUID, names []string) (map[string]int, error) {
	result := make(map[string]int, len(names))
	keys := normalizeKeys(names)
	for _, k := range keys {
		result[k] = 0
	}

	for start := 0; start < len(keys); start += storage.DegreeLookupBatchSize {
		end := start + storage.DegreeLookupBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		query, args, err := sqlx.In(
			`SELECT name, count FROM (
				SELECT src_key AS name, COUNT(*) AS count FROM relations
				WHERE project_id = ? AND src_key IN (?) GROUP BY src_key
				UNION ALL
				SELECT tgt_key AS name, COUNT(*) AS count FROM relations
				WHERE project_id = ? AND tgt_key IN (?) GROUP BY tgt_key
			)`,
			projectID.String(), batch, projectID.String(), batch)
		if err != nil {
			return nil, fmt.Errorf("failed to build degree lookup: %w", err)
		}
		rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch node degrees: %w", err)
		}
		for rows.Next() {
			var name string
			var count int
			if err := rows.Scan(&name, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan degree row: %w", err)
			}
			result[name] += count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to iterate degree rows: %w", err)
		}
		rows.Close()
	}
	return result, nil
}

// GetRelationsForEntity returns every relation touching the entity.
func (s *Store) GetRelationsForEntity(ctx context.Context, projectID uuid.UUID, name string) ([]*models.Relation, error) {
	key := models.NormalizeEntityName(name)
	var rows []relationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT project_id, src_key, tgt_key, src_id, tgt_id, description, keywords, weight, source_chunk_ids
		 FROM relations WHERE project_id = ? AND (src_key = ? OR tgt_key = ?)
		 ORDER BY src_key, tgt_key`,
		projectID.String(), key, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relations for %q: %w", name, err)
	}
	out := make([]*models.Relation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel(projectID))
	}
	return out, nil
}

// neighborFunc answers batched undirected adjacency queries keyed by the
// stored display name.
func (s *Store) neighborFunc(projectID uuid.UUID) storage.NeighborFunc {
	return func(ctx context.Context, names []string) (map[string][]string, error) {
		keyToName := make(map[string]string, len(names))
		keys := make([]string, 0, len(names))
		for _, n := range names {
			k := models.NormalizeEntityName(n)
			keyToName[k] = n
			keys = append(keys, k)
		}

		query, args, err := sqlx.In(
			`SELECT src_key, tgt_key, src_id, tgt_id FROM relations
			 WHERE project_id = ? AND (src_key IN (?) OR tgt_key IN (?))`,
			projectID.String(), keys, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to build neighbor lookup: %w", err)
		}
		rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch neighbors: %w", err)
		}
		defer rows.Close()

		out := make(map[string][]string)
		for rows.Next() {
			var srcKey, tgtKey, srcID, tgtID string
			if err := rows.Scan(&srcKey, &tgtKey, &srcID, &tgtID); err != nil {
				return nil, fmt.Errorf("failed to scan neighbor row: %w", err)
			}
			if name, ok := keyToName[srcKey]; ok {
				out[name] = append(out[name], tgtID)
			}
			if name, ok := keyToName[tgtKey]; ok {
				out[name] = append(out[name], srcID)
			}
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate neighbor rows: %w", err)
		}
		return out, nil
	}
}

// TraverseBFS walks the graph level by level from startName. A missing
// start entity yields an empty result, not an error.
func (s *Store) TraverseBFS(ctx context.Context, projectID uuid.UUID, startName string, maxDepth, maxNodes int) ([]*models.Entity, error) {
	if _, err := s.GetEntity(ctx, projectID, startName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	order, err := storage.TraverseLevels(ctx, startName, maxDepth, maxNodes, s.cfg.BFSLevelTimeout, s.neighborFunc(projectID))
	if err != nil {
		return nil, err
	}

	found, err := s.GetEntities(ctx, projectID, order)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Entity, 0, len(order))
	for _, name := range order {
		if e, ok := found[models.NormalizeEntityName(name)]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindShortestPath returns the names along a shortest path.
func (s *Store) FindShortestPath(ctx context.Context, projectID uuid.UUID, src, tgt string) ([]string, error) {
	return storage.ShortestPathLevels(ctx, src, tgt, s.neighborFunc(projectID))
}

// GetEntitiesBySourceID returns entities referencing the chunk. The
// LIKE prefilter over the JSON text is confirmed against the decoded
// list to rule out substring false positives.
func (s *Store) GetEntitiesBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) ([]*models.Entity, error) {
	pattern := `%"` + sourceID + `"%`
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT project_id, name_key, name, entity_type, description, source_chunk_ids
		 FROM entities WHERE project_id = ? AND source_chunk_ids LIKE ? ORDER BY name_key`,
		projectID.String(), pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to load entities by source id: %w", err)
	}

	var out []*models.Entity
	for _, row := range rows {
		entity := row.toModel(projectID)
		for _, id := range entity.SourceChunkIDs {
			if id == sourceID {
				out = append(out, entity)
				break
			}
		}
	}
	return out, nil
}

// DeleteBySourceID removes entities and relations referencing the chunk.
func (s *Store) DeleteBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) error {
	pattern := `%"` + sourceID + `"%`
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE project_id = ? AND source_chunk_ids LIKE ?`,
			projectID.String(), pattern); err != nil {
			return fmt.Errorf("failed to delete entities by source id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relations WHERE project_id = ? AND source_chunk_ids LIKE ?`,
			projectID.String(), pattern); err != nil {
			return fmt.Errorf("failed to delete relations by source id: %w", err)
		}
		return nil
	})
}

// GetStats counts entities and relations. The embedded backend always
// counts exactly.
func (s *Store) GetStats(ctx context.Context, projectID uuid.UUID) (*models.GraphStats, error) {
	stats := &models.GraphStats{}
	if err := s.db.GetContext(ctx, &stats.EntityCount,
		`SELECT COUNT(*) FROM entities WHERE project_id = ?`, projectID.String()); err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.RelationCount,
		`SELECT COUNT(*) FROM relations WHERE project_id = ?`, projectID.String()); err != nil {
		return nil, fmt.Errorf("failed to count relations: %w", err)
	}
	return stats, nil
}

// ApplyMergePlan applies the merge in one transaction.
func (s *Store) ApplyMergePlan(ctx context.Context, plan *storage.MergePlan) error {
	pid := plan.ProjectID.String()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, rk := range plan.DeleteRelations {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM relations WHERE project_id = ? AND src_key = ? AND tgt_key = ?`,
				pid, models.NormalizeEntityName(rk.Src), models.NormalizeEntityName(rk.Tgt))
			if err != nil {
				return fmt.Errorf("failed to delete relation %q -> %q: %w", rk.Src, rk.Tgt, err)
			}
		}
		for _, name := range plan.SourceNames {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM entities WHERE project_id = ? AND name_key = ?`,
				pid, models.NormalizeEntityName(name))
			if err != nil {
				return fmt.Errorf("failed to delete source entity %q: %w", name, err)
			}
		}
		if err := upsertEntityTx(ctx, tx, plan.ProjectID, &plan.Target); err != nil {
			return err
		}
		for i := range plan.UpsertRelations {
			r := plan.UpsertRelations[i]
			if err := upsertRelationTx(ctx, tx, plan.ProjectID, &r); err != nil {
				return err
			}
		}
		return nil
	})
}

func normalizeKeys(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	keys := make([]string, 0, len(names))
	for _, n := range names {
		k := models.NormalizeEntityName(n)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
