package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
)

// cypherQuote renders a string as a cypher literal.
func cypherQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// cypherList renders a string slice as a cypher list literal.
func cypherList(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, it := range items {
		quoted = append(quoted, cypherQuote(it))
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// agText decodes an agtype scalar string.
func agText(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// agStrings decodes an agtype list of strings.
func agStrings(raw []byte) []string {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// agFloat decodes an agtype number.
func agFloat(raw []byte) float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return f
}

// cypher wraps a cypher body in the ag_catalog call form.
func cypher(graph, body, columns string) string {
	return fmt.Sprintf(`SELECT * FROM cypher(%s, $$ %s $$) AS (%s)`,
		cypherQuote(graph), body, columns)
}

// CreateProjectGraph allocates the project's graph namespace. Idempotent.
func (s *Store) CreateProjectGraph(ctx context.Context, projectID uuid.UUID) error {
	name := graphName(projectID)
	return s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := graphExistsTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `SELECT create_graph($1)`, name); err != nil {
			return fmt.Errorf("failed to create graph %s: %w", name, err)
		}
		return nil
	})
}

// DeleteProjectGraph drops the namespace with everything in it. Idempotent.
func (s *Store) DeleteProjectGraph(ctx context.Context, projectID uuid.UUID) error {
	name := graphName(projectID)
	return s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := graphExistsTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `SELECT drop_graph($1, true)`, name); err != nil {
			return fmt.Errorf("failed to drop graph %s: %w", name, err)
		}
		return nil
	})
}

// GraphExists reports whether the project namespace exists.
func (s *Store) GraphExists(ctx context.Context, projectID uuid.UUID) (bool, error) {
	var exists bool
	err := s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		var inner error
		exists, inner = graphExistsTx(ctx, tx, graphName(projectID))
		return inner
	})
	return exists, err
}

func graphExistsTx(ctx context.Context, tx *sqlx.Tx, name string) (bool, error) {
	var one int
	err := tx.GetContext(ctx, &one, `SELECT 1 FROM ag_graph WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check graph %s: %w", name, err)
	}
	return true, nil
}

// UpsertEntity merges one entity into the project graph.
func (s *Store) UpsertEntity(ctx context.Context, projectID uuid.UUID, entity *models.Entity) error {
	return s.UpsertEntities(ctx, projectID, []*models.Entity{entity})
}

// UpsertEntities merges a batch of entities in one transaction.
func (s *Store) UpsertEntities(ctx context.Context, projectID uuid.UUID, entities []*models.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	graph := graphName(projectID)
	return s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range entities {
			if err := upsertEntityTx(ctx, tx, graph, projectID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertEntityTx(ctx context.Context, tx *sqlx.Tx, graph string, projectID uuid.UUID, e *models.Entity) error {
	key := models.NormalizeEntityName(e.Name)
	if key == "" {
		return fmt.Errorf("entity name is empty")
	}

	row := tx.QueryRowxContext(ctx, cypher(graph,
		fmt.Sprintf(`MATCH (e:Entity {name_key: %s})
			RETURN e.entity_type, e.description, e.source_chunk_ids`, cypherQuote(key)),
		"entity_type agtype, description agtype, source_chunk_ids agtype"))

	var rawType, rawDesc, rawChunks []byte
	err := row.Scan(&rawType, &rawDesc, &rawChunks)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		body := fmt.Sprintf(`CREATE (:Entity {name_key: %s, name: %s, entity_type: %s, description: %s, source_chunk_ids: %s, project_id: %s})`,
			cypherQuote(key), cypherQuote(e.Name), cypherQuote(e.Type),
			cypherQuote(e.Description), cypherList(e.SourceChunkIDs), cypherQuote(projectID.String()))
		if _, err := tx.ExecContext(ctx, cypher(graph, body, "v agtype")); err != nil {
			return fmt.Errorf("failed to create entity %q: %w", e.Name, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read entity %q: %w", e.Name, err)
	}

	entityType := agText(rawType)
	if entityType == "" {
		entityType = e.Type
	}
	description := models.MergeDescriptions(agText(rawDesc), e.Description)
	chunkIDs := models.UnionChunkIDs(agStrings(rawChunks), e.SourceChunkIDs)

	body := fmt.Sprintf(`MATCH (e:Entity {name_key: %s})
		SET e.entity_type = %s, e.description = %s, e.source_chunk_ids = %s`,
		cypherQuote(key), cypherQuote(entityType), cypherQuote(description), cypherList(chunkIDs))
	if _, err := tx.ExecContext(ctx, cypher(graph, body, "v agtype")); err != nil {
		return fmt.Errorf("failed to update entity %q: %w", e.Name, err)
	}
	return nil
}

// UpsertRelation merges one relation; self-loops are rejected.
func (s *Store) UpsertRelation(ctx context.Context, projectID uuid.UUID, relation *models.Relation) error {
	return s.UpsertRelations(ctx, projectID, []*models.Relation{relation})
}

// UpsertRelations merges a batch of relations. Self-loops anywhere fail
// the batch before any write. Missing endpoint entities are created as
// name-only placeholders so the edge always has vertices to attach to.
func (s *Store) UpsertRelations(ctx context.Context, projectID uuid.UUID, relations []*models.Relation) error {
	if len(relations) == 0 {
		return nil
	}
	for _, r := range relations {
		if models.IsSelfLoop(r.SrcID, r.TgtID) {
			return fmt.Errorf("relation %q -> %q: %w", r.SrcID, r.TgtID, storage.ErrSelfLoop)
		}
	}
	graph := graphName(projectID)
	return s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range relations {
			if err := upsertRelationTx(ctx, tx, graph, projectID, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertRelationTx(ctx context.Context, tx *sqlx.Tx, graph string, projectID uuid.UUID, r *models.Relation) error {
	srcKey := models.NormalizeEntityName(r.SrcID)
	tgtKey := models.NormalizeEntityName(r.TgtID)

	for name, key := range map[string]string{r.SrcID: srcKey, r.TgtID: tgtKey} {
		if err := ensureEntityTx(ctx, tx, graph, projectID, name, key); err != nil {
			return err
		}
	}

	row := tx.QueryRowxContext(ctx, cypher(graph,
		fmt.Sprintf(`MATCH (a:Entity {name_key: %s})-[r:RELATED_TO]->(b:Entity {name_key: %s})
			RETURN r.description, r.keywords, r.weight, r.source_chunk_ids`,
			cypherQuote(srcKey), cypherQuote(tgtKey)),
		"description agtype, keywords agtype, weight agtype, source_chunk_ids agtype"))

	var rawDesc, rawKw, rawWeight, rawChunks []byte
	err := row.Scan(&rawDesc, &rawKw, &rawWeight, &rawChunks)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		body := fmt.Sprintf(`MATCH (a:Entity {name_key: %s}), (b:Entity {name_key: %s})
			CREATE (a)-[:RELATED_TO {description: %s, keywords: %s, weight: %g, source_chunk_ids: %s, project_id: %s}]->(b)`,
			cypherQuote(srcKey), cypherQuote(tgtKey), cypherQuote(r.Description),
			cypherList(models.UnionKeywords(r.Keywords)), r.Weight,
			cypherList(r.SourceChunkIDs), cypherQuote(projectID.String()))
		if _, err := tx.ExecContext(ctx, cypher(graph, body, "v agtype")); err != nil {
			return fmt.Errorf("failed to create relation %q -> %q: %w", r.SrcID, r.TgtID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read relation %q -> %q: %w", r.SrcID, r.TgtID, err)
	}

	description := models.MergeDescriptions(agText(rawDesc), r.Description)
	keywords := models.UnionKeywords(agStrings(rawKw), r.Keywords)
	weight := agFloat(rawWeight) + r.Weight
	chunkIDs := models.UnionChunkIDs(agStrings(rawChunks), r.SourceChunkIDs)

	body := fmt.Sprintf(`MATCH (a:Entity {name_key: %s})-[r:RELATED_TO]->(b:Entity {name_key: %s})
		SET r.description = %s, r.keywords = %s, r.weight = %g, r.source_chunk_ids = %s`,
		cypherQuote(srcKey), cypherQuote(tgtKey), cypherQuote(description),
		cypherList(keywords), weight, cypherList(chunkIDs))
	if _, err := tx.ExecContext(ctx, cypher(graph, body, "v agtype")); err != nil {
		return fmt.Errorf("failed to update relation %q -> %q: %w", r.SrcID, r.TgtID, err)
	}
	return nil
}

func ensureEntityTx(ctx context.Context, tx *sqlx.Tx, graph string, projectID uuid.UUID, name, key string) error {
	row := tx.QueryRowxContext(ctx, cypher(graph,
		fmt.Sprintf(`MATCH (e:Entity {name_key: %s}) RETURN e.name`, cypherQuote(key)),
		"name agtype"))
	var raw []byte
	err := row.Scan(&raw)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check entity %q: %w", name, err)
	}
	body := fmt.Sprintf(`CREATE (:Entity {name_key: %s, name: %s, entity_type: '', description: '', source_chunk_ids: [], project_id: %s})`,
		cypherQuote(key), cypherQuote(name), cypherQuote(projectID.String()))
	if _, err := tx.ExecContext(ctx, cypher(graph, body, "v agtype")); err != nil {
		return fmt.Errorf("failed to create placeholder entity %q: %w", name, err)
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

// GetEntities fetches entities by name, batched. The result map is keyed
// by normalized name; missing names are absent.
func (s *Store) GetEntities(ctx context.Context, projectID uuid.UUID, names []string) (map[string]*models.Entity, error) {
	result := make(map[string]*models.Entity, len(names))
	keys := normalizeKeys(names)
	graph := graphName(projectID)

	err := s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := graphExistsTx(ctx, tx, graph)
		if err != nil || !exists {
			return err
		}
		for start := 0; start < len(keys); start += storage.EntityLookupBatchSize {
			end := start + storage.EntityLookupBatchSize
			if end > len(keys) {
				end = len(keys)
			}
			body := fmt.Sprintf(`MATCH (e:Entity) WHERE e.name_key IN %s
				RETURN e.name_key, e.name, e.entity_type, e.description, e.source_chunk_ids`,
				cypherList(keys[start:end]))
			rows, err := tx.QueryxContext(ctx, cypher(graph, body,
				"name_key agtype, name agtype, entity_type agtype, description agtype, source_chunk_ids agtype"))
			if err != nil {
				return fmt.Errorf("failed to fetch entities: %w", err)
			}
			for rows.Next() {
				var rawKey, rawName, rawType, rawDesc, rawChunks []byte
				if err := rows.Scan(&rawKey, &rawName, &rawType, &rawDesc, &rawChunks); err != nil {
					rows.Close()
					return fmt.Errorf("failed to scan entity row: %w", err)
				}
				result[agText(rawKey)] = &models.Entity{
					ProjectID:      projectID,
					Name:           agText(rawName),
					Type:           agText(rawType),
					Description:    agText(rawDesc),
					SourceChunkIDs: agStrings(rawChunks),
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("failed to iterate entity rows: %w", err)
			}
			rows.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetNodeDegrees returns each entity's degree; missing entities report 0.
func (s *Store) GetNodeDegrees(ctx context.Context, projectID uuid.UUID, names []string) (map[string]int, error) {
	keys := normalizeKeys(names)
	result := make(map[string]int, len(keys))
	for _, k := range keys {
		result[k] = 0
	}
	graph := graphName(projectID)

	err := s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := graphExistsTx(ctx, tx, graph)
		if err != nil || !exists {
			return err
		}
		for start := 0; start < len(keys); start += storage.DegreeLookupBatchSize {
			end := start + storage.DegreeLookupBatchSize
			if end > len(keys) {
				end = len(keys)
			}
			body := fmt.Sprintf(`MATCH (e:Entity)-[r:RELATED_TO]-() WHERE e.name_key IN %s
				RETURN e.name_key, count(r)`, cypherList(keys[start:end]))
			rows, err := tx.QueryxContext(ctx, cypher(graph, body, "name_key agtype, degree agtype"))
			if err != nil {
				return fmt.Errorf("failed to fetch node degrees: %w", err)
			}
			for rows.Next() {
				var rawKey, rawDegree []byte
				if err := rows.Scan(&rawKey, &rawDegree); err != nil {
					rows.Close()
					return fmt.Errorf("failed to scan degree row: %w", err)
				}
				result[agText(rawKey)] = int(agFloat(rawDegree))
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("failed to iterate degree rows: %w", err)
			}
			rows.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanRelationRows(rows *sqlx.Rows, projectID uuid.UUID) ([]*models.Relation, error) {
	var out []*models.Relation
	for rows.Next() {
		var rawSrc, rawTgt, rawDesc, rawKw, rawWeight, rawChunks []byte
		if err := rows.Scan(&rawSrc, &rawTgt, &rawDesc, &rawKw, &rawWeight, &rawChunks); err != nil {
			return nil, fmt.Errorf("failed to scan relation row: %w", err)
		}
		out = append(out, &models.Relation{
			ProjectID:      projectID,
			SrcID:          agText(rawSrc),
			TgtID:          agText(rawTgt),
			Description:    agText(rawDesc),
			Keywords:       agStrings(rawKw),
			Weight:         agFloat(rawWeight),
			SourceChunkIDs: agStrings(rawChunks),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relation rows: %w", err)
	}
	return out, nil
}

// GetRelationsForEntity returns every relation touching the entity.
func (s *Store) GetRelationsForEntity(ctx context.Context, projectID uuid.UUID, name string) ([]*models.Relation, error) {
	key := models.NormalizeEntityName(name)
	graph := graphName(projectID)
	var relations []*models.Relation

	err := s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := graphExistsTx(ctx, tx, graph)
		if err != nil || !exists {
			return err
		}
		body := fmt.Sprintf(`MATCH (a:Entity)-[r:RELATED_TO]->(b:Entity)
			WHERE a.name_key = %s OR b.name_key = %s
			RETURN a.name, b.name, r.description, r.keywords, r.weight, r.source_chunk_ids
			ORDER BY a.name_key, b.name_key`, cypherQuote(key), cypherQuote(key))
		rows, err := tx.QueryxContext(ctx, cypher(graph, body,
			"src agtype, tgt agtype, description agtype, keywords agtype, weight agtype, source_chunk_ids agtype"))
		if err != nil {
			return fmt.Errorf("failed to fetch relations for %q: %w", name, err)
		}
		defer rows.Close()
		relations, err = scanRelationRows(rows, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return relations, nil
}

// neighborFunc answers batched undirected adjacency queries keyed by
// display name.
func (s *Store) neighborFunc(projectID uuid.UUID) storage.NeighborFunc {
	graph := graphName(projectID)
	return func(ctx context.Context, names []string) (map[string][]string, error) {
		keyToName := make(map[string]string, len(names))
		keys := make([]string, 0, len(names))
		for _, n := range names {
			k := models.NormalizeEntityName(n)
			keyToName[k] = n
			keys = append(keys, k)
		}

		out := make(map[string][]string)
		err := s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
			body := fmt.Sprintf(`MATCH (a:Entity)-[:RELATED_TO]-(b:Entity)
				WHERE a.name_key IN %s RETURN a.name_key, b.name`, cypherList(keys))
			rows, err := tx.QueryxContext(ctx, cypher(graph, body, "name_key agtype, neighbor agtype"))
			if err != nil {
				return fmt.Errorf("failed to fetch neighbors: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var rawKey, rawNeighbor []byte
				if err := rows.Scan(&rawKey, &rawNeighbor); err != nil {
					return fmt.Errorf("failed to scan neighbor row: %w", err)
				}
				if name, ok := keyToName[agText(rawKey)]; ok {
					out[name] = append(out[name], agText(rawNeighbor))
				}
			}
			return rows.Err()
		})
		if err != nil {
			return nil, err
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

// GetEntitiesBySourceID returns entities referencing the chunk, ordered
// by normalized name.
func (s *Store) GetEntitiesBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) ([]*models.Entity, error) {
	graph := graphName(projectID)
	var out []*models.Entity

	err := s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := graphExistsTx(ctx, tx, graph)
		if err != nil || !exists {
			return err
		}
		body := fmt.Sprintf(`MATCH (e:Entity) WHERE %s IN e.source_chunk_ids
			RETURN e.name_key, e.name, e.entity_type, e.description, e.source_chunk_ids
			ORDER BY e.name_key`, cypherQuote(sourceID))
		rows, err := tx.QueryxContext(ctx, cypher(graph, body,
			"name_key agtype, name agtype, entity_type agtype, description agtype, source_chunk_ids agtype"))
		if err != nil {
			return fmt.Errorf("failed to fetch entities by source id: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rawKey, rawName, rawType, rawDesc, rawChunks []byte
			if err := rows.Scan(&rawKey, &rawName, &rawType, &rawDesc, &rawChunks); err != nil {
				return fmt.Errorf("failed to scan entity row: %w", err)
			}
			out = append(out, &models.Entity{
				ProjectID:      projectID,
				Name:           agText(rawName),
				Type:           agText(rawType),
				Description:    agText(rawDesc),
				SourceChunkIDs: agStrings(rawChunks),
			})
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate entity rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBySourceID removes entities and relations referencing the chunk.
func (s *Store) DeleteBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) error {
	graph := graphName(projectID)
	return s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := graphExistsTx(ctx, tx, graph)
		if err != nil || !exists {
			return err
		}
		edgeBody := fmt.Sprintf(`MATCH ()-[r:RELATED_TO]-() WHERE %s IN r.source_chunk_ids DELETE r`,
			cypherQuote(sourceID))
		if _, err := tx.ExecContext(ctx, cypher(graph, edgeBody, "v agtype")); err != nil {
			return fmt.Errorf("failed to delete relations by source id: %w", err)
		}
		nodeBody := fmt.Sprintf(`MATCH (e:Entity) WHERE %s IN e.source_chunk_ids DETACH DELETE e`,
			cypherQuote(sourceID))
		if _, err := tx.ExecContext(ctx, cypher(graph, nodeBody, "v agtype")); err != nil {
			return fmt.Errorf("failed to delete entities by source id: %w", err)
		}
		return nil
	})
}

// GetStats reads counts from the graph's catalog statistics and falls
// back to exact counting when the tables have never been analyzed.
func (s *Store) GetStats(ctx context.Context, projectID uuid.UUID) (*models.GraphStats, error) {
	graph := graphName(projectID)
	stats := &models.GraphStats{}

	err := s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := graphExistsTx(ctx, tx, graph)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		var entityEst, relationEst float64
		approxErr := tx.GetContext(ctx, &entityEst,
			`SELECT reltuples FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
			 WHERE n.nspname = $1 AND c.relname = 'Entity'`, graph)
		if approxErr == nil {
			approxErr = tx.GetContext(ctx, &relationEst,
				`SELECT reltuples FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
				 WHERE n.nspname = $1 AND c.relname = 'RELATED_TO'`, graph)
		}
		if approxErr == nil && entityEst >= 0 && relationEst >= 0 {
			stats.EntityCount = int64(entityEst)
			stats.RelationCount = int64(relationEst)
			stats.Approximate = true
			return nil
		}

		row := tx.QueryRowxContext(ctx, cypher(graph,
			`MATCH (e:Entity) RETURN count(e)`, "c agtype"))
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return fmt.Errorf("failed to count entities: %w", err)
		}
		stats.EntityCount = int64(agFloat(raw))

		row = tx.QueryRowxContext(ctx, cypher(graph,
			`MATCH ()-[r:RELATED_TO]->() RETURN count(r)`, "c agtype"))
		if err := row.Scan(&raw); err != nil {
			return fmt.Errorf("failed to count relations: %w", err)
		}
		stats.RelationCount = int64(agFloat(raw))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ApplyMergePlan applies the merge in one transaction.
func (s *Store) ApplyMergePlan(ctx context.Context, plan *storage.MergePlan) error {
	graph := graphName(plan.ProjectID)
	return s.withGraphTx(ctx, func(tx *sqlx.Tx) error {
		for _, rk := range plan.DeleteRelations {
			body := fmt.Sprintf(`MATCH (a:Entity {name_key: %s})-[r:RELATED_TO]->(b:Entity {name_key: %s}) DELETE r`,
				cypherQuote(models.NormalizeEntityName(rk.Src)),
				cypherQuote(models.NormalizeEntityName(rk.Tgt)))
			if _, err := tx.ExecContext(ctx, cypher(graph, body, "v agtype")); err != nil {
				return fmt.Errorf("failed to delete relation %q -> %q: %w", rk.Src, rk.Tgt, err)
			}
		}
		for _, name := range plan.SourceNames {
			body := fmt.Sprintf(`MATCH (e:Entity {name_key: %s}) DETACH DELETE e`,
				cypherQuote(models.NormalizeEntityName(name)))
			if _, err := tx.ExecContext(ctx, cypher(graph, body, "v agtype")); err != nil {
				return fmt.Errorf("failed to delete source entity %q: %w", name, err)
			}
		}
		if err := upsertEntityTx(ctx, tx, graph, plan.ProjectID, &plan.Target); err != nil {
			return err
		}
		for i := range plan.UpsertRelations {
			r := plan.UpsertRelations[i]
			if err := upsertRelationTx(ctx, tx, graph, plan.ProjectID, &r); err != nil {
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
	return keys
}
