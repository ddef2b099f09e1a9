package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
)

// kvStore implements storage.KVStorage.
type kvStore struct {
	s *Store
}

// Set writes a value under (project, namespace, key), replacing any
// previous value.
func (k *kvStore) Set(ctx context.Context, projectID uuid.UUID, namespace, key string, value []byte) error {
	_, err := k.s.db.ExecContext(ctx,
		`INSERT INTO kv (project_id, namespace, key, value) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project_id, namespace, key) DO UPDATE SET value = EXCLUDED.value`,
		projectID, namespace, key, value)
	if err != nil {
		return fmt.Errorf("failed to set kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get reads a value. Returns ErrNotFound on absence.
func (k *kvStore) Get(ctx context.Context, projectID uuid.UUID, namespace, key string) ([]byte, error) {
	var value []byte
	err := k.s.db.GetContext(ctx, &value,
		`SELECT value FROM kv WHERE project_id = $1 AND namespace = $2 AND key = $3`,
		projectID, namespace, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kv %s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// GetBatch reads many keys; missing keys are absent from the result.
func (k *kvStore) GetBatch(ctx context.Context, projectID uuid.UUID, namespace string, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT key, value FROM kv WHERE project_id = ? AND namespace = ? AND key IN (?)`,
		projectID, namespace, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to build kv batch lookup: %w", err)
	}
	rows, err := k.s.db.QueryxContext(ctx, k.s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get kv batch: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte, len(keys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan kv row: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate kv rows: %w", err)
	}
	return out, nil
}

// Delete removes one key. Deleting a missing key is a no-op.
func (k *kvStore) Delete(ctx context.Context, projectID uuid.UUID, namespace, key string) error {
	_, err := k.s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE project_id = $1 AND namespace = $2 AND key = $3`,
		projectID, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteByProject removes every key in the project across namespaces.
func (k *kvStore) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	_, err := k.s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project kv entries: %w", err)
	}
	return nil
}

// statusStore implements storage.DocStatusStorage.
type statusStore struct {
	s *Store
}

type pgStatusRow struct {
	DocumentID   uuid.UUID  `db:"document_id"`
	ProjectID    uuid.UUID  `db:"project_id"`
	Status       string     `db:"status"`
	Chunks       int        `db:"chunks"`
	Entities     int        `db:"entities"`
	Relations    int        `db:"relations"`
	ErrorMessage string     `db:"error_message"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (r pgStatusRow) toModel() *models.DocStatus {
	return &models.DocStatus{
		DocumentID: r.DocumentID,
		ProjectID:  r.ProjectID,
		Status:     models.ProcessingStatus(r.Status),
		Counts: models.DocStatusCounts{
			Chunks:    r.Chunks,
			Entities:  r.Entities,
			Relations: r.Relations,
		},
		ErrorMessage: r.ErrorMessage,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// Upsert writes the document's ingestion status.
func (d *statusStore) Upsert(ctx context.Context, status *models.DocStatus) error {
	_, err := d.s.db.ExecContext(ctx,
		`INSERT INTO doc_status (document_id, project_id, status, chunks, entities, relations, error_message, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (document_id) DO UPDATE SET
			status = EXCLUDED.status,
			chunks = EXCLUDED.chunks,
			entities = EXCLUDED.entities,
			relations = EXCLUDED.relations,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		status.DocumentID, status.ProjectID, string(status.Status),
		status.Counts.Chunks, status.Counts.Entities, status.Counts.Relations,
		status.ErrorMessage, status.StartedAt, status.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert doc status: %w", err)
	}
	return nil
}

// Get reads a document's status. Returns ErrNotFound on absence.
func (d *statusStore) Get(ctx context.Context, documentID uuid.UUID) (*models.DocStatus, error) {
	var row pgStatusRow
	err := d.s.db.GetContext(ctx, &row,
		`SELECT document_id, project_id, status, chunks, entities, relations, error_message, started_at, completed_at
		 FROM doc_status WHERE document_id = $1`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("doc status %s: %w", documentID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get doc status: %w", err)
	}
	return row.toModel(), nil
}

// ListByProject returns every document status in the project.
func (d *statusStore) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.DocStatus, error) {
	var rows []pgStatusRow
	err := d.s.db.SelectContext(ctx, &rows,
		`SELECT document_id, project_id, status, chunks, entities, relations, error_message, started_at, completed_at
		 FROM doc_status WHERE project_id = $1 ORDER BY document_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list doc statuses: %w", err)
	}
	out := make([]*models.DocStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// DeleteByProject removes every document status in the project.
func (d *statusStore) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	_, err := d.s.db.ExecContext(ctx,
		`DELETE FROM doc_status WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project doc statuses: %w", err)
	}
	return nil
}

// cacheStore implements storage.ExtractionCacheStorage.
type cacheStore struct {
	s *Store
}

type pgCacheRow struct {
	ID          uuid.UUID `db:"id"`
	ProjectID   uuid.UUID `db:"project_id"`
	CacheType   string    `db:"cache_type"`
	ContentHash string    `db:"content_hash"`
	Result      string    `db:"result"`
	TokensUsed  int       `db:"tokens_used"`
	CreatedAt   time.Time `db:"created_at"`
}

// Get reads an extraction cache entry. Returns ErrNotFound on absence.
func (c *cacheStore) Get(ctx context.Context, projectID uuid.UUID, cacheType models.CacheType, contentHash string) (*models.ExtractionCacheEntry, error) {
	var row pgCacheRow
	err := c.s.db.GetContext(ctx, &row,
		`SELECT id, project_id, cache_type, content_hash, result, tokens_used, created_at
		 FROM extraction_cache WHERE project_id = $1 AND cache_type = $2 AND content_hash = $3`,
		projectID, string(cacheType), contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s/%s: %w", cacheType, contentHash, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &models.ExtractionCacheEntry{
		ID:          row.ID,
		ProjectID:   row.ProjectID,
		CacheType:   models.CacheType(row.CacheType),
		ContentHash: row.ContentHash,
		Result:      row.Result,
		TokensUsed:  row.TokensUsed,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// Put writes an extraction cache entry, idempotent by
// (project, cacheType, contentHash).
func (c *cacheStore) Put(ctx context.Context, entry *models.ExtractionCacheEntry) error {
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := c.s.db.ExecContext(ctx,
		`INSERT INTO extraction_cache (id, project_id, cache_type, content_hash, result, tokens_used)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (project_id, cache_type, content_hash) DO UPDATE SET
			result = EXCLUDED.result,
			tokens_used = EXCLUDED.tokens_used`,
		id, entry.ProjectID, string(entry.CacheType), entry.ContentHash,
		entry.Result, entry.TokensUsed)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteByProject removes every cache entry in the project.
func (c *cacheStore) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	_, err := c.s.db.ExecContext(ctx,
		`DELETE FROM extraction_cache WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project cache entries: %w", err)
	}
	return nil
}
