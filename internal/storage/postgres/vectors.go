package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
)

// vectorStore implements storage.VectorStorage on pgvector.
type vectorStore struct {
	s *Store
}

// vectorLiteral renders a float32 slice in pgvector's input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

type pgVectorRow struct {
	OwnerID    string     `db:"owner_id"`
	OwnerType  string     `db:"owner_type"`
	DocumentID *uuid.UUID `db:"document_id"`
	ChunkIndex *int       `db:"chunk_index"`
	Content    string     `db:"content"`
	Similarity float64    `db:"similarity"`
}

// Upsert writes one embedding, idempotent by owner id.
func (v *vectorStore) Upsert(ctx context.Context, embedding *models.Embedding) error {
	return v.UpsertBatch(ctx, []*models.Embedding{embedding})
}

// UpsertBatch writes embeddings in one transaction.
func (v *vectorStore) UpsertBatch(ctx context.Context, embeddings []*models.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	for _, e := range embeddings {
		if v.s.cfg.Dimension > 0 && len(e.Vector) != v.s.cfg.Dimension {
			return fmt.Errorf("embedding %q has dimension %d, want %d: %w",
				e.OwnerID, len(e.Vector), v.s.cfg.Dimension, storage.ErrDimensionMismatch)
		}
	}

	tx, err := v.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range embeddings {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vectors (project_id, owner_type, owner_id, document_id, chunk_index, content, embedding, model)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8)
			 ON CONFLICT (project_id, owner_id) DO UPDATE SET
				owner_type = EXCLUDED.owner_type,
				document_id = EXCLUDED.document_id,
				chunk_index = EXCLUDED.chunk_index,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				model = EXCLUDED.model`,
			e.ProjectID, string(e.OwnerType), e.OwnerID, e.DocumentID, e.ChunkIndex,
			e.Content, vectorLiteral(e.Vector), e.Model)
		if err != nil {
			return fmt.Errorf("failed to upsert embedding %q: %w", e.OwnerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit embeddings: %w", err)
	}
	return nil
}

// Query ranks by cosine similarity using the ANN index, descending, ties
// broken by owner id.
func (v *vectorStore) Query(ctx context.Context, projectID uuid.UUID, queryVector []float32, topK int, ownerType models.OwnerType) ([]storage.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}

	query := `SELECT owner_id, owner_type, document_id, chunk_index, content,
		1 - (embedding <=> $1::vector) AS similarity
		FROM vectors WHERE project_id = $2`
	args := []interface{}{vectorLiteral(queryVector), projectID}
	if ownerType != "" {
		query += ` AND owner_type = $3`
		args = append(args, string(ownerType))
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1::vector ASC, owner_id ASC LIMIT %d`, topK)

	var rows []pgVectorRow
	if err := v.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}

	matches := make([]storage.VectorMatch, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, storage.VectorMatch{
			OwnerID:    row.OwnerID,
			OwnerType:  models.OwnerType(row.OwnerType),
			DocumentID: row.DocumentID,
			ChunkIndex: row.ChunkIndex,
			Content:    row.Content,
			Similarity: row.Similarity,
		})
	}
	return matches, nil
}

// Delete removes one embedding by owner id.
func (v *vectorStore) Delete(ctx context.Context, projectID uuid.UUID, ownerID string) error {
	return v.DeleteBatch(ctx, projectID, []string{ownerID})
}

// DeleteBatch removes embeddings by owner id.
func (v *vectorStore) DeleteBatch(ctx context.Context, projectID uuid.UUID, ownerIDs []string) error {
	if len(ownerIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`DELETE FROM vectors WHERE project_id = ? AND owner_id IN (?)`, projectID, ownerIDs)
	if err != nil {
		return fmt.Errorf("failed to build vector delete: %w", err)
	}
	if _, err := v.s.db.ExecContext(ctx, v.s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

// DeleteByProject removes every embedding in the project.
func (v *vectorStore) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	if _, err := v.s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to delete project vectors: %w", err)
	}
	return nil
}

// DeleteEntityEmbeddings removes entity embeddings by entity name.
// Entity embeddings are keyed by normalized name.
func (v *vectorStore) DeleteEntityEmbeddings(ctx context.Context, projectID uuid.UUID, names []string) error {
	if len(names) == 0 {
		return nil
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, models.NormalizeEntityName(n))
	}
	query, args, err := sqlx.In(
		`DELETE FROM vectors WHERE project_id = ? AND owner_type = ? AND owner_id IN (?)`,
		projectID, string(models.OwnerTypeEntity), keys)
	if err != nil {
		return fmt.Errorf("failed to build entity embedding delete: %w", err)
	}
	if _, err := v.s.db.ExecContext(ctx, v.s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete entity embeddings: %w", err)
	}
	return nil
}

// HasVectors reports whether any embedding exists for the document.
func (v *vectorStore) HasVectors(ctx context.Context, documentID uuid.UUID) (bool, error) {
	var exists bool
	err := v.s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM vectors WHERE document_id = $1)`, documentID)
	if err != nil {
		return false, fmt.Errorf("failed to check document vectors: %w", err)
	}
	return exists, nil
}
