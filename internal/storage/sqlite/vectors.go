package sqlite

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
)

// vectorStore implements storage.VectorStorage.
type vectorStore struct {
	s *Store
}

type vectorRow struct {
	ProjectID  string  `db:"project_id"`
	OwnerType  string  `db:"owner_type"`
	OwnerID    string  `db:"owner_id"`
	DocumentID *string `db:"document_id"`
	ChunkIndex *int    `db:"chunk_index"`
	Content    string  `db:"content"`
	Embedding  []byte  `db:"embedding"`
	Model      string  `db:"model"`
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
	return v.s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range embeddings {
			var docID *string
			if e.DocumentID != nil {
				id := e.DocumentID.String()
				docID = &id
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO vectors (project_id, owner_type, owner_id, document_id, chunk_index, content, embedding, model)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (project_id, owner_id) DO UPDATE SET
					owner_type = excluded.owner_type,
					document_id = excluded.document_id,
					chunk_index = excluded.chunk_index,
					content = excluded.content,
					embedding = excluded.embedding,
					model = excluded.model`,
				e.ProjectID.String(), string(e.OwnerType), e.OwnerID,
				docID, e.ChunkIndex, e.Content, encodeVector(e.Vector), e.Model)
			if err != nil {
				return fmt.Errorf("failed to upsert embedding %q: %w", e.OwnerID, err)
			}
		}
		return nil
	})
}

// Query scans the project's vectors and ranks them by exact cosine
// similarity, descending, ties broken by owner id.
func (v *vectorStore) Query(ctx context.Context, projectID uuid.UUID, queryVector []float32, topK int, ownerType models.OwnerType) ([]storage.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}

	query := `SELECT project_id, owner_type, owner_id, document_id, chunk_index, content, embedding, model
		 FROM vectors WHERE project_id = ?`
	args := []interface{}{projectID.String()}
	if ownerType != "" {
		query += ` AND owner_type = ?`
		args = append(args, string(ownerType))
	}

	var rows []vectorRow
	if err := v.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to scan vectors: %w", err)
	}

	matches := make([]storage.VectorMatch, 0, len(rows))
	for _, row := range rows {
		vec := decodeVector(row.Embedding)
		if len(vec) != len(queryVector) {
			continue
		}
		m := storage.VectorMatch{
			OwnerID:    row.OwnerID,
			OwnerType:  models.OwnerType(row.OwnerType),
			Content:    row.Content,
			ChunkIndex: row.ChunkIndex,
			Similarity: cosine(queryVector, vec),
		}
		if row.DocumentID != nil {
			if id, err := uuid.Parse(*row.DocumentID); err == nil {
				m.DocumentID = &id
			}
		}
		matches = append(matches, m)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].OwnerID < matches[j].OwnerID
	})
	if len(matches) > topK {
		matches = matches[:topK]
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
	return v.s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(
			`DELETE FROM vectors WHERE project_id = ? AND owner_id IN (?)`,
			projectID.String(), ownerIDs)
		if err != nil {
			return fmt.Errorf("failed to build vector delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete embeddings: %w", err)
		}
		return nil
	})
}

// DeleteByProject removes every embedding in the project.
func (v *vectorStore) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	return v.s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM vectors WHERE project_id = ?`, projectID.String()); err != nil {
			return fmt.Errorf("failed to delete project vectors: %w", err)
		}
		return nil
	})
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
	return v.s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(
			`DELETE FROM vectors WHERE project_id = ? AND owner_type = ? AND owner_id IN (?)`,
			projectID.String(), string(models.OwnerTypeEntity), keys)
		if err != nil {
			return fmt.Errorf("failed to build entity embedding delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete entity embeddings: %w", err)
		}
		return nil
	})
}

// HasVectors reports whether any embedding exists for the document.
func (v *vectorStore) HasVectors(ctx context.Context, documentID uuid.UUID) (bool, error) {
	var count int
	err := v.s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM vectors WHERE document_id = ?`, documentID.String())
	if err != nil {
		return false, fmt.Errorf("failed to check document vectors: %w", err)
	}
	return count > 0, nil
}
