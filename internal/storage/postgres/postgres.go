// Package postgres implements the storage contracts on PostgreSQL with
// the pgvector extension for similarity search and the AGE extension for
// per-project property graphs.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// IndexType selects the ANN index built over the vectors table.
type IndexType string

const (
	IndexHNSW    IndexType = "HNSW"
	IndexIVFFlat IndexType = "IVF_FLAT"
)

// Config controls the distributed store.
type Config struct {
	DSN string

	// Dimension is the embedding dimension; the vectors column is
	// altered to match at startup while the table is empty.
	Dimension int

	MaxConns     int
	MaxIdleConns int

	IndexType          IndexType
	HNSWM              int
	HNSWEfConstruction int
	IVFFlatLists       int

	// BFSLevelTimeout bounds each traversal level. Zero disables it.
	BFSLevelTimeout time.Duration
}

// Store implements the graph contract directly; the remaining contracts
// are facades sharing the pool.
type Store struct {
	db     *sqlx.DB
	cfg    Config
	logger observability.Logger
}

// New connects, runs migrations, adjusts the vector column dimension,
// and ensures the configured ANN index exists.
func New(ctx context.Context, cfg Config, logger observability.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db, cfg: cfg, logger: logger.WithPrefix("postgres")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureDimension(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureVectorIndex(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Contracts returns the store bundled as the five contract interfaces.
func (s *Store) Contracts() storage.Store {
	return storage.Store{
		Graph:           s,
		Vectors:         &vectorStore{s},
		KV:              &kvStore{s},
		DocStatus:       &statusStore{s},
		ExtractionCache: &cacheStore{s},
	}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ensureDimension alters the embedding column to the configured
// dimension. Only safe while the table is empty; a populated table with
// a different dimension is a configuration error.
func (s *Store) ensureDimension(ctx context.Context) error {
	if s.cfg.Dimension <= 0 {
		return nil
	}
	var current int
	err := s.db.GetContext(ctx, &current,
		`SELECT coalesce(atttypmod, -1) FROM pg_attribute
		 WHERE attrelid = 'vectors'::regclass AND attname = 'embedding'`)
	if err != nil {
		return fmt.Errorf("failed to read embedding dimension: %w", err)
	}
	if current == s.cfg.Dimension {
		return nil
	}

	var rows int
	if err := s.db.GetContext(ctx, &rows, `SELECT count(*) FROM vectors`); err != nil {
		return fmt.Errorf("failed to count vectors: %w", err)
	}
	if rows > 0 {
		return fmt.Errorf("vectors table holds dimension %d data, configured %d: %w",
			current, s.cfg.Dimension, storage.ErrDimensionMismatch)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE vectors ALTER COLUMN embedding TYPE vector(%d)`, s.cfg.Dimension))
	if err != nil {
		return fmt.Errorf("failed to alter embedding dimension: %w", err)
	}
	return nil
}

func (s *Store) ensureVectorIndex(ctx context.Context) error {
	indexType := s.cfg.IndexType
	if indexType == "" {
		indexType = IndexHNSW
	}

	var stmt string
	switch indexType {
	case IndexHNSW:
		m, ef := s.cfg.HNSWM, s.cfg.HNSWEfConstruction
		if m <= 0 {
			m = 16
		}
		if ef <= 0 {
			ef = 64
		}
		stmt = fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS vectors_embedding_hnsw ON vectors
			 USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)`, m, ef)
	case IndexIVFFlat:
		lists := s.cfg.IVFFlatLists
		if lists <= 0 {
			lists = 100
		}
		stmt = fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS vectors_embedding_ivfflat ON vectors
			 USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`, lists)
	default:
		return fmt.Errorf("unknown vector index type %q", indexType)
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	return nil
}

// graphName derives the per-project AGE graph namespace from the first
// eight hex digits of the project id.
func graphName(projectID interface{ String() string }) string {
	hex := strings.ReplaceAll(projectID.String(), "-", "")
	return "graph_" + hex[:8]
}

// withGraphTx runs fn in a transaction with the AGE extension loaded and
// ag_catalog on the search path, which cypher() requires.
func (s *Store) withGraphTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `LOAD 'age'`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to load age extension: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SET LOCAL search_path = ag_catalog, "$user", public`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to set search path: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
