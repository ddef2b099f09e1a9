// Package sqlite implements the storage contracts on a single-file
// embedded database. Vector search is exact in-memory cosine with
// per-project filtering, suitable up to roughly 100k vectors.
package sqlite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// Config controls the embedded store.
type Config struct {
	// Path is the database file, or ":memory:" for tests.
	Path string

	// Dimension is the expected embedding dimension. Zero disables the
	// check.
	Dimension int

	// BusyTimeout for lock contention. Defaults to 30s.
	BusyTimeout time.Duration

	// CacheSizeMB is the page cache size. Defaults to 64.
	CacheSizeMB int

	// BFSLevelTimeout bounds each traversal level. Zero disables it.
	BFSLevelTimeout time.Duration
}

// Store implements all five storage contracts on one database handle.
// Writes are serialized through a single mutex; readers run
// concurrently under WAL.
type Store struct {
	db      *sqlx.DB
	cfg     Config
	logger  observability.Logger
	writeMu sync.Mutex
}

// New opens (or creates) the database, applies pragmas, and ensures the
// schema exists.
func New(cfg Config, logger observability.Logger) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 30 * time.Second
	}
	if cfg.CacheSizeMB <= 0 {
		cfg.CacheSizeMB = 64
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if strings.Contains(cfg.Path, ":memory:") {
		// Each pool connection would otherwise get its own database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheSizeMB*1024),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger.WithPrefix("sqlite"),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Contracts returns the store bundled as the five contract interfaces.
// Graph methods live on Store directly; the other contracts are thin
// facades over the same handle.
func (s *Store) Contracts() storage.Store {
	return storage.Store{
		Graph:           s,
		Vectors:         &vectorStore{s},
		KV:              &kvStore{s},
		DocStatus:       &statusStore{s},
		ExtractionCache: &cacheStore{s},
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS graphs (
	project_id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entities (
	project_id       TEXT NOT NULL,
	name_key         TEXT NOT NULL,
	name             TEXT NOT NULL,
	entity_type      TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	source_chunk_ids TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (project_id, name_key),
	FOREIGN KEY (project_id) REFERENCES graphs(project_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS relations (
	project_id       TEXT NOT NULL,
	src_key          TEXT NOT NULL,
	tgt_key          TEXT NOT NULL,
	src_id           TEXT NOT NULL,
	tgt_id           TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	keywords         TEXT NOT NULL DEFAULT '[]',
	weight           REAL NOT NULL DEFAULT 0,
	source_chunk_ids TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (project_id, src_key, tgt_key),
	FOREIGN KEY (project_id) REFERENCES graphs(project_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS relations_tgt ON relations(project_id, tgt_key);

CREATE TABLE IF NOT EXISTS vectors (
	project_id  TEXT NOT NULL,
	owner_type  TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	document_id TEXT,
	chunk_index INTEGER,
	content     TEXT NOT NULL DEFAULT '',
	embedding   BLOB NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, owner_id)
);
CREATE INDEX IF NOT EXISTS vectors_document ON vectors(document_id);

CREATE TABLE IF NOT EXISTS kv (
	project_id TEXT NOT NULL,
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	PRIMARY KEY (project_id, namespace, key)
);

CREATE TABLE IF NOT EXISTS doc_status (
	document_id   TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	chunks        INTEGER NOT NULL DEFAULT 0,
	entities      INTEGER NOT NULL DEFAULT 0,
	relations     INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS doc_status_project ON doc_status(project_id);

CREATE TABLE IF NOT EXISTS extraction_cache (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	cache_type   TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	result       TEXT NOT NULL,
	tokens_used  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (project_id, cache_type, content_hash)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// encodeVector packs a float32 slice as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a little-endian float32 blob.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosine returns the cosine similarity of two equal-length vectors, or 0
// when either has zero norm.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// withTx runs fn inside a write transaction, serialized against other
// writers.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
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
