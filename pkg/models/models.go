// Package models defines the core domain types shared by the ingestion
// pipeline, the query engine, and the storage backends.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentType identifies the source format of a document.
type DocumentType string

const (
	DocumentTypeText DocumentType = "TEXT"
	DocumentTypeCode DocumentType = "CODE"
	DocumentTypePDF  DocumentType = "PDF"
	DocumentTypeDocx DocumentType = "DOCX"
	DocumentTypeHTML DocumentType = "HTML"
	DocumentTypeWeb  DocumentType = "WEB"
)

// ProcessingStatus tracks a document through the ingestion pipeline.
type ProcessingStatus string

const (
	StatusNotProcessed ProcessingStatus = "NOT_PROCESSED"
	StatusProcessing   ProcessingStatus = "PROCESSING"
	StatusProcessed    ProcessingStatus = "PROCESSED"
	StatusFailed       ProcessingStatus = "FAILED"
)

// OwnerType identifies what kind of object an embedding belongs to.
type OwnerType string

const (
	OwnerTypeChunk    OwnerType = "CHUNK"
	OwnerTypeEntity   OwnerType = "ENTITY"
	OwnerTypeRelation OwnerType = "RELATION"
)

// CacheType partitions the extraction cache by the kind of LLM call
// whose result is stored.
type CacheType string

const (
	CacheTypeEntityExtraction  CacheType = "ENTITY_EXTRACTION"
	CacheTypeGleaning          CacheType = "GLEANING"
	CacheTypeSummarization     CacheType = "SUMMARIZATION"
	CacheTypeKeywordExtraction CacheType = "KEYWORD_EXTRACTION"
)

// ScopeType classifies the enclosing scope of a code chunk.
type ScopeType string

const (
	ScopeTypeFile     ScopeType = "FILE"
	ScopeTypeClass    ScopeType = "CLASS"
	ScopeTypeFunction ScopeType = "FUNCTION"
	ScopeTypeImport   ScopeType = "IMPORT"
	ScopeTypeOther    ScopeType = "OTHER"
)

// Document is an uploaded source owned by a project. Relational CRUD for
// documents lives outside this module; the pipeline only needs the fields
// below.
type Document struct {
	ID        uuid.UUID              `json:"id" db:"id"`
	ProjectID uuid.UUID              `json:"project_id" db:"project_id"`
	Type      DocumentType           `json:"type" db:"type"`
	FileName  string                 `json:"file_name" db:"file_name"`
	Content   string                 `json:"content" db:"content"`
	Status    ProcessingStatus       `json:"status" db:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" db:"updated_at"`
}

// CodeMetadata is attached to chunks produced by the code-aware chunker.
type CodeMetadata struct {
	Language        string    `json:"language"`
	StartLine       int       `json:"start_line"`
	EndLine         int       `json:"end_line"`
	ContainingScope string    `json:"containing_scope,omitempty"`
	ScopeType       ScopeType `json:"scope_type"`
}

// ChunkKey builds the canonical chunk id, which doubles as the citation
// tag body in query answers.
func ChunkKey(documentID uuid.UUID, index int) string {
	return fmt.Sprintf("%s:chunk-%d", documentID, index)
}

// Chunk is an ordered, token-bounded slice of a document.
// (DocumentID, ChunkIndex) is unique; ChunkIndex starts at 0.
type Chunk struct {
	ID         string        `json:"id"`
	DocumentID uuid.UUID     `json:"document_id"`
	ProjectID  uuid.UUID     `json:"project_id"`
	ChunkIndex int           `json:"chunk_index"`
	Content    string        `json:"content"`
	TokenCount int           `json:"token_count"`
	Code       *CodeMetadata `json:"code,omitempty"`
}

// Embedding is a fixed-dimension vector owned by a chunk, entity, or
// relation. It is cascade-deleted with its owner.
type Embedding struct {
	ID        string    `json:"id"`
	OwnerType OwnerType `json:"owner_type"`
	OwnerID   string    `json:"owner_id"`
	ProjectID uuid.UUID `json:"project_id"`
	// DocumentID and ChunkIndex are set for chunk embeddings only.
	DocumentID *uuid.UUID `json:"document_id,omitempty"`
	ChunkIndex *int       `json:"chunk_index,omitempty"`
	Content    string     `json:"content"`
	Vector     []float32  `json:"vector"`
	Model      string     `json:"model"`
}

// ExtractionCacheEntry stores the result of an LLM call keyed by the
// SHA-256 fingerprint of the prompt plus input.
type ExtractionCacheEntry struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ProjectID   uuid.UUID `json:"project_id" db:"project_id"`
	CacheType   CacheType `json:"cache_type" db:"cache_type"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	Result      string    `json:"result" db:"result"`
	TokensUsed  int       `json:"tokens_used" db:"tokens_used"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// DocStatusCounts aggregates what ingestion produced for a document.
type DocStatusCounts struct {
	Chunks    int `json:"chunks"`
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
}

// DocStatus records the ingestion state of a document.
type DocStatus struct {
	DocumentID   uuid.UUID        `json:"document_id"`
	ProjectID    uuid.UUID        `json:"project_id"`
	Status       ProcessingStatus `json:"status"`
	Counts       DocStatusCounts  `json:"counts"`
	ErrorMessage string           `json:"error_message,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}
