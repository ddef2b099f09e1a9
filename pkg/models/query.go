package models

import "github.com/google/uuid"

// QueryMode selects the retrieval strategy.
type QueryMode string

const (
	QueryModeNaive  QueryMode = "NAIVE"
	QueryModeLocal  QueryMode = "LOCAL"
	QueryModeGlobal QueryMode = "GLOBAL"
	QueryModeHybrid QueryMode = "HYBRID"
	QueryModeMix    QueryMode = "MIX"
)

// GraphAnswerSource labels the pseudo-chunk synthesized from the entity
// graph in GLOBAL/HYBRID/MIX modes. Its DocumentID and ChunkIndex are nil.
const GraphAnswerSource = "<Graph Answer>"

// QuerySource is one piece of context that contributed to an answer.
type QuerySource struct {
	DocumentID *uuid.UUID `json:"document_id"`
	ChunkIndex *int       `json:"chunk_index"`
	ChunkText  string     `json:"chunk_text"`
	Source     string     `json:"source"`
	Similarity *float64   `json:"similarity"`
}

// IsGraphAnswer reports whether the source is the synthesized pseudo-chunk.
func (s QuerySource) IsGraphAnswer() bool {
	return s.DocumentID == nil && s.Source == GraphAnswerSource
}

// QueryResult is the answer to a natural-language query plus the sources
// it was assembled from.
type QueryResult struct {
	Answer       string        `json:"answer"`
	Sources      []QuerySource `json:"sources"`
	Mode         QueryMode     `json:"mode"`
	TotalSources int           `json:"total_sources"`
}
