// Package chunker splits documents into ordered, token-bounded chunks.
// Prose uses a sliding token window; code is split at statement
// boundaries with structural metadata attached.
package chunker

import (
	"unicode"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// Piece is one chunk before ids are assigned by the ingestion pipeline.
type Piece struct {
	Content    string
	TokenCount int
	Code       *models.CodeMetadata
}

// token is a tokenizer unit with its byte offsets in the source text.
type token struct {
	start int
	end   int
}

// tokenize splits text into word and punctuation tokens. Runs of letters
// and digits form one token; every other non-space rune is its own
// token. This is deliberately model-agnostic.
func tokenize(text string) []token {
	var tokens []token
	start := -1
	for i, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if start < 0 {
				start = i
			}
		case unicode.IsSpace(r):
			if start >= 0 {
				tokens = append(tokens, token{start, i})
				start = -1
			}
		default:
			if start >= 0 {
				tokens = append(tokens, token{start, i})
				start = -1
			}
			tokens = append(tokens, token{i, i + len(string(r))})
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{start, len(text)})
	}
	return tokens
}

// CountTokens returns the tokenizer's token count for text.
func CountTokens(text string) int {
	return len(tokenize(text))
}

// ProseChunker slides a token window of Size with Overlap tokens shared
// between consecutive chunks.
type ProseChunker struct {
	Size    int
	Overlap int
}

// NewProseChunker applies the defaults for non-positive parameters.
func NewProseChunker(size, overlap int) *ProseChunker {
	if size <= 0 {
		size = 1200
	}
	if overlap < 0 {
		overlap = 100
	}
	if overlap >= size {
		overlap = size / 12
	}
	return &ProseChunker{Size: size, Overlap: overlap}
}

// Chunk splits text into ordered pieces. Chunk content is sliced out of
// the original text between token boundaries, so inner whitespace is
// preserved bit-exactly.
func (c *ProseChunker) Chunk(text string) []Piece {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.Size - c.Overlap
	var pieces []Piece
	for start := 0; start < len(tokens); start += step {
		end := start + c.Size
		if end > len(tokens) {
			end = len(tokens)
		}
		pieces = append(pieces, Piece{
			Content:    text[tokens[start].start:tokens[end-1].end],
			TokenCount: end - start,
		})
		if end == len(tokens) {
			break
		}
	}
	return pieces
}
