package models

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	// MaxSourceChunkIDs caps the chunk back-references an entity or
	// relation accumulates. Oldest ids are evicted first.
	MaxSourceChunkIDs = 64

	// MaxDescriptionFragments caps how many distinct description
	// fragments are kept when descriptions are merged with " | ".
	MaxDescriptionFragments = 12

	// DescriptionSeparator joins merged description fragments.
	DescriptionSeparator = " | "
)

// Entity is a named node in a project's knowledge graph. Name is stored
// as supplied; identity is (ProjectID, NormalizeEntityName(Name)).
type Entity struct {
	ProjectID      uuid.UUID `json:"project_id"`
	Name           string    `json:"entity_name"`
	Type           string    `json:"entity_type"`
	Description    string    `json:"description"`
	SourceChunkIDs []string  `json:"source_chunk_ids"`
}

// Relation is a directed edge between two entities. Self-loops
// (Src == Tgt under normalized comparison) are rejected at the storage
// layer.
type Relation struct {
	ProjectID      uuid.UUID `json:"project_id"`
	SrcID          string    `json:"src_id"`
	TgtID          string    `json:"tgt_id"`
	Description    string    `json:"description"`
	Keywords       []string  `json:"keywords"`
	Weight         float64   `json:"weight"`
	SourceChunkIDs []string  `json:"source_chunk_ids"`
}

// GraphStats summarizes a project graph. Approximate is true when the
// counts came from catalog statistics rather than exact counting.
type GraphStats struct {
	EntityCount   int64 `json:"entity_count"`
	RelationCount int64 `json:"relation_count"`
	Approximate   bool  `json:"approximate"`
}

// MergeCluster groups entities the resolver judged to be the same
// real-world referent. Never persisted.
type MergeCluster struct {
	CanonicalName     string   `json:"canonical_name"`
	Aliases           []string `json:"aliases"`
	Members           []Entity `json:"members"`
	MergedDescription string   `json:"merged_description"`
}

var foldCaser = cases.Fold()

// NormalizeEntityName produces the canonical comparison key for an entity
// name: Unicode NFKC, case-folded, internal whitespace collapsed to a
// single space, trimmed.
func NormalizeEntityName(name string) string {
	s := norm.NFKC.String(name)
	s = foldCaser.String(s)
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	return strings.Join(fields, " ")
}

// IsSelfLoop reports whether a relation connects an entity to itself
// under normalized comparison.
func IsSelfLoop(src, tgt string) bool {
	return NormalizeEntityName(src) == NormalizeEntityName(tgt)
}

// MergeDescriptions joins distinct, non-empty description fragments with
// DescriptionSeparator, preserving first-seen order and capping the
// fragment count. Fragments that already contain the separator are split
// first so repeated merges stay flat.
func MergeDescriptions(descriptions ...string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range descriptions {
		for _, frag := range strings.Split(d, DescriptionSeparator) {
			frag = strings.TrimSpace(frag)
			if frag == "" {
				continue
			}
			if _, ok := seen[frag]; ok {
				continue
			}
			seen[frag] = struct{}{}
			out = append(out, frag)
			if len(out) >= MaxDescriptionFragments {
				return strings.Join(out, DescriptionSeparator)
			}
		}
	}
	return strings.Join(out, DescriptionSeparator)
}

// UnionChunkIDs unions source chunk id lists preserving first-seen order
// and evicting from the front once MaxSourceChunkIDs is exceeded (FIFO).
func UnionChunkIDs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if len(out) > MaxSourceChunkIDs {
		out = out[len(out)-MaxSourceChunkIDs:]
	}
	return out
}

// UnionKeywords unions keyword sets, lower-cased and sorted-by-first-seen.
func UnionKeywords(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, kw := range list {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}
