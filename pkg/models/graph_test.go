package models

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEntityName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases", "Apple Inc.", "apple inc."},
		{"collapses whitespace", "  Warren   State\tHome ", "warren state home"},
		{"nfkc compatibility forms", "Ｗａｒｒｅｎ", "warren"},
		{"case folding", "STRASSE", "strasse"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeEntityName(tt.input))
		})
	}
}

func TestIsSelfLoop(t *testing.T) {
	assert.True(t, IsSelfLoop("AI", "ai"))
	assert.True(t, IsSelfLoop("Artificial  Intelligence", "artificial intelligence"))
	assert.False(t, IsSelfLoop("AI", "Artificial Intelligence"))
}

func TestMergeDescriptions(t *testing.T) {
	merged := MergeDescriptions("a tech company", "a tech company", "founded in 1976")
	assert.Equal(t, "a tech company | founded in 1976", merged)

	// Already-merged fragments stay flat across repeated merges.
	again := MergeDescriptions(merged, "makes phones")
	assert.Equal(t, "a tech company | founded in 1976 | makes phones", again)

	// Fragment count is capped.
	var many []string
	for i := 0; i < MaxDescriptionFragments+5; i++ {
		many = append(many, fmt.Sprintf("fragment %d", i))
	}
	capped := MergeDescriptions(many...)
	assert.Len(t, splitFragments(capped), MaxDescriptionFragments)
}

func splitFragments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, DescriptionSeparator)
}

func TestUnionChunkIDs(t *testing.T) {
	got := UnionChunkIDs([]string{"a", "b"}, []string{"b", "c", ""})
	assert.Equal(t, []string{"a", "b", "c"}, got)

	// FIFO eviction keeps the most recent ids.
	var big []string
	for i := 0; i < MaxSourceChunkIDs+10; i++ {
		big = append(big, fmt.Sprintf("chunk-%d", i))
	}
	capped := UnionChunkIDs(big)
	assert.Len(t, capped, MaxSourceChunkIDs)
	assert.Equal(t, "chunk-10", capped[0])
	assert.Equal(t, fmt.Sprintf("chunk-%d", MaxSourceChunkIDs+9), capped[len(capped)-1])
}

func TestUnionKeywords(t *testing.T) {
	got := UnionKeywords([]string{"AI", "graph"}, []string{"ai", " Graph ", "rag"})
	assert.Equal(t, []string{"ai", "graph", "rag"}, got)
}
