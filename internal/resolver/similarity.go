package resolver

import (
	"strings"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// Weights is the similarity metric mix. The four components must sum to
// 1.0; config validation enforces it upstream.
type Weights struct {
	Jaccard     float64
	Containment float64
	Edit        float64
	Acronym     float64
}

// DefaultWeights returns the standard mix.
func DefaultWeights() Weights {
	return Weights{Jaccard: 0.35, Containment: 0.25, Edit: 0.30, Acronym: 0.10}
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// jaccard is |A∩B| / |A∪B| over token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// containment is |A∩B| / min(|A|, |B|) over token sets; it rewards one
// name being a subset of the other.
func containment(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	return float64(inter) / float64(shorter)
}

// editSimilarity is 1 - levenshtein(a, b) / max(len(a), len(b)), over
// runes.
func editSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// acronymScore is 1 when one name is a single token matching the first
// letters of the other multi-token name ("IBM" vs "international
// business machines"), else 0.
func acronymScore(tokensA, tokensB []string) float64 {
	if isAcronymOf(tokensA, tokensB) || isAcronymOf(tokensB, tokensA) {
		return 1
	}
	return 0
}

func isAcronymOf(short, long []string) bool {
	if len(short) != 1 || len(long) < 2 {
		return false
	}
	candidate := short[0]
	if len(candidate) != len(long) {
		return false
	}
	for i, word := range long {
		if word == "" || candidate[i] != word[0] {
			return false
		}
	}
	return true
}

// similarity scores two entity names in [0, 1]. Cheap gates reject
// obviously different pairs before the full metric mix is computed:
// a large length mismatch or differing first tokens fail the pair
// unless one name contains the other or an acronym match holds.
func similarity(nameA, nameB string, w Weights) float64 {
	na := models.NormalizeEntityName(nameA)
	nb := models.NormalizeEntityName(nameB)
	if na == nb {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}

	tokensA := strings.Fields(na)
	tokensB := strings.Fields(nb)
	acr := acronymScore(tokensA, tokensB)
	contained := strings.Contains(na, nb) || strings.Contains(nb, na)

	shorter, longer := len(na), len(nb)
	if shorter > longer {
		shorter, longer = longer, shorter
	}
	if float64(shorter)/float64(longer) < 0.5 && !contained && acr == 0 {
		return 0
	}
	if tokensA[0] != tokensB[0] && !contained && acr == 0 {
		return 0
	}

	setA, setB := tokenSet(tokensA), tokenSet(tokensB)
	jac := jaccard(setA, setB)
	cont := containment(setA, setB)
	score := w.Jaccard*jac +
		w.Containment*cont +
		w.Edit*editSimilarity(na, nb) +
		w.Acronym*acr

	// A name whose tokens all appear in the other, anchored by the same
	// leading token or full substring containment, is a short alias of
	// the longer form ("Warren Home" / "Warren Home School"). Edit
	// distance punishes the missing tokens, so containment dominates
	// the mix for those pairs.
	if cont == 1 && (contained || tokensA[0] == tokensB[0]) {
		if alias := 0.6 + 0.4*jac; alias > score {
			score = alias
		}
	}
	return score
}
