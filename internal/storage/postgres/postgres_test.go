package postgres

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphNameDerivation(t *testing.T) {
	id, err := uuid.Parse("a1b2c3d4-e5f6-7890-abcd-ef0123456789")
	require.NoError(t, err)
	assert.Equal(t, "graph_a1b2c3d4", graphName(id))
}

func TestCypherQuoteEscapesLiterals(t *testing.T) {
	assert.Equal(t, `'plain'`, cypherQuote("plain"))
	assert.Equal(t, `'it\'s'`, cypherQuote("it's"))
	assert.Equal(t, `'back\\slash'`, cypherQuote(`back\slash`))
}

func TestCypherList(t *testing.T) {
	assert.Equal(t, `[]`, cypherList(nil))
	assert.Equal(t, `['a', 'b\'c']`, cypherList([]string{"a", "b'c"}))
}

func TestAgtypeDecoding(t *testing.T) {
	assert.Equal(t, "Apple", agText([]byte(`"Apple"`)))
	assert.Equal(t, []string{"c1", "c2"}, agStrings([]byte(`["c1","c2"]`)))
	assert.Nil(t, agStrings([]byte(`not json`)))
	assert.Equal(t, 3.5, agFloat([]byte(`3.5`)))
	assert.Equal(t, float64(0), agFloat([]byte(`"oops"`)))
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,0.5,-2]", vectorLiteral([]float32{1, 0.5, -2}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}
