package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestHashEmbedder_DeterministicAndNormalised(t *testing.T) {
	e := NewHashEmbedder(64)

	first, err := e.Embed(context.Background(), []string{"local inference engine", ""})
	require.NoError(t, err)
	again, err := e.Embed(context.Background(), []string{"local inference engine", ""})
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Len(t, first[0], 64)
	assert.InDelta(t, 1.0, math.Sqrt(cosine(first[0], first[0])), 1e-5)
	assert.Equal(t, make([]float32, 64), first[1], "empty text embeds to zero vector")
}

func TestHashEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	e := NewHashEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"the cat sat on the warm mat",
		"a cat sat on a warm mat",
		"quarterly revenue grew in europe",
	})
	require.NoError(t, err)

	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))
}
