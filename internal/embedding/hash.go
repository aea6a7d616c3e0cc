package embedding

import (
	"context"
	"hash/fnv"

	"github.com/bull/offline-rag/internal/tokens"
)

// DefaultHashDimension is the vector size of HashEmbedder when unset.
const DefaultHashDimension = 384

// HashEmbedder is a deterministic, model-free embedder using signed
// feature hashing over unigrams and bigrams. It needs no server and is
// used for fully offline setups and tests.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a hashing embedder of the given dimension.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Model() string  { return "hash" }
func (h *HashEmbedder) Dimension() int { return h.dimension }

// Embed returns one L2-normalised vector per text.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dimension)
	terms := tokens.Terms(text)
	for i, term := range terms {
		h.add(v, term, 1)
		if i > 0 {
			h.add(v, terms[i-1]+" "+term, 0.5)
		}
	}
	normalize(v)
	return v
}

func (h *HashEmbedder) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dimension))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}
