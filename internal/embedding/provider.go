// Package embedding maps text to fixed-dimension dense vectors.
package embedding

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable means the embedding backend could not serve a batch.
var ErrUnavailable = errors.New("embedding unavailable")

// Provider embeds batches of text. The result has one vector per input,
// all of Dimension() length. Errors are batch-scoped and wrap ErrUnavailable.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// normalize scales v to unit length in place. Zero vectors are left as is.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
