package storage

import "errors"

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrModelMismatch     = errors.New("embedding model mismatch")
	ErrMissingEmbedding  = errors.New("passage has no embedding")
)
