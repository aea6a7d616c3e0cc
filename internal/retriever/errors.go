package retriever

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyQuery = errors.New("query is empty")
	ErrInvalidK   = errors.New("k must be at least 1")
)

// DocumentError ties an ingestion failure to the document that caused it.
type DocumentError struct {
	Path string
	Err  error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Path, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }
