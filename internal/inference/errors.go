package inference

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyGenerating = errors.New("a generation is already in progress")
	ErrEmptyPrompt       = errors.New("prompt is empty")
)

// GenerationError is a backend failure during generation. Partial holds
// the text emitted before the failure.
type GenerationError struct {
	Partial string
	Reason  EndReason
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
