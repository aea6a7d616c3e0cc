// Package tokens approximates model-tokenizer units for budgeting.
package tokens

import (
	"regexp"
	"strings"
	"unicode"
)

// Token is one counted unit with its byte offsets in the source text.
type Token struct {
	Text  string
	Start int
	End   int
}

// Counter counts and splits text into tokens.
// Count must be additive across whitespace joins:
// Count(a + " " + b) == Count(a) + Count(b).
type Counter interface {
	Count(text string) int
	Split(text string) []Token
}

// wordPattern matches runs of letters, runs of digits, or single symbols.
var wordPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+|[^\s\p{L}\p{N}]`)

// WordCounter is the default counter. It never counts whitespace, so
// joining units with spaces or newlines adds no tokens.
type WordCounter struct{}

// NewWordCounter returns the default counter.
func NewWordCounter() WordCounter {
	return WordCounter{}
}

// Count returns the number of tokens in text.
func (WordCounter) Count(text string) int {
	return len(wordPattern.FindAllStringIndex(text, -1))
}

// Split returns the tokens of text in order.
func (WordCounter) Split(text string) []Token {
	idx := wordPattern.FindAllStringIndex(text, -1)
	out := make([]Token, len(idx))
	for i, span := range idx {
		out[i] = Token{Text: text[span[0]:span[1]], Start: span[0], End: span[1]}
	}
	return out
}

// Terms returns the lower-cased word and number tokens of text, skipping
// punctuation. Used for lexical scoring.
func Terms(text string) []string {
	matches := wordPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if isSymbol(m) {
			continue
		}
		out = append(out, strings.ToLower(m))
	}
	return out
}

func isSymbol(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return false
		}
	}
	return true
}
