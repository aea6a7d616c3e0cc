// Package chunker splits normalised text into bounded, overlapping passages.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bull/offline-rag/internal/tokens"
)

// ErrInvalidParams is returned when target/overlap violate 0 <= overlap < target.
var ErrInvalidParams = errors.New("invalid chunk parameters")

// Candidate is a passage candidate produced by the chunker.
type Candidate struct {
	Ordinal    int    // Position within the chunked text (0, 1, 2...)
	Text       string // Passage text
	TokenCount int
}

var (
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)
	spaceRun       = regexp.MustCompile(`\s+`)
)

// Chunker packs sentences into passages of at most target tokens.
type Chunker struct {
	counter tokens.Counter
}

// New creates a chunker. A nil counter uses tokens.WordCounter.
func New(counter tokens.Counter) *Chunker {
	if counter == nil {
		counter = tokens.NewWordCounter()
	}
	return &Chunker{counter: counter}
}

// unit is a sentence (or a hard-cut piece of one) with its token count.
type unit struct {
	text       string
	tokens     int
	paraStart  bool
	paraTokens int // total tokens of the paragraph, set on paraStart units
	hard       bool
}

// Chunk splits text into passages of at most targetSize tokens, carrying
// up to overlap tokens of whole trailing sentences into the next passage.
// A sentence longer than targetSize is cut at token boundaries.
// Identical input and parameters always produce identical output.
func (c *Chunker) Chunk(text string, targetSize, overlap int) ([]Candidate, error) {
	if targetSize <= 0 || overlap < 0 || overlap >= targetSize {
		return nil, fmt.Errorf("%w: target=%d overlap=%d", ErrInvalidParams, targetSize, overlap)
	}

	units := c.split(text, targetSize, overlap)
	if len(units) == 0 {
		return nil, nil
	}

	var (
		out       []Candidate
		cur       []unit
		curTokens int
		fresh     int
	)

	flush := func() {
		if fresh == 0 {
			return
		}
		body := join(cur)
		out = append(out, Candidate{
			Ordinal:    len(out),
			Text:       body,
			TokenCount: c.counter.Count(body),
		})
	}

	reset := func(keep []unit) {
		cur = keep
		curTokens = 0
		for _, u := range keep {
			curTokens += u.tokens
		}
		fresh = 0
	}

	for _, u := range units {
		if u.hard {
			flush()
			reset(nil)
			cur = []unit{u}
			curTokens = u.tokens
			fresh = 1
			flush()
			reset(nil)
			continue
		}

		breakParagraph := u.paraStart && fresh > 0 &&
			curTokens >= targetSize/2 && curTokens+u.paraTokens > targetSize
		if breakParagraph || (fresh > 0 && curTokens+u.tokens > targetSize) {
			flush()
			reset(carry(cur, overlap))
			if curTokens+u.tokens > targetSize {
				reset(nil)
			}
		}

		cur = append(cur, u)
		curTokens += u.tokens
		fresh++
	}
	flush()

	return out, nil
}

// split breaks text into sentence units, cutting oversized ones.
func (c *Chunker) split(text string, targetSize, overlap int) []unit {
	var units []unit
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(spaceRun.ReplaceAllString(para, " "))
		if para == "" {
			continue
		}

		first := len(units)
		paraTokens := 0
		for _, sentence := range sentences(para) {
			n := c.counter.Count(sentence)
			if n == 0 {
				continue
			}
			paraTokens += n
			if n <= targetSize {
				units = append(units, unit{text: sentence, tokens: n})
				continue
			}
			units = append(units, c.hardCut(sentence, targetSize, overlap)...)
		}

		if len(units) > first {
			units[first].paraStart = true
			units[first].paraTokens = paraTokens
		}
	}
	return units
}

// sentences splits a whitespace-normalised paragraph after runs of
// terminal punctuation (plus closing quotes or brackets) that are followed
// by a space or the end of the paragraph. "3.14", "example.com" and
// "v1.2.3" stay whole. Re-joining the result with single spaces gives
// back the paragraph unchanged.
func sentences(para string) []string {
	var out []string
	start := 0
	for i := 0; i < len(para); {
		if !isTerminal(para[i]) {
			i++
			continue
		}
		end := i
		for end < len(para) && isTerminal(para[end]) {
			end++
		}
		for end < len(para) {
			r, size := utf8.DecodeRuneInString(para[end:])
			if !isCloser(r) {
				break
			}
			end += size
		}
		if end == len(para) || para[end] == ' ' {
			if s := strings.TrimSpace(para[start:end]); s != "" {
				out = append(out, s)
			}
			start = end
		}
		i = end
	}
	if s := strings.TrimSpace(para[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(b byte) bool { return b == '.' || b == '!' || b == '?' }

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', ')', ']':
		return true
	}
	return unicode.Is(unicode.Pf, r)
}

// hardCut slices an oversized sentence into windows of targetSize tokens
// that overlap by overlap tokens.
func (c *Chunker) hardCut(sentence string, targetSize, overlap int) []unit {
	toks := c.counter.Split(sentence)
	step := targetSize - overlap

	var pieces []unit
	for start := 0; start < len(toks); start += step {
		end := min(start+targetSize, len(toks))
		piece := sentence[toks[start].Start:toks[end-1].End]
		pieces = append(pieces, unit{text: piece, tokens: end - start, hard: true})
		if end == len(toks) {
			break
		}
	}
	return pieces
}

// carry returns the trailing units of cur totalling at most overlap tokens.
// The first unit is never carried so every passage advances.
func carry(cur []unit, overlap int) []unit {
	if overlap == 0 || len(cur) < 2 {
		return nil
	}
	total := 0
	i := len(cur)
	for i > 1 && total+cur[i-1].tokens <= overlap {
		total += cur[i-1].tokens
		i--
	}
	if i == len(cur) {
		return nil
	}
	kept := make([]unit, len(cur)-i)
	copy(kept, cur[i:])
	return kept
}

func join(units []unit) string {
	var b strings.Builder
	for i, u := range units {
		if i > 0 {
			if u.paraStart {
				b.WriteString("\n\n")
			} else {
				b.WriteString(" ")
			}
		}
		b.WriteString(u.text)
	}
	return b.String()
}

// Checksum returns the content checksum used for re-ingestion skipping.
func Checksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
