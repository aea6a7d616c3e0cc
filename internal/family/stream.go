package family

import "strings"

// Kind says whether streamed text is reasoning or visible answer.
type Kind int

const (
	KindAnswer Kind = iota
	KindReasoning
)

func (k Kind) String() string {
	if k == KindReasoning {
		return "reasoning"
	}
	return "answer"
}

// Segment is a run of streamed text of one kind. Delimiters are never
// part of a segment.
type Segment struct {
	Kind Kind
	Text string
}

// Splitter separates reasoning from answer while text streams in. It
// holds back any tail that could still begin a delimiter, so a marker
// split across tokens is never emitted as text.
//
// The first marker seen fixes the delimiter pair for the rest of the
// stream. With ClosingOnly, text before the first marker is held until a
// marker decides it: a lone Close makes it reasoning and everything after
// it answer; an Open or the end of the stream makes it answer.
type Splitter struct {
	fam       *Family
	pair      *Delimiter
	reasoning bool
	settled   bool // after a lone Close, the rest is answer
	pending   string
}

// NewSplitter returns a streaming splitter for the family's delimiters.
func (f *Family) NewSplitter() *Splitter {
	return &Splitter{fam: f}
}

// Feed adds streamed text and returns the segments now safe to emit.
func (s *Splitter) Feed(text string) []Segment {
	s.pending += text
	var out []Segment
	for {
		if s.settled {
			out = appendSegment(out, KindAnswer, s.pending)
			s.pending = ""
			return out
		}
		if s.pair == nil {
			if !s.detect(&out) {
				return out
			}
			continue
		}

		marker := s.pair.Open
		if s.reasoning {
			marker = s.pair.Close
		}
		if i := strings.Index(s.pending, marker); i >= 0 {
			out = appendSegment(out, s.kind(), s.pending[:i])
			s.pending = s.pending[i+len(marker):]
			s.reasoning = !s.reasoning
			continue
		}
		hold := heldBack(s.pending, []string{marker})
		out = appendSegment(out, s.kind(), s.pending[:len(s.pending)-hold])
		s.pending = s.pending[len(s.pending)-hold:]
		return out
	}
}

// Flush releases held-back text at the end of the stream.
func (s *Splitter) Flush() []Segment {
	kind := s.kind()
	if s.settled {
		kind = KindAnswer
	}
	out := appendSegment(nil, kind, s.pending)
	s.pending = ""
	return out
}

// detect looks for the first marker of any pair. It reports whether one
// was found and consumed.
func (s *Splitter) detect(out *[]Segment) bool {
	best, bestLen := -1, 0
	var found *Delimiter
	closing := false
	var markers []string
	for i := range s.fam.Reasoning {
		d := &s.fam.Reasoning[i]
		if d.Open == "" || d.Close == "" {
			continue
		}
		candidates := []string{d.Open}
		if s.fam.ClosingOnly {
			candidates = append(candidates, d.Close)
		}
		for _, m := range candidates {
			markers = append(markers, m)
			j := strings.Index(s.pending, m)
			if j < 0 || (best >= 0 && j > best) || (j == best && len(m) <= bestLen) {
				continue
			}
			best, bestLen, found, closing = j, len(m), d, m == d.Close
		}
	}

	if found != nil {
		if closing {
			*out = appendSegment(*out, KindReasoning, s.pending[:best])
			s.settled = true
		} else {
			*out = appendSegment(*out, KindAnswer, s.pending[:best])
			s.reasoning = true
		}
		s.pair = found
		s.pending = s.pending[best+bestLen:]
		return true
	}
	if s.fam.ClosingOnly {
		return false
	}
	hold := heldBack(s.pending, markers)
	*out = appendSegment(*out, KindAnswer, s.pending[:len(s.pending)-hold])
	s.pending = s.pending[len(s.pending)-hold:]
	return false
}

func (s *Splitter) kind() Kind {
	if s.reasoning {
		return KindReasoning
	}
	return KindAnswer
}

// heldBack returns the length of the longest tail of buf that is a proper
// prefix of one of markers.
func heldBack(buf string, markers []string) int {
	hold := 0
	for _, m := range markers {
		for l := min(len(m)-1, len(buf)); l > hold; l-- {
			if strings.HasSuffix(buf, m[:l]) {
				hold = l
				break
			}
		}
	}
	return hold
}

func appendSegment(out []Segment, kind Kind, text string) []Segment {
	if text == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Kind == kind {
		out[n-1].Text += text
		return out
	}
	return append(out, Segment{Kind: kind, Text: text})
}
